package scenarios

import (
	"context"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/transport"
	"github.com/ValentinKolb/kvcheck/lib/wire"
)

const (
	minPoolThreads  = 5
	cleanupClients  = 64
	hasThreadsCount = 5
)

func testConnect(ctx context.Context, env *Env) error {
	return env.run(ctx, 1, func(ctx context.Context, s *harness.Setup) error {
		return s.Client(0).Ping()
	})
}

// ------ Basic parallelism ------

func testHasThreads(ctx context.Context, env *Env) error {
	return env.run(ctx, hasThreadsCount, func(ctx context.Context, s *harness.Setup) error {
		if err := s.Ping(); err != nil {
			return err
		}
		threads, err := stableThreads(ctx, s)
		if err != nil {
			return err
		}
		if len(threads) < hasThreadsCount {
			return common.TestErrorf("Expected at least %d threads with %d concurrent connections open, "+
				"but the server only has %d threads.", hasThreadsCount, hasThreadsCount, len(threads))
		}

		if err := s.Ping(); err != nil {
			return err
		}
		threads2, err := s.Server().Threads()
		if err != nil {
			return err
		}
		if len(threads) != len(threads2) {
			return common.TestErrorf("After a PING from all clients the number of threads in the server "+
				"changed from %d to %d", len(threads), len(threads2))
		}
		return nil
	})
}

// testThreadsCleanup passes right away for a server with a thread pool.
// Otherwise every connection must get a thread of its own which goes away
// with the connection.
func testThreadsCleanup(ctx context.Context, env *Env) error {
	poolErr := testThreadPool(ctx, env)
	if poolErr == nil {
		return nil
	}

	return env.run(ctx, 0, func(ctx context.Context, s *harness.Setup) error {
		base, err := threadsWhen(ctx, s, countExactly(0))
		if err != nil {
			return err
		}
		if len(base) > 0 {
			return common.TestErrorf("Server has %d threads at start, while none were expected "+
				"(and no threadpool was detected, because: %v)", len(base), poolErr)
		}

		conns := make([]*transport.Conn, 0, cleanupClients)
		for i := 0; i < cleanupClients; i++ {
			conn, err := s.Dial(ctx)
			if err != nil {
				return err
			}
			conns = append(conns, conn)
			if _, err := conn.Issue(wire.Simple(wire.CmdPing)); err != nil {
				return err
			}
		}

		load, err := threadsWhen(ctx, s, countExactly(cleanupClients))
		if err != nil {
			return err
		}
		if len(load) != cleanupClients {
			return common.TestErrorf("After launching %d clients, we expect %d threads, but only %d "+
				"threads were found (and no threadpool was detected either, because: %v)",
				cleanupClients, cleanupClients, len(load), poolErr)
		}

		for _, conn := range conns {
			conn.Close()
		}

		post, err := threadsWhen(ctx, s, countExactly(0))
		if err != nil {
			return err
		}
		if len(post) > 0 {
			return common.TestErrorf("After closing all %d client connections, we expect no threads to "+
				"remain (since no threadpool was detected), but server still had %d threads alive.\n"+
				"No threadpool was detected because: %v", cleanupClients, len(post), poolErr)
		}
		return nil
	})
}

// testParallelPing splits a PING of one client around the PING of another
func testParallelPing(ctx context.Context, env *Env) error {
	return env.run(ctx, 2, func(ctx context.Context, s *harness.Setup) error {
		c0 := s.Client(0).Conn()
		return steps(
			func() error { return c0.Send([]byte("PI")) },
			s.Client(1).Ping,
			func() error { return c0.Send([]byte("NG\n")) },
			func() error {
				_, err := c0.Recv(wire.Simple(wire.CmdPing))
				return err
			},
		)
	})
}

// ------ Thread pool ------

func testThreadPool(ctx context.Context, env *Env) error {
	return env.run(ctx, 0, func(ctx context.Context, s *harness.Setup) error {
		base, err := stableThreads(ctx, s)
		if err != nil {
			return err
		}
		if len(base) == 0 {
			return common.TestErrorf("No threads found after starting server")
		}
		if len(base) < minPoolThreads {
			return common.TestErrorf("Insufficient threads found for thread pool. Found %d threads.", len(base))
		}

		for _, when := range []string{
			"after creating client connections",
			"after closing and creating more client connections",
		} {
			if err := pingThreeClients(ctx, s, base, when); err != nil {
				return err
			}
		}

		threads, err := s.Server().Threads()
		if err != nil {
			return err
		}
		if threadSetsDiffer(base, threads) {
			return common.TestErrorf("Different threads found after closing all client connections.\n"+
				"Original threads: %v\nCurrent threads:  %v", base, threads)
		}
		return nil
	})
}

// pingThreeClients opens three connections, pings from two of them and
// compares the threads of the server with base before closing them again
func pingThreeClients(ctx context.Context, s *harness.Setup, base []int32, when string) error {
	conns := make([]*transport.Conn, 3)
	defer func() {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
	}()
	for i := range conns {
		conn, err := s.Dial(ctx)
		if err != nil {
			return err
		}
		conns[i] = conn
	}

	ping := wire.Simple(wire.CmdPing)
	for _, conn := range []*transport.Conn{conns[0], conns[1], conns[0]} {
		if _, err := conn.Issue(ping); err != nil {
			return err
		}
	}

	threads, err := s.Server().Threads()
	if err != nil {
		return err
	}
	if threadSetsDiffer(base, threads) {
		return common.TestErrorf("Different threads found %s.\nOriginal threads: %v\nCurrent threads:  %v",
			when, base, threads)
	}
	return nil
}
