package scenarios

import (
	"context"

	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/wire"
)

// keyError expects fn to fail with KEY_ERROR
func keyError(fn func() error) func() error {
	return func() error {
		return harness.ExpectFault(wire.CodeKeyError, fn)
	}
}

func stall(s *harness.Setup, c int, key string, value []byte) func() error {
	return func() error {
		return s.Client(c).Stall(key, value)
	}
}

func completeStall(s *harness.Setup, c int) func() error {
	return s.Client(c).CompleteStall
}

// stalledRead is a GET whose payload the server can not write completely
// because the socket buffers of the client were shrunk
type stalledRead struct {
	client *harness.Client
	key    string
	n      int
}

// shrink shrinks the buffers of client c on both ends and returns the number
// of bytes in flight before a write of the server blocks
func shrink(s *harness.Setup, c int) (int, error) {
	return s.Client(c).SetBufferSizes(0, true)
}

// startRead sends GET key from client c and reads the status line
func startRead(s *harness.Setup, c int, key string) (*stalledRead, error) {
	client := s.Client(c)
	n, err := client.StallGet(key, true)
	if err != nil {
		return nil, err
	}
	return &stalledRead{client: client, key: key, n: n}, nil
}

// finish restores the receive buffer, reads the payload and compares it with
// expected. With restoreServer the send buffer of the server is restored
// too, which is only possible once the payload is read.
func (r *stalledRead) finish(expected []byte, restoreServer bool) error {
	if _, err := r.client.SetBufferSizes(restoredBufferSize, false); err != nil {
		return err
	}
	payload, err := r.client.RecvPayload(r.n)
	if err != nil {
		return err
	}
	if restoreServer {
		if _, err := r.client.SetBufferSizes(restoredBufferSize, true); err != nil {
			return err
		}
	}
	return checkPayload(r.key, expected, payload)
}

// ------ Concurrent SET ------

func testConcSetParallel(ctx context.Context, env *Env) error {
	return env.run(ctx, 3, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		key := r.String(4)
		return steps(
			set(s, 0, r.String(4), r.Value(8, 0)),
			set(s, 1, r.String(4), r.Value(8, 0)),
			set(s, 2, r.String(4), r.Value(8, 0)),
			verify(ctx, s),

			set(s, 0, key, r.Value(8, 0)),
			verify(ctx, s),
			set(s, 1, key, r.Value(8, 0)),
			verify(ctx, s),
			set(s, 2, key, r.Value(8, 0)),
			verify(ctx, s),
		)
	})
}

// testConcSetLock locks a key with a SET waiting for its value. Other
// writers of the key must fail while other keys stay writable.
func testConcSetLock(ctx context.Context, env *Env) error {
	return env.run(ctx, 3, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		key, val := r.String(4), r.Value(128, 0)
		return steps(
			stall(s, 0, key, val),
			keyError(set(s, 1, key, r.Value(8, 0))),
			keyError(set(s, 2, key, r.Value(8, 0))),
			verify(ctx, s),

			set(s, 1, r.String(4), r.Value(8, 0)),
			set(s, 2, r.String(4), r.Value(8, 0)),
			verify(ctx, s),

			completeStall(s, 0),
			verify(ctx, s),

			set(s, 1, key, r.Value(8, 0)),
			set(s, 2, key, r.Value(8, 0)),
			verify(ctx, s),
		)
	})
}

// testConcSetLockBucket is testConcSetLock for keys sharing a bucket: the
// lock must be per key, not per bucket
func testConcSetLockBucket(ctx context.Context, env *Env) error {
	return env.run(ctx, 3, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		keys := r.KeysSameBucket(3, 4)
		return steps(
			stall(s, 0, keys[0], r.Value(8, 0)),
			keyError(set(s, 1, keys[0], r.Value(8, 0))),
			keyError(set(s, 2, keys[0], r.Value(8, 0))),
			verify(ctx, s),

			set(s, 1, keys[1], r.Value(8, 0)),
			set(s, 2, keys[2], r.Value(8, 0)),
			verify(ctx, s),

			completeStall(s, 0),
			verify(ctx, s),
		)
	})
}

// ------ Concurrent GET ------

// testConcGetParallel stalls the GETs of two clients in the middle of their
// payloads. The third client must be served meanwhile.
func testConcGetParallel(ctx context.Context, env *Env) error {
	return env.run(ctx, 3, func(ctx context.Context, s *harness.Setup) error {
		if _, err := shrink(s, 1); err != nil {
			return err
		}
		bufsize, err := shrink(s, 2)
		if err != nil {
			return err
		}

		r := s.Rand()
		key0, val0 := r.String(4), r.Value(bufsize*3, 0)
		key1, val1 := r.String(4), r.Value(bufsize*3, 0)
		key2, val2 := r.String(4), r.Value(bufsize*3, 0)
		if err := steps(set(s, 0, key0, val0), set(s, 0, key1, val1), set(s, 0, key2, val2)); err != nil {
			return err
		}

		read1, err := startRead(s, 1, key1)
		if err != nil {
			return err
		}
		read2, err := startRead(s, 2, key2)
		if err != nil {
			return err
		}

		return steps(
			get(s, 0, key0),
			set(s, 0, r.String(5), r.Value(8, 0)),
			func() error { return read2.finish(val2, false) },
			func() error { return read1.finish(val1, false) },
		)
	})
}

// testConcGetNonBlocking reads a key that is being written, which must fail
// instead of waiting for the writer
func testConcGetNonBlocking(ctx context.Context, env *Env) error {
	return env.run(ctx, 2, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		key := r.String(4)
		return steps(
			stall(s, 0, key, r.Value(8, 0)),
			keyError(get(s, 1, key)),
			completeStall(s, 0),
			verify(ctx, s),
			get(s, 0, key),
		)
	})
}

// testConcGetLock keeps a key read locked by a stalled GET. Writing and
// deleting the key must fail until the payload was read.
func testConcGetLock(ctx context.Context, env *Env) error {
	return env.run(ctx, 2, func(ctx context.Context, s *harness.Setup) error {
		bufsize, err := shrink(s, 1)
		if err != nil {
			return err
		}

		r := s.Rand()
		key, val := r.String(4), r.Value(bufsize*3, 0)
		if err := set(s, 0, key, val)(); err != nil {
			return err
		}

		read, err := startRead(s, 1, key)
		if err != nil {
			return err
		}
		return steps(
			keyError(set(s, 0, key, r.Value(8, 0))),
			keyError(del(s, 0, key)),
			func() error { return read.finish(val, true) },
			set(s, 0, key, r.Value(8, 0)),
			verify(ctx, s),
			del(s, 0, key),
		)
	})
}

func testConcGetLockBucket(ctx context.Context, env *Env) error {
	return env.run(ctx, 2, func(ctx context.Context, s *harness.Setup) error {
		r := s.Rand()
		keys := r.KeysSameBucket(3, 4)
		return steps(
			stall(s, 0, keys[0], r.Value(8, 0)),
			keyError(get(s, 1, keys[0])),

			set(s, 1, keys[1], r.Value(8, 0)),
			set(s, 1, keys[2], r.Value(8, 0)),
			get(s, 1, keys[1]),
			get(s, 1, keys[2]),

			completeStall(s, 0),
			verify(ctx, s),
			get(s, 1, keys[0]),
		)
	})
}

// ------ R/W lock ------

// testRWLockGet overlaps two stalled GETs of the same key. Readers must be
// served at any time, writers only once both reads completed.
func testRWLockGet(ctx context.Context, env *Env) error {
	return env.run(ctx, 3, func(ctx context.Context, s *harness.Setup) error {
		bufsize, err := shrink(s, 1)
		if err != nil {
			return err
		}

		r := s.Rand()
		key, val := r.String(4), r.Value(bufsize*3, 0)
		if err := set(s, 0, key, val)(); err != nil {
			return err
		}

		read1, err := startRead(s, 1, key)
		if err != nil {
			return err
		}
		if err := steps(
			keyError(set(s, 0, key, r.Value(8, 0))),
			get(s, 0, key),
			get(s, 2, key),
		); err != nil {
			return err
		}

		if _, err := shrink(s, 2); err != nil {
			return err
		}
		read2, err := startRead(s, 2, key)
		if err != nil {
			return err
		}

		return steps(
			func() error { return read1.finish(val, true) },
			keyError(set(s, 0, key, r.Value(8, 0))),
			get(s, 0, key),
			get(s, 1, key),

			func() error { return read2.finish(val, true) },
			get(s, 0, key),
			get(s, 1, key),
			get(s, 2, key),
			set(s, 0, key, r.Value(8, 0)),
		)
	})
}
