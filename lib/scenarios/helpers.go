package scenarios

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/cenkalti/backoff/v4"
)

const (
	// restoredBufferSize is the socket buffer size after a stalled read
	restoredBufferSize = 128 * 1024

	// threads of closed connections exit asynchronously, thread counts are
	// sampled until they settle
	settleTimeout  = 2 * time.Second
	settleInterval = 20 * time.Millisecond
)

var errUnsettled = errors.New("sample not settled")

// sampleUntil takes samples until ok accepts one or the settle timeout
// passed. The last sample is returned either way.
func sampleUntil[T any](ctx context.Context, sample func() (T, error), ok func(T) bool) (T, error) {
	var last T
	var sampleErr error
	op := func() error {
		v, err := sample()
		if err != nil {
			sampleErr = err
			return backoff.Permanent(err)
		}
		last = v
		if !ok(v) {
			return errUnsettled
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	_ = backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(settleInterval), ctx))
	if sampleErr != nil {
		var zero T
		return zero, sampleErr
	}
	return last, nil
}

// threadsWhen samples the threads of the server until ok accepts them
func threadsWhen(ctx context.Context, s *harness.Setup, ok func(threads []int32) bool) ([]int32, error) {
	return sampleUntil(ctx, s.Server().Threads, ok)
}

// dumpWhen requests dumps until ok accepts one
func dumpWhen(ctx context.Context, s *harness.Setup, ok func(dump *wire.Dump) bool) (*wire.Dump, error) {
	return sampleUntil(ctx, func() (*wire.Dump, error) { return s.Server().Dump(ctx) }, ok)
}

// formatDump renders the keys and values of a dump in key order
func formatDump(dump *wire.Dump) string {
	state := dump.State()
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = common.PrintableString(k, 32) + ": " + common.Printable(state[k], 32)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// stableThreads samples the threads until two consecutive samples agree
func stableThreads(ctx context.Context, s *harness.Setup) ([]int32, error) {
	prev := -1
	return threadsWhen(ctx, s, func(threads []int32) bool {
		stable := len(threads) == prev
		prev = len(threads)
		return stable
	})
}

func countExactly(n int) func([]int32) bool {
	return func(threads []int32) bool { return len(threads) == n }
}

// threadSetsDiffer reports whether the symmetric difference is not empty
func threadSetsDiffer(a, b []int32) bool {
	set := make(map[int32]int, len(a))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	for _, v := range set {
		if v != 3 {
			return true
		}
	}
	return false
}

// checkPayload compares the payload of a stalled GET with the value stored
func checkPayload(key string, expected, received []byte) error {
	if bytes.Equal(expected, received) {
		return nil
	}
	return common.TestErrorf("Value returned for GET %s incorrect.\nExpected: %s\nReceived: %s",
		key, common.Printable(expected, 128), common.Printable(received, 128))
}

// steps runs fns in order until one fails
func steps(fns ...func() error) error {
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// set stores a value from client c and fails on any server error
func set(s *harness.Setup, c int, key string, value []byte) func() error {
	return func() error {
		_, err := s.Client(c).Set(key, value, false)
		return err
	}
}

// get reads a key from client c and checks the value against the oracle
func get(s *harness.Setup, c int, key string) func() error {
	return func() error {
		_, err := s.Client(c).Get(key, false, true)
		return err
	}
}

func del(s *harness.Setup, c int, key string) func() error {
	return func() error {
		_, err := s.Client(c).Del(key, false)
		return err
	}
}

func verify(ctx context.Context, s *harness.Setup) func() error {
	return func() error {
		return s.Verify(ctx)
	}
}
