package harness_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/oracle"
	kvtesting "github.com/ValentinKolb/kvcheck/lib/testing"
	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, opts kvtesting.FakeOptions, nclients int, fn func(ctx context.Context, s *harness.Setup) error) error {
	t.Helper()
	cfg := kvtesting.FakeConfig(t)
	return harness.Run(context.Background(), cfg, kvtesting.NewFakeProcess(cfg, opts), nclients, fn)
}

// ------ Setup ------

func TestSetGetDel(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 2, func(ctx context.Context, s *harness.Setup) error {
		c := s.Client(0)
		if _, err := c.Set("hello", []byte("world"), false); err != nil {
			return err
		}
		value, err := s.Client(1).Get("hello", false, true)
		if err != nil {
			return err
		}
		assert.Equal(t, []byte("world"), value)

		if _, err := c.Del("hello", false); err != nil {
			return err
		}
		return s.Verify(ctx)
	})
	assert.NoError(t, err)
}

func TestUnexpectedFaultBecomesTestError(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 1, func(ctx context.Context, s *harness.Setup) error {
		_, err := s.Client(0).Get("missing", false, true)
		return err
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTest))
	assert.Contains(t, err.Error(), "Server sent unexpected error 1: KEY_ERROR.")
	assert.Contains(t, err.Error(), "Command: GET missing")
}

func TestAllowedFaultIsSwallowed(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 1, func(ctx context.Context, s *harness.Setup) error {
		ok, err := s.Client(0).Del("missing", true)
		assert.False(t, ok)
		if err != nil {
			return err
		}
		value, err := s.Client(0).Get("missing", true, true)
		assert.Nil(t, value)
		return err
	})
	assert.NoError(t, err)
}

func TestIntegrityViolationOnClose(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{IgnoreDel: true}, 1, func(ctx context.Context, s *harness.Setup) error {
		if _, err := s.Client(0).Set("k", []byte("v"), false); err != nil {
			return err
		}
		_, err := s.Client(0).Del("k", false)
		return err
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindIntegrity))
	assert.Contains(t, err.Error(), "Value for key k incorrect.")
	assert.Contains(t, err.Error(), "- k: <DELETED>")
}

func TestFailureStillVerifies(t *testing.T) {
	boom := common.TestErrorf("boom")
	err := run(t, kvtesting.FakeOptions{IgnoreDel: true}, 1, func(ctx context.Context, s *harness.Setup) error {
		if _, err := s.Client(0).Set("k", []byte("v"), false); err != nil {
			return err
		}
		if _, err := s.Client(0).Del("k", false); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindIntegrity), "integrity failure comes first")
	assert.True(t, strings.HasPrefix(err.Error(), "Value for key k incorrect."), err.Error())
	assert.Contains(t, err.Error(), "Additionally: TestError: boom")
	assert.True(t, errors.Is(err, boom))
}

func TestIntegrityFailureIsNotDuplicated(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{IgnoreDel: true}, 1, func(ctx context.Context, s *harness.Setup) error {
		if _, err := s.Client(0).Set("k", []byte("v"), false); err != nil {
			return err
		}
		if _, err := s.Client(0).Del("k", false); err != nil {
			return err
		}
		return s.Verify(ctx)
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindIntegrity))
	assert.Equal(t, 1, strings.Count(err.Error(), "Value for key k incorrect."))
}

func TestClientStopsAfterBudget(t *testing.T) {
	cfg := kvtesting.FakeConfig(t)
	cfg.ScenarioTimeout = 300 * time.Millisecond
	ctx, cancel := harness.WithBudget(context.Background(), cfg)
	defer cancel()

	err := harness.Run(ctx, cfg, kvtesting.NewFakeProcess(cfg, kvtesting.FakeOptions{}), 1, func(ctx context.Context, s *harness.Setup) error {
		if _, err := s.Client(0).Set("k", []byte("v"), false); err != nil {
			return err
		}
		<-ctx.Done()
		_, err := s.Client(0).Get("k", false, true)
		return err
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTimeout))
	assert.True(t, errors.Is(err, common.ErrScenarioTimeout))
	assert.Contains(t, err.Error(), "Scenario did not finish within its time budget.")
	assert.NotContains(t, err.Error(), "IntegrityError")
}

func TestWithVerifiedStep(t *testing.T) {
	boom := common.TestErrorf("boom")
	err := run(t, kvtesting.FakeOptions{}, 1, func(ctx context.Context, s *harness.Setup) error {
		err := s.WithVerifiedStep(ctx, func() error {
			if _, err := s.Client(0).Set("a", []byte("1"), false); err != nil {
				return err
			}
			return boom
		})
		assert.Same(t, boom, err)

		return s.WithVerifiedStep(ctx, func() error {
			s.StateSet(0, "b", oracle.OfString("2"))
			return nil
		})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected key b not found in server dump")
}

func TestExpectFault(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 1, func(ctx context.Context, s *harness.Setup) error {
		c := s.Client(0)
		require.NoError(t, harness.ExpectFault(wire.CodeKeyError, func() error {
			_, err := c.Get("missing", false, true)
			return err
		}))

		err := harness.ExpectFault(wire.CodeKeyError, c.Ping)
		require.Error(t, err)
		assert.Equal(t, "Code was expected to throw KEY_ERROR but did not", err.Error())

		assert.NoError(t, harness.ExpectKind(common.KindTest, func() error {
			return common.TestErrorf("expected")
		}))
		return nil
	})
	assert.NoError(t, err)
}

func TestDialIsClosedOnTeardown(t *testing.T) {
	cfg := kvtesting.FakeConfig(t)
	proc := kvtesting.NewFakeProcess(cfg, kvtesting.FakeOptions{})
	s := harness.NewSetup(cfg, proc, 1)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	conn, err := s.Dial(ctx)
	require.NoError(t, err)
	_, err = conn.Issue(wire.Simple(wire.CmdPing))
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx, nil))
	assert.True(t, proc.Poll())
	assert.Error(t, conn.Send([]byte("PING\n")))
}

// ------ Stalls ------

func TestStallLocksKey(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 3, func(ctx context.Context, s *harness.Setup) error {
		key, val := "stalled", []byte("value")
		if err := s.Client(0).Stall(key, val); err != nil {
			return err
		}

		if err := harness.ExpectFault(wire.CodeKeyError, func() error {
			_, err := s.Client(1).Set(key, []byte("other"), false)
			return err
		}); err != nil {
			return err
		}
		if _, err := s.Client(2).Set("free", []byte("x"), false); err != nil {
			return err
		}
		if err := s.Verify(ctx); err != nil {
			return err
		}

		if err := s.Client(0).CompleteStall(); err != nil {
			return err
		}
		_, err := s.Client(1).Get(key, false, true)
		return err
	})
	assert.NoError(t, err)
}

func TestStallWithoutKeyLocks(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{NoKeyLocks: true}, 2, func(ctx context.Context, s *harness.Setup) error {
		if err := s.Client(0).Stall("k", []byte("v")); err != nil {
			return err
		}
		err := harness.ExpectFault(wire.CodeKeyError, func() error {
			_, err := s.Client(1).Set("k", []byte("other"), false)
			return err
		})
		if err != nil {
			return err
		}
		return s.Client(0).CompleteStall()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Code was expected to throw KEY_ERROR but did not")
}

func TestCompleteStallWithoutStall(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 1, func(ctx context.Context, s *harness.Setup) error {
		return s.Client(0).CompleteStall()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stalled command")
}

// ------ Stress ------

func setRandom(c *harness.Client, r *harness.Rand) error {
	_, err := c.Set(r.StringBetween(4, 10), r.Value(8, 256), true)
	return err
}

func TestStress(t *testing.T) {
	var report *harness.StressReport
	err := run(t, kvtesting.FakeOptions{}, 4, func(ctx context.Context, s *harness.Setup) error {
		if _, err := s.Client(0).Set("before", []byte("x"), false); err != nil {
			return err
		}
		var err error
		report, err = s.Stress(ctx, setRandom, harness.StressOptions{
			Duration:             300 * time.Millisecond,
			ExpectedOpsPerSecond: 10,
		})
		if err != nil {
			return err
		}
		assert.Equal(t, oracle.Concurrent, s.Oracle().Mode())
		_, err = s.Client(3).Get("before", false, true)
		return err
	})
	require.NoError(t, err)

	require.Len(t, report.Workers, 4)
	for i, w := range report.Workers {
		assert.Equal(t, i, w.Actor)
		assert.GreaterOrEqual(t, w.Ops, 3)
		assert.NoError(t, w.Err)
	}
	assert.Positive(t, report.Sizes.Count())
	assert.Contains(t, report.String(), "4 workers")
	assert.Contains(t, report.String(), "value sizes: avg ")
}

func TestStressWorkerError(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 3, func(ctx context.Context, s *harness.Setup) error {
		_, err := s.Stress(ctx, func(c *harness.Client, r *harness.Rand) error {
			if c.ID() == 1 {
				return common.TestErrorf("boom")
			}
			return c.Ping()
		}, harness.StressOptions{Duration: 200 * time.Millisecond, ExpectedOpsPerSecond: 1})
		return err
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTest))
	assert.Contains(t, err.Error(), "One or more threads encountered an error:\nTestError: boom")
}

func TestStressFailedWorkerWritesAreKept(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 2, func(ctx context.Context, s *harness.Setup) error {
		_, err := s.Stress(ctx, func(c *harness.Client, r *harness.Rand) error {
			if c.ID() == 1 {
				if _, err := c.Set("written-then-failed", []byte("v"), false); err != nil {
					return err
				}
				return common.TestErrorf("boom")
			}
			return c.Ping()
		}, harness.StressOptions{Duration: 200 * time.Millisecond, ExpectedOpsPerSecond: 1})
		return err
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTest))
	assert.Contains(t, err.Error(), "TestError: boom")
	assert.NotContains(t, err.Error(), "IntegrityError")
	assert.NotContains(t, err.Error(), "written-then-failed")
}

func TestStressThroughputFloor(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 2, func(ctx context.Context, s *harness.Setup) error {
		_, err := s.Stress(ctx, func(c *harness.Client, r *harness.Rand) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		}, harness.StressOptions{Duration: 200 * time.Millisecond, ExpectedOpsPerSecond: 100})
		return err
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindThroughput))
	assert.Contains(t, err.Error(), "Minimum ops per worker: 20")
}

func TestStressWorkerBounds(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 2, func(ctx context.Context, s *harness.Setup) error {
		_, err := s.Stress(ctx, setRandom, harness.StressOptions{Workers: 3})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nclients must be between 1 and 2")
}

func TestStressRacingSetAndDel(t *testing.T) {
	err := run(t, kvtesting.FakeOptions{}, 2, func(ctx context.Context, s *harness.Setup) error {
		_, err := s.Stress(ctx, func(c *harness.Client, r *harness.Rand) error {
			if c.ID() == 0 {
				_, err := c.Set("a", r.Value(8, 0), true)
				return err
			}
			_, err := c.Del("a", true)
			return err
		}, harness.StressOptions{Duration: 200 * time.Millisecond, ExpectedOpsPerSecond: 1})
		if err != nil {
			return err
		}

		// either outcome of the race is admissible
		c, ok := s.Oracle().Candidates("a")
		require.True(t, ok)
		assert.Len(t, c, 2)
		return nil
	})
	assert.NoError(t, err)
}
