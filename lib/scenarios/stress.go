package scenarios

import (
	"context"

	"github.com/ValentinKolb/kvcheck/lib/harness"
)

// stressClients is the number of concurrent workers of every stress test
const stressClients = 10

// stress runs the workload on all clients of a fresh setup. prepare runs
// before the workers start and may return the keys the workload picks from.
func (e *Env) stress(ctx context.Context, prepare func(s *harness.Setup) ([]string, error),
	workload func(keys []string) harness.Workload) error {
	return e.run(ctx, stressClients, func(ctx context.Context, s *harness.Setup) error {
		var keys []string
		if prepare != nil {
			var err error
			if keys, err = prepare(s); err != nil {
				return err
			}
		}
		report, err := s.Stress(ctx, workload(keys), e.stressOptions())
		if report != nil {
			Logger.Debugf("stress report:\n%s", report)
		}
		return err
	})
}

// randomKeys returns n distinct random keys with a length in [min, max)
func randomKeys(r *harness.Rand, n, min, max int) []string {
	seen := make(map[string]bool, n)
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := r.StringBetween(min, max)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// setValid stores n random keys and returns them together with invalid
// random keys nobody set
func setValid(s *harness.Setup, n, invalid int) ([]string, error) {
	valid, err := setMany(s, n, 4*4096)
	if err != nil {
		return nil, err
	}
	keys := append(valid, randomKeys(s.Rand(), invalid, 4, 10)...)
	return dedupe(keys), nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func testStressSetRandom(ctx context.Context, env *Env) error {
	return env.stress(ctx, nil, func([]string) harness.Workload {
		return func(c *harness.Client, r *harness.Rand) error {
			_, err := c.Set(r.StringBetween(4, 10), r.Value(8, 4096), true)
			return err
		}
	})
}

// testStressSetContention lets all workers write a small set of keys, and
// sometimes another key to race within the buckets
func testStressSetContention(ctx context.Context, env *Env) error {
	prepare := func(s *harness.Setup) ([]string, error) {
		return randomKeys(s.Rand(), 10, 4, 6), nil
	}
	return env.stress(ctx, prepare, func(keys []string) harness.Workload {
		return func(c *harness.Client, r *harness.Rand) error {
			key := r.Choice(keys)
			if r.Float64() < 0.1 {
				key = r.String(4)
			}
			_, err := c.Set(key, r.Value(8, 0), true)
			return err
		}
	})
}

func testStressGet(ctx context.Context, env *Env) error {
	prepare := func(s *harness.Setup) ([]string, error) {
		return setValid(s, 50, 10)
	}
	return env.stress(ctx, prepare, func(keys []string) harness.Workload {
		return func(c *harness.Client, r *harness.Rand) error {
			_, err := c.Get(r.Choice(keys), true, true)
			return err
		}
	})
}

func testStressDel(ctx context.Context, env *Env) error {
	prepare := func(s *harness.Setup) ([]string, error) {
		if _, err := setMany(s, 10, 4*4096); err != nil {
			return nil, err
		}
		return setValid(s, 1000, 10)
	}
	return env.stress(ctx, prepare, func(keys []string) harness.Workload {
		return func(c *harness.Client, r *harness.Rand) error {
			_, err := c.Del(r.Choice(keys), true)
			return err
		}
	})
}

func testStressSetDel(ctx context.Context, env *Env) error {
	prepare := func(s *harness.Setup) ([]string, error) {
		return randomKeys(s.Rand(), 100, 4, 6), nil
	}
	return env.stress(ctx, prepare, func(keys []string) harness.Workload {
		return func(c *harness.Client, r *harness.Rand) error {
			key := r.Choice(keys)
			if r.Float64() < 0.1 {
				key = r.String(4)
			}
			if r.Float64() < 0.5 {
				_, err := c.Set(key, r.Value(8, 0), true)
				return err
			}
			_, err := c.Del(key, true)
			return err
		}
	})
}

// testStressSetDelGet mixes all commands on short random keys and a small
// set of keys. Values read are not checked.
func testStressSetDelGet(ctx context.Context, env *Env) error {
	prepare := func(s *harness.Setup) ([]string, error) {
		return randomKeys(s.Rand(), 10, 4, 6), nil
	}
	return env.stress(ctx, prepare, func(keys []string) harness.Workload {
		return func(c *harness.Client, r *harness.Rand) error {
			key := r.String(3)
			if r.Float64() >= 0.5 {
				key = r.Choice(keys)
			}
			var err error
			switch r.Intn(3) {
			case 0:
				_, err = c.Set(key, r.Value(8, 0), true)
			case 1:
				_, err = c.Del(key, true)
			default:
				_, err = c.Get(key, true, false)
			}
			return err
		}
	})
}
