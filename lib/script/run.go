package script

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/server"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("script")

var defaultMix = map[string]int{OpSet: 1, OpGet: 1, OpDel: 1}

// runner executes the steps of a script on an open setup
type runner struct {
	setup *harness.Setup
	vars  map[string]string
}

// Run runs the script against a fresh server started with proc. The error of
// a failing step names the step.
func (s *Script) Run(ctx context.Context, config common.Config, proc server.IProcess) error {
	if s.Seed != 0 {
		config = config.WithSeed(s.Seed)
	}
	Logger.Infof("running script %s with %d clients", s.Name, s.Clients)
	ctx, cancel := harness.WithBudget(ctx, config)
	defer cancel()

	return harness.Run(ctx, config, proc, s.Clients, func(ctx context.Context, setup *harness.Setup) error {
		r := &runner{setup: setup, vars: make(map[string]string)}
		for i, step := range s.Steps {
			for n := 0; n < step.times(); n++ {
				if err := r.run(ctx, step); err != nil {
					return stepError(i, step, err)
				}
			}
		}
		return nil
	})
}

// stepError prefixes err with the step. A server fault nobody expected is a
// test error.
func stepError(i int, step Step, err error) error {
	if f, ok := common.AsFault(err); ok && common.IsKind(err, common.KindServerFault) {
		err = f.Unexpected()
	}
	kind, ok := common.KindOf(err)
	if !ok {
		kind = common.KindTest
	}
	return common.NewError(kind, fmt.Sprintf("step %d (%s)", i+1, step.Op), "", err)
}

func (r *runner) run(ctx context.Context, step Step) error {
	call := func() error { return r.call(ctx, step) }
	if step.Expect != "" {
		return harness.ExpectFault(step.Expect, call)
	}
	return call()
}

func (r *runner) call(ctx context.Context, step Step) error {
	c := r.setup.Client(step.Client)
	switch step.Op {
	case OpPing:
		return c.Ping()
	case OpComplete:
		return c.CompleteStall()
	case OpVerify:
		return r.setup.Verify(ctx)
	case OpStress:
		return r.stress(ctx, step)
	}

	key := r.key(step)
	switch step.Op {
	case OpSet:
		_, err := c.Set(key, r.value(step), step.AllowError)
		return err
	case OpDel:
		_, err := c.Del(key, step.AllowError)
		return err
	case OpStall:
		return c.Stall(key, r.value(step))
	case OpGet:
		value, err := c.Get(key, step.AllowError, !step.NoCheck)
		if err != nil || value == nil || step.Value == nil {
			return err
		}
		if expected := []byte(*step.Value); !bytes.Equal(value, expected) {
			return common.TestErrorf("GET %s returned %s, expected %s",
				common.PrintableString(key, 32), common.Printable(value, 32), common.Printable(expected, 32))
		}
		return nil
	}
	return fmt.Errorf("unknown op %s", step.Op)
}

// key resolves the key of a step and binds it if the step asks for it
func (r *runner) key(step Step) string {
	var key string
	switch {
	case step.KeyLen != nil:
		key = r.setup.Rand().StringBetween(bounds(step.KeyLen))
	case len(step.Key) > 1 && step.Key[0] == '$':
		key = r.vars[step.Key[1:]]
	default:
		key = step.Key
	}
	if step.As != "" {
		r.vars[step.As] = key
	}
	return key
}

func (r *runner) value(step Step) []byte {
	if step.Value != nil {
		return []byte(*step.Value)
	}
	if step.Binary {
		return r.setup.Rand().Binary(bounds(step.ValueLen))
	}
	return r.setup.Rand().Value(bounds(step.ValueLen))
}

// stress runs a weighted mix of set, get and del on all clients
func (r *runner) stress(ctx context.Context, step Step) error {
	mix := step.Mix
	if mix == nil {
		mix = defaultMix
	}
	var choices []string
	for _, op := range []string{OpSet, OpGet, OpDel} {
		for i := 0; i < mix[op]; i++ {
			choices = append(choices, op)
		}
	}

	keyMin, keyMax := 4, 6
	if step.KeyLen != nil {
		keyMin, keyMax = bounds(step.KeyLen)
	}
	keys := make([]string, max(step.Keys, 10))
	for i := range keys {
		keys[i] = r.setup.Rand().StringBetween(keyMin, keyMax)
	}

	valMin, valMax := 8, 0
	if step.ValueLen != nil {
		valMin, valMax = bounds(step.ValueLen)
	}

	duration := step.Duration
	if duration == 0 {
		duration = defaultStressDuration
	}
	report, err := r.setup.Stress(ctx, func(c *harness.Client, rnd *harness.Rand) error {
		key := rnd.Choice(keys)
		var err error
		switch rnd.Choice(choices) {
		case OpSet:
			_, err = c.Set(key, rnd.Value(valMin, valMax), true)
		case OpGet:
			_, err = c.Get(key, true, !step.NoCheck)
		case OpDel:
			_, err = c.Del(key, true)
		}
		return err
	}, harness.StressOptions{
		Duration:             duration,
		ExpectedOpsPerSecond: step.MinOpsPerSecond,
	})
	if report != nil {
		Logger.Infof("stress step done\n%s", report)
	}
	return err
}
