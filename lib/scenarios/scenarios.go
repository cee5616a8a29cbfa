package scenarios

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/server"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("scenarios")

// Func is a single test. It returns nil if the server behaved correctly.
type Func func(ctx context.Context, env *Env) error

// Test is a named test of a group
type Test struct {
	Name string
	Func Func
}

// Group is a collection of tests which are together worth Points. Every
// passed test awards an equal share.
type Group struct {
	Name   string
	Code   string
	Points float64
	Tests  []Test

	// StopIfFail ends the group at the first failing test and the whole run
	// if any test of the group failed
	StopIfFail bool

	// Threshold ends the run if the group scored less (0 = none)
	Threshold float64
}

// Env is what every test runs against
type Env struct {
	Config common.Config

	// NewProcess creates the process of the server under test. Every test
	// gets a fresh one. Defaults to server.NewProcess.
	NewProcess func(config common.Config) server.IProcess

	// Stress overrides the duration and the throughput floor of the stress
	// tests. The number of workers is fixed by the tests.
	Stress harness.StressOptions
}

func (e *Env) process() server.IProcess {
	if e.NewProcess != nil {
		return e.NewProcess(e.Config)
	}
	return server.NewProcess(e.Config.Server)
}

// run opens a setup with n clients on a fresh server
func (e *Env) run(ctx context.Context, nclients int, fn func(ctx context.Context, s *harness.Setup) error) error {
	return harness.Run(ctx, e.Config, e.process(), nclients, fn)
}

func (e *Env) stressOptions() harness.StressOptions {
	opts := e.Stress
	opts.Workers = 0
	return opts
}

// Groups returns all groups in the order they are run
func Groups() []Group {
	return []Group{
		{
			Name: "Valid submission", Code: "connect", Points: 1,
			Tests: []Test{
				{"Connect and ping", testConnect},
			},
			StopIfFail: true,
		},
		{
			Name: "SET command", Code: "set", Points: 2,
			Tests: []Test{
				{"Simple", testSetSimple},
				{"Overwrite", testSetOverwrite},
				{"Big value", testSetBigVal},
				{"Big key", testSetBigKey},
				{"Binary", testSetBinary},
				{"Many", testSetMany},
				{"Abort", testSetAbort},
			},
			Threshold: 1.5,
		},
		{
			Name: "GET command", Code: "get", Points: 1,
			Tests: []Test{
				{"Simple", testGetSimple},
				{"Non-existing", testGetNonExisting},
				{"Big value", testGetBigVal},
				{"Big key", testGetBigKey},
				{"Binary", testGetBinary},
				{"Many", testGetMany},
				{"Abort", testGetAbort},
			},
			Threshold: 0.5,
		},
		{
			Name: "DEL command", Code: "del", Points: 1,
			Tests: []Test{
				{"Simple", testDelSimple},
				{"Non-existing", testDelNonExisting},
				{"Big key", testDelBigKey},
				{"Many", testDelMany},
			},
			Threshold: 0.5,
		},
		{
			Name: "Basic parallelism", Code: "parallel", Points: 0.5,
			Tests: []Test{
				{"Has threads", testHasThreads},
				{"Threads cleanup", testThreadsCleanup},
				{"Parallel commands", testParallelPing},
			},
			StopIfFail: true,
		},
		{
			Name: "Concurrent SET", Code: "concset", Points: 1,
			Tests: []Test{
				{"Parallel", testConcSetParallel},
				{"Lock", testConcSetLock},
				{"Lock bucket", testConcSetLockBucket},
			},
		},
		{
			Name: "Concurrent GET", Code: "concget", Points: 1,
			Tests: []Test{
				{"Parallel", testConcGetParallel},
				{"Non-blocking", testConcGetNonBlocking},
				{"Lock", testConcGetLock},
				{"Lock bucket", testConcGetLockBucket},
			},
		},
		{
			Name: "R/W lock", Code: "rwlock", Points: 1,
			Tests: []Test{
				{"Concurrent GETs", testRWLockGet},
			},
		},
		{
			Name: "Thread pool", Code: "pool", Points: 1,
			Tests: []Test{
				{"Has thread pool", testThreadPool},
			},
		},
		{
			Name: "Stress", Code: "stress", Points: 2,
			Tests: []Test{
				{"SET random", testStressSetRandom},
				{"SET contention", testStressSetContention},
				{"GET", testStressGet},
				{"DEL", testStressDel},
				{"SET+DEL", testStressSetDel},
				{"SET+DEL+GET", testStressSetDelGet},
			},
		},
	}
}

// Codes returns the codes of all groups
func Codes() []string {
	groups := Groups()
	codes := make([]string, len(groups))
	for i, g := range groups {
		codes[i] = g.Code
	}
	return codes
}

// --------------------------------------------------------------------------
// Running
// --------------------------------------------------------------------------

// run runs the test within the scenario time budget
func (t Test) run(ctx context.Context, env *Env) error {
	ctx, cancel := harness.WithBudget(ctx, env.Config)
	defer cancel()
	return t.Func(ctx, env)
}

// Run runs the group. Results are written to out as they come in (out may
// be nil).
func (g Group) Run(ctx context.Context, env *Env, out io.Writer) GroupResult {
	res := GroupResult{Name: g.Name, Code: g.Code, Points: g.Points, Total: len(g.Tests)}
	fprintf(out, "%s (%s)\n", g.Name, g.Code)

	for _, t := range g.Tests {
		start := time.Now()
		err := t.run(ctx, env)
		tr := TestResult{Name: t.Name, Err: err, Duration: time.Since(start)}
		res.Tests = append(res.Tests, tr)
		fprintf(out, "%s", tr)

		if err != nil {
			Logger.Infof("%s/%s failed after %s: %v", g.Code, t.Name, tr.Duration, err)
			if g.StopIfFail {
				break
			}
			continue
		}
		Logger.Debugf("%s/%s passed in %s", g.Code, t.Name, tr.Duration)
		res.Passed++
	}

	res.Scored = math.Round(g.Points*float64(res.Passed)/float64(res.Total)*100) / 100
	fprintf(out, " Passed %d/%d tests, %.2f/%.2f points\n", res.Passed, res.Total, res.Scored, res.Points)
	return res
}

// RunAll runs all groups in order until a critical group failed or a group
// did not reach its threshold
func RunAll(ctx context.Context, env *Env, out io.Writer) *Report {
	report := &Report{}
	groups := Groups()
	for _, g := range groups {
		report.Total += g.Points
	}

	for _, g := range groups {
		res := g.Run(ctx, env, out)
		report.add(res)

		if g.StopIfFail && res.Passed != res.Total {
			report.Aborted = "You did not pass a critical test, aborting"
		} else if g.Threshold > 0 && res.Scored < g.Threshold {
			report.Aborted = fmt.Sprintf("You did not get enough points, need at least %g "+
				"points in this group to continue", g.Threshold)
		}
		if report.Aborted != "" {
			fprintf(out, " %s\n", report.Aborted)
			break
		}
	}

	fprintf(out, "\nExecuted all tests, got %.2f/%.2f points in total\n", report.Points, report.Total)
	return report
}

// RunSelected runs the groups with the given codes in the given order.
// Neither critical groups nor thresholds stop the run.
func RunSelected(ctx context.Context, env *Env, codes []string, out io.Writer) (*Report, error) {
	byCode := make(map[string]Group)
	for _, g := range Groups() {
		byCode[g.Code] = g
	}

	selected := make([]Group, 0, len(codes))
	for _, code := range codes {
		g, ok := byCode[code]
		if !ok {
			return nil, common.TestErrorf("Unknown test \"%s\". Valid options are: %s",
				code, strings.Join(Codes(), ", "))
		}
		selected = append(selected, g)
	}

	report := &Report{}
	for _, g := range selected {
		report.Total += g.Points
		report.add(g.Run(ctx, env, out))
	}
	return report, nil
}

func fprintf(out io.Writer, format string, args ...any) {
	if out != nil {
		fmt.Fprintf(out, format, args...)
	}
}
