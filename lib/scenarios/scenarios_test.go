package scenarios_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/scenarios"
	"github.com/ValentinKolb/kvcheck/lib/server"
	kvtesting "github.com/ValentinKolb/kvcheck/lib/testing"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(t *testing.T, opts kvtesting.FakeOptions) *scenarios.Env {
	t.Helper()
	return &scenarios.Env{
		Config: kvtesting.FakeConfig(t),
		NewProcess: func(cfg common.Config) server.IProcess {
			return kvtesting.NewFakeProcess(cfg, opts)
		},
		Stress: harness.StressOptions{
			Duration:             200 * time.Millisecond,
			ExpectedOpsPerSecond: 10,
		},
	}
}

func failures(t *testing.T, g scenarios.GroupResult) []string {
	t.Helper()
	var names []string
	for _, r := range g.Failed() {
		t.Logf("%s/%s: %v", g.Code, r.Name, r.Err)
		names = append(names, r.Name)
	}
	return names
}

func TestGroups(t *testing.T) {
	groups := scenarios.Groups()
	require.Len(t, groups, 10)
	assert.Equal(t, []string{"connect", "set", "get", "del", "parallel",
		"concset", "concget", "rwlock", "pool", "stress"}, scenarios.Codes())

	total := 0.0
	for _, g := range groups {
		assert.NotEmpty(t, g.Tests, g.Code)
		total += g.Points
	}
	assert.Equal(t, 11.5, total)
}

func TestRunAllAgainstPool(t *testing.T) {
	if testing.Short() {
		t.Skip("runs every scenario")
	}
	var out bytes.Buffer
	report := scenarios.RunAll(context.Background(), fakeEnv(t, kvtesting.FakeOptions{PoolSize: 8}), &out)

	for _, g := range report.Groups {
		assert.Empty(t, failures(t, g), g.Code)
	}
	assert.True(t, report.Perfect())
	assert.Len(t, report.Groups, 10)
	assert.Contains(t, out.String(), "Executed all tests, got 11.50/11.50 points in total")
}

func TestThreadPerConnection(t *testing.T) {
	env := fakeEnv(t, kvtesting.FakeOptions{})
	report, err := scenarios.RunSelected(context.Background(), env, []string{"parallel", "pool"}, nil)
	require.NoError(t, err)

	parallel, ok := report.Group("parallel")
	require.True(t, ok)
	assert.Empty(t, failures(t, parallel))

	pool, ok := report.Group("pool")
	require.True(t, ok)
	require.Len(t, pool.Tests, 1)
	assert.Zero(t, pool.Scored)
	assert.Contains(t, pool.Tests[0].Err.Error(), "No threads found after starting server")
	assert.Equal(t, 0.5, report.Points)
	assert.Equal(t, 1.5, report.Total)
}

func TestMissingKeyLocks(t *testing.T) {
	env := fakeEnv(t, kvtesting.FakeOptions{NoKeyLocks: true})
	report, err := scenarios.RunSelected(context.Background(), env, []string{"concset"}, nil)
	require.NoError(t, err)

	g, _ := report.Group("concset")
	assert.Equal(t, []string{"Lock", "Lock bucket"}, failures(t, g))
	assert.Contains(t, g.Failed()[0].Err.Error(), "Code was expected to throw KEY_ERROR but did not")
	assert.Equal(t, 0.33, g.Scored)
}

func TestIgnoredDeletesAbortRun(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the command groups")
	}
	var out bytes.Buffer
	report := scenarios.RunAll(context.Background(), fakeEnv(t, kvtesting.FakeOptions{IgnoreDel: true}), &out)

	require.Len(t, report.Groups, 4)
	del := report.Groups[3]
	assert.Equal(t, "del", del.Code)
	assert.Zero(t, del.Passed)
	assert.True(t, common.IsKind(del.Tests[0].Err, common.KindIntegrity))
	assert.Contains(t, report.Aborted, "need at least 0.5 points")
	assert.Contains(t, out.String(), " You did not get enough points")
	assert.False(t, report.Perfect())
}

func TestRunSelectedUnknownCode(t *testing.T) {
	_, err := scenarios.RunSelected(context.Background(), &scenarios.Env{}, []string{"set", "nope"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Unknown test "nope". Valid options are: connect, set, get`)
}

func TestReportString(t *testing.T) {
	report := &scenarios.Report{
		Groups: []scenarios.GroupResult{
			{
				Name: "SET command", Code: "set", Passed: 1, Total: 2, Points: 2, Scored: 1,
				Tests: []scenarios.TestResult{
					{Name: "Simple"},
					{Name: "Abort", Err: common.TestErrorf("Key abcd not found in server after SET.\nServer dump: {}")},
				},
			},
			{
				Name: "Thread pool", Code: "pool", Passed: 1, Total: 1, Points: 1, Scored: 1,
				Tests: []scenarios.TestResult{{Name: "Has thread pool"}},
			},
		},
		Points:  2,
		Total:   3,
		Aborted: "You did not get enough points, need at least 1.5 points in this group to continue",
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "report", []byte(report.String()))
}

func TestScenarioTimeBudget(t *testing.T) {
	env := fakeEnv(t, kvtesting.FakeOptions{})
	env.Config.ScenarioTimeout = 300 * time.Millisecond

	endless := func(ctx context.Context, env *scenarios.Env) error {
		return harness.Run(ctx, env.Config, env.NewProcess(env.Config), 1, func(ctx context.Context, s *harness.Setup) error {
			for {
				if err := s.Client(0).Ping(); err != nil {
					return err
				}
			}
		})
	}
	g := scenarios.Group{
		Name:   "Endless",
		Code:   "endless",
		Points: 1,
		Tests:  []scenarios.Test{{Name: "Ping forever", Func: endless}, {Name: "Ping forever again", Func: endless}},
	}

	start := time.Now()
	res := g.Run(context.Background(), env, nil)
	require.Len(t, res.Tests, 2)
	for _, tr := range res.Tests {
		require.Error(t, tr.Err)
		assert.True(t, common.IsKind(tr.Err, common.KindTimeout), tr.Err.Error())
	}
	assert.Zero(t, res.Passed)
	assert.Less(t, time.Since(start), 10*time.Second)
}
