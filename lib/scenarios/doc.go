/*
Package scenarios contains the graded test groups run against the server.

Every test starts a fresh server through Env.NewProcess and talks to it
through a harness.Setup, so the dump is reconciled with the oracle at the end
of each test. Groups are worth points; a group marked StopIfFail or scoring
below its Threshold ends RunAll early.

	env := &scenarios.Env{Config: cfg}
	report := scenarios.RunAll(ctx, env, os.Stdout)
*/
package scenarios
