package server_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/server"
	kvtesting "github.com/ValentinKolb/kvcheck/lib/testing"
	"github.com/ValentinKolb/kvcheck/lib/transport"
	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellConfig(script string) common.ServerConfig {
	cfg := common.DefaultConfig().Server
	cfg.Bin = "/bin/sh"
	cfg.Args = []string{"-c", script}
	cfg.StartGrace = 100 * time.Millisecond
	cfg.StopGrace = 500 * time.Millisecond
	return cfg
}

// ------ Spawned process ------

func TestSpawnedExitsImmediately(t *testing.T) {
	proc := server.NewSpawnedProcess(shellConfig("echo boom; exit 1"))
	err := proc.Start()
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTest))
	assert.Contains(t, err.Error(), "Server exited immediately after starting")
	assert.Contains(t, err.Error(), "boom")
}

func TestSpawnedStopSilent(t *testing.T) {
	proc := server.NewSpawnedProcess(shellConfig("exec sleep 30"))
	require.NoError(t, proc.Start())
	assert.False(t, proc.Poll())
	assert.NotZero(t, proc.Pid())

	out, err := proc.Stop()
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.True(t, proc.Poll())

	_, err = proc.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already stopped")
}

func TestSpawnedOutputIsError(t *testing.T) {
	proc := server.NewSpawnedProcess(shellConfig("echo chatty >&2; exec sleep 30"))
	require.NoError(t, proc.Start())

	out, err := proc.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced output")
	assert.Equal(t, "chatty\n", out.Stderr)
}

func TestSpawnedOutputAllowed(t *testing.T) {
	cfg := shellConfig("echo chatty; exec sleep 30")
	cfg.AllowOutput = true
	proc := server.NewSpawnedProcess(cfg)
	require.NoError(t, proc.Start())

	out, err := proc.Stop()
	require.NoError(t, err)
	assert.Equal(t, "chatty\n", out.Stdout)
}

func TestSpawnedKilledAfterGrace(t *testing.T) {
	proc := server.NewSpawnedProcess(shellConfig("trap '' TERM; while true; do sleep 0.05; done"))
	require.NoError(t, proc.Start())

	start := time.Now()
	_, err := proc.Stop()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, proc.Poll())
}

// ------ Attached process ------

func TestAttachedToSelf(t *testing.T) {
	cfg := common.DefaultConfig().Server
	cfg.AttachPID = os.Getpid()

	proc := server.NewProcess(cfg)
	require.NoError(t, proc.Start())
	assert.False(t, proc.Poll())
	assert.Equal(t, os.Getpid(), proc.Pid())

	threads, err := proc.Threads()
	require.NoError(t, err)
	assert.NotContains(t, threads, int32(os.Getpid()))

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd+"/dump.dat", proc.DumpPath())

	_, err = proc.Stop()
	require.NoError(t, err)
	assert.True(t, proc.Poll())
}

func TestAttachedMissing(t *testing.T) {
	cfg := common.DefaultConfig().Server
	cfg.AttachPID = 1 << 30
	assert.Error(t, server.NewProcess(cfg).Start())
}

// ------ Server ------

func TestServerStartResetsStore(t *testing.T) {
	cfg := kvtesting.FakeConfig(t)
	proc := kvtesting.NewFakeProcess(cfg, kvtesting.FakeOptions{})
	srv := server.New(cfg, proc)
	ctx := context.Background()

	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	conn, err := transport.Dial(ctx, cfg.Client)
	require.NoError(t, err)
	_, err = conn.Issue(wire.Set("foo", []byte("bar")))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	dump, err := srv.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"foo": []byte("bar")}, dump.State())

	require.NoError(t, srv.Reset(ctx))
	dump, err = srv.Dump(ctx)
	require.NoError(t, err)
	assert.Zero(t, dump.Len())
}

func TestServerStartFailsWhenResetFails(t *testing.T) {
	cfg := kvtesting.FakeConfig(t)
	cfg.Client.SocketTimeout = 100 * time.Millisecond
	proc := kvtesting.NewFakeProcess(cfg, kvtesting.FakeOptions{Mute: "RESET"})
	srv := server.New(cfg, proc)

	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTransport))
	assert.True(t, proc.Poll(), "server must be stopped again")
}
