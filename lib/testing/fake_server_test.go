package testing

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/transport"
	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func TestFakeServerProtocol(t *testing.T) {
	cfg := FakeConfig(t)
	StartFake(t, cfg, FakeOptions{})

	RunProtocolTests(t, "FakeServer", cfg.Client)
}

func TestFakeServerThreads(t *testing.T) {
	cfg := FakeConfig(t)
	proc := StartFake(t, cfg, FakeOptions{})

	conn, err := transport.Dial(context.Background(), cfg.Client)
	require.NoError(t, err)
	_, err = conn.Issue(wire.Simple(wire.CmdPing))
	require.NoError(t, err)

	threads, err := proc.Threads()
	require.NoError(t, err)
	assert.Len(t, threads, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		threads, _ := proc.Threads()
		return len(threads) == 0
	}, waitFor, tick)
}

func TestFakeServerPool(t *testing.T) {
	cfg := FakeConfig(t)
	proc := StartFake(t, cfg, FakeOptions{PoolSize: 8})

	threads, err := proc.Threads()
	require.NoError(t, err)
	assert.Len(t, threads, 8)
}

func TestFakeServerDumpAndReset(t *testing.T) {
	cfg := FakeConfig(t)
	StartFake(t, cfg, FakeOptions{})

	conn, err := transport.Dial(context.Background(), cfg.Client)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Issue(wire.Set("foo", []byte("bar")))
	require.NoError(t, err)
	_, err = conn.Issue(wire.Simple(wire.CmdDump))
	require.NoError(t, err)

	dump, err := wire.ParseDumpFile(cfg.Server.DumpFile)
	require.NoError(t, err)
	assert.Len(t, dump.Buckets, wire.NumBuckets)
	assert.Equal(t, map[string][]byte{"foo": []byte("bar")}, dump.State())

	_, err = conn.Issue(wire.Simple(wire.CmdReset))
	require.NoError(t, err)
	_, err = conn.Issue(wire.Simple(wire.CmdDump))
	require.NoError(t, err)
	dump, err = wire.ParseDumpFile(cfg.Server.DumpFile)
	require.NoError(t, err)
	assert.Zero(t, dump.Len())
}

func TestFakeProcessStop(t *testing.T) {
	cfg := FakeConfig(t)
	proc := NewFakeProcess(cfg, FakeOptions{})
	require.NoError(t, proc.Start())
	assert.False(t, proc.Poll())

	out, err := proc.Stop()
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.True(t, proc.Poll())

	_, err = proc.Stop()
	assert.Error(t, err)
}
