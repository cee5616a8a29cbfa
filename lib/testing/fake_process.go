package testing

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/server"
)

// FakeProcess runs a FakeServer inside the test binary and exposes it as a
// server.IProcess
type FakeProcess struct {
	config common.Config
	opts   FakeOptions
	srv    *FakeServer
}

var _ server.IProcess = (*FakeProcess)(nil)

// NewFakeProcess creates a fake server process listening on the configured
// endpoint
func NewFakeProcess(config common.Config, opts FakeOptions) *FakeProcess {
	return &FakeProcess{config: config, opts: opts}
}

// Server returns the running fake server (nil before Start)
func (p *FakeProcess) Server() *FakeServer {
	return p.srv
}

func (p *FakeProcess) Start() error {
	srv, err := NewFakeServer(p.config.Client.Endpoint(), p.DumpPath(), p.opts)
	if err != nil {
		return err
	}
	p.srv = srv
	return nil
}

func (p *FakeProcess) Stop() (server.Output, error) {
	if p.Poll() {
		return server.Output{}, common.TestErrorf("Server was already stopped.\n%s", server.Output{})
	}
	return server.Output{}, p.srv.Close()
}

func (p *FakeProcess) Poll() bool {
	return p.srv == nil || p.srv.Closed()
}

func (p *FakeProcess) Pid() int {
	return os.Getpid()
}

func (p *FakeProcess) Threads() ([]int32, error) {
	if p.Poll() {
		return nil, fmt.Errorf("server is not running")
	}
	return p.srv.Threads(), nil
}

func (p *FakeProcess) DumpPath() string {
	return p.config.Server.DumpFile
}

// --------------------------------------------------------------------------
// Test helper
// --------------------------------------------------------------------------

// FakeConfig returns a configuration for tests against a fake server: a free
// local port, a dump file in a temporary directory and short timeouts
func FakeConfig(t testing.TB) common.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := common.DefaultConfig()
	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = port
	cfg.Client.ConnectTimeout = 2 * time.Second
	cfg.Client.SocketTimeout = 2 * time.Second
	cfg.Server.DumpFile = filepath.Join(t.TempDir(), common.DefaultDumpFile)
	cfg.Server.StartGrace = 0
	cfg.Seed = 1
	return cfg
}

// StartFake starts a fake server process for the duration of the test
func StartFake(t testing.TB, cfg common.Config, opts FakeOptions) *FakeProcess {
	t.Helper()

	proc := NewFakeProcess(cfg, opts)
	if err := proc.Start(); err != nil {
		t.Fatalf("failed to start fake server: %v", err)
	}
	t.Cleanup(func() {
		if !proc.Poll() {
			proc.Stop()
		}
	})
	return proc
}
