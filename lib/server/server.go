package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/transport"
	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("server")

// Server is the server under test. It owns the process and issues the
// administrative commands (RESET, DUMP) on short lived connections.
type Server struct {
	proc   IProcess
	config common.Config
}

// New creates a server for the given process
func New(config common.Config, proc IProcess) *Server {
	return &Server{proc: proc, config: config}
}

// Start starts the process and resets the store. If the reset fails the
// server is stopped again.
func (s *Server) Start(ctx context.Context) error {
	if err := s.proc.Start(); err != nil {
		return err
	}
	if err := s.Reset(ctx); err != nil {
		if _, stopErr := s.proc.Stop(); stopErr != nil {
			Logger.Warningf("failed to stop server after failed reset: %v", stopErr)
		}
		return err
	}
	return nil
}

// Stop stops the process
func (s *Server) Stop() error {
	_, err := s.proc.Stop()
	return err
}

// Reset clears all keys of the store
func (s *Server) Reset(ctx context.Context) error {
	_, err := s.oneShot(ctx, wire.Simple(wire.CmdReset))
	return err
}

// Dump requests a snapshot and parses the dump file the server wrote
func (s *Server) Dump(ctx context.Context) (*wire.Dump, error) {
	if _, err := s.oneShot(ctx, wire.Simple(wire.CmdDump)); err != nil {
		return nil, err
	}
	path := s.proc.DumpPath()
	dump, err := wire.ParseDumpFile(path)
	if err != nil {
		return nil, err
	}
	Logger.Debugf("read dump %s with %d keys", path, dump.Len())
	return dump, nil
}

// Threads returns the thread ids of the server besides the main thread
func (s *Server) Threads() ([]int32, error) {
	return s.proc.Threads()
}

// Process returns the underlying process
func (s *Server) Process() IProcess {
	return s.proc
}

func (s *Server) oneShot(ctx context.Context, req wire.Request) ([]byte, error) {
	conn, err := transport.Dial(ctx, s.config.Client)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := conn.Issue(req)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", req.Name(), err)
	}
	return payload, nil
}
