package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/oracle"
	"github.com/ValentinKolb/kvcheck/lib/server"
	"github.com/ValentinKolb/kvcheck/lib/transport"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("harness")

// Setup is the scoped test context of a scenario: a started server, n open
// clients and the oracle mirroring their effects.
type Setup struct {
	config   common.Config
	server   *server.Server
	oracle   *oracle.Oracle
	rng      *Rand
	runID    string
	nclients int

	clients *xsync.MapOf[int, *Client]

	// extra connections opened with Dial, closed on teardown
	extraMu sync.Mutex
	extra   []*transport.Conn

	verified bool
	closed   bool
}

// NewSetup creates a setup with nclients clients. Nothing is started before
// Open.
func NewSetup(config common.Config, proc server.IProcess, nclients int) *Setup {
	runID := uuid.NewString()
	seed := config.EffectiveSeed()
	Logger.Debugf("setup %s: %d clients, seed %d", runID, nclients, seed)
	return &Setup{
		config:   config,
		server:   server.New(config, proc),
		oracle:   oracle.New(),
		rng:      NewRand(seed),
		runID:    runID,
		nclients: nclients,
		clients:  xsync.NewMapOf[int, *Client](),
	}
}

// Open starts the server (which resets it) and connects all clients. On
// failure everything opened so far is torn down again.
func (s *Setup) Open(ctx context.Context) error {
	if err := s.server.Start(ctx); err != nil {
		return err
	}

	for i := 0; i < s.nclients; i++ {
		conn, err := transport.Dial(ctx, s.config.Client)
		if err != nil {
			return chain(err, s.teardown())
		}
		s.clients.Store(i, &Client{id: i, ctx: ctx, conn: conn, state: s.oracle.Bind(i)})
	}
	Logger.Infof("setup %s: server started with %d clients", s.runID, s.nclients)
	return nil
}

// Run opens a setup, runs fn and closes the setup with fn's result
func Run(ctx context.Context, config common.Config, proc server.IProcess, nclients int,
	fn func(ctx context.Context, s *Setup) error) error {
	s := NewSetup(config, proc, nclients)
	if err := s.Open(ctx); err != nil {
		return err
	}
	return s.Close(ctx, fn(ctx, s))
}

// Close ends the setup. The dump is verified exactly once: on success before
// the teardown, after a failure once all clients are gone. A verification
// failure is the primary error; the scenario's error and teardown failures
// are chained behind it. A scenario that already failed verification is
// not verified again. A bare server fault nobody asserted against becomes
// a test error.
func (s *Setup) Close(ctx context.Context, runErr error) error {
	if s.closed {
		return runErr
	}

	// the scenario's deadline may have passed, teardown still has to run
	ctx, cancel := s.teardownContext(ctx)
	defer cancel()

	if runErr == nil {
		verifyErr := s.verifyOnce(ctx)
		return chain(verifyErr, s.teardown())
	}

	if fault, ok := common.AsFault(runErr); ok && common.IsKind(runErr, common.KindServerFault) {
		runErr = fault.Unexpected()
	}
	s.closeClients()
	if common.IsKind(runErr, common.KindIntegrity) {
		// the scenario already reported the mismatching dump
		return chain(runErr, s.teardown())
	}
	if verifyErr := s.verifyOnce(ctx); verifyErr != nil {
		return chain(verifyErr, runErr, s.teardown())
	}
	return chain(runErr, s.teardown())
}

func (s *Setup) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.config.Server.CmdTimeout > 0 {
		return context.WithTimeout(ctx, s.config.Server.CmdTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Setup) verifyOnce(ctx context.Context) error {
	if s.verified {
		return nil
	}
	s.verified = true
	return s.Verify(ctx)
}

// teardown closes all connections and stops the server
func (s *Setup) teardown() error {
	s.closed = true
	var result *multierror.Error
	if err := s.closeClients(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.server.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	Logger.Debugf("setup %s: torn down", s.runID)
	return result.ErrorOrNil()
}

func (s *Setup) closeClients() error {
	var result *multierror.Error
	s.clients.Range(func(_ int, c *Client) bool {
		if err := c.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		return true
	})

	s.extraMu.Lock()
	for _, conn := range s.extra {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.extra = nil
	s.extraMu.Unlock()
	return result.ErrorOrNil()
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Client returns client i. It panics for an id the setup does not have.
func (s *Setup) Client(i int) *Client {
	c, ok := s.clients.Load(i)
	if !ok {
		panic(fmt.Sprintf("setup has no client %d", i))
	}
	return c
}

// NumClients returns the number of clients
func (s *Setup) NumClients() int {
	return s.nclients
}

func (s *Setup) Server() *server.Server {
	return s.server
}

func (s *Setup) Oracle() *oracle.Oracle {
	return s.oracle
}

// Rand returns the random source of the controller
func (s *Setup) Rand() *Rand {
	return s.rng
}

// RunID identifies the setup in log lines
func (s *Setup) RunID() string {
	return s.runID
}

func (s *Setup) Config() common.Config {
	return s.config
}

// Dial opens an additional connection which is not mirrored into the oracle.
// It is closed on teardown unless the caller closes it before.
func (s *Setup) Dial(ctx context.Context) (*transport.Conn, error) {
	conn, err := transport.Dial(ctx, s.config.Client)
	if err != nil {
		return nil, err
	}
	s.extraMu.Lock()
	s.extra = append(s.extra, conn)
	s.extraMu.Unlock()
	return conn, nil
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Ping sends a PING from every client
func (s *Setup) Ping() error {
	for i := 0; i < s.nclients; i++ {
		if err := s.Client(i).Ping(); err != nil {
			return err
		}
	}
	return nil
}

// StateSet records a value for a key on behalf of a client without talking
// to the server
func (s *Setup) StateSet(client int, key string, v oracle.Value) {
	s.oracle.SetAt(client, key, v)
}

// Verify requests a dump and reconciles it with the oracle
func (s *Setup) Verify(ctx context.Context) error {
	if err := interrupted(ctx); err != nil {
		return err
	}
	dump, err := s.server.Dump(ctx)
	if err != nil {
		return err
	}
	return s.oracle.Verify(dump)
}

// WithVerifiedStep verifies, runs fn and verifies again even if fn failed.
// fn's error is the primary one.
func (s *Setup) WithVerifiedStep(ctx context.Context, fn func() error) error {
	if err := s.Verify(ctx); err != nil {
		return err
	}
	err := fn()
	return chain(err, s.Verify(ctx))
}

// --------------------------------------------------------------------------
// Time budget
// --------------------------------------------------------------------------

// WithBudget bounds ctx by the scenario time budget of the configuration
func WithBudget(ctx context.Context, config common.Config) (context.Context, context.CancelFunc) {
	if config.ScenarioTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, config.ScenarioTimeout, common.ErrScenarioTimeout)
}

// interrupted returns the error for a scenario whose context ended, nil while
// it is still running
func interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), common.ErrScenarioTimeout) {
		return common.NewError(common.KindTimeout, "",
			"Scenario did not finish within its time budget.", common.ErrScenarioTimeout)
	}
	return common.NewError(common.KindTest, "", "Scenario was interrupted.", ctx.Err())
}

// --------------------------------------------------------------------------
// Error helpers
// --------------------------------------------------------------------------

// ExpectFault runs fn and succeeds iff it fails with a server fault of the
// given code. Any other error is returned unchanged.
func ExpectFault(code string, fn func() error) error {
	err := fn()
	if err == nil {
		return common.TestErrorf("Code was expected to throw %s but did not", code)
	}
	if f, ok := common.AsFault(err); ok && f.ErrCode == code {
		return nil
	}
	return err
}

// ExpectKind runs fn and succeeds iff it fails with an error of the given
// kind
func ExpectKind(kind common.Kind, fn func() error) error {
	err := fn()
	if err == nil {
		return common.TestErrorf("Code was expected to throw %s but did not", kind)
	}
	if common.IsKind(err, kind) {
		return nil
	}
	return err
}

// chain returns primary with the other non-nil errors attached as secondary
// causes. The result unwraps to primary first.
func chain(primary error, secondary ...error) error {
	errs := make([]error, 0, len(secondary)+1)
	if primary != nil {
		errs = append(errs, primary)
	}
	for _, err := range secondary {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}

	result := multierror.Append(nil, errs...)
	result.ErrorFormat = func(es []error) string {
		msg := es[0].Error()
		for _, e := range es[1:] {
			msg += "\n\nAdditionally: " + common.Describe(e)
		}
		return msg
	}
	return result
}
