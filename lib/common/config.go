package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults (match the server under test)
// --------------------------------------------------------------------------

const (
	DefaultPort     = 35303
	DefaultHost     = "localhost"
	DefaultBin      = "./kvstore"
	DefaultDumpFile = "dump.dat"
)

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig describes how the server under test is started and stopped.
type ServerConfig struct {
	// Bin is the path of the server binary. It is spawned without arguments
	// unless Args is set.
	Bin  string
	Args []string

	// Dir is the working directory of a spawned server (empty = inherit)
	Dir string

	// AttachPID attaches to an already running server instead of spawning one
	AttachPID int

	// DumpFile is the file name (relative to the server's cwd) the server
	// writes on DUMP
	DumpFile string

	// StartGrace is how long a freshly spawned server must stay alive before
	// it is considered started. StopGrace is how long SIGTERM is given before
	// the server gets killed.
	StartGrace time.Duration
	StopGrace  time.Duration

	// CmdTimeout bounds external commands (e.g. the server process itself
	// during teardown)
	CmdTimeout time.Duration

	// AllowOutput permits the server to write to stdout/stderr
	AllowOutput bool
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds the parameters of every client connection.
type ClientConfig struct {
	Host string
	Port int

	// ConnectTimeout bounds the connect-retry window
	ConnectTimeout time.Duration

	// SocketTimeout bounds every single read or write
	SocketTimeout time.Duration

	// RetryInterval is the pause between two connection attempts
	RetryInterval time.Duration

	TCPNoDelay bool
}

// Endpoint returns the host:port address of the server
func (c ClientConfig) Endpoint() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// --------------------------------------------------------------------------
// Harness configuration struct
// --------------------------------------------------------------------------

// Config is the complete, immutable configuration of a harness run.
// It is passed by value; nothing in the harness mutates it.
type Config struct {
	Server ServerConfig
	Client ClientConfig

	// Seed for all random keys and values. 0 means time based.
	Seed int64

	// ScenarioTimeout is the wall-clock budget of a single scenario or
	// script (0 = unbounded)
	ScenarioTimeout time.Duration

	// LogLevel is one of debug, info, warn, error
	LogLevel string

	// MetricsOut is an optional path the metrics are written to after a run
	MetricsOut string
}

// DefaultConfig returns the configuration used when nothing else is specified
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Bin:        DefaultBin,
			DumpFile:   DefaultDumpFile,
			StartGrace: 100 * time.Millisecond,
			StopGrace:  time.Second,
			CmdTimeout: 20 * time.Second,
		},
		Client: ClientConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			ConnectTimeout: 5 * time.Second,
			SocketTimeout:  5 * time.Second,
			RetryInterval:  100 * time.Millisecond,
			TCPNoDelay:     true,
		},
		ScenarioTimeout: 2 * time.Minute,
		LogLevel:        "warn",
	}
}

// WithSeed returns a copy of the configuration with the seed set
func (c Config) WithSeed(seed int64) Config {
	c.Seed = seed
	return c
}

// EffectiveSeed resolves a zero seed to a time based one
func (c Config) EffectiveSeed() int64 {
	if c.Seed != 0 {
		return c.Seed
	}
	return time.Now().UnixNano()
}

// Validate checks the configuration for obviously wrong values
func (c Config) Validate() error {
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Client.Port)
	}
	if c.Client.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Client.SocketTimeout <= 0 {
		return fmt.Errorf("socket timeout must be positive")
	}
	if c.Client.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative")
	}
	if c.Server.AttachPID == 0 && c.Server.Bin == "" {
		return fmt.Errorf("either a server binary or a pid to attach to is required")
	}
	if c.ScenarioTimeout < 0 {
		return fmt.Errorf("scenario timeout must not be negative")
	}
	if c.Server.DumpFile == "" {
		return fmt.Errorf("dump file must not be empty")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Server")
	if c.Server.AttachPID > 0 {
		addField("Attach PID", strconv.Itoa(c.Server.AttachPID))
	} else {
		addField("Binary", strings.TrimSpace(c.Server.Bin+" "+strings.Join(c.Server.Args, " ")))
	}
	addField("Dump File", c.Server.DumpFile)
	addField("Start Grace", c.Server.StartGrace.String())
	addField("Stop Grace", c.Server.StopGrace.String())
	addField("Allow Output", fmt.Sprintf("%t", c.Server.AllowOutput))

	addSection("Client")
	addField("Endpoint", c.Client.Endpoint())
	addField("Connect Timeout", c.Client.ConnectTimeout.String())
	addField("Socket Timeout", c.Client.SocketTimeout.String())

	addSection("Run")
	addField("Seed", strconv.FormatInt(c.Seed, 10))
	addField("Scenario Timeout", c.ScenarioTimeout.String())
	addField("Log Level", c.LogLevel)
	if c.MetricsOut != "" {
		addField("Metrics Out", c.MetricsOut)
	}

	return sb.String()
}
