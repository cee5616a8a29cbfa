package util

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the connection flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultConfig().Client

	key := "host"
	cmd.PersistentFlags().String(key, defaults.Host, WrapString("Host of the server"))

	key = "port"
	cmd.PersistentFlags().IntP(key, "p", defaults.Port, WrapString("Port of the server"))

	key = "connect-timeout"
	cmd.PersistentFlags().Duration(key, defaults.ConnectTimeout, WrapString("How long to retry connecting to the server"))

	key = "socket-timeout"
	cmd.PersistentFlags().Duration(key, defaults.SocketTimeout, WrapString("Maximum time a single socket operation (e.g. a read) may take"))

	key = "retry-interval"
	cmd.PersistentFlags().Duration(key, defaults.RetryInterval, WrapString("Pause between two connection attempts"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, defaults.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY on client connections"))
}

// SetupServerFlags adds the flags of the server under test and of the run
// itself to a command
func SetupServerFlags(cmd *cobra.Command) {
	SetupClientFlags(cmd)
	defaults := common.DefaultConfig()

	key := "bin"
	cmd.PersistentFlags().String(key, defaults.Server.Bin, WrapString("Path of the server binary to test"))

	key = "args"
	cmd.PersistentFlags().String(key, "", WrapString("Space separated arguments for the server binary"))

	key = "dir"
	cmd.PersistentFlags().String(key, "", WrapString("Working directory of the spawned server (default: the current directory)"))

	key = "attach-pid"
	cmd.PersistentFlags().Int(key, 0, WrapString("Test an already running server with this PID instead of spawning one. The server is neither started nor stopped"))

	key = "dump-file"
	cmd.PersistentFlags().String(key, defaults.Server.DumpFile, WrapString("File (relative to the working directory of the server) the server writes on DUMP"))

	key = "start-grace"
	cmd.PersistentFlags().Duration(key, defaults.Server.StartGrace, WrapString("How long a spawned server must stay alive to count as started"))

	key = "stop-grace"
	cmd.PersistentFlags().Duration(key, defaults.Server.StopGrace, WrapString("How long the server gets to exit after SIGTERM before it is killed"))

	key = "cmd-timeout"
	cmd.PersistentFlags().Duration(key, defaults.Server.CmdTimeout, WrapString("How long to wait for a killed server to exit"))

	key = "allow-output"
	cmd.PersistentFlags().Bool(key, false, WrapString("Do not fail tests if the server writes to stdout or stderr"))

	key = "scenario-timeout"
	cmd.PersistentFlags().Duration(key, defaults.ScenarioTimeout, WrapString("Wall-clock budget of a single scenario or script (0 = unbounded)"))

	key = "seed"
	cmd.PersistentFlags().Int64(key, 0, WrapString("Seed for random keys and values (0 = time based)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, defaults.LogLevel, WrapString("Level of the harness logs on stderr (debug, info, warn, error)"))

	key = "metrics-out"
	cmd.PersistentFlags().String(key, "", WrapString("Optional path to write the harness metrics to (Prometheus text format)"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("kvcheck")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetClientConfig reads the connection configuration from viper
func GetClientConfig() common.ClientConfig {
	return common.ClientConfig{
		Host:           viper.GetString("host"),
		Port:           viper.GetInt("port"),
		ConnectTimeout: viper.GetDuration("connect-timeout"),
		SocketTimeout:  viper.GetDuration("socket-timeout"),
		RetryInterval:  viper.GetDuration("retry-interval"),
		TCPNoDelay:     viper.GetBool("tcp-nodelay"),
	}
}

// GetConfig reads and validates the complete configuration from viper and
// initializes the loggers
func GetConfig() (common.Config, error) {
	config := common.DefaultConfig()
	config.Client = GetClientConfig()
	config.Server.Bin = viper.GetString("bin")
	config.Server.Args = strings.Fields(viper.GetString("args"))
	config.Server.Dir = viper.GetString("dir")
	config.Server.AttachPID = viper.GetInt("attach-pid")
	config.Server.DumpFile = viper.GetString("dump-file")
	config.Server.StartGrace = viper.GetDuration("start-grace")
	config.Server.StopGrace = viper.GetDuration("stop-grace")
	config.Server.CmdTimeout = viper.GetDuration("cmd-timeout")
	config.Server.AllowOutput = viper.GetBool("allow-output")
	config.ScenarioTimeout = viper.GetDuration("scenario-timeout")
	config.Seed = viper.GetInt64("seed")
	config.LogLevel = viper.GetString("log-level")
	config.MetricsOut = viper.GetString("metrics-out")

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := common.InitLoggers(config); err != nil {
		return config, err
	}
	return config, nil
}

// SignalContext returns a context that is cancelled on SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// WriteMetrics writes the harness metrics if the configuration asks for it
func WriteMetrics(config common.Config) {
	if config.MetricsOut == "" {
		return
	}
	if err := common.WriteMetricsFile(config.MetricsOut); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write metrics: %v\n", err)
	}
}
