package common

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Harness metrics
// --------------------------------------------------------------------------

// Metrics holds all counters of the harness. It is written in the Prometheus
// text format after a CLI run (see WriteMetricsFile).
var Metrics = metrics.NewSet()

var (
	transportErrors = Metrics.NewCounter("kvcheck_transport_errors_total")
	integrityChecks = Metrics.NewCounter("kvcheck_integrity_checks_total")
	commandDuration = Metrics.NewHistogram("kvcheck_command_duration_seconds")
)

// CountCommand increments the counter of the given command
func CountCommand(cmd string) {
	Metrics.GetOrCreateCounter(fmt.Sprintf(`kvcheck_commands_total{cmd=%q}`, cmd)).Inc()
}

// CountFault increments the counter of the given server error code
func CountFault(code string) {
	Metrics.GetOrCreateCounter(fmt.Sprintf(`kvcheck_server_faults_total{code=%q}`, code)).Inc()
}

func CountTransportError() {
	transportErrors.Inc()
}

func CountIntegrityCheck() {
	integrityChecks.Inc()
}

// ObserveCommand records the duration of a command started at start
func ObserveCommand(start time.Time) {
	commandDuration.UpdateDuration(start)
}

// WriteMetrics writes all metrics in the Prometheus text format
func WriteMetrics(w io.Writer) {
	Metrics.WritePrometheus(w)
}

// WriteMetricsFile writes all metrics to the given path
func WriteMetricsFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer f.Close()

	WriteMetrics(f)
	return nil
}
