package stress

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ValentinKolb/kvcheck/cmd/util"
	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// StressCmd runs an ad-hoc stress workload
	StressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Stress a server with a random mix of set, get and del",
		Long: `Starts the server and lets every worker issue a weighted random mix of
set, get and del on a shared key pool for the given duration. Every reply is
checked and the final dump is reconciled with the expected state.`,
		PreRunE: processStressConfig,
		RunE:    run,
	}
	stressWorkers  = 10
	stressDuration = harness.DefaultStressDuration
	stressMinOps   = harness.DefaultExpectedOpsPerSecond
	stressKeys     = 100
	stressValueMin = 8
	stressValueMax = 64
	stressMix      []string
)

func init() {
	util.SetupServerFlags(StressCmd)

	// add flags
	key := "workers"
	StressCmd.Flags().Int(key, stressWorkers, util.WrapString("Number of concurrent clients"))
	key = "duration"
	StressCmd.Flags().Duration(key, stressDuration, util.WrapString("How long every worker runs"))
	key = "min-ops"
	StressCmd.Flags().Int(key, stressMinOps, util.WrapString("Operations per second every worker must reach"))
	key = "keys"
	StressCmd.Flags().Int(key, stressKeys, util.WrapString("How many different keys to use"))
	key = "value-min"
	StressCmd.Flags().Int(key, stressValueMin, util.WrapString("Minimum value size in bytes"))
	key = "value-max"
	StressCmd.Flags().Int(key, stressValueMax, util.WrapString("Maximum value size in bytes"))
	key = "mix"
	StressCmd.Flags().String(key, "set=1,get=1,del=1", util.WrapString("Weights of the operations (comma separated - e.g. set=3,get=1)"))
	key = "csv"
	StressCmd.Flags().String(key, "", util.WrapString("Optional path to save the per worker results as CSV"))
}

func processStressConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	stressWorkers = viper.GetInt("workers")
	stressDuration = viper.GetDuration("duration")
	stressMinOps = viper.GetInt("min-ops")
	stressKeys = viper.GetInt("keys")
	stressValueMin = viper.GetInt("value-min")
	stressValueMax = viper.GetInt("value-max")

	switch {
	case stressWorkers < 1:
		return fmt.Errorf("workers must be at least 1")
	case stressKeys < 1:
		return fmt.Errorf("keys must be at least 1")
	case stressValueMin < 0 || stressValueMax <= stressValueMin:
		return fmt.Errorf("value-max must be greater than value-min")
	}

	mix, err := parseMix(viper.GetString("mix"))
	if err != nil {
		return err
	}
	stressMix = mix
	return nil
}

// parseMix expands "set=3,get=1" into a list to draw operations from
func parseMix(s string) ([]string, error) {
	var choices []string
	for _, part := range strings.Split(s, ",") {
		op, weight, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("invalid mix entry %q, expected op=weight", part)
		}
		if op != "set" && op != "get" && op != "del" {
			return nil, fmt.Errorf("mix may only contain set, get and del, not %s", op)
		}
		n, err := strconv.Atoi(weight)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("weight of %s must be a non-negative number", op)
		}
		for i := 0; i < n; i++ {
			choices = append(choices, op)
		}
	}
	if len(choices) == 0 {
		return nil, fmt.Errorf("mix weights must not all be zero")
	}
	return choices, nil
}

func run(_ *cobra.Command, _ []string) error {
	config, err := util.GetConfig()
	if err != nil {
		return err
	}
	config = config.WithSeed(config.EffectiveSeed())
	ctx, cancel := util.SignalContext()
	defer cancel()
	defer util.WriteMetrics(config)

	fmt.Printf("Stressing %s with %d workers for %s (seed %d)\n",
		config.Server.Bin, stressWorkers, stressDuration, config.Seed)

	var report *harness.StressReport
	err = harness.Run(ctx, config, server.NewProcess(config.Server), stressWorkers,
		func(ctx context.Context, setup *harness.Setup) error {
			keys := make([]string, stressKeys)
			for i := range keys {
				keys[i] = setup.Rand().StringBetween(4, 12)
			}
			var err error
			report, err = setup.Stress(ctx, func(c *harness.Client, r *harness.Rand) error {
				key := r.Choice(keys)
				var err error
				switch r.Choice(stressMix) {
				case "set":
					_, err = c.Set(key, r.Value(stressValueMin, stressValueMax), true)
				case "get":
					_, err = c.Get(key, true, true)
				case "del":
					_, err = c.Del(key, true)
				}
				return err
			}, harness.StressOptions{
				Duration:             stressDuration,
				ExpectedOpsPerSecond: stressMinOps,
			})
			return err
		})

	if report != nil {
		fmt.Printf("\n%s", report)

		// Write results to csv is specified
		if csvPath := viper.GetString("csv"); csvPath != "" {
			fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
			if err := writeResultsToCSV(csvPath, report, config.Client); err != nil {
				return err
			}
		}
	}
	return err
}

// writeResultsToCSV writes one row per worker to a CSV file
func writeResultsToCSV(csvPath string, report *harness.StressReport, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Worker", "Ops", "OpsPerSec", "P50", "P99", "Error",
		"Endpoint", "TCPNoDelay", "Workers", "DurationSec", "Keys",
		"ValueMin", "ValueMax", "Fairness",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, w := range report.Workers {
		errText := ""
		if w.Err != nil {
			errText = w.Err.Error()
		}
		row := []string{
			strconv.Itoa(w.Actor),
			strconv.Itoa(w.Ops),
			fmt.Sprintf("%.1f", w.Rate),
			w.P50.String(),
			w.P99.String(),
			errText,
			config.Endpoint(),
			strconv.FormatBool(config.TCPNoDelay),
			strconv.Itoa(stressWorkers),
			fmt.Sprintf("%.1f", report.Duration.Seconds()),
			strconv.Itoa(stressKeys),
			strconv.Itoa(stressValueMin),
			strconv.Itoa(stressValueMax),
			fmt.Sprintf("%.3f", report.Fairness.Score),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for worker %d: %v", w.Actor, err)
		}
	}

	return nil
}

