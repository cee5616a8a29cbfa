package check

import (
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/kvcheck/cmd/util"
	"github.com/ValentinKolb/kvcheck/lib/harness"
	"github.com/ValentinKolb/kvcheck/lib/scenarios"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// CheckCmd runs the graded test groups
	CheckCmd = &cobra.Command{
		Use:   "check [groups...]",
		Short: "Run the graded test groups against a server",
		Long: fmt.Sprintf(`Runs the graded test groups against the server binary.

Without arguments all groups run in order and the run stops early if a
critical group fails or a group scores below its threshold. With arguments
only the named groups run, in the given order, and nothing stops early.

Groups: %s`, strings.Join(scenarios.Codes(), ", ")),
		PreRunE: bindFlags,
		RunE:    run,
	}
)

func init() {
	util.SetupServerFlags(CheckCmd)

	key := "stress-duration"
	CheckCmd.Flags().Duration(key, harness.DefaultStressDuration, util.WrapString("Duration of every stress test"))

	key = "min-ops"
	CheckCmd.Flags().Int(key, harness.DefaultExpectedOpsPerSecond, util.WrapString("Operations per second every stress worker must reach"))
}

func run(cmd *cobra.Command, args []string) error {
	config, err := util.GetConfig()
	if err != nil {
		return err
	}
	// fixed for the whole run so a failure can be reproduced with --seed
	config = config.WithSeed(config.EffectiveSeed())
	ctx, cancel := util.SignalContext()
	defer cancel()
	defer util.WriteMetrics(config)

	env := &scenarios.Env{
		Config: config,
		Stress: harness.StressOptions{
			Duration:             viper.GetDuration("stress-duration"),
			ExpectedOpsPerSecond: viper.GetInt("min-ops"),
		},
	}

	fmt.Printf("Testing %s (seed %d)\n\n", config.Server.Bin, config.EffectiveSeed())

	var report *scenarios.Report
	if len(args) == 0 {
		report = scenarios.RunAll(ctx, env, os.Stdout)
	} else {
		if report, err = scenarios.RunSelected(ctx, env, args, os.Stdout); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("interrupted")
	}
	if !report.Perfect() {
		return fmt.Errorf("got %.2f/%.2f points", report.Points, report.Total)
	}
	return nil
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}
