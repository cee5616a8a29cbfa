package script

import (
	"fmt"

	"github.com/ValentinKolb/kvcheck/cmd/util"
	kvscript "github.com/ValentinKolb/kvcheck/lib/script"
	"github.com/ValentinKolb/kvcheck/lib/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// ScriptCmd runs scenario scripts
	ScriptCmd = &cobra.Command{
		Use:   "script [files...]",
		Short: "Run YAML scenario scripts against a server",
		Long: `Runs every script against a fresh server and reports which passed.

A script lists steps (set, get, del, ping, stall, complete, verify, stress)
issued by a fixed number of clients. Every reply is checked against the
expected state and the dump is reconciled at the end.`,
		Args:    cobra.MinimumNArgs(1),
		PreRunE: bindFlags,
		RunE:    run,
	}
)

func init() {
	util.SetupServerFlags(ScriptCmd)

	key := "validate"
	ScriptCmd.Flags().Bool(key, false, util.WrapString("Only parse and validate the scripts"))
}

func run(_ *cobra.Command, args []string) error {
	// load all scripts first so a typo does not waste a long run
	scripts := make([]*kvscript.Script, len(args))
	for i, path := range args {
		s, err := kvscript.Load(path)
		if err != nil {
			return err
		}
		scripts[i] = s
	}
	if viper.GetBool("validate") {
		fmt.Printf("%d scripts are valid\n", len(scripts))
		return nil
	}

	config, err := util.GetConfig()
	if err != nil {
		return err
	}
	config = config.WithSeed(config.EffectiveSeed())
	ctx, cancel := util.SignalContext()
	defer cancel()
	defer util.WriteMetrics(config)

	failed := 0
	for _, s := range scripts {
		if ctx.Err() != nil {
			return fmt.Errorf("interrupted")
		}
		if err := s.Run(ctx, config, server.NewProcess(config.Server)); err != nil {
			failed++
			fmt.Printf("FAIL %s\n\t%v\n", s.Name, err)
			continue
		}
		fmt.Printf("PASS %s\n", s.Name)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed (seed %d)", failed, len(scripts), config.Seed)
	}
	return nil
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return util.BindCommandFlags(cmd)
}
