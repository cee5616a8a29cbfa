package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/kvcheck/cmd/check"
	"github.com/ValentinKolb/kvcheck/cmd/client"
	"github.com/ValentinKolb/kvcheck/cmd/script"
	"github.com/ValentinKolb/kvcheck/cmd/stress"
	"github.com/ValentinKolb/kvcheck/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kvcheck",
		Short: "test harness for line protocol key-value servers",
		Long: fmt.Sprintf(`kvcheck (v%s)

Starts a key-value server, drives it with concurrent clients and checks
every reply and the final dump against a model of the expected state.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvcheck",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kvcheck v%s\n", Version)
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(check.CheckCmd)
	RootCmd.AddCommand(stress.StressCmd)
	RootCmd.AddCommand(script.ScriptCmd)
	RootCmd.AddCommand(client.ClientCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
