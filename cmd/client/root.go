package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/kvcheck/cmd/util"
	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/transport"
	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/spf13/cobra"
)

var (
	conn *transport.Conn

	// ClientCommands represents the client command group
	ClientCommands = &cobra.Command{
		Use:                "client",
		Short:              "Send commands to a running server",
		PersistentPreRunE:  connect,
		PersistentPostRunE: disconnect,
	}
)

func init() {
	// Add connection flags to the client command
	util.SetupClientFlags(ClientCommands)

	// Add subcommands
	ClientCommands.AddCommand(setCmd)
	ClientCommands.AddCommand(getCmd)
	ClientCommands.AddCommand(delCmd)
	ClientCommands.AddCommand(pingCmd)
	ClientCommands.AddCommand(resetCmd)
	ClientCommands.AddCommand(dumpCmd)
	ClientCommands.AddCommand(setOptCmd)
	ClientCommands.AddCommand(exitCmd)
	ClientCommands.AddCommand(shellCmd)
}

// connect opens the connection used by the subcommand
func connect(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	conn, err = transport.Dial(context.Background(), util.GetClientConfig())
	return err
}

func disconnect(_ *cobra.Command, _ []string) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// issue sends a request and prints the outcome. Error replies of the server
// are printed, not returned.
func issue(req wire.Request) error {
	payload, err := conn.Issue(req)
	if f, ok := common.AsFault(err); ok {
		fmt.Println(formatFault(f))
		return nil
	}
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		fmt.Println("OK")
	} else {
		fmt.Printf("OK: %s\n", common.Printable(payload, 0))
	}
	return nil
}

func formatFault(f *common.ServerFault) string {
	if len(f.Payload) > 0 {
		return fmt.Sprintf("ERROR: %s (%s)", f.ErrCode, common.Printable(f.Payload, 64))
	}
	return fmt.Sprintf("ERROR: %s", f.ErrCode)
}
