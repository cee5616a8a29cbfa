package client

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/kvcheck/lib/wire"
	"github.com/spf13/cobra"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(wire.Set(args[0], []byte(args[1])))
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(wire.Get(args[0]))
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(wire.Del(args[0]))
		},
	}
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Checks that the server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(wire.Simple(wire.CmdPing))
		},
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Deletes all keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(wire.Simple(wire.CmdReset))
		},
	}
	dumpCmd = &cobra.Command{
		Use:   "dump [file]",
		Short: "Makes the server write its dump and prints the dump file if given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return issue(wire.Simple(wire.CmdDump))
			}
			if _, err := conn.Issue(wire.Simple(wire.CmdDump)); err != nil {
				return err
			}
			dump, err := wire.ParseDumpFile(args[0])
			if err != nil {
				return err
			}
			return wire.WriteDump(os.Stdout, dump)
		},
	}
	setOptCmd = &cobra.Command{
		Use:   "setopt [option] [argument]",
		Short: "Sets a server option (e.g. SNDBUF 4096)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(wire.SetOpt(args[0], args[1]))
		},
	}
	exitCmd = &cobra.Command{
		Use:   "exit",
		Short: "Asks the server to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return issue(wire.Simple(wire.CmdExit))
		},
	}
	shellCmd = &cobra.Command{
		Use:   "shell",
		Short: "Reads commands from stdin, one per line (e.g. \"set a b\")",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shell(bufio.NewScanner(os.Stdin))
		},
	}
)

// shell executes one command per input line on the open connection until
// the input ends or the server is told to exit
func shell(scanner *bufio.Scanner) error {
	fmt.Print("> ")
	for scanner.Scan() {
		req, err := parseLine(scanner.Text())
		switch {
		case err != nil:
			fmt.Println(err)
		case req != nil:
			if err := issue(*req); err != nil {
				return err
			}
			if req.Cmd == wire.CmdExit {
				return nil
			}
		}
		fmt.Print("> ")
	}
	fmt.Println()
	return scanner.Err()
}

// parseLine turns "set key value" into a request. The value is the rest of
// the line with runs of whitespace collapsed. Empty lines yield nil.
func parseLine(line string) (*wire.Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	cmd, err := wire.ParseCommand(fields[0])
	if err != nil {
		return nil, err
	}

	var req wire.Request
	switch cmd {
	case wire.CmdSet:
		if len(fields) < 3 {
			return nil, fmt.Errorf("usage: set <key> <value>")
		}
		req = wire.Set(fields[1], []byte(strings.Join(fields[2:], " ")))
	case wire.CmdGet, wire.CmdDel:
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: %s <key>", strings.ToLower(cmd.String()))
		}
		if cmd == wire.CmdGet {
			req = wire.Get(fields[1])
		} else {
			req = wire.Del(fields[1])
		}
	case wire.CmdSetOpt:
		if len(fields) != 3 {
			return nil, fmt.Errorf("usage: setopt <option> <argument>")
		}
		req = wire.SetOpt(fields[1], fields[2])
	default:
		if len(fields) != 1 {
			return nil, fmt.Errorf("usage: %s", strings.ToLower(cmd.String()))
		}
		req = wire.Simple(cmd)
	}
	return &req, nil
}
