// tscope inspects and interprets code against the heap of a target VM,
// either a live process or a captured snapshot.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

const version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		verbosity int
		logPath   string
		target    targetFlags
	)
	root := &cobra.Command{
		Use:           "tscope",
		Short:         "Remote bytecode interpreter and object inspector for a target VM",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logPath != "" {
				commonlog.Configure(verbosity, &logPath)
			} else {
				commonlog.Configure(verbosity, nil)
			}
		},
	}
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "log verbosity (repeat for more)")
	root.PersistentFlags().StringVar(&logPath, "log", "", "write logs to this file instead of stderr")
	target.register(root)

	root.AddCommand(newVersionCmd())
	root.AddCommand(newExecCmd(&target))
	root.AddCommand(newInspectCmd(&target))
	root.AddCommand(newSnapshotCmd(&target))
	root.AddCommand(newDisasmCmd())
	root.AddCommand(newServeCmd(&target))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tscope", version)
		},
	}
}
