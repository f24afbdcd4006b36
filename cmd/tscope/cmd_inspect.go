package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/object"
	"github.com/chazu/telescope/server"
)

func newInspectCmd(target *targetFlags) *cobra.Command {
	var (
		remote string
		depth  int
	)
	cmd := &cobra.Command{
		Use:   "inspect ADDRESS|#OID",
		Short: "Show the object at an address",
		Long: `Show the object at an address in the target heap, following references
down to --depth levels. #OID names an object the server already knows and
needs --remote.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				return inspectRemote(cmd, remote, args[0], depth)
			}
			if strings.HasPrefix(args[0], "#") {
				return fmt.Errorf("%s: object ids only exist in a server session, use --remote", args[0])
			}
			addr, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("bad address %q", args[0])
			}
			tvm, _, err := target.open()
			if err != nil {
				return err
			}
			defer tvm.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%v: %s\n", memory.Address(addr), tvm.MemoryStatus(memory.Address(addr)))
			obj, err := tvm.Resolve(memory.Address(addr))
			if err != nil {
				return err
			}
			fmt.Fprint(out, tvm.Inspector().InspectObject(obj, depth).PrettyPrint())
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "URL of a tscope server to ask")
	cmd.Flags().IntVar(&depth, "depth", object.DefaultMaxDepth, "levels of references to expand")
	return cmd
}

func inspectRemote(cmd *cobra.Command, url, arg string, depth int) error {
	msg := map[string]interface{}{"depth": depth}
	if strings.HasPrefix(arg, "#") {
		oid, err := strconv.ParseUint(arg[1:], 10, 64)
		if err != nil {
			return fmt.Errorf("bad object id %q", arg)
		}
		msg["oid"] = oid
	} else {
		msg["address"] = arg
	}
	return callAndPrint(cmd, url, server.InspectProcedure, msg)
}
