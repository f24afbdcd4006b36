package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/telescope/pkg/bytecode"
	"github.com/chazu/telescope/vm/classfile"
)

func newDisasmCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "disasm CLASSFILE",
		Short: "Disassemble the methods of a class file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, ver, err := classfile.ParseVersion(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "class %s", def.Name)
			if def.Super != "" {
				fmt.Fprintf(out, " extends %s", def.Super)
			}
			fmt.Fprintf(out, " (version %d.%d)\n", ver.Major, ver.Minor)

			shown := 0
			for _, m := range def.Methods {
				if method != "" && m.Name != method {
					continue
				}
				shown++
				fmt.Fprintf(out, "\n%s%s\n", m.Name, m.Descriptor)
				if m.Code == nil {
					fmt.Fprintln(out, "  (no code)")
					continue
				}
				fmt.Fprintf(out, "  max stack %d, max locals %d\n", m.Code.MaxStack, m.Code.MaxLocals)
				for _, line := range strings.Split(strings.TrimRight(bytecode.Disassemble(m.Code.Code), "\n"), "\n") {
					fmt.Fprintf(out, "  %s\n", line)
				}
			}
			if method != "" && shown == 0 {
				return fmt.Errorf("%s has no method %s", def.Name, method)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "", "only this method")
	return cmd
}
