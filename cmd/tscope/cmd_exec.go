package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/telescope/object"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/server"
	"github.com/chazu/telescope/vm"
)

func newExecCmd(target *targetFlags) *cobra.Command {
	var (
		remote string
		depth  int
	)
	cmd := &cobra.Command{
		Use:   "exec CLASS.METHOD DESCRIPTOR [ARGS...]",
		Short: "Interpret a method against the target",
		Long: `Interpret a method against the target heap.

Arguments are parsed by the method's descriptor. References are written as
null, a hex address (0x2a000) or, with --remote, #OID of an object the server
already knows. String parameters accept double-quoted literals.`,
		Example: `  tscope exec demo/Point.add '(II)I' 40 2 --snapshot heap.snap
  tscope exec demo/Point.sum '(Ldemo/Point;)I' 0x2a000 --remote http://localhost:4567`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			className, method, err := splitMethod(args[0])
			if err != nil {
				return err
			}
			if remote != "" {
				return execRemote(cmd, remote, className, method, args[1], args[2:])
			}
			return execLocal(cmd.OutOrStdout(), target, className, method, args[1], args[2:], depth)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "URL of a tscope server to run the method on")
	cmd.Flags().IntVar(&depth, "depth", 1, "depth of the result inspection")
	return cmd
}

// splitMethod splits "pkg/Class.method" at its last dot.
func splitMethod(s string) (string, string, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("%q is not CLASS.METHOD", s)
	}
	return strings.ReplaceAll(s[:i], ".", "/"), s[i+1:], nil
}

func execLocal(out io.Writer, target *targetFlags, className, name, desc string, args []string, depth int) error {
	tvm, _, err := target.open()
	if err != nil {
		return err
	}
	defer tvm.Close()

	class, err := tvm.Registry().Lookup(className)
	if err != nil {
		return err
	}
	method := class.FindMethod(name, desc)
	if method == nil {
		return fault.Structuralf(fault.ErrNoSuchMethod, "%s.%s%s", className, name, desc)
	}
	values, err := tvm.ParseArgs(method, args)
	if err != nil {
		return err
	}
	result, err := tvm.Execute(method, values...)
	if err != nil {
		return err
	}
	if result.Thrown != nil {
		fmt.Fprintf(out, "threw %s\n", result.Thrown)
		for _, e := range result.Thrown.Trace {
			fmt.Fprintf(out, "\tat %s\n", e)
		}
		return fmt.Errorf("uncaught %s", strings.ReplaceAll(result.Thrown.Class, "/", "."))
	}
	printValue(out, tvm.Inspector(), result.Value, depth)
	fmt.Fprintf(out, "(%d instructions)\n", tvm.Interpreter().InstructionsExecuted())
	return nil
}

func printValue(out io.Writer, insp *object.Inspector, v vm.Value, depth int) {
	if v.Kind() == vm.KindVoid {
		fmt.Fprintln(out, "void")
		return
	}
	fmt.Fprint(out, insp.InspectValue(v, depth).PrettyPrint())
}

func execRemote(cmd *cobra.Command, url, className, name, desc string, args []string) error {
	list := make([]interface{}, len(args))
	for i, a := range args {
		list[i] = a
	}
	return callAndPrint(cmd, url, server.ExecuteProcedure, map[string]interface{}{
		"class":      className,
		"method":     name,
		"descriptor": desc,
		"args":       list,
	})
}
