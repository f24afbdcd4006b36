package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/tele"
)

func newSnapshotCmd(target *targetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture and describe heap snapshots",
	}
	cmd.AddCommand(newSnapshotInfoCmd(target))
	cmd.AddCommand(newSnapshotCaptureCmd(target))
	return cmd
}

func newSnapshotInfoCmd(target *targetFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info FILE",
		Short: "Describe a snapshot and the heap it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := memory.LoadSnapshot(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeSnapshotInfo(out, snap)

			m, err := target.manifest()
			if err != nil {
				return err
			}
			cfg := m.TeleConfig()
			cfg.HeapInfo = 0
			tvm, err := tele.OpenSnapshot(cfg, snap, nil)
			if err != nil {
				return err
			}
			h := tvm.Heap()
			fmt.Fprintf(out, "heap:     %s scheme, %v, %s\n", h.Scheme(), h.Epoch(), h.Phase())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  ROLE\tSTART\tSIZE\tUSED")
			for _, r := range h.Regions() {
				fmt.Fprintf(tw, "  %s\t%v\t%d\t%d\n", r.Role, r.Start, r.Size, uint64(r.Top-r.Start))
			}
			return tw.Flush()
		},
	}
}

func writeSnapshotInfo(out io.Writer, snap *memory.Snapshot) {
	fmt.Fprintf(out, "version:  %d\n", snap.Version)
	fmt.Fprintf(out, "created:  %s\n", time.Unix(snap.Created, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "info at:  %v\n", memory.Address(snap.InfoAddr))
	fmt.Fprintf(out, "regions:  %d (%d bytes)\n", len(snap.Regions), snap.Size())
	keys := make([]string, 0, len(snap.Meta))
	for k := range snap.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "meta:     %s=%s\n", k, snap.Meta[k])
	}
}

func newSnapshotCaptureCmd(target *targetFlags) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Copy the target heap into a snapshot file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tvm, m, err := target.open()
			if err != nil {
				return err
			}
			defer tvm.Close()

			meta := map[string]string{"tscope": version}
			if m.Target.Pid != 0 {
				meta["pid"] = strconv.Itoa(m.Target.Pid)
			}
			snap, err := tvm.Capture(meta)
			if err != nil {
				return err
			}
			if err := memory.SaveSnapshot(outPath, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d regions, %d bytes\n", outPath, len(snap.Regions), snap.Size())
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "heap.snap", "snapshot file to write")
	return cmd
}
