package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/jsbridge/bundle"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <bundle>",
		Short: "Show a bundle's format and module table",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	cmd.Flags().Bool("all", false, "List empty table entries too")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	all, _ := cmd.Flags().GetBool("all")
	out := cmd.OutOrStdout()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tag := bundle.DetectFile(path)
	fmt.Fprintf(out, "file:    %s\n", path)
	fmt.Fprintf(out, "size:    %s\n", humanize.IBytes(uint64(info.Size())))
	fmt.Fprintf(out, "format:  %s\n", tag)

	if tag != bundle.TagSegmented {
		return nil
	}

	b, err := bundle.OpenIndexed(path)
	if err != nil {
		return err
	}
	defer b.Close()

	entries := b.Entries()
	present := 0
	for _, e := range entries {
		if e.Length > 0 {
			present++
		}
	}
	fmt.Fprintf(out, "startup: %s\n", humanize.IBytes(uint64(b.StartupSize())))
	fmt.Fprintf(out, "modules: %d of %d table entries\n", present, len(entries))
	for _, e := range entries {
		if e.Length == 0 {
			if all {
				fmt.Fprintf(out, "  %6d  empty\n", e.ID)
			}
			continue
		}
		fmt.Fprintf(out, "  %6d  offset %-10d %s\n", e.ID, e.Offset, humanize.IBytes(uint64(e.Length)))
	}
	return nil
}
