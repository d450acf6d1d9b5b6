package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/jsbridge/bundle"
)

func newPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Build an indexed RAM bundle from a directory",
		Long: `Build an indexed RAM bundle from a directory holding startup.js and
one <id>.js file per module, where <id> is the numeric module id passed to
__r. Other files are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: runPack,
	}
	cmd.Flags().StringP("output", "o", "", "Output bundle path (default <dir>.bundle)")
	return cmd
}

func runPack(cmd *cobra.Command, args []string) error {
	dir := filepath.Clean(args[0])
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = dir + ".bundle"
	}

	startup, mods, err := readPackDir(dir)
	if err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := bundle.WriteIndexed(w, startup, mods); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	info, err := os.Stat(output)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d modules, %s\n",
		output, len(mods), humanize.IBytes(uint64(info.Size())))
	return nil
}

func readPackDir(dir string) ([]byte, map[uint32][]byte, error) {
	startup, err := os.ReadFile(filepath.Join(dir, "startup.js"))
	if err != nil {
		return nil, nil, fmt.Errorf("read startup code: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	mods := make(map[uint32][]byte)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".js") || name == "startup.js" {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".js"), 10, 32)
		if err != nil {
			continue
		}
		code, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, err
		}
		mods[uint32(id)] = code
	}
	return startup, mods, nil
}
