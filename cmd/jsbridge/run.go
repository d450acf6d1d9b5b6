package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [bundle]",
		Short: "Load a bundle and run it to quiescence",
		Long: `Load a plain script or an indexed RAM bundle, optionally call a
registered callable module, and wait until no native calls are pending.

Code can be provided via:
  - Bundle argument: jsbridge run app.bundle
  - Inline flag: jsbridge run -c 'NativeModules.Logger.log("info", "hi")'
  - Stdin: cat app.js | jsbridge run`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	cmd.Flags().StringP("code", "c", "", "Script to evaluate instead of a bundle")
	cmd.Flags().String("call", "", "Callable module method to invoke after loading, Module.method")
	cmd.Flags().String("args", "[]", "JSON array of arguments for --call")
	cmd.Flags().Duration("timeout", 30*time.Second, "Time allowed for loading and settling")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	call, _ := cmd.Flags().GetString("call")
	rawArgs, _ := cmd.Flags().GetString("args")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var callArgs []any
	if call != "" {
		if !strings.Contains(call, ".") {
			return fmt.Errorf("invalid --call %q (expected Module.method)", call)
		}
		if err := json.Unmarshal([]byte(rawArgs), &callArgs); err != nil {
			return fmt.Errorf("invalid --args: %w", err)
		}
	}

	if code == "" && len(args) == 0 {
		stat, _ := os.Stdin.Stat()
		if stat == nil || stat.Mode()&os.ModeCharDevice != 0 {
			return cmd.Help()
		}
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return cmd.Help()
		}
		code = string(data)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cmd)
	defer log.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	start := time.Now()
	h, err := startHost(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer h.close()

	if code != "" {
		err = h.eval(ctx, code, "inline.js")
	} else {
		err = h.load(ctx, args[0])
	}
	if err != nil {
		return err
	}

	if call != "" {
		dot := strings.LastIndex(call, ".")
		if err := h.inst.CallJSFunction(call[:dot], call[dot+1:], callArgs); err != nil {
			return err
		}
	}
	if err := h.settle(ctx); err != nil {
		return err
	}

	log.Debug("run complete",
		zap.String("engine", cfg.Engine),
		zap.Duration("duration", time.Since(start)),
		zap.Int("batches", h.Batches()),
		zap.String("peak_memory", humanize.IBytes(uint64(h.inst.PeakMemoryUsage()))),
	)
	return nil
}
