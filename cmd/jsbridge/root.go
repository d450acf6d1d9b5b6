package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caffeineduck/jsbridge/bridge"
	"github.com/caffeineduck/jsbridge/config"
	"github.com/caffeineduck/jsbridge/engine"
	_ "github.com/caffeineduck/jsbridge/engine/gojajs"
	"github.com/caffeineduck/jsbridge/engine/quickjs"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jsbridge",
		Short: "Host JavaScript bundles behind a native module bridge",
		Long: `jsbridge - Load JavaScript bundles into an embedded engine and serve
their calls into native Go modules.

Bundles may be plain scripts or indexed RAM bundles whose modules are
loaded on first require. Engines: goja (pure Go) and quickjs (WebAssembly).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("engine", "e", "", "Engine: goja, quickjs (default from config)")
	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")
	root.PersistentFlags().String("memory", "", "Engine memory limit, e.g. 64MiB")
	root.PersistentFlags().String("cache-dir", "", "Compilation cache directory (quickjs)")
	root.PersistentFlags().Bool("no-cache", false, "Disable the on-disk compilation cache")

	root.AddCommand(
		newRunCmd(),
		newInspectCmd(),
		newPackCmd(),
		newReplCmd(),
		newServeCmd(),
	)
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	if name, _ := flags.GetString("engine"); name != "" {
		cfg.Engine = name
	}
	if mem, _ := flags.GetString("memory"); mem != "" {
		cfg.MemoryLimit = mem
	}
	noCache, _ := flags.GetBool("no-cache")
	if dir, _ := flags.GetString("cache-dir"); dir != "" {
		cfg.CacheDir = dir
	} else if cfg.CacheDir == "" && !noCache {
		cfg.CacheDir = quickjs.DefaultCacheDir()
	}
	if noCache {
		cfg.CacheDir = ""
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if _, err := engine.Lookup(cfg.Engine); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newLogger writes to stderr: colored console output on a terminal, JSON
// otherwise. The library packages log through the same logger.
func newLogger(cmd *cobra.Command) *zap.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	var enc zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	log := zap.New(zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())), level))
	engine.SetLogger(log)
	bridge.SetLogger(log)
	return log
}
