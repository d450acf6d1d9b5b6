package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge/config"
)

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive REPL with persistent state",
		Long: `Start an interactive session. Each line is evaluated as a script on the
same instance, so globals persist between lines. Use console.log to print.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

A script error tears the instance down; the REPL starts a fresh one.
Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
	cmd.Flags().String("history", "", "History file path (default: ~/.jsbridge_history)")
	cmd.Flags().String("preload", "", "Bundle to load before the first prompt")
	cmd.Flags().Duration("timeout", 30*time.Second, "Time allowed per line")
	return cmd
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	preload, _ := cmd.Flags().GetString("preload")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".jsbridge_history")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cmd)
	defer log.Sync()

	r := &repl{cfg: cfg, log: log, preload: preload, timeout: timeout}
	if err := r.restart(cmd.Context()); err != nil {
		return err
	}
	defer func() { r.h.close() }()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(cmd.InOrStdin()),
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "jsbridge %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", cfg.Engine)

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				multiLine.Reset()
				inMultiLine = false
				rl.SetPrompt("> ")
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		if err := r.eval(cmd.Context(), line); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
	}
}

// repl owns the current host and replaces it after a fatal error.
type repl struct {
	cfg     config.Config
	log     *zap.Logger
	preload string
	timeout time.Duration
	h       *host
	lines   int
}

func (r *repl) restart(ctx context.Context) error {
	if r.h != nil {
		r.h.close()
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	h, err := startHost(ctx, r.cfg, r.log)
	if err != nil {
		return err
	}
	if r.preload != "" {
		if err := h.load(ctx, r.preload); err != nil {
			h.close()
			return err
		}
	}
	r.h = h
	return nil
}

func (r *repl) eval(ctx context.Context, code string) error {
	if err := r.h.alive(); err != nil {
		if err := r.restart(ctx); err != nil {
			return err
		}
	}

	r.lines++
	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := r.h.eval(evalCtx, code, fmt.Sprintf("repl:%d", r.lines))
	if err == nil {
		err = r.h.settle(evalCtx)
	}
	if err != nil && r.h.alive() != nil {
		if rerr := r.restart(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}
