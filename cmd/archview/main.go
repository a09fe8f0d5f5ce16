// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// archview is the harness's dashboard: a read-only terminal viewer
// over the same state directory archd writes, plus the one write
// path the dashboard contract allows — answering a queued decision
// over archd's bus HTTP listener.
package main

import (
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/arch-harness/arch/lib/archstate"
	"github.com/arch-harness/arch/lib/config"
	"github.com/arch-harness/arch/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string

	flagSet := pflag.NewFlagSet("archview", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the project configuration file (or set ARCH_CONFIG)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := archstate.New(archstate.Config{Dir: cfg.Settings.StateDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	if err := store.Load(); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	busURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Settings.MCPPort)
	dashboard := newModel(store, busURL, cfg.Project.Name)

	program := tea.NewProgram(dashboard, tea.WithAltScreen())
	_, err = program.Run()
	return err
}
