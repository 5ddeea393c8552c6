package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-audit/internal/config"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

var initFlags struct {
	reset       bool
	selectCount int
	concurrency int
	maxAttempts int
}

func newInitCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the audit workspace and its default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := g.projectRoot()
			if err != nil {
				return err
			}
			dir, err := g.workspaceRoot(root)
			if err != nil {
				return err
			}
			ws := workflow.NewWorkspace(dir)
			if initFlags.reset {
				if err := ws.Reset(); err != nil {
					return fmt.Errorf("reset workspace: %w", err)
				}
			}
			if err := ws.Initialize(); err != nil {
				return fmt.Errorf("initialize workspace: %w", err)
			}
			if err := config.EnsureConfig(ws); err != nil {
				return fmt.Errorf("write default config: %w", err)
			}
			if err := applyInitSettings(cmd, root, dir); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Project:   %s\n", root)
			fmt.Fprintf(out, "Workspace: %s\n", ws.Root())
			fmt.Fprintf(out, "Config:    %s\n", ws.ConfigPath())
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&initFlags.reset, "reset", false, "discard previous runs, reports and logs (config is kept)")
	f.IntVar(&initFlags.selectCount, "select-count", 0, "categories selected per run")
	f.IntVar(&initFlags.concurrency, "concurrency", 0, "parallel category analyzers")
	f.IntVar(&initFlags.maxAttempts, "max-attempts", 0, "validation attempts per finding (1-3)")
	return cmd
}

// applyInitSettings writes the run settings given on the command line into
// config.yaml. Nothing is written when no setting flag was passed.
func applyInitSettings(cmd *cobra.Command, root, dir string) error {
	flags := cmd.Flags()
	if !flags.Changed("select-count") && !flags.Changed("concurrency") && !flags.Changed("max-attempts") {
		return nil
	}
	cfg, err := config.Load(root, dir)
	if err != nil {
		return err
	}
	if flags.Changed("select-count") {
		cfg.SelectCount = initFlags.selectCount
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = initFlags.concurrency
	}
	if flags.Changed("max-attempts") {
		if initFlags.maxAttempts < 1 || initFlags.maxAttempts > finding.MaxAttempts {
			return fmt.Errorf("--max-attempts must be between 1 and %d", finding.MaxAttempts)
		}
		cfg.MaxAttempts = initFlags.maxAttempts
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
