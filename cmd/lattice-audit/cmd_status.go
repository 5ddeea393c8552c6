package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/workflow/engine"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the phase and outcome of the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			store, err := openWorkspace(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			state, err := engine.NewRepository(store).Load()
			if errors.Is(err, engine.ErrStateNotFound) {
				fmt.Fprintf(out, "No audit run recorded in %s\n", cfg.WorkspaceRoot)
				fmt.Fprintf(out, "Run 'lattice-audit run' to start one.\n")
				return nil
			}
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}

			fmt.Fprintf(out, "Run:     %s\n", state.RunID)
			fmt.Fprintf(out, "Phase:   %s\n", state.Phase.Label())
			fmt.Fprintf(out, "Status:  %s\n", state.Status)
			if state.StatusReason != "" && state.Status != engine.EngineStatusComplete {
				fmt.Fprintf(out, "Reason:  %s\n", state.StatusReason)
			}
			fmt.Fprintf(out, "Started: %s\n", state.StartedAt.Format("2006-01-02 15:04:05Z07:00"))
			if len(state.Missing) > 0 {
				fmt.Fprintf(out, "Missing: %v (degraded)\n", state.Missing)
			}
			if len(state.Selection) > 0 {
				fmt.Fprintf(out, "Selected:\n")
				for _, s := range state.Selection {
					fmt.Fprintf(out, "  %s (score %d)\n", s.Category, s.Score)
				}
			}
			if state.Analysis != nil {
				fmt.Fprintf(out, "Findings: %d\n", state.Analysis.FindingCount())
				if failed := state.Analysis.Failed(); len(failed) > 0 {
					fmt.Fprintf(out, "Failed categories: %v\n", failed)
				}
			}
			if state.Validation != nil {
				for _, s := range finding.Statuses() {
					if n := state.Validation.Count(s); n > 0 {
						fmt.Fprintf(out, "  %s: %d\n", s, n)
					}
				}
			}
			if state.Report != "" {
				fmt.Fprintf(out, "Report:  %s\n", state.Report)
			}
			if len(state.History) > 0 {
				fmt.Fprintf(out, "History: (%d transitions)\n", len(state.History))
				for _, t := range state.History {
					line := fmt.Sprintf("  %s -> %s  %s", t.From, t.To, t.At.Format("15:04:05"))
					if t.Reason != "" {
						line += "  " + t.Reason
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
}
