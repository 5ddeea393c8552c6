package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-audit/internal/auditor"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/logbook"
	"github.com/kingrea/lattice-audit/internal/report"
	"github.com/kingrea/lattice-audit/internal/workflow"
	"github.com/kingrea/lattice-audit/internal/workflow/engine"
)

var overrideFlags struct {
	reason string
	actor  string
}

func newOverrideCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override <finding-id> <status>",
		Short: "Manually set the status of a settled finding",
		Long: "Override records a manual decision on a finding that validation has\n" +
			"settled, for example high/access-control/01 validated. The attempt\n" +
			"history is kept and a fresh report is written when the last run\n" +
			"completed.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := finding.ParseID(args[0])
			if err != nil {
				return err
			}
			status, err := finding.ParseStatus(args[1])
			if err != nil {
				return err
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			store, err := openWorkspace(cfg)
			if err != nil {
				return err
			}
			actor := overrideFlags.actor
			if actor == "" {
				actor = os.Getenv("USER")
			}
			if actor == "" {
				actor = "operator"
			}
			repo := finding.NewRepository(store)
			f, err := repo.ApplyOverride(finding.Override{ID: id, Status: status, Reason: overrideFlags.reason, Actor: actor})
			if err != nil {
				return fmt.Errorf("override %s: %w", id, err)
			}
			if book, err := logbook.New(cfg.Workspace().LogbookPath()); err == nil {
				book.For("", id.String()).Info("override to %s by %s: %s", status, actor, overrideFlags.reason)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s is now %s\n", f.ID.Label(), f.ID, f.Status)

			states := engine.NewRepository(store)
			state, err := states.Load()
			if errors.Is(err, engine.ErrStateNotFound) || (err == nil && state.Phase != workflow.PhaseDone) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}
			in := report.Input{
				Categories:   auditor.Categories(state.Selection),
				MissingRecon: state.Missing,
			}
			if state.Analysis != nil {
				in.Failed = state.Analysis.Failed()
			}
			res, err := report.NewAggregator(store, repo).Run(in)
			if err != nil {
				return fmt.Errorf("regenerate report: %w", err)
			}
			state.Report = res.Key
			if err := states.Save(state); err != nil {
				return fmt.Errorf("save state: %w", err)
			}
			fmt.Fprintf(out, "Report:  %s\n", res.Key)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&overrideFlags.reason, "reason", "", "why the status changes (required)")
	f.StringVar(&overrideFlags.actor, "actor", "", "who decided (default: $USER)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
