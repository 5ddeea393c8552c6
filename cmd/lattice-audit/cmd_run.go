package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/config"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/logbook"
	"github.com/kingrea/lattice-audit/internal/logging"
	"github.com/kingrea/lattice-audit/internal/report"
	"github.com/kingrea/lattice-audit/internal/tui"
	"github.com/kingrea/lattice-audit/internal/workflow/engine"
)

var runFlags struct {
	tui     bool
	verbose bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run recon, analysis, validation and reporting",
		Long: "Run clears the previous run's recon and findings, then drives the\n" +
			"pipeline to completion. Reports from earlier runs are kept.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAudit(cmd, g)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&runFlags.tui, "tui", false, "show the live progress view")
	f.BoolVarP(&runFlags.verbose, "verbose", "v", false, "mirror structured logs to stderr")
	return cmd
}

func runAudit(cmd *cobra.Command, g *globalFlags) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	cfg.Log.Verbose = cfg.Log.Verbose || runFlags.verbose
	// the progress view owns the terminal
	if runFlags.tui {
		cfg.Log.Verbose = false
	}
	ws := cfg.Workspace()
	if err := ws.Initialize(); err != nil {
		return fmt.Errorf("initialize workspace: %w", err)
	}
	if err := config.EnsureConfig(ws); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	logger, err := logging.New(ws, cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()
	book, err := logbook.New(ws.LogbookPath())
	if err != nil {
		return err
	}

	start := func(ctx context.Context, observe engine.Observer) (engine.State, error) {
		e, err := engine.New(cfg, engine.Deps{},
			engine.WithLogger(logger.Logger),
			engine.WithLogbook(book),
			engine.WithObserver(observe),
		)
		if err != nil {
			return engine.State{}, err
		}
		return e.Run(ctx)
	}

	out := cmd.OutOrStdout()
	var state engine.State
	if runFlags.tui {
		app := tui.NewApp(cfg.ProjectRoot, start, tui.WithLogbook(book))
		if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
			return fmt.Errorf("run progress view: %w", err)
		}
		state, err = app.Result()
	} else {
		state, err = start(cmd.Context(), progressPrinter(out))
	}
	if state.RunID == "" {
		return err
	}

	printRunSummary(out, state)
	if state.Report != "" {
		findings, ferr := finding.NewRepository(artifact.NewStore(ws)).All()
		if ferr == nil && len(findings) > 0 {
			fmt.Fprintln(out, report.Table(findings))
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("run cancelled in %s", state.Phase.Label())
	}
	return err
}

// progressPrinter renders engine events as plain progress lines.
func progressPrinter(w io.Writer) engine.Observer {
	return func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventPhase:
			if ev.Err != "" {
				fmt.Fprintf(w, "» %s: %s\n", ev.Phase.Label(), ev.Err)
				return
			}
			fmt.Fprintf(w, "» %s\n", ev.Phase.Label())
		case engine.EventProducer:
			if ev.Err != "" {
				fmt.Fprintf(w, "  ! %s producer failed: %s\n", ev.Name, ev.Err)
			} else {
				fmt.Fprintf(w, "  %s producer wrote %d bytes\n", ev.Name, ev.Count)
			}
		case engine.EventSelect:
			fmt.Fprintf(w, "  selected %s (score %d)\n", ev.Name, ev.Count)
		case engine.EventCategory:
			if ev.Err != "" {
				fmt.Fprintf(w, "  ! %s failed: %s\n", ev.Name, ev.Err)
			} else {
				fmt.Fprintf(w, "  %s: %d finding(s)\n", ev.Name, ev.Count)
			}
		case engine.EventAttempt:
			if ev.Attempt != nil && !ev.Status.Settled() {
				fmt.Fprintf(w, "  %s attempt %d: %s %s\n", ev.Name, ev.Attempt.Number, ev.Attempt.Outcome, ev.Attempt.Kind)
			} else if ev.Status.Settled() {
				fmt.Fprintf(w, "  %s -> %s\n", ev.Name, ev.Status)
			}
		case engine.EventOverride:
			fmt.Fprintf(w, "  override %s -> %s %s\n", ev.Name, ev.Status, ev.Err)
		case engine.EventReport:
			fmt.Fprintf(w, "  report %s (%d finding(s))\n", ev.Name, ev.Count)
		}
	}
}

func printRunSummary(w io.Writer, state engine.State) {
	fmt.Fprintf(w, "\nRun:     %s\n", state.RunID)
	fmt.Fprintf(w, "Phase:   %s\n", state.Phase.Label())
	fmt.Fprintf(w, "Status:  %s\n", state.Status)
	if state.StatusReason != "" && state.Status != engine.EngineStatusComplete {
		fmt.Fprintf(w, "Reason:  %s\n", state.StatusReason)
	}
	if len(state.Missing) > 0 {
		fmt.Fprintf(w, "Missing: %v (degraded)\n", state.Missing)
	}
	if state.Report != "" {
		fmt.Fprintf(w, "Report:  %s\n", state.Report)
	}
}
