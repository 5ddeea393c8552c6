package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/report"
)

var reportFlags struct {
	table bool
	key   string
}

func newReportCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the latest report, or the findings table",
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
			if reportFlags.table {
				findings, err := finding.NewRepository(store).All()
				if err != nil {
					return fmt.Errorf("load findings: %w", err)
				}
				fmt.Fprintln(out, report.Table(findings))
				return nil
			}
			key := reportFlags.key
			if key == "" {
				key, err = report.Latest(store)
				if err != nil {
					return fmt.Errorf("no report found in %s: %w", cfg.WorkspaceRoot, err)
				}
			}
			content, err := store.Get(artifact.NamespaceReports, key)
			if err != nil {
				return fmt.Errorf("read report %s: %w", key, err)
			}
			_, err = out.Write(content)
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVar(&reportFlags.table, "table", false, "print the current findings as a table")
	f.StringVar(&reportFlags.key, "key", "", "report to print (default: latest)")
	return cmd
}
