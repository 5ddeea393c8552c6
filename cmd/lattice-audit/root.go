package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/config"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// version is set at build time via -ldflags.
var version = "dev"

type globalFlags struct {
	project   string
	workspace string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "lattice-audit",
		Short: "Phased security audit pipeline",
		Long: "lattice-audit gathers recon about a project, runs the best-matching\n" +
			"category auditors over it, validates every finding with an exploit\n" +
			"attempt and writes a deterministic report into the audit workspace.",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}
	f := root.PersistentFlags()
	f.StringVar(&g.project, "project", "", "project directory to audit (default: current directory)")
	f.StringVar(&g.workspace, "workspace", "", "audit workspace (default: <project>/"+workflow.DefaultRootDir+")")

	root.AddCommand(
		newInitCmd(g),
		newRunCmd(g),
		newStatusCmd(g),
		newReportCmd(g),
		newOverrideCmd(g),
	)
	return root
}

func (g *globalFlags) projectRoot() (string, error) {
	dir := g.project
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = cwd
	}
	return filepath.Abs(dir)
}

func (g *globalFlags) workspaceRoot(projectRoot string) (string, error) {
	if g.workspace == "" {
		return filepath.Join(projectRoot, workflow.DefaultRootDir), nil
	}
	return filepath.Abs(g.workspace)
}

// load resolves the project and workspace and reads the run configuration.
func (g *globalFlags) load() (config.RunConfig, error) {
	root, err := g.projectRoot()
	if err != nil {
		return config.RunConfig{}, err
	}
	ws, err := g.workspaceRoot(root)
	if err != nil {
		return config.RunConfig{}, err
	}
	return config.Load(root, ws)
}

// openWorkspace returns the store over an existing workspace.
func openWorkspace(cfg config.RunConfig) (*artifact.Store, error) {
	ws := cfg.Workspace()
	if _, err := os.Stat(ws.Root()); err != nil {
		return nil, fmt.Errorf("no audit workspace at %s; run 'lattice-audit init' first", ws.Root())
	}
	return artifact.NewStore(ws), nil
}
