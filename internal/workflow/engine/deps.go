package engine

import (
	"fmt"
	"os"

	"github.com/kingrea/lattice-audit/internal/analyzer"
	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/auditor"
	"github.com/kingrea/lattice-audit/internal/config"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/recon"
	"github.com/kingrea/lattice-audit/internal/validator"
)

// Deps are the collaborators a run is wired to. Nil fields are filled from
// the RunConfig: the built-in rule set, the default recon producers, the
// configured generator and the exec toolchain.
type Deps struct {
	Store     *artifact.Store
	Findings  *finding.Repository
	Rules     *analyzer.RuleSet
	Registry  *analyzer.Registry
	Weights   auditor.WeightTable
	Docs      analyzer.ProjectAnalyzer
	Code      analyzer.ProjectAnalyzer
	Generator validator.Generator
	Toolchain validator.Toolchain
	Evaluator validator.Evaluator
}

func (d Deps) withDefaults(cfg config.RunConfig) (Deps, error) {
	if d.Store == nil {
		d.Store = artifact.NewStore(cfg.Workspace())
	}
	if d.Findings == nil {
		d.Findings = finding.NewRepository(d.Store)
	}
	if d.Rules == nil && (d.Registry == nil || d.Weights == nil || d.Docs == nil || d.Code == nil) {
		rs, err := analyzer.LoadRuleSet(cfg.RulesDir)
		if err != nil {
			return d, err
		}
		d.Rules = rs
	}
	if d.Registry == nil {
		reg, err := analyzer.DefaultRegistry(d.Rules)
		if err != nil {
			return d, err
		}
		d.Registry = reg
	}
	if d.Weights == nil {
		d.Weights = auditor.WeightTable(d.Rules.Weights)
	}
	if d.Docs == nil {
		d.Docs = recon.NewDocsProducer(d.Rules)
	}
	if d.Code == nil {
		d.Code = recon.NewCodeProducer(d.Rules)
	}
	if d.Generator == nil {
		gen, err := newGenerator(cfg)
		if err != nil {
			return d, err
		}
		d.Generator = gen
	}
	if d.Toolchain == nil {
		d.Toolchain = &validator.ExecToolchain{
			Project:      cfg.ProjectRoot,
			WorkDir:      cfg.Toolchain.WorkDir,
			Ext:          cfg.Toolchain.Ext,
			BuildCmd:     validator.CommandSpec(cfg.Toolchain.Build),
			ExecCmd:      validator.CommandSpec(cfg.Toolchain.Execute),
			BuildTimeout: cfg.BuildTimeout,
		}
	}
	return d, nil
}

func newGenerator(cfg config.RunConfig) (validator.Generator, error) {
	if len(cfg.Generator.Command) > 0 {
		return &validator.CommandGenerator{Command: validator.CommandSpec(cfg.Generator.Command), Dir: cfg.ProjectRoot}, nil
	}
	text := ""
	if cfg.Generator.Template != "" {
		data, err := os.ReadFile(cfg.Generator.Template)
		if err != nil {
			return nil, fmt.Errorf("workflow engine: read harness template: %w", err)
		}
		text = string(data)
	}
	return validator.NewScenarioGenerator(text)
}
