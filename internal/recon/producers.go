package recon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/kingrea/lattice-audit/internal/analyzer"
	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

var skippedDirs = map[string]bool{
	"node_modules": true,
	"lib":          true,
	"out":          true,
	"cache":        true,
	"target":       true,
	"artifacts":    true,
	"vendor":       true,
}

// DocsProducer indexes project documentation.
type DocsProducer struct {
	rules *analyzer.RuleSet
}

// NewDocsProducer builds the documentation producer.
func NewDocsProducer(rules *analyzer.RuleSet) *DocsProducer {
	return &DocsProducer{rules: rules}
}

// Name identifies the producer in logs and results.
func (p *DocsProducer) Name() string { return "documentation" }

// Key is the recon artifact key written by the producer.
func (p *DocsProducer) Key() string { return workflow.FileDocFindings }

// Run indexes every documentation file under projectRoot.
func (p *DocsProducer) Run(ctx context.Context, projectRoot string) ([]byte, error) {
	paths, err := walkProject(ctx, projectRoot, p.rules.IsDoc)
	if err != nil {
		return nil, err
	}
	index := analyzer.DocIndex{Signals: analyzer.Signals{}}
	var body bytes.Buffer
	body.WriteString("# Documentation\n\n")
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(projectRoot, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("recon: read %s: %w", rel, err)
		}
		entry := summarizeDoc(rel, data)
		index.Documents = append(index.Documents, entry)
		index.Signals = index.Signals.Merge(p.rules.Detector().Detect(string(data)))
		title := entry.Title
		if title == "" {
			title = rel
		}
		fmt.Fprintf(&body, "- %s (%s, %d words)\n", title, rel, entry.Words)
	}
	if len(paths) == 0 {
		body.WriteString("No documentation found.\n")
	}
	return artifact.EncodeFrontMatter(index, body.Bytes())
}

func summarizeDoc(rel string, data []byte) analyzer.DocEntry {
	entry := analyzer.DocEntry{Path: rel, Words: len(strings.Fields(string(data)))}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "# ") && entry.Title == "":
			entry.Title = strings.TrimSpace(line[2:])
		case strings.HasPrefix(line, "## "):
			entry.Headings = append(entry.Headings, strings.TrimSpace(line[3:]))
		}
	}
	return entry
}

// CodeProducer inventories project source files and their signals.
type CodeProducer struct {
	rules *analyzer.RuleSet
}

// NewCodeProducer builds the code-structure producer.
func NewCodeProducer(rules *analyzer.RuleSet) *CodeProducer {
	return &CodeProducer{rules: rules}
}

// Name identifies the producer in logs and results.
func (p *CodeProducer) Name() string { return "code-structure" }

// Key is the recon artifact key written by the producer.
func (p *CodeProducer) Key() string { return workflow.FileCodeFindings }

// Run inventories every source file under projectRoot.
func (p *CodeProducer) Run(ctx context.Context, projectRoot string) ([]byte, error) {
	paths, err := walkProject(ctx, projectRoot, p.rules.IsSource)
	if err != nil {
		return nil, err
	}
	inv := analyzer.Inventory{Revision: headRevision(projectRoot), Signals: analyzer.Signals{}}
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(projectRoot, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("recon: read %s: %w", rel, err)
		}
		signals := p.rules.Detector().Detect(string(data))
		file := analyzer.SourceFile{Path: rel, Lines: countLines(data), Signals: signals}
		inv.Files = append(inv.Files, file)
		inv.TotalLines += file.Lines
		inv.Signals = inv.Signals.Merge(signals)
	}
	var body bytes.Buffer
	body.WriteString("# Code Structure\n\n")
	if inv.Revision != "" {
		fmt.Fprintf(&body, "Revision: %s\n\n", inv.Revision)
	}
	fmt.Fprintf(&body, "%d source file(s), %d line(s).\n", len(inv.Files), inv.TotalLines)
	if names := inv.Signals.Names(); len(names) > 0 {
		body.WriteString("\n## Signals\n\n")
		for _, name := range names {
			fmt.Fprintf(&body, "- %s: %d\n", name, inv.Signals[name])
		}
	}
	return artifact.EncodeFrontMatter(inv, body.Bytes())
}

// headRevision returns the HEAD commit of the repository containing root,
// or "" when root is not under version control.
func headRevision(root string) string {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte("\n"))
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// walkProject returns slash-separated paths relative to root that satisfy
// match, in lexical order. Hidden and dependency directories are skipped.
func walkProject(ctx context.Context, root string, match func(string) bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || skippedDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if match(rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recon: walk %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}
