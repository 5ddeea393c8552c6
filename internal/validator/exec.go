package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kingrea/lattice-audit/internal/finding"
)

// CommandSpec is an argv template. Placeholders {candidate}, {artifact},
// {name} and {project} are substituted per attempt in a single pass, so a
// substituted value is never expanded again.
type CommandSpec []string

func (c CommandSpec) expand(vars map[string]string) []string {
	keys := slices.Sorted(maps.Keys(vars))
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(c))
	for i, arg := range c {
		out[i] = r.Replace(arg)
	}
	return out
}

// ExecToolchain builds and executes candidates with external commands.
// Candidates are written to WorkDir as <name><Ext>.
type ExecToolchain struct {
	Project      string
	WorkDir      string
	Ext          string
	BuildCmd     CommandSpec
	ExecCmd      CommandSpec
	BuildTimeout time.Duration
	Now          func() time.Time
}

func (t *ExecToolchain) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

func (t *ExecToolchain) vars(name, candidate, artifact string) map[string]string {
	return map[string]string{
		"candidate": candidate,
		"artifact":  artifact,
		"name":      name,
		"project":   t.Project,
	}
}

// Build writes the candidate to disk and runs BuildCmd. A non-zero exit is a
// CompileError; a missing binary is a SetupError.
func (t *ExecToolchain) Build(ctx context.Context, c Candidate) (BuildResult, error) {
	if len(t.BuildCmd) == 0 {
		return BuildResult{}, &ToolError{Kind: finding.SetupError, Err: errors.New("no build command configured")}
	}
	if err := os.MkdirAll(t.WorkDir, 0o755); err != nil {
		return BuildResult{}, &ToolError{Kind: finding.SetupError, Err: err}
	}
	path := filepath.Join(t.WorkDir, c.Name+t.Ext)
	if err := os.WriteFile(path, c.Source, 0o644); err != nil {
		return BuildResult{}, &ToolError{Kind: finding.SetupError, Err: err}
	}
	if t.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.BuildTimeout)
		defer cancel()
	}
	start := t.now()
	out, code, err := run(ctx, t.Project, t.BuildCmd.expand(t.vars(c.Name, path, path)))
	res := BuildResult{Candidate: c, Artifact: path, Output: out, Duration: t.now().Sub(start)}
	if err != nil {
		return res, err
	}
	if code != 0 {
		return res, &ToolError{Kind: finding.CompileError, Output: out, Err: fmt.Errorf("build exited with status %d", code)}
	}
	return res, nil
}

// Execute runs ExecCmd against the build. Exceeding timeout is a Timeout; a
// non-zero exit is returned in the result for the evaluator to classify.
func (t *ExecToolchain) Execute(ctx context.Context, b BuildResult, timeout time.Duration) (ExecutionResult, error) {
	if len(t.ExecCmd) == 0 {
		return ExecutionResult{}, &ToolError{Kind: finding.SetupError, Err: errors.New("no execute command configured")}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := t.now()
	out, code, err := run(ctx, t.Project, t.ExecCmd.expand(t.vars(b.Candidate.Name, b.Artifact, b.Artifact)))
	res := ExecutionResult{Output: out, ExitCode: code, Duration: t.now().Sub(start)}
	return res, err
}

// run executes argv and returns combined output and exit status. Start
// failures and deadline expiry come back as classified *ToolError values.
func run(ctx context.Context, dir string, argv []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if ctx.Err() == context.DeadlineExceeded {
		return out, -1, &ToolError{Kind: finding.Timeout, Output: out, Err: context.DeadlineExceeded}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, -1, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, &ToolError{Kind: finding.SetupError, Output: out, Err: err}
	}
	return out, 0, nil
}
