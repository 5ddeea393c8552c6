package validator

import (
	"strings"

	"github.com/kingrea/lattice-audit/internal/finding"
)

// Proof markers a harness prints to report what it demonstrated.
const (
	MarkerAttackerGain = "ATTACKER_GAIN:"
	MarkerVictimLoss   = "VICTIM_LOSS:"
	MarkerProtocolLoss = "PROTOCOL_LOSS:"
	MarkerInvalidated  = "INVALIDATED:"
)

// ProofEvaluator requires positive evidence of gain or loss. A run that
// merely completes without reverting proves nothing.
type ProofEvaluator struct{}

// Evaluate classifies an execution.
func (ProofEvaluator) Evaluate(f *finding.Finding, res ExecutionResult) Verdict {
	out := res.Output
	if res.ExitCode == 0 {
		if line := markerLine(out, MarkerInvalidated); line != "" {
			return Verdict{Outcome: finding.OutcomeDisproved, Diagnostic: line}
		}
		for _, marker := range []string{MarkerAttackerGain, MarkerVictimLoss, MarkerProtocolLoss} {
			if line := markerLine(out, marker); line != "" {
				return Verdict{Outcome: finding.OutcomeProven, Diagnostic: line}
			}
		}
		return Verdict{
			Outcome:    finding.OutcomeFailed,
			Kind:       finding.AssertionFailure,
			Diagnostic: "execution succeeded without demonstrating attacker gain or victim loss\n" + tail(out),
		}
	}
	if strings.Contains(strings.ToLower(out), "revert") {
		return Verdict{Outcome: finding.OutcomeFailed, Kind: finding.RuntimeRevert, Diagnostic: tail(out)}
	}
	return Verdict{Outcome: finding.OutcomeFailed, Kind: finding.AssertionFailure, Diagnostic: tail(out)}
}

func markerLine(out, marker string) string {
	for _, line := range strings.Split(out, "\n") {
		if idx := strings.Index(line, marker); idx >= 0 {
			return strings.TrimSpace(line[idx:])
		}
	}
	return ""
}

const diagnosticTail = 2000

// tail keeps the end of long output, where toolchains print the failure.
func tail(out string) string {
	out = strings.TrimSpace(out)
	if len(out) <= diagnosticTail {
		return out
	}
	return "..." + out[len(out)-diagnosticTail:]
}
