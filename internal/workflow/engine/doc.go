// Package engine drives one audit run through its phases. It owns the phase
// controller, wires the recon, analysis, validation and reporting components
// to it, and persists a state snapshot in the workspace meta namespace after
// every transition.
package engine
