// Package routing implements the three-mode tool-prediction layer: a
// persisted rules index, an on-device predictor, prediction/session
// bookkeeping, and the GEPA prompt-optimization feedback loop.
package routing

import (
	"github.com/maceip/acdp-gateway/internal/acdperr"
)

// Mode selects how the routing brain treats an outgoing message.
type Mode string

const (
	// ModeBypass forwards every message unchanged.
	ModeBypass Mode = "bypass"
	// ModeSemantic consults the on-device predictor for every message.
	ModeSemantic Mode = "semantic"
	// ModeHybrid checks the persisted rules table first and falls back
	// to ModeSemantic on a miss.
	ModeHybrid Mode = "hybrid"
)

// DefaultMode is applied when a deployment doesn't configure one.
const DefaultMode = ModeHybrid

// ParseMode parses a routing mode from its wire/config string form.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBypass, ModeSemantic, ModeHybrid:
		return Mode(s), nil
	default:
		return "", acdperr.ErrRoutingModeInvalid
	}
}

// String returns the wire form of the mode.
func (m Mode) String() string {
	return string(m)
}

// Valid reports whether m is one of the three defined modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeBypass, ModeSemantic, ModeHybrid:
		return true
	default:
		return false
	}
}
