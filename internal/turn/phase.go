// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a phase change the table does not allow.
var ErrInvalidTransition = errors.New("invalid turn phase transition")

// Phase is the lifecycle stage of the controller's current turn.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingResponderSelection
	PhaseSending
	PhaseStreaming
	PhaseFinalizing
)

// String returns a readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingResponderSelection:
		return "awaiting-responder-selection"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// transitions lists every allowed phase change. Anything absent is rejected.
var transitions = map[Phase][]Phase{
	PhaseIdle:                       {PhaseAwaitingResponderSelection, PhaseSending},
	PhaseAwaitingResponderSelection: {PhaseSending, PhaseIdle},
	PhaseSending:                    {PhaseStreaming, PhaseFinalizing},
	PhaseStreaming:                  {PhaseFinalizing},
	PhaseFinalizing:                 {PhaseIdle},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
