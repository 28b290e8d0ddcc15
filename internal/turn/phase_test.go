// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseIdle, PhaseSending, true},
		{PhaseIdle, PhaseAwaitingResponderSelection, true},
		{PhaseIdle, PhaseStreaming, false},
		{PhaseAwaitingResponderSelection, PhaseSending, true},
		{PhaseAwaitingResponderSelection, PhaseIdle, true},
		{PhaseAwaitingResponderSelection, PhaseStreaming, false},
		{PhaseSending, PhaseStreaming, true},
		{PhaseSending, PhaseFinalizing, true},
		{PhaseSending, PhaseIdle, false},
		{PhaseStreaming, PhaseFinalizing, true},
		{PhaseStreaming, PhaseIdle, false},
		{PhaseStreaming, PhaseSending, false},
		{PhaseFinalizing, PhaseIdle, true},
		{PhaseFinalizing, PhaseStreaming, false},
	}
	for _, tc := range tests {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
			if !tc.want {
				assert.ErrorIs(t, checkTransition(tc.from, tc.to), ErrInvalidTransition)
			}
		})
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "streaming", PhaseStreaming.String())
	assert.NotEmpty(t, Phase(99).String())
}
