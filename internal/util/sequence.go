// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "sync/atomic"

// Sequence hands out monotonically increasing tickets. A caller takes a
// ticket before issuing an asynchronous request and applies the response only
// if its ticket is still the latest one issued.
//
// The zero value is ready to use.
type Sequence struct {
	latest atomic.Uint64
}

// NewSequence returns a ready-to-use Sequence.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next issues a new ticket. Every ticket issued earlier becomes stale.
func (s *Sequence) Next() uint64 {
	return s.latest.Add(1)
}

// IsLatest reports whether ticket is the most recently issued one.
func (s *Sequence) IsLatest(ticket uint64) bool {
	return s.latest.Load() == ticket
}

// Latest returns the most recently issued ticket (0 if none).
func (s *Sequence) Latest() uint64 {
	return s.latest.Load()
}
