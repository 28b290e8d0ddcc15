// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import "context"

// EventStream is the ordered event sequence of one turn as delivered by the
// network layer. Next returns io.EOF once the sequence is exhausted. When ctx
// is cancelled before the stream ends, Next delivers a single aborted event
// and then io.EOF.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}
