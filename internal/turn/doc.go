// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package turn implements the conversational turn controller.
//
// A Controller drives exactly one exchange at a time through the phases
//
//	Idle -> [AwaitingResponderSelection] -> Sending -> Streaming -> Finalizing -> Idle
//
// consuming the event stream of the backend, mirroring it into the
// transcript and reporting every change to a RenderSink. Send, regenerate
// and edit-save all check the phase before their first suspension point and
// are rejected with ErrBusy while a turn is in flight.
//
// Each turn owns its cancellation token, minted at Sending entry and
// discarded when the turn ends, so a stale Stop never reaches a newer turn.
// Cancelling keeps whatever content was accumulated.
//
// In multi-party conversations a ResponderSelector picks the responding
// entity before any request is issued; the model override is then omitted
// so the entity's own model governs.
package turn
