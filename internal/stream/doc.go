// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes the typed event sequence of one streaming turn.
//
// The backend pushes Server-Sent Events whose JSON payload carries a "type"
// field (memory-update, start, token, tool-start, tool-result, done, stored,
// aborted, error). SSEReader splits the byte stream into frames, Decode turns
// a frame into an Event, and Decoder accumulates the events of a single turn:
//
//	dec := stream.NewDecoder(log)
//	for {
//	    ev, err := events.Next(ctx)
//	    if err != nil {
//	        break
//	    }
//	    if _, err := dec.Apply(ev); errors.Is(err, stream.ErrTerminated) {
//	        continue
//	    }
//	}
//	content, usage, ok := dec.Finalize()
//
// A Decoder is not safe for concurrent use; the turn that owns it drives it
// from one goroutine.
package stream
