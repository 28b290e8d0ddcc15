// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across parley.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - TruncateWidth: display-width aware truncation for terminal columns
//
// Ordering:
//   - Sequence: monotonically increasing request sequence used to discard
//     responses that were superseded by a newer request
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// # Usage
//
//	seq := util.NewSequence()
//	ticket := seq.Next()
//	items := fetch()
//	if seq.IsLatest(ticket) {
//	    apply(items)
//	}
package util
