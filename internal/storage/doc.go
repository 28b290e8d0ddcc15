// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists entities, conversations and messages for the
// development backend.
//
// # Key Types
//
//   - Store: SQLite-backed persistence (modernc.org/sqlite, no cgo)
//   - Slot: where a regenerated answer goes in a transcript
//
// # Usage
//
//	store, err := storage.Open(path, log)
//	conv, err := store.CreateConversation(ctx, []string{"ada"})
//	err = store.SaveExchange(ctx, conv.ID, human, assistant)
//
// Message ids are ULIDs. Messages are ordered by a fractional position so a
// regenerated answer can take the place of the one it replaces.
package storage
