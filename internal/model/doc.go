// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the transcript types shared by the turn controller,
// the streaming decoder, the backend client and the development server.
//
// # Key Types
//
//   - Conversation: the ordered transcript plus its participating entities
//   - Message: a single human or assistant entry with an in-memory LocalID and
//     a persisted ID assigned once the backend has stored it
//   - Entity: an AI persona that may answer in a conversation
//   - Attachments: images and files captured at send time
//
// # Usage
//
//	conv := model.NewConversation("c-1", entities)
//	human := model.NewHumanMessage("Hello!", model.Attachments{})
//	conv.Append(human)
//	reply := model.NewAssistantPlaceholder("")
//	conv.Append(reply)
//	reply.FinalizeStream("Hi there.", model.Usage{}, time.Now())
package model
