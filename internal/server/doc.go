// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the development chat backend.
//
// It serves the HTTP API the chat client talks to, stores conversations in
// SQLite and streams answers as server-sent events.
//
// # Endpoints
//
//   - GET    /health                  - Health check
//   - GET    /api/entities            - Configured entities
//   - GET    /api/conversations       - Conversation summaries
//   - POST   /api/conversations       - Create a conversation
//   - GET    /api/conversations/{id}  - Conversation with transcript
//   - PATCH  /api/conversations/{id}  - Rename
//   - DELETE /api/conversations/{id}  - Delete
//   - PUT    /api/messages/{id}       - Edit a human message
//   - POST   /api/chat/stream         - Start a turn (SSE)
//   - POST   /api/chat/regenerate     - Re-answer a turn (SSE)
//
// A turn stream is start, tokens, done, then stored. The exchange is written
// only once generation completes; a client that disconnects first leaves the
// database untouched.
//
// # Generators
//
//   - EchoGenerator: repeats the last human message, no model needed
//   - OpenAIGenerator: any OpenAI-compatible chat completion endpoint
//
// # Usage
//
//	srv, err := server.New(server.Options{
//		Store:     store,
//		Generator: server.EchoGenerator{Delay: 20 * time.Millisecond},
//		Logger:    log,
//	})
//	if err != nil {
//		return err
//	}
//	return srv.Start()
package server
