// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the interactive terminal chat client for parley.
//
// The client is a line-oriented REPL: input is read with liner, answers are
// streamed to the terminal (or rendered as markdown with glamour once
// complete) and responders in multi-party conversations are picked from an
// arrow-key list.
//
// # Key Types
//
//   - App: the REPL, wiring the turn controller to the terminal
//   - TerminalSink: renders transcript changes and notices
//   - PickerSelector / LineSelector: choose who answers next
//   - ChatCLI: line editing with persistent history
//
// # Usage
//
//	app, err := cli.NewApp(cli.AppOptions{
//		Backend: client,
//		Config:  cfg,
//		Input:   cli.NewChatCLI(historyFile),
//		Picker:  cli.Interactive(),
//		Logger:  log,
//	})
//	if err != nil {
//		return err
//	}
//	if err := app.Start(ctx, ""); err != nil {
//		return err
//	}
//	return app.Run(ctx)
//
// Ctrl+C while an answer streams stops it; at the prompt it exits.
package cli
