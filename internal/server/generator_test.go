// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/stream"
)

func TestEchoGenerator(t *testing.T) {
	req := GenerateRequest{
		Entity:  model.Entity{ID: "ada", Name: "Ada"},
		History: []*model.Message{{Role: model.RoleHuman, Content: "good morning"}},
	}

	var tokens []string
	usage, err := EchoGenerator{}.Generate(context.Background(), req, func(ev stream.Event) error {
		tokens = append(tokens, ev.Content)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada heard: good morning", strings.Join(tokens, ""))
	assert.Equal(t, len(tokens), usage.OutputTokens)
	assert.Equal(t, 2, usage.InputTokens)
}

func TestEchoGenerator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := GenerateRequest{History: []*model.Message{{Role: model.RoleHuman, Content: "a b c d"}}}

	var n int
	_, err := EchoGenerator{Delay: time.Millisecond}.Generate(ctx, req, func(ev stream.Event) error {
		n++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestBuildChatMessages(t *testing.T) {
	ada := model.Entity{ID: "ada", Name: "Ada", Description: "A mathematician."}
	bo := model.Entity{ID: "bo", Name: "Bo"}
	history := []*model.Message{
		{Role: model.RoleHuman, Content: "hi all"},
		{Role: model.RoleAssistant, Content: "hello", SpeakerEntityID: "bo"},
		{Role: model.RoleAssistant, Content: "oops", IsError: true},
		{Role: model.RoleAssistant, Content: "greetings", SpeakerEntityID: "ada"},
	}

	t.Run("multi-party", func(t *testing.T) {
		msgs := buildChatMessages(GenerateRequest{
			Entity:       ada,
			Participants: []model.Entity{ada, bo},
			UserName:     "Sam",
			Verbosity:    "concise",
			History:      history,
		})
		require.Len(t, msgs, 4)
		assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
		assert.Equal(t, "You are Ada. A mathematician.\n\nAnswer briefly.", msgs[0].Content)
		assert.Equal(t, "[Sam]: hi all", msgs[1].Content)
		assert.Equal(t, openai.ChatMessageRoleUser, msgs[2].Role)
		assert.Equal(t, "[Bo]: hello", msgs[2].Content)
		assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[3].Role)
	})

	t.Run("single party", func(t *testing.T) {
		msgs := buildChatMessages(GenerateRequest{Entity: model.Entity{ID: "x"}, History: history[:2]})
		require.Len(t, msgs, 2)
		assert.Equal(t, "hi all", msgs[0].Content)
		assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[1].Role)
	})
}

func TestHumanChatMessage_Attachments(t *testing.T) {
	msg := humanChatMessage("look", model.Attachments{
		Images: []model.Image{{Name: "a.png", MediaType: "image/png", Data: "AAAA"}},
		Files:  []model.File{{Name: "n.txt", Content: "body"}},
	})
	require.Len(t, msg.MultiContent, 2)
	assert.Contains(t, msg.MultiContent[0].Text, "--- n.txt ---\nbody")
	assert.Equal(t, "data:image/png;base64,AAAA", msg.MultiContent[1].ImageURL.URL)

	plain := humanChatMessage("just text", model.Attachments{})
	assert.Equal(t, "just text", plain.Content)
	assert.Empty(t, plain.MultiContent)
}
