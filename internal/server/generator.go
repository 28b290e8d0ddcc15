// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/stream"
)

// =============================================================================
// GENERATOR
// =============================================================================

// GenerateRequest is everything a generator needs to answer one turn.
type GenerateRequest struct {
	Entity       model.Entity
	Participants []model.Entity
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Verbosity    string
	UserName     string
	// History is the transcript up to the answer, oldest first. For a send
	// it ends with the new human message.
	History []*model.Message
}

// Generator produces an answer as stream events. It returns when the answer
// is complete, the context is cancelled, or generation fails.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, emit func(stream.Event) error) (model.Usage, error)
}

// =============================================================================
// ECHO GENERATOR
// =============================================================================

// EchoGenerator answers by repeating the last human message word by word.
// It needs no model and is the default for local development.
type EchoGenerator struct {
	// Delay is the pause between tokens.
	Delay time.Duration
}

// Generate implements Generator.
func (g EchoGenerator) Generate(ctx context.Context, req GenerateRequest, emit func(stream.Event) error) (model.Usage, error) {
	reply := g.reply(req)
	tokens := strings.SplitAfter(reply, " ")

	var usage model.Usage
	for _, m := range req.History {
		usage.InputTokens += len(strings.Fields(m.Content))
	}

	for _, tok := range tokens {
		if g.Delay > 0 {
			timer := time.NewTimer(g.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return usage, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return usage, err
		}
		if err := emit(stream.Token(tok)); err != nil {
			return usage, err
		}
		usage.OutputTokens++
	}
	return usage, nil
}

func (g EchoGenerator) reply(req GenerateRequest) string {
	name := req.Entity.DisplayName()
	if n := len(req.History); n > 0 && req.History[n-1].Role == model.RoleHuman {
		last := req.History[n-1]
		text := strings.TrimSpace(last.Content)
		if count := last.Attachments.Count(); count > 0 {
			text = strings.TrimSpace(fmt.Sprintf("%s [%d attachment(s)]", text, count))
		}
		return fmt.Sprintf("%s heard: %s", name, text)
	}
	return fmt.Sprintf("%s has nothing to add yet.", name)
}

// =============================================================================
// OPENAI GENERATOR
// =============================================================================

// OpenAIGenerator streams answers from an OpenAI-compatible chat API.
type OpenAIGenerator struct {
	client       *openai.Client
	defaultModel string
	log          zerolog.Logger
}

// DefaultOpenAIModel is used when neither the request nor the entity names
// a model.
const DefaultOpenAIModel = openai.GPT4oMini

// NewOpenAIGenerator creates a generator for the given key. baseURL may be
// empty for the public endpoint.
func NewOpenAIGenerator(apiKey, baseURL string, log zerolog.Logger) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: DefaultOpenAIModel,
		log:          log,
	}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest, emit func(stream.Event) error) (model.Usage, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = req.Entity.Model
	}
	if modelName == "" {
		modelName = g.defaultModel
	}

	creq := openai.ChatCompletionRequest{
		Model:         modelName,
		Messages:      buildChatMessages(req),
		MaxTokens:     req.MaxTokens,
		Temperature:   float32(req.Temperature),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	st, err := g.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return model.Usage{}, fmt.Errorf("failed to start completion: %w", err)
	}
	defer st.Close()

	g.log.Debug().Str("model", modelName).Str("entity_id", req.Entity.ID).Int("messages", len(creq.Messages)).Msg("completion started")

	var usage model.Usage
	for {
		resp, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			return usage, fmt.Errorf("completion stream: %w", err)
		}
		if resp.Usage != nil {
			usage = model.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := emit(stream.Token(choice.Delta.Content)); err != nil {
				return usage, err
			}
		}
	}
}

// buildChatMessages maps the transcript onto chat roles from the answering
// entity's point of view. Other entities' messages become user messages
// tagged with the speaker's name.
func buildChatMessages(req GenerateRequest) []openai.ChatCompletionMessage {
	names := make(map[string]string, len(req.Participants))
	for _, e := range req.Participants {
		names[e.ID] = e.DisplayName()
	}
	multiParty := len(req.Participants) >= 2

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if system := systemPrompt(req); system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range req.History {
		if m.IsError {
			continue
		}
		switch {
		case m.Role == model.RoleHuman:
			text := m.Content
			if multiParty && req.UserName != "" {
				text = fmt.Sprintf("[%s]: %s", req.UserName, text)
			}
			msgs = append(msgs, humanChatMessage(text, m.Attachments))
		case !multiParty || m.SpeakerEntityID == req.Entity.ID:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		default:
			speaker := names[m.SpeakerEntityID]
			if speaker == "" {
				speaker = m.SpeakerEntityID
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("[%s]: %s", speaker, m.Content),
			})
		}
	}
	return msgs
}

func humanChatMessage(text string, att model.Attachments) openai.ChatCompletionMessage {
	for _, f := range att.Files {
		text += fmt.Sprintf("\n\n--- %s ---\n%s", f.Name, f.Content)
	}
	if len(att.Images) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text}}
	for _, img := range att.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:" + img.MediaType + ";base64," + img.Data,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

var verbosityHints = map[string]string{
	"concise":  "Answer briefly.",
	"detailed": "Answer thoroughly, with detail and examples.",
}

func systemPrompt(req GenerateRequest) string {
	var parts []string
	if req.Entity.Name != "" {
		persona := "You are " + req.Entity.Name + "."
		if req.Entity.Description != "" {
			persona += " " + req.Entity.Description
		}
		parts = append(parts, persona)
	}
	if req.SystemPrompt != "" {
		parts = append(parts, req.SystemPrompt)
	}
	if hint := verbosityHints[req.Verbosity]; hint != "" {
		parts = append(parts, hint)
	}
	return strings.Join(parts, "\n\n")
}
