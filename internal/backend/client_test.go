// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/stream"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(&ClientConfig{BaseURL: srv.URL + "/", APIKey: "k"}, zerolog.Nop())
}

func drain(t *testing.T, es stream.EventStream) []stream.Event {
	t.Helper()
	var out []stream.Event
	for {
		ev, err := es.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestSendMessage_EncodesRequestAndDecodesStream(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/stream", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"start\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"token\",\"content\":\"Hi\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"mystery\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"usage\":{\"input_tokens\":1,\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"stored\",\"human_message_id\":\"h1\",\"assistant_message_id\":\"a1\"}\n\n")
	}))

	es, err := client.SendMessage(context.Background(), SendRequest{
		ConversationID: "c1",
		Temperature:    0.7,
		MaxTokens:      100,
		Verbosity:      "normal",
	})
	require.NoError(t, err)
	defer es.Close()

	events := drain(t, es)
	require.Len(t, events, 4)
	assert.Equal(t, stream.KindStart, events[0].Kind)
	assert.Equal(t, "Hi", events[1].Content)
	assert.Equal(t, 2, events[2].Usage.OutputTokens)
	assert.Equal(t, "a1", events[3].AssistantMessageID)

	assert.Equal(t, "c1", got["conversation_id"])
	assert.Nil(t, got["message"], "attachment-only turn sends null message")
	_, hasModel := got["model"]
	assert.False(t, hasModel, "empty model is omitted")
	assert.Contains(t, got, "attachments")
}

func TestSendMessage_ErrorStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"conversation not found","code":"not_found"}`)
	}))

	_, err := client.SendMessage(context.Background(), SendRequest{ConversationID: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "conversation not found", apiErr.Message)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestStream_CancellationYieldsAbortedOnce(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"token\",\"content\":\"Hello\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	es, err := client.SendMessage(ctx, SendRequest{ConversationID: "c1"})
	require.NoError(t, err)
	defer es.Close()

	ev, err := es.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello", ev.Content)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ev, err = es.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.KindAborted, ev.Kind)

	_, err = es.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRegenerate_Path(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/regenerate", r.URL.Path)
		var req RegenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m1", req.MessageID)
		assert.Equal(t, "ada", req.RespondingEntityID)
		fmt.Fprint(w, "data: {\"type\":\"aborted\"}\n\n")
	}))

	es, err := client.Regenerate(context.Background(), RegenerateRequest{MessageID: "m1", RespondingEntityID: "ada"})
	require.NoError(t, err)
	defer es.Close()
	events := drain(t, es)
	require.Len(t, events, 1)
	assert.Equal(t, stream.KindAborted, events[0].Kind)
}

func TestConversationCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req CreateConversationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(model.Conversation{ID: "c9", Entities: []model.Entity{{ID: req.EntityIDs[0]}}})
		case http.MethodGet:
			json.NewEncoder(w).Encode([]model.ConversationMeta{{ID: "c9", Title: "t"}})
		}
	})
	mux.HandleFunc("/api/conversations/c9", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(model.Conversation{
				ID:       "c9",
				Messages: []*model.Message{{ID: "h1", Role: model.RoleHuman, Content: "hi"}},
			})
		case http.MethodPatch:
			var req UpdateConversationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "New title", req.Title)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/api/messages/h1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		json.NewEncoder(w).Encode(EditResult{
			Message:                   model.Message{ID: "h1", Role: model.RoleHuman, Content: "B"},
			DeletedAssistantMessageID: "a1",
		})
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	conv, err := client.CreateConversation(ctx, []string{"ada"})
	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)
	assert.NotNil(t, conv.Messages)

	loaded, err := client.GetConversation(ctx, "c9")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.NotEmpty(t, loaded.Messages[0].LocalID)

	list, err := client.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, client.UpdateTitle(ctx, "c9", "New title"))
	require.NoError(t, client.DeleteConversation(ctx, "c9"))

	res, err := client.UpdateMessage(ctx, "h1", "B")
	require.NoError(t, err)
	assert.Equal(t, "a1", res.DeletedAssistantMessageID)
	assert.Equal(t, "B", res.Message.Content)
}

func TestAPIError_Is(t *testing.T) {
	tests := []struct {
		status int
		target error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusUnprocessableEntity, ErrBadRequest},
		{http.StatusBadGateway, ErrServer},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &APIError{Status: tc.status})
			assert.ErrorIs(t, err, tc.target)
		})
	}
}

func TestAPIError_StatusDoesNotLeak(t *testing.T) {
	err := &APIError{Status: http.StatusNotFound}
	assert.NotErrorIs(t, err, ErrServer)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "404")
}

func TestTextPtr(t *testing.T) {
	assert.Nil(t, TextPtr(""))
	require.NotNil(t, TextPtr("hi"))
	assert.Equal(t, "hi", *TextPtr("hi"))
}
