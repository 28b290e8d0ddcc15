// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/parley/internal/backend"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/storage"
	"github.com/jeranaias/parley/internal/stream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testKey = "secret"

type testEnv struct {
	store  *storage.Store
	client *backend.Client
	url    string
	// done receives once per finished turn request.
	done chan string
}

func newTestEnv(t *testing.T, gen Generator) *testEnv {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "server.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SyncEntities(context.Background(), []model.Entity{
		{ID: "ada", Name: "Ada"},
		{ID: "bo", Name: "Bo"},
	}))

	srv, err := New(Options{
		Store:            store,
		Generator:        gen,
		APIKey:           testKey,
		Logger:           zerolog.Nop(),
		DefaultEntityIDs: []string{"ada"},
	})
	require.NoError(t, err)

	done := make(chan string, 8)
	h := srv.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/chat/") {
			done <- r.URL.Path
		}
	}))
	t.Cleanup(ts.Close)

	return &testEnv{
		store:  store,
		client: backend.NewClient(&backend.ClientConfig{BaseURL: ts.URL, APIKey: testKey}, zerolog.Nop()),
		url:    ts.URL,
		done:   done,
	}
}

func drain(t *testing.T, es stream.EventStream) []stream.Event {
	t.Helper()
	defer es.Close()
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

func kinds(events []stream.Event) []stream.Kind {
	out := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		if ev.Kind != stream.KindToken {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func text(events []stream.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == stream.KindToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func last(events []stream.Event) stream.Event {
	return events[len(events)-1]
}

func (e *testEnv) send(t *testing.T, req backend.SendRequest) []stream.Event {
	t.Helper()
	if req.MaxTokens == 0 {
		req.MaxTokens = 256
	}
	es, err := e.client.SendMessage(context.Background(), req)
	require.NoError(t, err)
	return drain(t, es)
}

func msg(s string) *string { return &s }

func (e *testEnv) waitTurn(t *testing.T) {
	t.Helper()
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn request did not finish")
	}
}

// blockingGenerator emits one token and then waits for cancellation.
type blockingGenerator struct {
	started chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, req GenerateRequest, emit func(stream.Event) error) (model.Usage, error) {
	if err := emit(stream.Token("partial ")); err != nil {
		return model.Usage{}, err
	}
	close(g.started)
	<-ctx.Done()
	return model.Usage{}, ctx.Err()
}

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, req GenerateRequest, emit func(stream.Event) error) (model.Usage, error) {
	_ = emit(stream.Token("half"))
	return model.Usage{}, errors.New("model overloaded")
}

// =============================================================================
// SERVER TESTS
// =============================================================================

func TestNew_RequiresStoreAndGenerator(t *testing.T) {
	_, err := New(Options{Generator: EchoGenerator{}})
	assert.Error(t, err)

	store, err := storage.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	_, err = New(Options{Store: store})
	assert.Error(t, err)

	srv, err := New(Options{Store: store, Generator: EchoGenerator{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, srv.opts.Listen)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})

	resp, err := http.Get(env.url + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.url + "/api/entities")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	anon := backend.NewClient(&backend.ClientConfig{BaseURL: env.url, APIKey: "wrong"}, zerolog.Nop())
	_, err = anon.ListEntities(context.Background())
	assert.ErrorIs(t, err, backend.ErrUnauthorized)

	entities, err := env.client.ListEntities(context.Background())
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})
	ctx := context.Background()

	conv, err := env.client.CreateConversation(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ada"}, conv.EntityIDs(), "default entities")

	group, err := env.client.CreateConversation(ctx, []string{"ada", "bo"})
	require.NoError(t, err)
	assert.True(t, group.IsMultiParty())

	_, err = env.client.CreateConversation(ctx, []string{"ghost"})
	assert.ErrorIs(t, err, backend.ErrBadRequest)

	require.NoError(t, env.client.UpdateTitle(ctx, conv.ID, "  Plans  "))
	loaded, err := env.client.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Plans", loaded.Title)

	metas, err := env.client.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 2)

	_, err = env.client.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestChatStream_StreamsAndStores(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})
	ctx := context.Background()
	conv, err := env.client.CreateConversation(ctx, []string{"ada"})
	require.NoError(t, err)

	events := env.send(t, backend.SendRequest{ConversationID: conv.ID, Message: msg("hello there")})
	assert.Equal(t, []stream.Kind{stream.KindStart, stream.KindDone, stream.KindStored}, kinds(events))
	assert.Equal(t, "Ada heard: hello there", text(events))

	stored := last(events)
	assert.NotEmpty(t, stored.HumanMessageID)
	assert.NotEmpty(t, stored.AssistantMessageID)
	assert.Empty(t, stored.SpeakerEntityID, "single-party answers carry no speaker")

	loaded, err := env.client.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, stored.HumanMessageID, loaded.Messages[0].ID)
	assert.Equal(t, stored.AssistantMessageID, loaded.Messages[1].ID)
	assert.Equal(t, "Ada heard: hello there", loaded.Messages[1].Content)
}

func TestChatStream_AttachmentsAndContinuation(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})
	ctx := context.Background()
	conv, err := env.client.CreateConversation(ctx, []string{"ada"})
	require.NoError(t, err)

	events := env.send(t, backend.SendRequest{
		ConversationID: conv.ID,
		Attachments:    model.Attachments{Files: []model.File{{Name: "notes.txt", Content: "x"}}},
	})
	assert.Equal(t, "Ada heard: [1 attachment(s)]", text(events))
	assert.NotEmpty(t, last(events).HumanMessageID)

	events = env.send(t, backend.SendRequest{ConversationID: conv.ID})
	assert.Equal(t, "Ada has nothing to add yet.", text(events))
	assert.Empty(t, last(events).HumanMessageID, "continuation stores no human message")

	loaded, err := env.client.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 3)
	assert.Equal(t, 1, loaded.Messages[0].Attachments.Count())
}

func TestChatStream_MultiParty(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})
	ctx := context.Background()
	conv, err := env.client.CreateConversation(ctx, []string{"ada", "bo"})
	require.NoError(t, err)

	_, err = env.client.SendMessage(ctx, backend.SendRequest{ConversationID: conv.ID, Message: msg("hi"), MaxTokens: 10})
	assert.ErrorIs(t, err, backend.ErrBadRequest)

	_, err = env.client.SendMessage(ctx, backend.SendRequest{ConversationID: conv.ID, Message: msg("hi"), MaxTokens: 10, RespondingEntityID: "ghost"})
	assert.ErrorIs(t, err, backend.ErrBadRequest)

	events := env.send(t, backend.SendRequest{ConversationID: conv.ID, Message: msg("hi"), RespondingEntityID: "bo"})
	assert.Equal(t, "Bo heard: hi", text(events))
	assert.Equal(t, "bo", last(events).SpeakerEntityID)

	loaded, err := env.client.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "bo", loaded.Messages[1].SpeakerEntityID)
}

func TestChatStream_Validation(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})
	ctx := context.Background()
	conv, err := env.client.CreateConversation(ctx, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  backend.SendRequest
		want error
	}{
		{"missing conversation id", backend.SendRequest{Message: msg("x")}, backend.ErrBadRequest},
		{"unknown conversation", backend.SendRequest{ConversationID: "nope", Message: msg("x")}, backend.ErrNotFound},
		{"temperature too high", backend.SendRequest{ConversationID: conv.ID, Message: msg("x"), Temperature: 3}, backend.ErrBadRequest},
		{"max tokens too large", backend.SendRequest{ConversationID: conv.ID, Message: msg("x"), MaxTokens: MaxTokensLimit + 1}, backend.ErrBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.client.SendMessage(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestChatStream_GeneratorFailure(t *testing.T) {
	env := newTestEnv(t, failingGenerator{})
	ctx := context.Background()
	conv, err := env.client.CreateConversation(ctx, nil)
	require.NoError(t, err)

	events := env.send(t, backend.SendRequest{ConversationID: conv.ID, Message: msg("hi")})
	assert.Equal(t, []stream.Kind{stream.KindStart, stream.KindError}, kinds(events))
	assert.Equal(t, "model overloaded", last(events).Error)

	loaded, err := env.client.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Messages)
}

func TestChatStream_DisconnectStoresNothing(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{})}
	env := newTestEnv(t, gen)
	conv, err := env.client.CreateConversation(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	es, err := env.client.SendMessage(ctx, backend.SendRequest{ConversationID: conv.ID, Message: msg("hi"), MaxTokens: 10})
	require.NoError(t, err)

	<-gen.started
	cancel()
	es.Close()
	env.waitTurn(t)

	loaded, err := env.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Messages)
}

func TestRegenerate(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})
	ctx := context.Background()
	conv, err := env.client.CreateConversation(ctx, nil)
	require.NoError(t, err)

	first := last(env.send(t, backend.SendRequest{ConversationID: conv.ID, Message: msg("one")}))
	env.send(t, backend.SendRequest{ConversationID: conv.ID, Message: msg("two")})

	es, err := env.client.Regenerate(ctx, backend.RegenerateRequest{MessageID: first.AssistantMessageID, MaxTokens: 64})
	require.NoError(t, err)
	events := drain(t, es)
	assert.Equal(t, "Ada heard: one", text(events))

	stored := last(events)
	require.Equal(t, stream.KindStored, stored.Kind)
	assert.Equal(t, first.HumanMessageID, stored.HumanMessageID)
	assert.NotEqual(t, first.AssistantMessageID, stored.AssistantMessageID)

	loaded, err := env.client.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 4)
	assert.Equal(t, stored.AssistantMessageID, loaded.Messages[1].ID, "answer keeps its place")

	_, err = env.client.Regenerate(ctx, backend.RegenerateRequest{MessageID: "missing"})
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestUpdateMessage(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})
	ctx := context.Background()
	conv, err := env.client.CreateConversation(ctx, nil)
	require.NoError(t, err)

	stored := last(env.send(t, backend.SendRequest{ConversationID: conv.ID, Message: msg("A")}))

	res, err := env.client.UpdateMessage(ctx, stored.HumanMessageID, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", res.Message.Content)
	assert.Equal(t, stored.AssistantMessageID, res.DeletedAssistantMessageID)

	_, err = env.client.UpdateMessage(ctx, stored.HumanMessageID, "   ")
	assert.ErrorIs(t, err, backend.ErrBadRequest)

	cont := last(env.send(t, backend.SendRequest{ConversationID: conv.ID}))
	_, err = env.client.UpdateMessage(ctx, cont.AssistantMessageID, "nope")
	assert.ErrorIs(t, err, backend.ErrConflict)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, EchoGenerator{})
	req, err := http.NewRequest(http.MethodGet, env.url+"/api/nothing", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
