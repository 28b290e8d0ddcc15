// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/parley/internal/backend"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/stream"
)

// =============================================================================
// STREAM
// =============================================================================

// fakeStream yields events pushed on its channel. A cancelled context yields
// one aborted event and then io.EOF, like the real client.
type fakeStream struct {
	events  chan stream.Event
	aborted bool
	closed  bool
	mu      sync.Mutex

	// endErr replaces io.EOF once the events run out.
	endErr error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stream.Event)}
}

func scripted(events ...stream.Event) *fakeStream {
	s := &fakeStream{events: make(chan stream.Event, len(events))}
	for _, ev := range events {
		s.events <- ev
	}
	close(s.events)
	return s
}

// truncated yields events and then fails with err, like a body cut short.
func truncated(err error, events ...stream.Event) *fakeStream {
	s := scripted(events...)
	s.endErr = err
	return s
}

func (s *fakeStream) Next(ctx context.Context) (stream.Event, error) {
	if s.aborted {
		return stream.Event{}, io.EOF
	}
	select {
	case <-ctx.Done():
		s.aborted = true
		return stream.Aborted(), nil
	case ev, ok := <-s.events:
		if !ok {
			if s.endErr != nil {
				return stream.Event{}, s.endErr
			}
			return stream.Event{}, io.EOF
		}
		return ev, nil
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

type fakeTransport struct {
	mu          sync.Mutex
	streams     []*fakeStream
	openErr     error
	sends       []backend.SendRequest
	regenerates []backend.RegenerateRequest
	edits       []string
	editResult  backend.EditResult
	editErr     error

	// editGate blocks UpdateMessage until closed or cancelled.
	editGate chan struct{}
}

func (f *fakeTransport) queue(s ...*fakeStream) {
	f.mu.Lock()
	f.streams = append(f.streams, s...)
	f.mu.Unlock()
}

func (f *fakeTransport) next() (stream.EventStream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	if len(f.streams) == 0 {
		return nil, errors.New("no stream queued")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeTransport) SendMessage(_ context.Context, req backend.SendRequest) (stream.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	return f.next()
}

func (f *fakeTransport) Regenerate(_ context.Context, req backend.RegenerateRequest) (stream.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regenerates = append(f.regenerates, req)
	return f.next()
}

func (f *fakeTransport) UpdateMessage(ctx context.Context, messageID, content string) (backend.EditResult, error) {
	f.mu.Lock()
	f.edits = append(f.edits, messageID+"="+content)
	gate, res, err := f.editGate, f.editResult, f.editErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return backend.EditResult{}, ctx.Err()
		}
	}
	return res, err
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends) + len(f.regenerates) + len(f.edits)
}

func (f *fakeTransport) lastSend() backend.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[len(f.sends)-1]
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

type fakeConversations struct {
	mu      sync.Mutex
	convs   map[string]*model.Conversation
	created int
	titles  []string
	// gate blocks GetConversation for the given id until closed.
	gate    map[string]chan struct{}
	entered chan string

	// defaultEntityIDs stand in when a create names no entities.
	defaultEntityIDs []string
}

func newFakeConversations(convs ...*model.Conversation) *fakeConversations {
	f := &fakeConversations{
		convs:   make(map[string]*model.Conversation),
		gate:    make(map[string]chan struct{}),
		entered: make(chan string, 4),
	}
	for _, c := range convs {
		f.convs[c.ID] = c
	}
	return f
}

func (f *fakeConversations) CreateConversation(_ context.Context, entityIDs []string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if len(entityIDs) == 0 {
		entityIDs = f.defaultEntityIDs
	}
	entities := make([]model.Entity, len(entityIDs))
	for i, id := range entityIDs {
		entities[i] = model.Entity{ID: id, Name: id}
	}
	conv := model.NewConversation(fmt.Sprintf("new-%d", f.created), entities)
	f.convs[conv.ID] = conv
	return conv, nil
}

func (f *fakeConversations) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	gate := f.gate[id]
	f.mu.Unlock()
	if gate != nil {
		f.entered <- id
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return conv, nil
}

func (f *fakeConversations) UpdateTitle(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, id+":"+title)
	return nil
}

func (f *fakeConversations) titleCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

// =============================================================================
// SINK, NOTIFIER, SELECTOR, ATTACHMENTS, MEMORY
// =============================================================================

// recordingSink logs every callback as a short line in call order.
type recordingSink struct {
	mu        sync.Mutex
	log       []string
	tokens    []string
	finalized []model.Message
	persisted []model.Message
}

func (s *recordingSink) add(line string) {
	s.mu.Lock()
	s.log = append(s.log, line)
	s.mu.Unlock()
}

func (s *recordingSink) OnConversationLoaded(meta model.ConversationMeta, msgs []model.Message) {
	s.add(fmt.Sprintf("loaded:%s:%d", meta.ID, len(msgs)))
}

func (s *recordingSink) OnMessageAppended(msg model.Message, i int) {
	s.add(fmt.Sprintf("appended:%s:%q@%d", msg.Role, msg.Content, i))
}

func (s *recordingSink) OnMessageRemoved(msg model.Message, i int) {
	s.add(fmt.Sprintf("removed:%s@%d", msg.ID, i))
}

func (s *recordingSink) OnMessageUpdated(msg model.Message, i int) {
	s.add(fmt.Sprintf("updated:%s:%q@%d", msg.ID, msg.Content, i))
}

func (s *recordingSink) OnTokenAppended(_, fragment string) {
	s.mu.Lock()
	s.tokens = append(s.tokens, fragment)
	s.mu.Unlock()
	s.add("token:" + fragment)
}

func (s *recordingSink) OnToolActivity(_ string, tool model.ToolInvocation) {
	s.add(fmt.Sprintf("tool:%s:%t", tool.ID, tool.Done))
}

func (s *recordingSink) OnTurnFinalized(msg model.Message) {
	s.mu.Lock()
	s.finalized = append(s.finalized, msg)
	s.mu.Unlock()
	s.add(fmt.Sprintf("finalized:%q", msg.Content))
}

func (s *recordingSink) OnMessagesPersisted(msgs []model.Message) {
	s.mu.Lock()
	s.persisted = append(s.persisted, msgs...)
	s.mu.Unlock()
	s.add(fmt.Sprintf("persisted:%d", len(msgs)))
}

func (s *recordingSink) OnBusyChanged(busy bool) {
	s.add(fmt.Sprintf("busy:%t", busy))
}

func (s *recordingSink) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *recordingSink) tokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *recordingSink) finalizedMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.finalized...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

// fakeSelector answers each request from its replies channel.
type fakeSelector struct {
	mu       sync.Mutex
	requests []SelectionRequest
	replies  chan selection
}

type selection struct {
	id  string
	err error
}

func newFakeSelector() *fakeSelector {
	return &fakeSelector{replies: make(chan selection, 4)}
}

func (f *fakeSelector) SelectResponder(ctx context.Context, req SelectionRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	select {
	case r := <-f.replies:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeSelector) seen() []SelectionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SelectionRequest(nil), f.requests...)
}

type stagedAttachments struct {
	mu     sync.Mutex
	staged model.Attachments
}

func (s *stagedAttachments) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged.Count()
}

func (s *stagedAttachments) SnapshotAndClear() model.Attachments {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.staged.Clone()
	s.staged = model.Attachments{}
	return out
}

type recordingMemory struct {
	mu       sync.Mutex
	payloads []string
}

func (m *recordingMemory) OnMemoryUpdate(payload json.RawMessage) {
	m.mu.Lock()
	m.payloads = append(m.payloads, string(payload))
	m.mu.Unlock()
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	ctrl      *Controller
	transport *fakeTransport
	convs     *fakeConversations
	sink      *recordingSink
	notifier  *recordingNotifier
	selector  *fakeSelector
	staged    *stagedAttachments
	memory    *recordingMemory
}

func newHarness(t *testing.T, session Session, convs ...*model.Conversation) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		convs:     newFakeConversations(convs...),
		sink:      &recordingSink{},
		notifier:  &recordingNotifier{},
		selector:  newFakeSelector(),
		staged:    &stagedAttachments{},
		memory:    &recordingMemory{},
	}
	ctrl, err := New(Options{
		Transport:     h.transport,
		Conversations: h.convs,
		Attachments:   h.staged,
		Selector:      h.selector,
		Sink:          h.sink,
		Memory:        h.memory,
		Notifier:      h.notifier,
		Session:       session,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) open(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.ctrl.OpenConversation(context.Background(), id))
}

// async runs fn on its own goroutine and returns its result channel.
func async(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not complete")
		return nil
	}
}

func defaultSession() Session {
	return Session{
		Generation: backend.GenerationParams{
			Model:       "model-a",
			Temperature: 0.7,
			MaxTokens:   512,
			Verbosity:   "normal",
		},
		UserDisplayName: "Sam",
		EntityIDs:       []string{"default"},
	}
}

func singleParty(id string, msgs ...*model.Message) *model.Conversation {
	conv := model.NewConversation(id, []model.Entity{{ID: "default", Name: "Assistant"}})
	conv.Messages = append(conv.Messages, msgs...)
	return conv
}

func multiParty(id string, msgs ...*model.Message) *model.Conversation {
	conv := model.NewConversation(id, []model.Entity{{ID: "E1", Name: "Ada"}, {ID: "E2", Name: "Bo"}})
	conv.Messages = append(conv.Messages, msgs...)
	return conv
}

func saved(role model.Role, id, content string) *model.Message {
	m := &model.Message{ID: id, Role: role, Content: content, Timestamp: time.Now()}
	m.EnsureLocalID()
	return m
}
