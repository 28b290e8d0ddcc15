// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/backend"
	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/stream"
	"github.com/jeranaias/parley/internal/util"
)

// =============================================================================
// SESSION
// =============================================================================

// Session is the per-user context the controller sends turns with.
type Session struct {
	Generation      backend.GenerationParams
	UserDisplayName string
	// EntityIDs are used when the controller has to create a conversation.
	EntityIDs          []string
	PromptContinuation bool
}

// SessionFromConfig extracts the session settings from cfg.
func SessionFromConfig(cfg *config.Config) Session {
	return Session{
		Generation: backend.GenerationParams{
			Model:        cfg.Generation.Model,
			Temperature:  cfg.Generation.Temperature,
			MaxTokens:    cfg.Generation.MaxTokens,
			SystemPrompt: cfg.Generation.SystemPrompt,
			Verbosity:    cfg.Generation.Verbosity,
		},
		UserDisplayName:    cfg.Session.UserDisplayName,
		EntityIDs:          append([]string(nil), cfg.Session.EntityIDs...),
		PromptContinuation: cfg.Session.PromptContinuation,
	}
}

// =============================================================================
// TURN
// =============================================================================

// Kind is what started a turn.
type Kind string

const (
	KindSend         Kind = "send"
	KindContinuation Kind = "continuation"
	KindRegenerate   Kind = "regenerate"
	KindEdit         Kind = "edit"
)

// turn is the transient state of one exchange.
type turn struct {
	id    string
	kind  Kind
	phase Phase

	// Present from Sending entry until the turn ends.
	cancel context.CancelFunc

	// Created at Streaming entry.
	decoder *stream.Decoder

	pendingResponderID string
	// pendingMessage is the human message held while awaiting selection.
	// pendingAppended says whether it is already in the transcript.
	pendingMessage  *model.Message
	pendingAppended bool

	human       *model.Message
	placeholder *model.Message
}

// TurnInfo is a read-only view of the current turn.
type TurnInfo struct {
	ID                 string
	Kind               Kind
	Phase              Phase
	PendingResponderID string
	Content            string
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Options wires a Controller to its collaborators. Transport and
// Conversations are required; the rest default to no-ops.
type Options struct {
	Transport     Transport
	Conversations ConversationProvider
	Attachments   AttachmentProvider
	Selector      ResponderSelector
	Sink          RenderSink
	Memory        MemorySink
	Notifier      Notifier
	Session       Session
	Logger        zerolog.Logger
}

// Controller drives at most one in-flight turn for the selected conversation.
// All methods are safe for concurrent use; operations that find a turn in
// progress are rejected with ErrBusy rather than queued.
type Controller struct {
	transport     Transport
	conversations ConversationProvider
	attachments   AttachmentProvider
	selector      ResponderSelector
	sink          RenderSink
	memory        MemorySink
	notifier      Notifier
	log           zerolog.Logger
	streamLog     zerolog.Logger

	mu      sync.Mutex
	session Session
	conv    *model.Conversation
	phase   Phase
	current *turn
	edit    *editState
	// titled holds conversations whose derived title has been persisted.
	titled map[string]bool

	openSeq util.Sequence
}

type editState struct {
	messageID string
	original  string
}

// New creates a controller.
func New(opts Options) (*Controller, error) {
	if opts.Transport == nil {
		return nil, errors.New("turn: transport is required")
	}
	if opts.Conversations == nil {
		return nil, errors.New("turn: conversation provider is required")
	}

	c := &Controller{
		transport:     opts.Transport,
		conversations: opts.Conversations,
		attachments:   opts.Attachments,
		selector:      opts.Selector,
		sink:          opts.Sink,
		memory:        opts.Memory,
		notifier:      opts.Notifier,
		session:       opts.Session,
		log:           opts.Logger,
		streamLog:     opts.Logger.With().Str("scope", "stream").Logger(),
		titled:        make(map[string]bool),
	}
	if c.attachments == nil {
		c.attachments = noAttachments{}
	}
	if c.sink == nil {
		c.sink = nopSink{}
	}
	if c.memory == nil {
		c.memory = nopMemory{}
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	return c, nil
}

// =============================================================================
// STATE ACCESSORS
// =============================================================================

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Busy reports whether a turn is in progress.
func (c *Controller) Busy() bool {
	return c.Phase() != PhaseIdle
}

// CurrentTurn returns the in-flight turn, if any.
func (c *Controller) CurrentTurn() (TurnInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.current
	if t == nil {
		return TurnInfo{}, false
	}
	info := TurnInfo{ID: t.id, Kind: t.kind, Phase: t.phase, PendingResponderID: t.pendingResponderID}
	if t.decoder != nil {
		info.Content = t.decoder.Content()
	}
	return info, true
}

// Conversation returns the selected conversation's metadata.
func (c *Controller) Conversation() (model.ConversationMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return model.ConversationMeta{}, false
	}
	return c.conv.Meta(), true
}

// Entities returns the selected conversation's entities.
func (c *Controller) Entities() []model.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil
	}
	return append([]model.Entity(nil), c.conv.Entities...)
}

// Transcript returns value copies of the selected conversation's messages.
func (c *Controller) Transcript() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil
	}
	return c.conv.Snapshot()
}

// EditingMessageID returns the id of the message in edit state, if any.
func (c *Controller) EditingMessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.edit == nil {
		return ""
	}
	return c.edit.messageID
}

// UpdateSettings replaces the generation settings used by later turns. The
// turn in flight keeps the settings it was sent with.
func (c *Controller) UpdateSettings(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.log.Info().
		Float64("temperature", s.Generation.Temperature).
		Int("max_tokens", s.Generation.MaxTokens).
		Msg("session settings updated")
}

// =============================================================================
// CONVERSATION SELECTION
// =============================================================================

// OpenConversation loads and selects a conversation. If another open is
// issued before this one completes, the older result is discarded.
func (c *Controller) OpenConversation(ctx context.Context, id string) error {
	if c.Busy() {
		return c.reject(ErrBusy)
	}

	ticket := c.openSeq.Next()
	conv, err := c.conversations.GetConversation(ctx, id)
	if err != nil {
		c.notifier.Notify(Notice{Level: NoticeError, Text: "Could not open conversation"})
		return fmt.Errorf("failed to open conversation %s: %w", id, err)
	}

	c.mu.Lock()
	if !c.openSeq.IsLatest(ticket) {
		c.mu.Unlock()
		c.log.Debug().Str("conversation_id", id).Msg("stale conversation load discarded")
		return nil
	}
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return c.reject(ErrBusy)
	}
	c.conv = conv
	c.edit = nil
	if !conv.NeedsTitle() {
		c.titled[conv.ID] = true
	}
	meta, msgs := conv.Meta(), conv.Snapshot()
	c.mu.Unlock()

	c.log.Info().Str("conversation_id", id).Int("messages", len(msgs)).Msg("conversation opened")
	c.sink.OnConversationLoaded(meta, msgs)
	return nil
}

// NewConversation deselects the current conversation. The next send creates
// a fresh one.
func (c *Controller) NewConversation() error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return c.reject(ErrBusy)
	}
	c.openSeq.Next()
	c.conv = nil
	c.edit = nil
	c.mu.Unlock()

	c.sink.OnConversationLoaded(model.ConversationMeta{}, nil)
	return nil
}

// =============================================================================
// SEND
// =============================================================================

// SendMessage sends text plus the staged attachments and drives the turn to
// completion. Cancellation (StopGeneration or ctx) is not an error.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if text == "" && c.attachments.Pending() == 0 {
		c.mu.Unlock()
		return c.reject(ErrEmptyMessage)
	}
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return c.reject(ErrBusy)
	}

	needConv := c.conv == nil
	start := PhaseSending
	if needConv || c.conv.IsMultiParty() {
		// The created conversation decides whether a responder is chosen.
		start = PhaseAwaitingResponderSelection
	}
	t := c.beginLocked(KindSend, start)
	c.mu.Unlock()
	c.sink.OnBusyChanged(true)

	if needConv {
		if err := c.createConversation(ctx); err != nil {
			c.abandon(t)
			return err
		}
	}

	c.mu.Lock()
	multiParty := c.conv.IsMultiParty()
	if !multiParty && t.phase == PhaseAwaitingResponderSelection {
		c.transitionLocked(t, PhaseSending)
	}
	c.mu.Unlock()

	if multiParty {
		if err := c.selectForSend(ctx, t, text); err != nil {
			return err
		}
	} else {
		var out outbox
		c.mu.Lock()
		c.appendHumanLocked(t, text, &out)
		c.mu.Unlock()
		out.flush()
	}

	err := c.sendTurn(ctx, t, text)
	c.afterTurn(ctx, t, err)
	return err
}

// RequestContinuation lets an entity speak next without new human input.
// Only multi-party conversations with at least one message support it.
func (c *Controller) RequestContinuation(ctx context.Context) error {
	return c.continuation(ctx, false)
}

func (c *Controller) continuation(ctx context.Context, automatic bool) error {
	t, err := c.continuationTurn(ctx, automatic)
	if t != nil {
		c.afterTurn(ctx, t, err)
	}
	return err
}

// continuationTurn runs one continuation without finishing it. It returns a
// nil turn when the request was rejected or no responder was chosen.
func (c *Controller) continuationTurn(ctx context.Context, automatic bool) (*turn, error) {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return nil, c.reject(ErrBusy)
	}
	if c.conv == nil || c.conv.Len() == 0 {
		c.mu.Unlock()
		return nil, c.reject(ErrNoConversation)
	}
	if !c.conv.IsMultiParty() {
		c.mu.Unlock()
		return nil, c.reject(ErrNoEntities)
	}
	t := c.beginLocked(KindContinuation, PhaseAwaitingResponderSelection)
	req := SelectionRequest{
		Mode:           ModeContinuation,
		ConversationID: c.conv.ID,
		Entities:       append([]model.Entity(nil), c.conv.Entities...),
		Automatic:      automatic,
	}
	c.mu.Unlock()
	c.sink.OnBusyChanged(true)

	id, err := c.selectResponder(ctx, req)
	if err != nil {
		c.abandon(t)
		if automatic && errors.Is(err, ErrNoResponder) {
			return nil, nil
		}
		return nil, c.reject(err)
	}

	c.mu.Lock()
	t.pendingResponderID = id
	c.transitionLocked(t, PhaseSending)
	c.mu.Unlock()

	return t, c.sendTurn(ctx, t, "")
}

// selectForSend runs the multi-party branch of a send. A conversation with
// no messages holds the pending message un-appended until a responder is
// chosen; otherwise the message is appended optimistically first.
func (c *Controller) selectForSend(ctx context.Context, t *turn, text string) error {
	c.mu.Lock()
	attachments := c.attachments.SnapshotAndClear()
	t.pendingMessage = model.NewHumanMessage(text, attachments)
	var out outbox
	if c.conv.Len() > 0 {
		c.conv.Append(t.pendingMessage)
		t.pendingAppended = true
		out.appended(c, t.pendingMessage, c.conv.Len()-1)
	}
	req := SelectionRequest{
		Mode:           ModeRespond,
		ConversationID: c.conv.ID,
		Entities:       append([]model.Entity(nil), c.conv.Entities...),
	}
	c.mu.Unlock()
	out.flush()

	id, err := c.selectResponder(ctx, req)
	if err != nil {
		c.mu.Lock()
		var out outbox
		if t.pendingAppended {
			if i := c.conv.Remove(t.pendingMessage); i >= 0 {
				out.removed(c, t.pendingMessage, i)
			}
		}
		t.pendingMessage = nil
		c.mu.Unlock()
		out.flush()
		c.abandon(t)
		return c.reject(err)
	}

	c.mu.Lock()
	t.pendingResponderID = id
	c.transitionLocked(t, PhaseSending)
	t.human = t.pendingMessage
	t.pendingMessage = nil
	if !t.pendingAppended {
		c.conv.Append(t.human)
		out.appended(c, t.human, c.conv.Len()-1)
	}
	c.mu.Unlock()
	out.flush()
	return nil
}

// selectResponder asks the selector and checks the answer against the
// request's entities.
func (c *Controller) selectResponder(ctx context.Context, req SelectionRequest) (string, error) {
	if len(req.Entities) == 0 {
		return "", ErrNoEntities
	}
	if c.selector == nil {
		return "", ErrNoResponder
	}

	id, err := c.selector.SelectResponder(ctx, req)
	if err != nil {
		if errors.Is(err, ErrSelectionCancelled) || errors.Is(err, context.Canceled) {
			c.log.Debug().Str("mode", string(req.Mode)).Msg("responder selection cancelled")
			return "", ErrNoResponder
		}
		return "", fmt.Errorf("%w: %v", ErrNoResponder, err)
	}
	for _, e := range req.Entities {
		if e.ID == id {
			c.log.Debug().Str("mode", string(req.Mode)).Str("entity_id", id).Msg("responder selected")
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q is not in this conversation", ErrNoResponder, id)
}

func (c *Controller) createConversation(ctx context.Context) error {
	c.mu.Lock()
	ids := append([]string(nil), c.session.EntityIDs...)
	c.mu.Unlock()

	conv, err := c.conversations.CreateConversation(ctx, ids)
	if err != nil {
		c.notifier.Notify(Notice{Level: NoticeError, Text: "Could not create conversation"})
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	c.mu.Lock()
	c.openSeq.Next()
	c.conv = conv
	meta := conv.Meta()
	c.mu.Unlock()

	c.log.Info().Str("conversation_id", conv.ID).Strs("entity_ids", ids).Msg("conversation created")
	c.sink.OnConversationLoaded(meta, nil)
	return nil
}

// appendHumanLocked snapshots the staged attachments into a new human
// message and appends it.
func (c *Controller) appendHumanLocked(t *turn, text string, out *outbox) {
	t.human = model.NewHumanMessage(text, c.attachments.SnapshotAndClear())
	c.conv.Append(t.human)
	out.appended(c, t.human, c.conv.Len()-1)
}

// sendTurn opens the send stream for a turn already in Sending.
func (c *Controller) sendTurn(ctx context.Context, t *turn, text string) error {
	c.mu.Lock()
	var out outbox
	if c.conv.IsMultiParty() && t.pendingResponderID == "" {
		// A multi-party turn never reaches Sending without a responder.
		if t.human != nil && !t.human.IsPersisted() {
			if i := c.conv.Remove(t.human); i >= 0 {
				out.removed(c, t.human, i)
			}
			t.human = nil
		}
		c.mu.Unlock()
		out.flush()
		c.abandon(t)
		return c.reject(ErrNoResponder)
	}

	tctx := c.armLocked(ctx, t)
	c.appendPlaceholderLocked(t, c.conv.Len(), &out)

	params := c.session.Generation
	req := backend.SendRequest{
		ConversationID:     c.conv.ID,
		Message:            backend.TextPtr(text),
		Temperature:        params.Temperature,
		MaxTokens:          params.MaxTokens,
		SystemPrompt:       params.SystemPrompt,
		Verbosity:          params.Verbosity,
		RespondingEntityID: t.pendingResponderID,
		UserDisplayName:    c.session.UserDisplayName,
	}
	if t.human != nil {
		req.Attachments = t.human.Attachments.Clone()
	}
	if !c.conv.IsMultiParty() {
		req.Model = params.Model
	}
	c.mu.Unlock()
	out.flush()

	c.log.Info().
		Str("turn_id", t.id).
		Str("kind", string(t.kind)).
		Str("conversation_id", req.ConversationID).
		Str("responder", req.RespondingEntityID).
		Int("attachments", req.Attachments.Count()).
		Msg("sending turn")

	es, err := c.transport.SendMessage(tctx, req)
	if err != nil {
		return c.openFailed(tctx, t, err)
	}
	return c.run(ctx, tctx, t, es)
}

// =============================================================================
// STOP
// =============================================================================

// StopGeneration cancels the current turn. Accumulated content is kept.
// It is a no-op when no turn is sending or streaming.
func (c *Controller) StopGeneration() {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t != nil {
		c.Stop(t.id)
	}
}

// Stop cancels the turn with the given id. Stale ids are ignored, so a stop
// aimed at a finished turn never affects a newer one.
func (c *Controller) Stop(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.current
	if t == nil || t.id != turnID || t.cancel == nil {
		return
	}
	c.log.Info().Str("turn_id", t.id).Str("phase", t.phase.String()).Msg("stop requested")
	t.cancel()
}

// =============================================================================
// TURN LIFECYCLE
// =============================================================================

// beginLocked claims the controller for a new turn.
func (c *Controller) beginLocked(kind Kind, phase Phase) *turn {
	t := &turn{id: uuid.NewString(), kind: kind, phase: PhaseIdle}
	c.current = t
	c.transitionLocked(t, phase)
	return t
}

// transitionLocked applies a phase change from the table. A rejected
// transition is a programming error; it is logged and ignored.
func (c *Controller) transitionLocked(t *turn, to Phase) {
	if err := checkTransition(t.phase, to); err != nil {
		c.log.Error().Err(err).Str("turn_id", t.id).Msg("phase transition rejected")
		return
	}
	c.log.Debug().
		Str("turn_id", t.id).
		Str("from", t.phase.String()).
		Str("to", to.String()).
		Msg("phase transition")
	t.phase = to
	c.phase = to
}

// armLocked mints the turn's cancellation token.
func (c *Controller) armLocked(ctx context.Context, t *turn) context.Context {
	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	return tctx
}

// abandon returns a turn that never reached the network to Idle.
func (c *Controller) abandon(t *turn) {
	c.mu.Lock()
	if t.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	switch t.phase {
	case PhaseAwaitingResponderSelection:
		c.transitionLocked(t, PhaseIdle)
	case PhaseSending, PhaseStreaming:
		c.transitionLocked(t, PhaseFinalizing)
		c.transitionLocked(t, PhaseIdle)
	}
	c.releaseLocked(t)
	c.mu.Unlock()
	c.sink.OnBusyChanged(false)
}

// finish ends a turn that reached Sending or later.
func (c *Controller) finish(t *turn) {
	c.mu.Lock()
	if t.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	if t.phase != PhaseFinalizing {
		c.transitionLocked(t, PhaseFinalizing)
	}
	c.transitionLocked(t, PhaseIdle)
	c.releaseLocked(t)
	c.mu.Unlock()
	c.sink.OnBusyChanged(false)
}

// releaseLocked discards the turn and its token.
func (c *Controller) releaseLocked(t *turn) {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.phase = PhaseIdle
	if c.current == t {
		c.current = nil
		c.phase = PhaseIdle
	}
}

// afterTurn finishes the turn and, for a stored multi-party exchange,
// offers the next responder selection when the session asks for it. Offers
// repeat until one is dismissed or a turn does not store.
func (c *Controller) afterTurn(ctx context.Context, t *turn, err error) {
	for t != nil {
		stored := t.decoder != nil && t.decoder.Outcome() == stream.OutcomeStored
		c.finish(t)

		c.mu.Lock()
		prompt := err == nil && stored && c.session.PromptContinuation && c.conv != nil && c.conv.IsMultiParty()
		c.mu.Unlock()
		if !prompt || ctx.Err() != nil {
			return
		}

		t, err = c.continuationTurn(ctx, true)
		if err != nil && !errors.Is(err, ErrValidation) {
			c.log.Warn().Err(err).Msg("continuation turn failed")
		}
	}
}

// reject reports a validation failure as a warning notice.
func (c *Controller) reject(err error) error {
	c.log.Debug().Err(err).Msg("operation rejected")
	c.notifier.Notify(Notice{Level: NoticeWarning, Text: noticeText(err)})
	return err
}

func noticeText(err error) string {
	msg := err.Error()
	if s, ok := strings.CutPrefix(msg, ErrValidation.Error()+": "); ok {
		msg = s
	}
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
