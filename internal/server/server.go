// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/backend"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/storage"
	"github.com/jeranaias/parley/internal/stream"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultListen is the default listen address.
	DefaultListen = "127.0.0.1:8420"

	// MaxRequestBodySize bounds request bodies. Attachments travel inline,
	// so this is larger than a plain chat API needs.
	MaxRequestBodySize = 16 * 1024 * 1024

	// MaxTokensLimit is the maximum value for max_tokens.
	MaxTokensLimit = 128000

	// MinTemperature and MaxTemperature bound the temperature parameter.
	MinTemperature = 0.0
	MaxTemperature = 2.0

	// Version is the server version.
	Version = "0.1.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Options configures a Server.
type Options struct {
	Store     *storage.Store
	Generator Generator
	Listen    string
	// APIKey enables bearer authentication when set.
	APIKey string
	Logger zerolog.Logger
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	Burst     int
	// DefaultEntityIDs are used when a conversation is created without
	// naming its entities.
	DefaultEntityIDs []string
}

// Server is the development backend: the conversation, message and turn
// endpoints the chat client talks to, over SQLite.
type Server struct {
	opts   Options
	store  *storage.Store
	gen    Generator
	log    zerolog.Logger
	router *mux.Router

	mu     sync.Mutex
	server *http.Server
}

// New creates a Server. Store and Generator are required.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("server: generator is required")
	}
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}

	s := &Server{
		opts:   opts,
		store:  opts.Store,
		gen:    opts.Generator,
		log:    opts.Logger.With().Str("component", "server").Logger(),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/entities", s.handleListEntities).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleUpdateConversation).Methods(http.MethodPatch)
	api.HandleFunc("/conversations/{id}", s.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}", s.handleUpdateMessage).Methods(http.MethodPut)
	api.HandleFunc("/chat/stream", s.handleChatStream).Methods(http.MethodPost)
	api.HandleFunc("/chat/regenerate", s.handleRegenerate).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.log),
		LoggingMiddleware(s.log),
	}
	if s.opts.RateLimit > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(NewRateLimiter(s.opts.RateLimit, s.opts.Burst), s.log))
	}
	middlewares = append(middlewares, AuthMiddleware(s.opts.APIKey, s.log))
	return Chain(middlewares...)(s.router)
}

// ============================================================================
// HEALTH AND ENTITIES
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.store.ListEntities(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.ListConversations(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ids := req.EntityIDs
	if len(ids) == 0 {
		ids = s.opts.DefaultEntityIDs
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "entity_ids is required")
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), ids)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if title := strings.TrimSpace(req.Title); title != "" {
		if err := s.store.UpdateTitle(r.Context(), conv.ID, title); err != nil {
			s.storeError(w, err)
			return
		}
		conv.Title = title
	}
	s.log.Info().Str("conversation_id", conv.ID).Strs("entity_ids", conv.EntityIDs()).Msg("conversation created")
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.UpdateTitle(r.Context(), mux.Vars(r)["id"], strings.TrimSpace(req.Title)); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// MESSAGES
// ============================================================================

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	msg, deleted, err := s.store.EditMessage(r.Context(), mux.Vars(r)["id"], content)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backend.EditResult{Message: msg, DeletedAssistantMessageID: deleted})
}

// ============================================================================
// TURNS
// ============================================================================

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req backend.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation_id is required")
		return
	}
	if msg := validateParams(req.Temperature, req.MaxTokens); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	conv, err := s.store.GetConversation(r.Context(), req.ConversationID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	entity, ok := s.responder(w, conv, req.RespondingEntityID)
	if !ok {
		return
	}

	history := conv.Messages
	var human *model.Message
	if req.Message != nil || !req.Attachments.IsEmpty() {
		text := ""
		if req.Message != nil {
			text = *req.Message
		}
		human = model.NewHumanMessage(text, req.Attachments)
		history = append(history, human)
	}

	genReq := GenerateRequest{
		Entity:       entity,
		Participants: conv.Entities,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.SystemPrompt,
		Verbosity:    req.Verbosity,
		UserName:     req.UserDisplayName,
		History:      history,
	}

	s.streamTurn(w, r, conv, genReq, func(ctx context.Context, answer *model.Message) (string, error) {
		if err := s.store.SaveExchange(ctx, conv.ID, human, answer); err != nil {
			return "", err
		}
		if human == nil {
			return "", nil
		}
		return human.ID, nil
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req backend.RegenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message_id is required")
		return
	}
	if msg := validateParams(req.Temperature, req.MaxTokens); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	slot, err := s.store.AnswerSlot(r.Context(), req.MessageID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	conv, err := s.store.GetConversation(r.Context(), slot.ConversationID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	entity, ok := s.responder(w, conv, req.RespondingEntityID)
	if !ok {
		return
	}

	genReq := GenerateRequest{
		Entity:       entity,
		Participants: conv.Entities,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.SystemPrompt,
		Verbosity:    req.Verbosity,
		History:      slot.History,
	}

	s.streamTurn(w, r, conv, genReq, func(ctx context.Context, answer *model.Message) (string, error) {
		if err := s.store.ReplaceAnswer(ctx, slot, answer); err != nil {
			return "", err
		}
		if slot.Human == nil {
			return "", nil
		}
		return slot.Human.ID, nil
	})
}

// responder picks the answering entity. Multi-party conversations must name
// one of their participants.
func (s *Server) responder(w http.ResponseWriter, conv *model.Conversation, requested string) (model.Entity, bool) {
	if conv.IsMultiParty() {
		if requested == "" {
			writeError(w, http.StatusBadRequest, "responder_required", "responding_entity_id is required in multi-party conversations")
			return model.Entity{}, false
		}
		e, ok := conv.EntityByID(requested)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown_entity", fmt.Sprintf("entity %s is not in this conversation", requested))
			return model.Entity{}, false
		}
		return e, true
	}
	if len(conv.Entities) == 1 {
		return conv.Entities[0], true
	}
	return model.Entity{ID: "default", Name: "Assistant"}, true
}

// persistFunc stores the finished answer and returns the id of the human
// message it answers, if any.
type persistFunc func(ctx context.Context, answer *model.Message) (string, error)

// streamTurn runs the generator and writes its output as SSE: start, tokens,
// then done and stored. A client that disconnects mid-turn gets nothing
// persisted.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, conv *model.Conversation, req GenerateRequest, persist persistFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log := s.log.With().Str("conversation_id", conv.ID).Str("entity_id", req.Entity.ID).Logger()

	send := func(ev stream.Event) error {
		if err := stream.WriteEvent(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(stream.Start()); err != nil {
		return
	}

	var content strings.Builder
	start := time.Now()
	usage, err := s.gen.Generate(ctx, req, func(ev stream.Event) error {
		if ev.Kind == stream.KindToken {
			content.WriteString(ev.Content)
		}
		return send(ev)
	})
	if ctx.Err() != nil {
		log.Info().Msg("client disconnected; turn discarded")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("generation failed")
		_ = send(stream.Failure(err.Error()))
		return
	}
	if err := send(stream.Done(usage)); err != nil {
		return
	}

	speaker := ""
	if conv.IsMultiParty() {
		speaker = req.Entity.ID
	}
	answer := &model.Message{
		Role:            model.RoleAssistant,
		Content:         content.String(),
		SpeakerEntityID: speaker,
		Usage:           usage,
		Timestamp:       time.Now(),
	}

	humanID, err := persist(context.WithoutCancel(ctx), answer)
	if err != nil {
		log.Error().Err(err).Msg("failed to store exchange")
		_ = send(stream.Failure("failed to store the response"))
		return
	}

	log.Info().
		Str("assistant_message_id", answer.ID).
		Int("output_tokens", usage.OutputTokens).
		Dur("duration", time.Since(start)).
		Msg("turn stored")
	_ = send(stream.Stored(humanID, answer.ID, speaker))
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:        s.opts.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", s.opts.Listen).Str("version", Version).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.log.Info().Msg("server shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func validateParams(temperature float64, maxTokens int) string {
	if temperature < MinTemperature || temperature > MaxTemperature {
		return fmt.Sprintf("temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature)
	}
	if maxTokens < 0 || maxTokens > MaxTokensLimit {
		return fmt.Sprintf("max_tokens must be between 0 and %d", MaxTokensLimit)
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body: "+err.Error())
		return false
	}
	return true
}

// storeError maps storage errors onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrUnknownEntity):
		writeError(w, http.StatusBadRequest, "unknown_entity", err.Error())
	case errors.Is(err, storage.ErrNotEditable):
		writeError(w, http.StatusConflict, "not_editable", err.Error())
	default:
		s.log.Error().Err(err).Msg("storage error")
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, backend.ErrorBody{Error: message, Code: code})
}
