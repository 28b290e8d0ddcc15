// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the HTTP client for the parley chat backend.
//
// Turn requests return a stream.EventStream backed by Server-Sent Events;
// conversation and message management calls are plain JSON requests. No
// request is ever retried: a failed send fails back to the caller.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/stream"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the backend client.
type ClientConfig struct {
	// BaseURL is the backend API base URL (default: http://127.0.0.1:8420)
	BaseURL string

	// APIKey is sent as a bearer token when set
	APIKey string

	// Timeout for non-streaming requests (default: 30s). Streams are bounded
	// only by their context.
	Timeout time.Duration

	// RateLimit caps requests per second (0 = unlimited)
	RateLimit float64

	// Burst is the limiter burst size (default: 1)
	Burst int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://127.0.0.1:8420",
		Timeout: 30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the chat backend. It is safe for concurrent use.
type Client struct {
	config       *ClientConfig
	httpClient   *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter
	log          zerolog.Logger
}

// NewClient creates a backend client. A nil config selects the defaults.
func NewClient(config *ClientConfig, log zerolog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
		limiter:      limiter,
		log:          log,
	}
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// TURN OPERATIONS
// =============================================================================

// SendMessage starts a new turn. The returned stream must be closed.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (stream.EventStream, error) {
	return c.openStream(ctx, "/api/chat/stream", req)
}

// Regenerate re-answers the turn referenced by req.MessageID.
func (c *Client) Regenerate(ctx context.Context, req RegenerateRequest) (stream.EventStream, error) {
	return c.openStream(ctx, "/api/chat/regenerate", req)
}

// UpdateMessage replaces the content of a persisted human message.
func (c *Client) UpdateMessage(ctx context.Context, messageID, content string) (EditResult, error) {
	var out EditResult
	err := c.doJSON(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID), UpdateMessageRequest{Content: content}, &out)
	return out, err
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// CreateConversation creates an empty conversation with the given entities.
func (c *Client) CreateConversation(ctx context.Context, entityIDs []string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/conversations", CreateConversationRequest{EntityIDs: entityIDs}, &conv); err != nil {
		return nil, err
	}
	prepareConversation(&conv)
	return &conv, nil
}

// GetConversation loads a conversation with its full transcript.
func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	prepareConversation(&conv)
	return &conv, nil
}

// ListConversations returns conversation summaries, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]model.ConversationMeta, error) {
	var out []model.ConversationMeta
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTitle renames a conversation.
func (c *Client) UpdateTitle(ctx context.Context, id, title string) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/conversations/"+url.PathEscape(id), UpdateConversationRequest{Title: title}, nil)
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil)
}

// ListEntities returns every entity known to the backend.
func (c *Client) ListEntities(ctx context.Context) ([]model.Entity, error) {
	var out []model.Entity
	if err := c.doJSON(ctx, http.MethodGet, "/api/entities", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// prepareConversation gives decoded messages their in-memory ids.
func prepareConversation(conv *model.Conversation) {
	if conv.Messages == nil {
		conv.Messages = make([]*model.Message, 0)
	}
	for _, m := range conv.Messages {
		m.EnsureLocalID()
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) openStream(ctx context.Context, path string, body any) (stream.EventStream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	c.log.Debug().Str("path", path).Msg("stream opened")
	return newSSEStream(resp.Body, c.log), nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	} else if s := strings.TrimSpace(string(data)); s != "" {
		apiErr.Message = s
	}
	return apiErr
}

// =============================================================================
// SSE EVENT STREAM
// =============================================================================

type sseStream struct {
	body   io.ReadCloser
	reader *stream.SSEReader
	log    zerolog.Logger
	ended  bool
}

func newSSEStream(body io.ReadCloser, log zerolog.Logger) *sseStream {
	return &sseStream{
		body:   body,
		reader: stream.NewSSEReader(body),
		log:    log,
	}
}

// Next returns the next decodable event. Unknown event types and malformed
// frames are logged and skipped.
func (s *sseStream) Next(ctx context.Context) (stream.Event, error) {
	for {
		if s.ended {
			return stream.Event{}, io.EOF
		}
		if ctx.Err() != nil {
			return s.abort()
		}

		eventType, data, err := s.reader.ReadEvent()
		if errors.Is(err, io.EOF) {
			s.ended = true
			return stream.Event{}, io.EOF
		}
		if err != nil {
			if ctx.Err() != nil {
				return s.abort()
			}
			return stream.Event{}, fmt.Errorf("stream read failed: %w", err)
		}

		ev, err := stream.Decode(eventType, data)
		if errors.Is(err, stream.ErrUnknownKind) {
			s.log.Debug().Err(err).Msg("skipping unknown stream event")
			continue
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping malformed stream frame")
			continue
		}
		return ev, nil
	}
}

func (s *sseStream) abort() (stream.Event, error) {
	s.ended = true
	return stream.Aborted(), nil
}

func (s *sseStream) Close() error {
	s.ended = true
	return s.body.Close()
}
