// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversations keeps the client-side list of conversations.
//
// Reloads may overlap; only the response to the most recent one is applied,
// so a slow earlier listing never overwrites a newer one.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/util"
)

// ErrNotFound is returned when a reference matches no listed conversation.
var ErrNotFound = errors.New("conversation not found")

// ErrAmbiguous is returned when an id prefix matches several conversations.
var ErrAmbiguous = errors.New("conversation reference is ambiguous")

// Lister fetches conversation summaries. *backend.Client implements it.
type Lister interface {
	ListConversations(ctx context.Context) ([]model.ConversationMeta, error)
}

// Index is the list of conversations as last loaded.
type Index struct {
	lister Lister
	seq    util.Sequence
	log    zerolog.Logger

	mu       sync.RWMutex
	items    []model.ConversationMeta
	selected string
}

// NewIndex creates an empty index.
func NewIndex(lister Lister, log zerolog.Logger) *Index {
	return &Index{lister: lister, log: log}
}

// Reload fetches the list. It reports false, with no error, when a newer
// reload was issued while this one was in flight and its result was dropped.
func (ix *Index) Reload(ctx context.Context) (bool, error) {
	ticket := ix.seq.Next()
	items, err := ix.lister.ListConversations(ctx)

	// The ticket is checked under the lock so a newer result that has
	// already been committed is never overwritten.
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.seq.IsLatest(ticket) {
		ix.log.Debug().Uint64("ticket", ticket).Msg("stale conversation list discarded")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to list conversations: %w", err)
	}
	ix.items = items
	return true, nil
}

// Items returns a copy of the current list.
func (ix *Index) Items() []model.ConversationMeta {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]model.ConversationMeta, len(ix.items))
	copy(out, ix.items)
	return out
}

// Len returns the number of listed conversations.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

// Resolve finds a conversation by 1-based list position, exact id or
// unique id prefix.
func (ix *Index) Resolve(ref string) (model.ConversationMeta, error) {
	ref = strings.TrimSpace(ref)
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(ix.items) {
			return model.ConversationMeta{}, fmt.Errorf("#%d: %w", n, ErrNotFound)
		}
		return ix.items[n-1], nil
	}

	var match *model.ConversationMeta
	for i := range ix.items {
		item := &ix.items[i]
		if item.ID == ref {
			return *item, nil
		}
		if ref != "" && strings.HasPrefix(strings.ToLower(item.ID), strings.ToLower(ref)) {
			if match != nil {
				return model.ConversationMeta{}, fmt.Errorf("%q: %w", ref, ErrAmbiguous)
			}
			match = item
		}
	}
	if match == nil {
		return model.ConversationMeta{}, fmt.Errorf("%q: %w", ref, ErrNotFound)
	}
	return *match, nil
}

// Select marks ref as the current conversation.
func (ix *Index) Select(ref string) (model.ConversationMeta, error) {
	meta, err := ix.Resolve(ref)
	if err != nil {
		return model.ConversationMeta{}, err
	}
	ix.mu.Lock()
	ix.selected = meta.ID
	ix.mu.Unlock()
	return meta, nil
}

// SetSelected records id as current without requiring it to be listed, as
// after creating a conversation.
func (ix *Index) SetSelected(id string) {
	ix.mu.Lock()
	ix.selected = id
	ix.mu.Unlock()
}

// Selected returns the id of the current conversation, or "".
func (ix *Index) Selected() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.selected
}
