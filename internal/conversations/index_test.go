// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversations

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/parley/internal/model"
)

// gatedLister answers each call with the next scripted result. A call whose
// gate is non-nil blocks until the gate is closed.
type gatedLister struct {
	mu      sync.Mutex
	calls   int
	results [][]model.ConversationMeta
	errs    []error
	gates   []chan struct{}
	entered chan int
}

func (l *gatedLister) ListConversations(ctx context.Context) ([]model.ConversationMeta, error) {
	l.mu.Lock()
	i := l.calls
	l.calls++
	l.mu.Unlock()

	if l.entered != nil {
		l.entered <- i
	}
	if i < len(l.gates) && l.gates[i] != nil {
		<-l.gates[i]
	}
	var err error
	if i < len(l.errs) {
		err = l.errs[i]
	}
	return l.results[i], err
}

func metas(ids ...string) []model.ConversationMeta {
	out := make([]model.ConversationMeta, len(ids))
	for i, id := range ids {
		out[i] = model.ConversationMeta{ID: id, Title: "t-" + id}
	}
	return out
}

func ids(items []model.ConversationMeta) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.ID
	}
	return out
}

func TestReload(t *testing.T) {
	ix := NewIndex(&gatedLister{results: [][]model.ConversationMeta{metas("a", "b")}}, zerolog.Nop())

	applied, err := ix.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []string{"a", "b"}, ids(ix.Items()))
	assert.Equal(t, 2, ix.Len())
}

func TestReload_StaleResponseDiscarded(t *testing.T) {
	gate := make(chan struct{})
	lister := &gatedLister{
		results: [][]model.ConversationMeta{metas("old"), metas("new")},
		gates:   []chan struct{}{gate, nil},
		entered: make(chan int, 2),
	}
	ix := NewIndex(lister, zerolog.Nop())

	type result struct {
		applied bool
		err     error
	}
	first := make(chan result, 1)
	go func() {
		applied, err := ix.Reload(context.Background())
		first <- result{applied, err}
	}()
	require.Equal(t, 0, <-lister.entered)

	applied, err := ix.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)

	close(gate)
	r := <-first
	require.NoError(t, r.err)
	assert.False(t, r.applied)
	assert.Equal(t, []string{"new"}, ids(ix.Items()), "older response must not overwrite newer")
}

// orderedLister numbers calls in the order their reloads took a ticket. The
// caller holds start until the call is entered.
type orderedLister struct {
	start sync.Mutex
	mu    sync.Mutex
	calls int
}

func (l *orderedLister) ListConversations(context.Context) ([]model.ConversationMeta, error) {
	l.mu.Lock()
	i := l.calls
	l.calls++
	l.mu.Unlock()
	l.start.Unlock()

	runtime.Gosched()
	return metas(strconv.Itoa(i)), nil
}

func TestReload_ConcurrentLatestWins(t *testing.T) {
	const n = 64
	for round := 0; round < 20; round++ {
		lister := &orderedLister{}
		ix := NewIndex(lister, zerolog.Nop())

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			lister.start.Lock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ix.Reload(context.Background())
				assert.NoError(t, err)
			}()
		}
		lister.start.Lock()
		wg.Wait()
		lister.start.Unlock()

		require.Equal(t, []string{strconv.Itoa(n - 1)}, ids(ix.Items()), "round %d", round)
	}
}

func TestReload_Error(t *testing.T) {
	boom := errors.New("offline")
	lister := &gatedLister{
		results: [][]model.ConversationMeta{metas("a"), nil},
		errs:    []error{nil, boom},
	}
	ix := NewIndex(lister, zerolog.Nop())
	_, err := ix.Reload(context.Background())
	require.NoError(t, err)

	_, err = ix.Reload(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, ids(ix.Items()), "failed reload keeps the previous list")
}

func TestResolveAndSelect(t *testing.T) {
	ix := NewIndex(&gatedLister{results: [][]model.ConversationMeta{metas("01HAAA", "01HABB", "02XYZ")}}, zerolog.Nop())
	_, err := ix.Reload(context.Background())
	require.NoError(t, err)

	tests := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{"1", "01HAAA", nil},
		{"3", "02XYZ", nil},
		{"4", "", ErrNotFound},
		{"0", "", ErrNotFound},
		{"02XYZ", "02XYZ", nil},
		{"01hab", "01HABB", nil},
		{"01HA", "", ErrAmbiguous},
		{"zz", "", ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.ref, func(t *testing.T) {
			meta, err := ix.Resolve(tc.ref)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, meta.ID)
		})
	}

	meta, err := ix.Select("2")
	require.NoError(t, err)
	assert.Equal(t, "01HABB", meta.ID)
	assert.Equal(t, "01HABB", ix.Selected())

	_, err = ix.Select("missing")
	assert.Error(t, err)
	assert.Equal(t, "01HABB", ix.Selected(), "failed select keeps the current one")

	ix.SetSelected("fresh")
	assert.Equal(t, "fresh", ix.Selected())
}
