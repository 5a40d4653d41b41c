// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	settings map[int]Settings
	disabled map[int]bool
}

func (p *fakeProvider) LoadSettings(_ context.Context, id int) (Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled[id] {
		return Settings{}, ErrClientDisabled
	}
	s, ok := p.settings[id]
	if !ok {
		return Settings{}, ErrClientNotFound
	}
	return s, nil
}

func (p *fakeProvider) set(s Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings[s.ID] = s
}

func newTestPool(t *testing.T, settings ...Settings) (*Pool, *fakeProvider) {
	t.Helper()
	provider := &fakeProvider{settings: map[int]Settings{}, disabled: map[int]bool{}}
	for _, s := range settings {
		provider.set(s)
	}
	pool := NewPool(provider, PoolOptions{HealthCheckInterval: time.Hour})
	t.Cleanup(func() { _ = pool.Close() })
	return pool, provider
}

func TestPool_ReusesAdapterForIdenticalSettings(t *testing.T) {
	m, srv := newMockQbit(t)
	pool, _ := newTestPool(t, qbitSettings(srv))

	a, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)
	b, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = a.(TorrentClient).AddTorrentFromMagnet(t.Context(), testMagnet)
	require.NoError(t, err)
	_, err = b.(TorrentClient).AddTorrentFromMagnet(t.Context(), testMagnet)
	require.NoError(t, err)
	assert.Equal(t, int32(1), m.logins.Load(), "pooled adapter keeps its session")
}

func TestPool_RebuildsOnFingerprintChange(t *testing.T) {
	_, srv := newMockQbit(t)
	s := qbitSettings(srv)
	pool, provider := newTestPool(t, s)

	a, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)

	s.Category = "movies"
	provider.set(s)

	b, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 1, pool.Len())
	assert.NotEqual(t, Fingerprint(qbitSettings(srv)), Fingerprint(s))
}

func TestPool_DropsAdapterOnAuthFailure(t *testing.T) {
	_, srv := newMockQbit(t)
	pool, _ := newTestPool(t, qbitSettings(srv))

	a, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)

	pool.Observe(1, rejected(TypeQbittorrent, "add", "duplicate"))
	assert.Equal(t, 1, pool.Len())

	pool.Observe(1, authError(TypeQbittorrent, "login", "invalid username or password"))
	assert.Equal(t, 0, pool.Len())

	b, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestPool_StaleHealthCheckKeepsRebuiltAdapter(t *testing.T) {
	_, srv := newMockQbit(t)
	s := qbitSettings(srv)
	pool, provider := newTestPool(t, s)

	_, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)
	pool.mu.RLock()
	oldFingerprint := pool.entries[1].fingerprint
	pool.mu.RUnlock()

	s.Password = "rotated"
	provider.set(s)
	rebuilt, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)

	failed := TestResult{Error: "invalid username or password", Kind: KindAuthentication}
	pool.record(1, oldFingerprint, failed)
	require.Equal(t, 1, pool.Len(), "result of the replaced adapter must not evict its successor")

	current, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Same(t, rebuilt, current)

	pool.mu.RLock()
	currentFingerprint := pool.entries[1].fingerprint
	pool.mu.RUnlock()
	pool.record(1, currentFingerprint, failed)
	assert.Equal(t, 0, pool.Len())
}

func TestPool_DefaultTimeoutAppliesWithoutClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	s := qbitSettings(srv)
	require.Zero(t, s.Timeout)

	provider := &fakeProvider{settings: map[int]Settings{}, disabled: map[int]bool{}}
	provider.set(s)
	pool := NewPool(provider, PoolOptions{HealthCheckInterval: time.Hour, DefaultTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = pool.Close() })

	start := time.Now()
	res := pool.Test(t.Context(), 1, true)
	assert.False(t, res.Success)
	assert.Equal(t, KindConnection, res.Kind)
	assert.Less(t, time.Since(start), time.Second)

	pool.mu.RLock()
	assert.Equal(t, 100*time.Millisecond, pool.entries[1].settings.Timeout)
	pool.mu.RUnlock()

	s.Timeout = 5 * time.Second
	provider.set(s)
	_, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)
	pool.mu.RLock()
	assert.Equal(t, 5*time.Second, pool.entries[1].settings.Timeout, "per-client timeout wins")
	pool.mu.RUnlock()
}

func TestPool_DisabledAndMissing(t *testing.T) {
	_, srv := newMockQbit(t)
	pool, provider := newTestPool(t, qbitSettings(srv))

	_, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)

	provider.mu.Lock()
	provider.disabled[1] = true
	provider.mu.Unlock()

	_, err = pool.Get(t.Context(), 1)
	assert.ErrorIs(t, err, ErrClientDisabled)
	assert.Equal(t, 0, pool.Len())

	_, err = pool.Get(t.Context(), 99)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestPool_AcquireWithoutID(t *testing.T) {
	_, srv := newMockQbit(t)
	pool, _ := newTestPool(t)

	s := qbitSettings(srv)
	s.ID = 0
	a, err := pool.Acquire(s)
	require.NoError(t, err)
	b, err := pool.Acquire(s)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 0, pool.Len())
}

func TestPool_EvictIdle(t *testing.T) {
	_, srv := newMockQbit(t)
	pool, _ := newTestPool(t, qbitSettings(srv))

	_, err := pool.Get(t.Context(), 1)
	require.NoError(t, err)

	pool.evictIdle(time.Now().Add(time.Minute))
	assert.Equal(t, 1, pool.Len())

	pool.evictIdle(time.Now().Add(DefaultIdleTimeout + time.Minute))
	assert.Equal(t, 0, pool.Len())
}

func TestPool_TestCachesResult(t *testing.T) {
	m, srv := newMockQbit(t)
	pool, _ := newTestPool(t, qbitSettings(srv))

	res := pool.Test(t.Context(), 1, false)
	require.True(t, res.Success, res.Error)

	m.version = "1.0"
	cached := pool.Test(t.Context(), 1, false)
	assert.True(t, cached.Success, "served from cache")

	last, ok := pool.LastTestResult(1)
	require.True(t, ok)
	assert.Equal(t, res, last)

	fresh := pool.Test(t.Context(), 1, true)
	assert.False(t, fresh.Success)
	assert.Equal(t, KindVersionUnsupported, fresh.Kind)
}

func TestPool_ConcurrentGet(t *testing.T) {
	_, srv := newMockQbit(t)
	pool, _ := newTestPool(t, qbitSettings(srv))

	const workers = 16
	clients := make([]Client, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Get(context.Background(), 1)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range clients[1:] {
		assert.Same(t, clients[0], c)
	}
}

func TestPool_Closed(t *testing.T) {
	_, srv := newMockQbit(t)
	pool, _ := newTestPool(t, qbitSettings(srv))
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err := pool.Get(t.Context(), 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, calculateBackoff(1, initialBackoff, maxBackoff))
	assert.Equal(t, 40*time.Second, calculateBackoff(3, initialBackoff, maxBackoff))
	assert.Equal(t, time.Minute, calculateBackoff(5, initialBackoff, maxBackoff))
	assert.Equal(t, time.Minute, calculateBackoff(100, initialBackoff, maxBackoff))
}
