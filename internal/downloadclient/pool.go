// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrClientNotFound = errors.New("download client not found")
	ErrPoolClosed     = errors.New("client pool is closed")
	ErrClientDisabled = errors.New("download client is disabled")
)

const (
	DefaultIdleTimeout         = 30 * time.Minute
	DefaultHealthCheckInterval = 30 * time.Second

	healthCheckTimeout = 10 * time.Second
	testResultTTL      = 30 * time.Second

	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute
)

// SettingsProvider loads decrypted settings by id. Implementations return
// ErrClientDisabled for disabled clients.
type SettingsProvider interface {
	LoadSettings(ctx context.Context, id int) (Settings, error)
}

// PoolOptions tunes the pool maintenance loop. Zero values use the defaults.
type PoolOptions struct {
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	// DefaultTimeout applies to adapters whose settings carry no timeout.
	DefaultTimeout time.Duration
}

type poolEntry struct {
	client      Client
	settings    Settings
	fingerprint uint64
	lastUsed    time.Time
}

type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

// Pool memoizes adapters per settings id so session artifacts survive
// between calls.
type Pool struct {
	provider SettingsProvider
	opts     PoolOptions

	mu             sync.RWMutex
	entries        map[int]*poolEntry
	failureTracker map[int]*failureInfo
	closed         bool

	creationMu    sync.Mutex
	creationLocks map[int]*sync.Mutex

	tests *ttlcache.Cache[string, TestResult]

	ticker *time.Ticker
	stop   chan struct{}
}

// NewPool creates a pool and starts its maintenance loop. provider may be nil
// when only Acquire is used.
func NewPool(provider SettingsProvider, opts PoolOptions) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}

	p := &Pool{
		provider:       provider,
		opts:           opts,
		entries:        make(map[int]*poolEntry),
		failureTracker: make(map[int]*failureInfo),
		creationLocks:  make(map[int]*sync.Mutex),
		tests:          ttlcache.New(ttlcache.Options[string, TestResult]{}.SetDefaultTTL(testResultTTL)),
		ticker:         time.NewTicker(opts.HealthCheckInterval),
		stop:           make(chan struct{}),
	}

	go p.maintenanceLoop()

	return p
}

func (p *Pool) withDefaults(s Settings) Settings {
	return s.WithDefaultTimeout(p.opts.DefaultTimeout)
}

// Fingerprint hashes every field that affects how an adapter talks to its
// backend.
func Fingerprint(s Settings) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%d|%s|%s|%d|%t|%s|%s|%s|%s|%s|%s|%s|%s|%s|%t|%d|%t|%d",
		s.ID, s.Type, s.Host, s.Port, s.UseSSL, s.URLBase,
		s.Username, s.Password, s.APIKey, s.SecretToken, s.AppID, s.AppToken,
		s.Category, s.Directory, s.AddPaused, s.Priority, s.TLSSkipVerify, s.Timeout))
}

func (p *Pool) clientLock(id int) *sync.Mutex {
	p.creationMu.Lock()
	defer p.creationMu.Unlock()

	if lock, ok := p.creationLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	p.creationLocks[id] = lock
	return lock
}

// Get returns the pooled adapter for a stored client, loading its current
// settings from the provider.
func (p *Pool) Get(ctx context.Context, id int) (Client, error) {
	if p.provider == nil {
		return nil, ErrClientNotFound
	}
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	s, err := p.provider.LoadSettings(ctx, id)
	if err != nil {
		if errors.Is(err, ErrClientDisabled) {
			p.Remove(id)
		}
		return nil, err
	}
	s.ID = id
	return p.Acquire(s)
}

// Acquire returns the pooled adapter for s, building it when absent or when
// the settings changed since it was built. Settings without an id are never
// pooled.
func (p *Pool) Acquire(s Settings) (Client, error) {
	s = p.withDefaults(s)
	if s.ID == 0 {
		return New(s)
	}

	fp := Fingerprint(s)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e, ok := p.entries[s.ID]; ok && e.fingerprint == fp {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.client, nil
	}
	p.mu.Unlock()

	lock := p.clientLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	if e, ok := p.entries[s.ID]; ok && e.fingerprint == fp {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.client, nil
	}
	p.mu.Unlock()

	client, err := New(s)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if old, ok := p.entries[s.ID]; ok {
		log.Debug().Int("clientID", s.ID).Str("client", string(old.settings.Type)).Msg("Settings changed, rebuilding pooled client")
	}
	p.entries[s.ID] = &poolEntry{
		client:      client,
		settings:    s,
		fingerprint: fp,
		lastUsed:    time.Now(),
	}
	delete(p.failureTracker, s.ID)

	return client, nil
}

// Observe feeds the outcome of a call made with a pooled adapter back into
// the pool. A terminal authentication failure drops the adapter.
func (p *Pool) Observe(id int, err error) {
	if id == 0 || err == nil {
		return
	}
	if errors.Is(err, ErrAuthentication) {
		log.Debug().Int("clientID", id).Msg("Dropping pooled client after authentication failure")
		p.Remove(id)
	}
}

// Remove drops the pooled adapter of id.
func (p *Pool) Remove(id int) {
	p.remove(id, func(*poolEntry) bool { return true })
}

func (p *Pool) removeIfCurrent(id int, fp uint64) {
	p.remove(id, func(e *poolEntry) bool { return e.fingerprint == fp })
}

func (p *Pool) remove(id int, match func(*poolEntry) bool) {
	lock := p.clientLock(id)
	lock.Lock()

	p.mu.Lock()
	e, existed := p.entries[id]
	if existed && !match(e) {
		p.mu.Unlock()
		lock.Unlock()
		return
	}
	delete(p.entries, id)
	delete(p.failureTracker, id)
	p.mu.Unlock()

	lock.Unlock()

	p.creationMu.Lock()
	delete(p.creationLocks, id)
	p.creationMu.Unlock()

	if existed {
		log.Debug().Int("clientID", id).Msg("Removed client from pool")
	}
}

// Len reports the number of pooled adapters.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func testKey(id int, fp uint64) string {
	return strconv.Itoa(id) + ":" + strconv.FormatUint(fp, 16)
}

// Test runs TestConnection on the stored client id. Results are cached
// briefly unless force is set.
func (p *Pool) Test(ctx context.Context, id int, force bool) TestResult {
	if p.provider == nil {
		return TestResult{Error: ErrClientNotFound.Error(), Kind: KindInvalidRequest}
	}
	s, err := p.provider.LoadSettings(ctx, id)
	if err != nil {
		return TestResult{Error: err.Error(), Kind: KindOf(err)}
	}
	s.ID = id
	s = p.withDefaults(s)

	fp := Fingerprint(s)
	if !force {
		if res, ok := p.tests.Get(testKey(id, fp)); ok {
			return res
		}
	}

	client, err := p.Acquire(s)
	if err != nil {
		return testResult(s.Type, "", err)
	}
	res := client.TestConnection(ctx)
	p.record(id, fp, res)
	return res
}

// LastTestResult returns the cached TestConnection outcome of a stored
// client, if any.
func (p *Pool) LastTestResult(id int) (TestResult, bool) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return TestResult{}, false
	}
	return p.tests.Get(testKey(id, e.fingerprint))
}

// record caches res for the adapter built from fingerprint fp. An
// authentication failure only evicts the pooled entry while it is still the
// adapter that produced res.
func (p *Pool) record(id int, fp uint64, res TestResult) {
	p.tests.Set(testKey(id, fp), res, ttlcache.DefaultTTL)
	switch {
	case res.Success:
		p.resetFailureTracking(id)
	case res.Kind == KindAuthentication:
		p.removeIfCurrent(id, fp)
	default:
		p.trackFailure(id)
	}
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) maintenanceLoop() {
	for {
		select {
		case <-p.ticker.C:
			p.evictIdle(time.Now())
			p.performHealthChecks()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) evictIdle(now time.Time) {
	var idle []int

	p.mu.RLock()
	for id, e := range p.entries {
		if now.Sub(e.lastUsed) > p.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range idle {
		log.Debug().Int("clientID", id).Msg("Evicting idle client from pool")
		p.Remove(id)
	}
}

func (p *Pool) performHealthChecks() {
	type target struct {
		id          int
		fingerprint uint64
		client      Client
	}

	p.mu.RLock()
	targets := make([]target, 0, len(p.entries))
	for id, e := range p.entries {
		if p.isInBackoffLocked(id) {
			continue
		}
		targets = append(targets, target{id: id, fingerprint: e.fingerprint, client: e.client})
	}
	p.mu.RUnlock()

	for _, t := range targets {
		go func(t target) {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()

			res := t.client.TestConnection(ctx)
			if !res.Success {
				log.Warn().Int("clientID", t.id).Str("client", string(t.client.Type())).Str("error", res.Error).Msg("Health check failed")
			}
			p.record(t.id, t.fingerprint, res)
		}(t)
	}
}

func (p *Pool) isInBackoffLocked(id int) bool {
	info, ok := p.failureTracker[id]
	if !ok {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

func (p *Pool) trackFailure(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, pooled := p.entries[id]; !pooled {
		return
	}
	info, ok := p.failureTracker[id]
	if !ok {
		info = &failureInfo{}
		p.failureTracker[id] = info
	}
	info.attempts++

	backoff := calculateBackoff(info.attempts, initialBackoff, maxBackoff)
	info.nextRetry = time.Now().Add(backoff)
	log.Debug().Int("clientID", id).Int("attempts", info.attempts).Dur("backoffDuration", backoff).Msg("Connection failure, applying backoff")
}

func calculateBackoff(attempts int, initial, limit time.Duration) time.Duration {
	if attempts > 16 {
		return limit
	}
	return min(time.Duration(1<<(attempts-1))*initial, limit)
}

func (p *Pool) resetFailureTracking(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.failureTracker[id]; ok {
		delete(p.failureTracker, id)
		log.Debug().Int("clientID", id).Msg("Reset failure tracking after successful connection")
	}
}

// Close stops the maintenance loop and drops every adapter.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.ticker.Stop()
	p.entries = make(map[int]*poolEntry)
	p.failureTracker = make(map[int]*failureInfo)
	p.mu.Unlock()

	p.tests.Close()

	log.Info().Msg("Client pool closed")
	return nil
}
