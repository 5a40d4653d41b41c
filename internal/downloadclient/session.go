// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"sync"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticating
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

type loginFunc func(ctx context.Context) (string, error)

// session holds the login token of a session-based backend. Concurrent
// callers that find no valid token share a single login.
type session struct {
	client ClientType
	login  loginFunc
	log    zerolog.Logger

	mu    sync.RWMutex
	state AuthState
	token string

	group singleflight.Group
}

func newSession(client ClientType, logger zerolog.Logger, login loginFunc) *session {
	return &session{
		client: client,
		login:  login,
		log:    logger,
	}
}

func (s *session) State() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) current() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.state == Authenticated
}

func (s *session) ensureAuthenticated(ctx context.Context) (string, error) {
	if token, ok := s.current(); ok {
		return token, nil
	}

	ch := s.group.DoChan("login", func() (any, error) {
		if token, ok := s.current(); ok {
			return token, nil
		}

		s.mu.Lock()
		s.state = Authenticating
		s.mu.Unlock()

		// Detached from the first caller so its cancellation does not fail
		// every waiter sharing this login.
		token, err := s.login(context.WithoutCancel(ctx))

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.state = Unauthenticated
			s.token = ""
			return "", err
		}
		s.state = Authenticated
		s.token = token
		s.log.Debug().Msg("session established")
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", newError(KindConnection, s.client, "login", "request canceled")
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// invalidate drops the session only if it still holds token, so a stale
// rejection cannot discard a session another caller just refreshed.
func (s *session) invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Authenticated && s.token == token {
		s.state = Unauthenticated
		s.token = ""
		s.log.Debug().Msg("session invalidated")
	}
}

// do runs fn with a valid token. When the backend rejects the session, the
// token is dropped and fn is replayed exactly once after a fresh login.
func (s *session) do(ctx context.Context, fn func(token string) error) error {
	return retry.Do(
		func() error {
			token, err := s.ensureAuthenticated(ctx)
			if err != nil {
				return err
			}
			if err := fn(token); err != nil {
				if isSessionRejection(err) {
					s.invalidate(token)
				}
				return err
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(isSessionRejection),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug().Err(err).Uint("attempt", n+1).Msg("session rejected, re-authenticating")
		}),
	)
}
