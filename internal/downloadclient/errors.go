// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies adapter failures independent of the backend.
type ErrorKind string

const (
	KindConnection            ErrorKind = "connection"
	KindAuthentication        ErrorKind = "authentication"
	KindVersionUnsupported    ErrorKind = "version_unsupported"
	KindRejected              ErrorKind = "rejected"
	KindProtocol              ErrorKind = "protocol"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindUnsupportedClientType ErrorKind = "unsupported_client_type"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConnection            = &Error{Kind: KindConnection}
	ErrAuthentication        = &Error{Kind: KindAuthentication}
	ErrVersionUnsupported    = &Error{Kind: KindVersionUnsupported}
	ErrRejected              = &Error{Kind: KindRejected}
	ErrProtocol              = &Error{Kind: KindProtocol}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrUnsupportedClientType = &Error{Kind: KindUnsupportedClientType}
)

// Error is the single error type returned by adapters.
type Error struct {
	Kind    ErrorKind
	Client  ClientType
	Op      string
	Message string
	Err     error
	// Status is the HTTP status that produced the error, when there was one.
	Status int

	// sessionRejected marks a rejection of a previously valid session, which
	// is the only failure the session layer retries.
	sessionRejected bool
}

// Error never includes the wrapped cause so credentials embedded in URLs or
// backend responses do not leak into user-facing text.
func (e *Error) Error() string {
	if e.Client == "" {
		return e.Message
	}
	return e.Client.DisplayName() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Client == "" && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindProtocol
// for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProtocol
}

func newError(kind ErrorKind, client ClientType, op, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Client:  client,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

func wrapError(kind ErrorKind, client ClientType, op string, err error, format string, args ...any) *Error {
	e := newError(kind, client, op, format, args...)
	e.Err = err
	return e
}

func authError(client ClientType, op, format string, args ...any) *Error {
	return newError(KindAuthentication, client, op, "authentication failed: "+format, args...)
}

// sessionExpired is returned when the backend rejects a session token it
// previously issued.
func sessionExpired(client ClientType, op, reason string) *Error {
	e := newError(KindAuthentication, client, op, "authentication rejected by backend: %s", reason)
	e.sessionRejected = true
	return e
}

func rejected(client ClientType, op, format string, args ...any) *Error {
	return newError(KindRejected, client, op, format, args...)
}

func protocolError(client ClientType, op string, err error, format string, args ...any) *Error {
	return wrapError(KindProtocol, client, op, err, format, args...)
}

func invalidRequest(client ClientType, op, format string, args ...any) *Error {
	return newError(KindInvalidRequest, client, op, format, args...)
}

// InvalidRequest reports bad input detected outside an adapter, such as a
// stored client failing validation or a malformed grab.
func InvalidRequest(client ClientType, op, format string, args ...any) error {
	return invalidRequest(client, op, format, args...)
}

// WrapError attaches a kind to a failure that happened on behalf of client
// outside its adapter.
func WrapError(kind ErrorKind, client ClientType, op string, err error, format string, args ...any) error {
	return wrapError(kind, client, op, err, format, args...)
}

func unsupportedClientType(t ClientType) *Error {
	return &Error{
		Kind:    KindUnsupportedClientType,
		Op:      "create",
		Message: fmt.Sprintf("unsupported client type %q", string(t)),
	}
}

func versionTooLow(client ClientType, reported, minimum string) *Error {
	return newError(KindVersionUnsupported, client, "test",
		"version too low: %s %s is not supported, requires %s or newer", client.DisplayName(), reported, minimum)
}

func isSessionRejection(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.sessionRejected
}
