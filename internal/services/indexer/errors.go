// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindAuthFailure ErrorKind = "auth_failure"
	KindUnreachable ErrorKind = "unreachable"
	// KindBadResponse covers 4xx answers and bodies that do not decode.
	KindBadResponse ErrorKind = "bad_response"
)

// GatewayError is returned for every failure talking to the indexer aggregator.
type GatewayError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("prowlarr %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is matches any GatewayError, or one of the same kind when target sets Kind.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// ErrGateway matches any GatewayError with errors.Is.
var ErrGateway = &GatewayError{}

func transportError(op string, err error) *GatewayError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &GatewayError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &GatewayError{Kind: KindUnreachable, Op: op, Err: err}
}

func statusError(op string, status int, body string) *GatewayError {
	var err error
	if body != "" {
		err = errors.New(body)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &GatewayError{Kind: KindAuthFailure, Op: op, StatusCode: status, Err: err}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &GatewayError{Kind: KindTimeout, Op: op, StatusCode: status, Err: err}
	case status >= 500 || status == http.StatusTooManyRequests:
		return &GatewayError{Kind: KindUnreachable, Op: op, StatusCode: status, Err: err}
	default:
		return &GatewayError{Kind: KindBadResponse, Op: op, StatusCode: status, Err: err}
	}
}
