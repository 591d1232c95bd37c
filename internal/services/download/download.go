// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package download defines how a chosen candidate is handed to a download client
// and how its progress is observed afterwards.
package download

import (
	"context"
	"errors"
	"fmt"

	"github.com/autobrr/abr/internal/domain"
)

// TrackingHandle identifies a submission to the client that accepted it.
type TrackingHandle string

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Submitter sends candidates to a download client.
type Submitter interface {
	Submit(ctx context.Context, candidate domain.Candidate) (TrackingHandle, error)
	PollStatus(ctx context.Context, handle TrackingHandle) (Status, error)
}

// Common SubmitError codes.
const (
	CodeTimeout        = "timeout"
	CodeUnreachable    = "unreachable"
	CodeAuthFailure    = "auth_failure"
	CodeRejected       = "rejected"
	CodeMissingLink    = "missing_link"
	CodeUnsupported    = "unsupported_protocol"
	CodeClientVersion  = "client_version"
	CodeUnknownHandle  = "unknown_handle"
	CodeClientError    = "client_error"
	CodeInvalidRelease = "invalid_release"
)

// SubmitError is returned by Submitters. Permanent errors will not succeed on retry.
type SubmitError struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *SubmitError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("submit failed (%s %s): %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("submit failed (%s %s)", kind, e.Code)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

func (e *SubmitError) Is(target error) bool {
	t, ok := target.(*SubmitError)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// ReasonCode renders the failure reason stored on requests and attempts.
func (e *SubmitError) ReasonCode() string {
	if e.Permanent {
		return "submit_permanent:" + e.Code
	}
	return "submit_transient:" + e.Code
}

func Transient(code string, err error) *SubmitError {
	return &SubmitError{Code: code, Err: err}
}

func Permanent(code string, err error) *SubmitError {
	return &SubmitError{Code: code, Permanent: true, Err: err}
}

// AsSubmitError normalizes any error from a Submitter. Errors that are not
// SubmitErrors are treated as transient client errors.
func AsSubmitError(err error) *SubmitError {
	if err == nil {
		return nil
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(CodeTimeout, err)
	}
	return Transient(CodeClientError, err)
}
