// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package lifecycle

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/autobrr/abr/internal/domain"
	"github.com/autobrr/abr/internal/models"
)

var (
	// ErrStaleState is returned when a transition finds the request in a state that is
	// not a valid precondition. Nothing was changed.
	ErrStaleState = errors.New("request state does not allow this transition")

	// ErrCandidateNotFound is returned by ManualSelect for a guid that is not in the last evaluation.
	ErrCandidateNotFound = errors.New("candidate not found in the last evaluation")

	ErrInvalidRequest = errors.New("invalid request")
)

// Failure reasons recorded on requests besides the submitter reason codes.
const (
	ReasonSourceUnavailable   = "source_unavailable"
	ReasonSettingsUnavailable = "settings_unavailable"
	ReasonDownloadTimeout     = "download_timeout"
	ReasonDownloadFailed      = "download_failed"
	ReasonRejected            = "rejected"
)

// PolicyViolation is returned when the actor lacks the role for an action, or a manual
// choice breaks a hard rule such as selecting a filtered candidate.
type PolicyViolation struct {
	Actor  string
	Role   domain.Role
	Action string
	Reason string
}

func (e *PolicyViolation) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("policy violation: %s by %q (%s): %s", e.Action, e.Actor, e.Role, e.Reason)
	}
	return fmt.Sprintf("policy violation: %s by %q (%s)", e.Action, e.Actor, e.Role)
}

func (e *PolicyViolation) Is(target error) bool {
	_, ok := target.(*PolicyViolation)
	return ok
}

// ErrPolicyViolation matches any *PolicyViolation with errors.Is.
var ErrPolicyViolation error = &PolicyViolation{}

func staleState(req *models.Request, action string) error {
	return errors.Wrapf(ErrStaleState, "cannot %s request %d in state %s", action, req.ID, req.State)
}
