package dispatcher

import (
	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/app/reconciler"
	"github.com/coachpo/mt5desk/internal/domain/account"
)

// Outcome classifies how a submission ended and where its message belongs.
type Outcome string

const (
	// OutcomeSucceeded reports a completed mutation; Message is the confirmation to show.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeConfirmPassword asks the client to confirm the new trading password before creation.
	OutcomeConfirmPassword Outcome = "confirm_password"
	// OutcomeRejected is an inline form message; the form stays open.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed is a page-level banner. The directory is left as it was.
	OutcomeFailed Outcome = "failed"
)

// Result is the interpreted response to one submission.
type Result struct {
	Action  string
	Account account.Key
	Outcome Outcome
	Message string

	Category errs.Category
	// Code is the raw remote error code, when the remote side rejected the request.
	Code string
	Err  error

	// Stale marks a result that arrived after the client moved to another slot; it must not
	// finalize UI state.
	Stale bool
	// PasswordSet reports the trading password status observed after a failed creation; when
	// true the credentials step is shown again with the existing-password control.
	PasswordSet bool
	// Created is the slot the new account was bound to after the directory refresh.
	Created account.Key
	// Refreshed reports that the account list was re-fetched and folded into the directory.
	Refreshed  bool
	Report     reconciler.Report
	RefreshErr error
}

// Succeeded reports whether the mutation went through.
func (r Result) Succeeded() bool { return r.Outcome == OutcomeSucceeded }

// Banner reports whether the message belongs at page level rather than inline.
func (r Result) Banner() bool { return r.Outcome == OutcomeFailed }
