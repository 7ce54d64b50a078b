// internal/auth/outcome.go
package auth

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/arceth/passage/internal/browser"
)

// OutcomeKind is the closed set of results one login attempt can produce.
type OutcomeKind string

const (
	// OutcomeSuccess means the authenticated home page was reached.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeSecurityStepRequired means the target interposed an extra
	// verification challenge that needs out-of-band human action.
	OutcomeSecurityStepRequired OutcomeKind = "security_step_required"
	// OutcomeConcurrentSessionConflict means the account already holds an
	// active session elsewhere and the target rejected this one.
	OutcomeConcurrentSessionConflict OutcomeKind = "concurrent_session_conflict"
	// OutcomeUnknownState means the page signals matched nothing decisive.
	// This deliberately covers "wrong credentials": the DOM signals alone
	// cannot distinguish bad credentials from a transient state, so no
	// credential-specific category is ever reported.
	OutcomeUnknownState OutcomeKind = "unknown_state"
	// OutcomeTransportError means the page state itself could not be read.
	OutcomeTransportError OutcomeKind = "transport_error"
)

// SecurityStepKind narrows a security_step_required outcome.
type SecurityStepKind string

const (
	StepEmailVerification SecurityStepKind = "email_verification"
	StepSecurityQuestions SecurityStepKind = "security_questions"
	StepGeneric           SecurityStepKind = "step_up"
)

// Outcome is the immutable result of classifying one attempt.
type Outcome struct {
	Kind         OutcomeKind      `json:"kind"`
	SecurityStep SecurityStepKind `json:"security_step,omitempty"`
	Message      string           `json:"message,omitempty"`
	// TimedOut is set when the outcome was observed at the end of a manual
	// intervention wait that exhausted its deadline.
	TimedOut bool `json:"timed_out,omitempty"`
}

// IsSuccess reports whether the outcome is the terminal success.
func (o Outcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }

// PageState is the URL/title snapshot the classifier operates on.
type PageState struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Credential is the read-only login input. The password is excluded from
// every marshaled or logged representation.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// AttemptRecord captures one login try for diagnostics.
type AttemptRecord struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	Outcome   Outcome       `json:"outcome"`
	Elapsed   time.Duration `json:"elapsed"`
	// CleanupActions is the cumulative, ordered remediation history at the
	// time this attempt closed. It only grows across attempts within one
	// orchestration run.
	CleanupActions []string `json:"cleanup_actions,omitempty"`
}

// LoginResult is the terminal output of one orchestration run.
type LoginResult struct {
	Success bool    `json:"success"`
	Outcome Outcome `json:"outcome"`
	// SessionHandle is present only on success; ownership transfers to the
	// caller, who is responsible for eventual teardown.
	SessionHandle Handle          `json:"-"`
	Attempts      []AttemptRecord `json:"attempts"`
	TotalElapsed  time.Duration   `json:"total_elapsed"`
}

// Handle is the slice of a browser session the authentication core needs.
// *browser.Session satisfies it; tests substitute fakes.
type Handle interface {
	ID() string
	State() browser.SessionState
	SetState(browser.SessionState)
	Run(ctx context.Context, actions ...chromedp.Action) error
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (url, title string, err error)
	ClearBrowsingData(ctx context.Context) error
	Terminate(ctx context.Context) error
	Terminated() bool
}

var _ Handle = (*browser.Session)(nil)
