// internal/auth/orchestrator.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arceth/passage/internal/browser"
	"github.com/arceth/passage/internal/config"
)

// SessionProvisioner creates isolated browser sessions.
type SessionProvisioner interface {
	Provision(ctx context.Context) (Handle, error)
}

// CredentialSubmitter drives the sign-in form on a live session.
type CredentialSubmitter interface {
	Submit(ctx context.Context, sess Handle, cred Credential) error
}

// OutcomeClassifier maps the current page state of a session to an outcome.
type OutcomeClassifier interface {
	Classify(ctx context.Context, sess Handle) Outcome
}

// InterventionWaiter blocks until a pending human-resolved step concludes or
// the wait budget runs out.
type InterventionWaiter interface {
	WaitForResolution(ctx context.Context, sess Handle, maxWait, pollInterval time.Duration) Outcome
}

// CleanupEscalator performs cumulative cleanup up to a level and reports the
// actions it attempted.
type CleanupEscalator interface {
	Escalate(ctx context.Context, sess Handle, level int) []string
}

// Orchestrator runs the full login lifecycle: provision, submit, classify,
// optionally wait for manual resolution, and on failure clean up with
// escalating aggressiveness before retrying. At most one session is live at
// any point in time.
type Orchestrator struct {
	cfg         config.AuthConfig
	provisioner SessionProvisioner
	submitter   CredentialSubmitter
	classifier  OutcomeClassifier
	waiter      InterventionWaiter
	escalator   CleanupEscalator
	logger      *zap.Logger

	// sleep is swappable in tests so retry idling does not burn wall time.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the orchestrator from its components.
func NewOrchestrator(
	cfg config.AuthConfig,
	provisioner SessionProvisioner,
	submitter CredentialSubmitter,
	classifier OutcomeClassifier,
	waiter InterventionWaiter,
	escalator CleanupEscalator,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		provisioner: provisioner,
		submitter:   submitter,
		classifier:  classifier,
		waiter:      waiter,
		escalator:   escalator,
		logger:      logger.Named("orchestrator"),
		sleep:       sleepCtx,
	}
}

// Login attempts to establish an authenticated session, retrying up to the
// configured attempt budget. On success the returned result carries the live
// session handle; ownership transfers to the caller, who must Terminate it.
// On failure every session created along the way has been terminated.
func (o *Orchestrator) Login(ctx context.Context, cred Credential) (*LoginResult, error) {
	start := time.Now()
	result := &LoginResult{}
	provisionFailures := 0

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.TotalElapsed = time.Since(start)
			return result, err
		}

		level := o.cfg.CleanupStartLevel + attempt - 1
		o.logger.Info("Starting login attempt.",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.cfg.MaxAttempts),
			zap.Int("cleanup_level_on_failure", level))

		record := AttemptRecord{Number: attempt, StartedAt: time.Now()}
		sess, outcome := o.runAttempt(ctx, cred)
		record.Outcome = outcome
		if sess == nil {
			provisionFailures++
		}

		if outcome.IsSuccess() {
			if sess != nil {
				sess.SetState(browser.StateAuthenticated)
			}
			record.Elapsed = time.Since(record.StartedAt)
			result.Attempts = append(result.Attempts, record)
			result.Success = true
			result.Outcome = outcome
			result.SessionHandle = sess
			result.TotalElapsed = time.Since(start)
			o.logger.Info("Login succeeded.",
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", result.TotalElapsed))
			return result, nil
		}

		// Failed attempt: cleanup prepares the next attempt, so it only
		// runs when a retry is still coming. The session is torn down
		// either way.
		if attempt < o.cfg.MaxAttempts {
			record.CleanupActions = o.escalator.Escalate(ctx, sess, level)
		}
		if sess != nil {
			if err := sess.Terminate(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warn("Session termination after failed attempt.", zap.Error(err))
			}
		}
		record.Elapsed = time.Since(record.StartedAt)
		result.Attempts = append(result.Attempts, record)
		result.Outcome = outcome

		o.logger.Warn("Login attempt failed.",
			zap.Int("attempt", attempt),
			zap.String("outcome", string(outcome.Kind)),
			zap.String("detail", outcome.Message))

		if attempt < o.cfg.MaxAttempts {
			idle := o.cfg.RetryIdleBase * time.Duration(level+1)
			o.logger.Info("Idling before retry.", zap.Duration("idle", idle))
			if err := o.sleep(ctx, idle); err != nil {
				result.TotalElapsed = time.Since(start)
				return result, err
			}
		}
	}

	result.TotalElapsed = time.Since(start)
	if provisionFailures == o.cfg.MaxAttempts {
		// Not a single browser came up; the environment is broken, not the
		// credentials or the target.
		return result, fmt.Errorf("all %d attempts failed to provision a browser session", o.cfg.MaxAttempts)
	}
	o.logger.Error("Login failed after all attempts.",
		zap.Int("attempts", o.cfg.MaxAttempts),
		zap.String("final_outcome", string(result.Outcome.Kind)))
	return result, nil
}

// runAttempt performs one provision + submit + classify cycle. It returns the
// session (nil when provisioning failed) and the attempt's outcome. Submission
// errors are absorbed into outcomes: the page may still be in a classifiable
// or even successful state after a flaky step.
func (o *Orchestrator) runAttempt(ctx context.Context, cred Credential) (Handle, Outcome) {
	sess, err := o.provisioner.Provision(ctx)
	if err != nil {
		o.logger.Error("Session provisioning failed.", zap.Error(err))
		return nil, Outcome{Kind: OutcomeTransportError, Message: err.Error()}
	}

	if err := o.submitter.Submit(ctx, sess, cred); err != nil {
		var notFillable *FieldNotFillableError
		var submitTimeout *SubmissionTimeoutError
		switch {
		case errors.As(err, &notFillable), errors.As(err, &submitTimeout):
			// The form never completed; see what state the page ended up in
			// before writing the attempt off.
			o.logger.Warn("Credential submission incomplete.", zap.Error(err))
		case ctx.Err() != nil:
			return sess, Outcome{Kind: OutcomeUnknownState, Message: "login canceled during submission"}
		default:
			o.logger.Warn("Credential submission failed.", zap.Error(err))
			return sess, Outcome{Kind: OutcomeTransportError, Message: err.Error()}
		}
	}

	outcome := o.classifier.Classify(ctx, sess)

	switch outcome.Kind {
	case OutcomeSecurityStepRequired:
		o.logger.Info("Security step requires manual resolution.",
			zap.String("step", string(outcome.SecurityStep)))
		outcome = o.waiter.WaitForResolution(ctx, sess, o.cfg.ManualStepMaxWait, o.cfg.PollInterval)
	case OutcomeConcurrentSessionConflict:
		if o.cfg.WaitOnConflict {
			o.logger.Info("Concurrent session conflict, waiting for the other session to clear.")
			outcome = o.waiter.WaitForResolution(ctx, sess, o.cfg.ManualStepMaxWait, o.cfg.PollInterval)
		}
	}

	return sess, outcome
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
