// internal/auth/submitter.go
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	browserpkg "github.com/arceth/passage/internal/browser"
	"github.com/arceth/passage/internal/config"
)

const quiescencePollInterval = 250 * time.Millisecond

// Submitter drives the username/password/next-button sequence against the
// target's two-step login form.
type Submitter struct {
	target config.TargetConfig
	timing config.AuthConfig
	fields *FieldResolver
	logger *zap.Logger
}

// NewSubmitter wires a submitter over the given field resolver.
func NewSubmitter(target config.TargetConfig, timing config.AuthConfig, fields *FieldResolver, logger *zap.Logger) *Submitter {
	return &Submitter{
		target: target,
		timing: timing,
		fields: fields,
		logger: logger.Named("submitter"),
	}
}

// Submit navigates to the configured sign-in page and walks the credential
// sequence. Every wait is bounded; an overrun surfaces as a
// SubmissionTimeoutError, which the caller treats as an unknown state rather
// than a login failure.
func (s *Submitter) Submit(ctx context.Context, sess Handle, cred Credential) error {
	s.logger.Info("Submitting credentials.",
		zap.String("session_id", sess.ID()),
		zap.String("username", cred.Username),
		zap.String("target", s.target.LoginURL))

	// 1. Navigate and let the page settle.
	if err := s.bounded(ctx, s.timing.NavigationTimeout, "navigate", func(stageCtx context.Context) error {
		return sess.Navigate(stageCtx, s.target.LoginURL)
	}); err != nil {
		return err
	}
	if err := s.waitQuiescent(ctx, sess); err != nil {
		return err
	}

	// 2. Username, then the "next" control (the target reveals the password
	// field only after the username is verified).
	if err := s.bounded(ctx, s.timing.FieldTimeout, "username_visible", func(stageCtx context.Context) error {
		return sess.Run(stageCtx, chromedp.WaitVisible(s.target.UsernameSelector, chromedp.ByQuery))
	}); err != nil {
		return err
	}
	if err := s.fields.Fill(ctx, sess, s.target.UsernameSelector, cred.Username); err != nil {
		return err
	}
	if s.target.NextSelector != "" {
		if err := s.bounded(ctx, s.timing.FieldTimeout, "next_control", func(stageCtx context.Context) error {
			return sess.Run(stageCtx, chromedp.Click(s.target.NextSelector, chromedp.ByQuery))
		}); err != nil {
			return err
		}
	}

	// 3. Password, then sign-in.
	if err := s.bounded(ctx, s.timing.FieldTimeout, "password_visible", func(stageCtx context.Context) error {
		return sess.Run(stageCtx, chromedp.WaitVisible(s.target.PasswordSelector, chromedp.ByQuery))
	}); err != nil {
		return err
	}
	if err := s.fields.Fill(ctx, sess, s.target.PasswordSelector, cred.Password); err != nil {
		return err
	}
	if err := s.bounded(ctx, s.timing.FieldTimeout, "sign_in_control", func(stageCtx context.Context) error {
		return sess.Run(stageCtx, chromedp.Click(s.target.SignInSelector, chromedp.ByQuery))
	}); err != nil {
		return err
	}

	// 4. Wait out the post-submission redirect chain plus a fixed settle
	// delay for client-side redirects.
	if err := s.waitQuiescent(ctx, sess); err != nil {
		return err
	}

	sess.SetState(browserpkg.StateCredentialsSubmitted)
	s.logger.Debug("Credential sequence completed.", zap.String("session_id", sess.ID()))
	return nil
}

// bounded runs one submission stage under its own deadline and maps a
// deadline overrun to a SubmissionTimeoutError naming the stage.
func (s *Submitter) bounded(ctx context.Context, timeout time.Duration, stage string, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(stageCtx)
	if err == nil {
		return nil
	}
	// Only the stage deadline converts to a timeout error; a canceled
	// parent context propagates as-is.
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || stageCtx.Err() != nil) {
		return &SubmissionTimeoutError{Stage: stage, Timeout: timeout, Err: err}
	}
	return err
}

// waitQuiescent polls document.readyState until the page reports complete,
// then applies the configured settle delay.
func (s *Submitter) waitQuiescent(ctx context.Context, sess Handle) error {
	err := s.bounded(ctx, s.timing.NavigationTimeout, "quiescence", func(stageCtx context.Context) error {
		for {
			var state string
			if err := sess.Run(stageCtx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
				return err
			}
			if state == "complete" {
				return nil
			}
			select {
			case <-time.After(quiescencePollInterval):
			case <-stageCtx.Done():
				return stageCtx.Err()
			}
		}
	})
	if err != nil {
		return err
	}

	if s.timing.SettleDelay > 0 {
		select {
		case <-time.After(s.timing.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
