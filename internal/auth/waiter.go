// internal/auth/waiter.go
package auth

import (
	"context"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Waiter polls for out-of-band human resolution of a pending verification
// state. It never submits data or navigates; the only page interaction is an
// inert pointer move to keep the pending session from idling out.
type Waiter struct {
	classifier OutcomeClassifier
	logger     *zap.Logger
	rng        *rand.Rand
}

// NewWaiter builds a waiter over the given classifier.
func NewWaiter(classifier OutcomeClassifier, logger *zap.Logger) *Waiter {
	return &Waiter{
		classifier: classifier,
		logger:     logger.Named("manual_wait"),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WaitForResolution polls the classifier every pollInterval until it reports
// success or a terminal failure signal, or until maxWait elapses. On timeout
// the last observed outcome is returned tagged TimedOut, after one final
// classification check to catch a resolution that landed inside the last
// polling window. Cancellation of ctx stops polling within one interval and
// returns an unknown state immediately.
func (w *Waiter) WaitForResolution(ctx context.Context, sess Handle, maxWait, pollInterval time.Duration) Outcome {
	w.logger.Info("Waiting for manual resolution.",
		zap.String("session_id", sess.ID()),
		zap.Duration("max_wait", maxWait),
		zap.Duration("poll_interval", pollInterval))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	last := w.classifier.Classify(ctx, sess)
	if done, out := w.resolved(last); done {
		return out
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Manual wait canceled.", zap.String("session_id", sess.ID()))
			return Outcome{Kind: OutcomeUnknownState, Message: "manual intervention wait canceled"}

		case <-deadline.C:
			// Resolution may have landed between the last tick and now.
			final := w.classifier.Classify(ctx, sess)
			if final.IsSuccess() {
				return final
			}
			if final.Kind != OutcomeTransportError {
				last = final
			}
			last.TimedOut = true
			w.logger.Warn("Manual resolution window elapsed.",
				zap.String("session_id", sess.ID()),
				zap.String("last_outcome", string(last.Kind)))
			return last

		case <-ticker.C:
			w.keepAlive(ctx, sess)
			last = w.classifier.Classify(ctx, sess)
			if done, out := w.resolved(last); done {
				return out
			}
		}
	}
}

// resolved reports whether an observed outcome ends the wait.
func (w *Waiter) resolved(out Outcome) (bool, Outcome) {
	switch out.Kind {
	case OutcomeSuccess:
		w.logger.Info("Manual step resolved.")
		return true, out
	case OutcomeTransportError:
		// The page state can no longer be read; waiting further is pointless.
		return true, out
	default:
		return false, out
	}
}

// keepAlive performs a small synthetic pointer move. Failures are logged and
// ignored: the next classification poll decides what the failure means.
func (w *Waiter) keepAlive(ctx context.Context, sess Handle) {
	x := float64(200 + w.rng.Intn(400))
	y := float64(150 + w.rng.Intn(300))
	err := sess.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
	if err != nil {
		w.logger.Debug("Keep-alive pointer move failed.", zap.Error(err))
	}
}
