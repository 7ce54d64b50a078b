// internal/auth/classifier.go
package auth

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/arceth/passage/internal/config"
)

// rule pairs a named predicate with the outcome it yields. The classifier
// evaluates rules in order and the first match wins: several signals can be
// simultaneously true (a conflict redirect still carries a sign-in title),
// so rule order is the ambiguity-resolution policy, kept explicit here
// rather than buried in control flow.
type rule struct {
	name    string
	matches func(PageState) bool
	outcome func(PageState) Outcome
}

// Classifier maps a post-submission page state to an Outcome.
type Classifier struct {
	rules  []rule
	logger *zap.Logger
}

// NewClassifier builds the prioritized rule list from the target's pattern
// configuration.
func NewClassifier(target config.TargetConfig, logger *zap.Logger) *Classifier {
	c := &Classifier{logger: logger.Named("classifier")}

	conflictMarkers := lowerAll(target.ConflictMarkers)
	stepUpMarkers := lowerAll(target.StepUpMarkers)
	homeHostMarkers := lowerAll(target.HomeHostMarkers)
	homePathMarkers := lowerAll(target.HomePathMarkers)
	signInMarkers := lowerAll(target.SignInMarkers)
	signInTitle := strings.ToLower(target.SignInTitleMarker)

	c.rules = []rule{
		{
			name: "concurrent_session_redirect",
			matches: func(s PageState) bool {
				return containsAny(strings.ToLower(s.URL), conflictMarkers)
			},
			outcome: func(s PageState) Outcome {
				return Outcome{
					Kind:    OutcomeConcurrentSessionConflict,
					Message: "target reports another active session for this account",
				}
			},
		},
		{
			name: "step_up_challenge",
			matches: func(s PageState) bool {
				return containsAny(strings.ToLower(s.URL), stepUpMarkers)
			},
			outcome: func(s PageState) Outcome {
				return Outcome{
					Kind:         OutcomeSecurityStepRequired,
					SecurityStep: deriveStepKind(s.URL),
					Message:      "target interposed a verification challenge",
				}
			},
		},
		{
			name: "authenticated_home",
			matches: func(s PageState) bool {
				u, err := url.Parse(s.URL)
				if err != nil {
					return false
				}
				host := strings.ToLower(u.Host)
				path := strings.ToLower(u.Path)
				if !containsAny(host+path, homeHostMarkers) {
					return false
				}
				if !containsAny(path, homePathMarkers) {
					return false
				}
				// The home signature requires the absence of any sign-in marker.
				if containsAny(strings.ToLower(s.URL), signInMarkers) {
					return false
				}
				if signInTitle != "" && strings.Contains(strings.ToLower(s.Title), signInTitle) {
					return false
				}
				return true
			},
			outcome: func(s PageState) Outcome {
				return Outcome{Kind: OutcomeSuccess}
			},
		},
		{
			name: "still_on_sign_in_surface",
			matches: func(s PageState) bool {
				return containsAny(strings.ToLower(s.URL), signInMarkers)
			},
			outcome: func(s PageState) Outcome {
				// Not necessarily failed: redirects may not have finished,
				// or the credentials were rejected. The signals cannot tell
				// these apart, so no stronger claim is made.
				return Outcome{
					Kind:    OutcomeUnknownState,
					Message: "still on the sign-in surface",
				}
			},
		},
	}

	return c
}

// ClassifyState maps a page snapshot to an Outcome. Pure: deterministic and
// side-effect-free for a fixed URL/title pair, and it never fails on
// malformed input.
func (c *Classifier) ClassifyState(state PageState) Outcome {
	for _, r := range c.rules {
		if r.matches(state) {
			out := r.outcome(state)
			c.logger.Debug("Page state classified.",
				zap.String("rule", r.name),
				zap.String("kind", string(out.Kind)),
				zap.String("url", state.URL))
			return out
		}
	}
	return Outcome{Kind: OutcomeUnknownState, Message: "no known page signature matched"}
}

// Classify reads the session's current URL and title and classifies them.
// A failed read is the only path producing a transport error outcome.
func (c *Classifier) Classify(ctx context.Context, sess Handle) Outcome {
	u, title, err := sess.Location(ctx)
	if err != nil {
		return Outcome{Kind: OutcomeTransportError, Message: err.Error()}
	}
	return c.ClassifyState(PageState{URL: u, Title: title})
}

// deriveStepKind inspects the challenge URL's path to name the kind of
// security step the target is asking for.
func deriveStepKind(raw string) SecurityStepKind {
	lowered := strings.ToLower(raw)
	switch {
	case strings.Contains(lowered, "verification") || strings.Contains(lowered, "verify"):
		return StepEmailVerification
	case strings.Contains(lowered, "question"):
		return StepSecurityQuestions
	default:
		return StepGeneric
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
