// internal/auth/fields.go
package auth

import (
	"context"
	"fmt"
	"math/rand"
	"time"
	"unicode"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// ScriptRunner executes chromedp actions against a live session. Handle
// satisfies it; field strategy tests substitute fakes.
type ScriptRunner interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
}

// FillStrategy is one way of getting a value into a named input. Strategies
// report (false, nil) when the page shape does not match them; a non-nil
// error means the strategy reached the element but could not complete.
type FillStrategy interface {
	Name() string
	TryFill(ctx context.Context, runner ScriptRunner, selector, value string) (bool, error)
}

// FieldResolver locates and populates a named input by trying an ordered
// list of strategies until one succeeds. The target mixes ordinary and
// shadow-encapsulated input components unpredictably across releases, so a
// single strategy is brittle.
type FieldResolver struct {
	strategies []FillStrategy
	logger     *zap.Logger
}

// NewFieldResolver builds the default strategy chain: direct assignment,
// shadow-DOM traversal, simulated keystrokes.
func NewFieldResolver(logger *zap.Logger) *FieldResolver {
	return &FieldResolver{
		strategies: []FillStrategy{
			&directAssignStrategy{},
			&shadowPierceStrategy{},
			newKeystrokeStrategy(),
		},
		logger: logger.Named("fields"),
	}
}

// NewFieldResolverWithStrategies builds a resolver over an explicit chain.
func NewFieldResolverWithStrategies(logger *zap.Logger, strategies ...FillStrategy) *FieldResolver {
	return &FieldResolver{strategies: strategies, logger: logger.Named("fields")}
}

// Fill populates the input matched by selector. If every strategy fails it
// returns a FieldNotFillableError, which is fatal for the current attempt
// but not for the orchestration run.
func (r *FieldResolver) Fill(ctx context.Context, runner ScriptRunner, selector, value string) error {
	tried := make([]string, 0, len(r.strategies))
	for _, strategy := range r.strategies {
		tried = append(tried, strategy.Name())
		ok, err := strategy.TryFill(ctx, runner, selector, value)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Debug("Fill strategy errored, falling through.",
				zap.String("strategy", strategy.Name()),
				zap.String("selector", selector),
				zap.Error(err))
			continue
		}
		if ok {
			r.logger.Debug("Field filled.",
				zap.String("strategy", strategy.Name()),
				zap.String("selector", selector))
			return nil
		}
	}
	return &FieldNotFillableError{Selector: selector, Tried: tried}
}

// -- Strategy 1: direct native-setter assignment --

// directAssignStrategy sets the value through the prototype's native setter
// and fires synthetic input/change events so framework bindings notice.
type directAssignStrategy struct{}

func (s *directAssignStrategy) Name() string { return "direct_assign" }

func (s *directAssignStrategy) TryFill(ctx context.Context, runner ScriptRunner, selector, value string) (bool, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		const proto = el instanceof HTMLTextAreaElement
			? HTMLTextAreaElement.prototype
			: HTMLInputElement.prototype;
		const desc = Object.getOwnPropertyDescriptor(proto, 'value');
		if (desc && desc.set) {
			desc.set.call(el, %s);
		} else if ('value' in el) {
			el.value = %s;
		} else {
			return false;
		}
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, jsString(selector), jsString(value), jsString(value))

	var filled bool
	if err := runner.Run(ctx, chromedp.Evaluate(script, &filled)); err != nil {
		return false, err
	}
	return filled, nil
}

// -- Strategy 2: shadow-DOM traversal --

// shadowPierceStrategy handles custom elements: when the selector resolves
// to a host with an attached shadow root, it locates the first input-like
// descendant inside the shadow tree (recursing through nested roots) and
// assigns via synthetic events.
type shadowPierceStrategy struct{}

func (s *shadowPierceStrategy) Name() string { return "shadow_pierce" }

func (s *shadowPierceStrategy) TryFill(ctx context.Context, runner ScriptRunner, selector, value string) (bool, error) {
	script := fmt.Sprintf(`(() => {
		const host = document.querySelector(%s);
		if (!host || !host.shadowRoot) return false;
		const findInput = (root) => {
			const direct = root.querySelector('input, textarea');
			if (direct) return direct;
			for (const child of root.querySelectorAll('*')) {
				if (child.shadowRoot) {
					const nested = findInput(child.shadowRoot);
					if (nested) return nested;
				}
			}
			return null;
		};
		const el = findInput(host.shadowRoot);
		if (!el) return false;
		const desc = Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, 'value');
		if (desc && desc.set) {
			desc.set.call(el, %s);
		} else {
			el.value = %s;
		}
		el.dispatchEvent(new Event('input', { bubbles: true, composed: true }));
		el.dispatchEvent(new Event('change', { bubbles: true, composed: true }));
		return true;
	})()`, jsString(selector), jsString(value), jsString(value))

	var filled bool
	if err := runner.Run(ctx, chromedp.Evaluate(script, &filled)); err != nil {
		return false, err
	}
	return filled, nil
}

// -- Strategy 3: simulated keystrokes --

// keystrokeStrategy focuses the element and emits raw key events one
// character at a time with jittered inter-key delays. Slowest and most
// invasive, but it works even when the input ignores programmatic value
// assignment entirely.
type keystrokeStrategy struct {
	rng *rand.Rand
}

func newKeystrokeStrategy() *keystrokeStrategy {
	return &keystrokeStrategy{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *keystrokeStrategy) Name() string { return "keystrokes" }

func (s *keystrokeStrategy) TryFill(ctx context.Context, runner ScriptRunner, selector, value string) (bool, error) {
	if err := runner.Run(ctx, chromedp.Focus(selector, chromedp.ByQuery)); err != nil {
		// No focusable element; let the resolver report strategy exhaustion.
		return false, nil
	}

	for _, r := range value {
		if err := runner.Run(ctx, sendKey(r)); err != nil {
			return false, fmt.Errorf("keystroke dispatch failed: %w", err)
		}
		// Inter-key delay in the 30-90ms range.
		delay := time.Duration(30+s.rng.Intn(60)) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return true, nil
}

// sendKey dispatches one KeyDown/KeyUp pair for a rune.
func sendKey(r rune) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		text := string(r)
		var modifiers input.Modifier
		if needsShift(r) {
			modifiers = input.ModifierShift
		}

		down := input.DispatchKeyEvent(input.KeyDown).
			WithModifiers(modifiers).
			WithKey(text).
			WithText(text)
		if err := down.Do(ctx); err != nil {
			return fmt.Errorf("keydown for %q: %w", text, err)
		}

		up := input.DispatchKeyEvent(input.KeyUp).
			WithModifiers(modifiers).
			WithKey(text)
		if err := up.Do(ctx); err != nil {
			return fmt.Errorf("keyup for %q: %w", text, err)
		}
		return nil
	})
}

// needsShift covers a standard US QWERTY layout.
func needsShift(key rune) bool {
	if unicode.IsLetter(key) && unicode.IsUpper(key) {
		return true
	}
	switch key {
	case '!', '@', '#', '$', '%', '^', '&', '*', '(', ')', '_', '+',
		'{', '}', '|', ':', '"', '<', '>', '?', '~':
		return true
	default:
		return false
	}
}

// jsString safely embeds a Go string as a JS string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshal of a string cannot fail; keep the compiler happy.
		return `""`
	}
	return string(b)
}
