// internal/auth/fields_test.go
package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubStrategy is a scripted FillStrategy.
type stubStrategy struct {
	name  string
	ok    bool
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) TryFill(ctx context.Context, runner ScriptRunner, selector, value string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.ok, nil
}

func TestFieldResolverFirstStrategyWins(t *testing.T) {
	first := &stubStrategy{name: "first", ok: true}
	second := &stubStrategy{name: "second", ok: true}
	r := NewFieldResolverWithStrategies(zap.NewNop(), first, second)

	err := r.Fill(context.Background(), newFakeHandle(), "#user", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls, "later strategies must not run after a success")
}

func TestFieldResolverFallsThroughOnMiss(t *testing.T) {
	first := &stubStrategy{name: "first", ok: false}
	second := &stubStrategy{name: "second", ok: true}
	r := NewFieldResolverWithStrategies(zap.NewNop(), first, second)

	err := r.Fill(context.Background(), newFakeHandle(), "#user", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestFieldResolverFallsThroughOnError(t *testing.T) {
	first := &stubStrategy{name: "first", err: errors.New("evaluate failed")}
	second := &stubStrategy{name: "second", ok: true}
	r := NewFieldResolverWithStrategies(zap.NewNop(), first, second)

	err := r.Fill(context.Background(), newFakeHandle(), "#user", "alice")
	assert.NoError(t, err, "a strategy error is not fatal while others remain")
}

func TestFieldResolverExhaustionReturnsFieldNotFillable(t *testing.T) {
	first := &stubStrategy{name: "direct_assign", ok: false}
	second := &stubStrategy{name: "shadow_pierce", err: errors.New("no shadow root")}
	third := &stubStrategy{name: "keystrokes", ok: false}
	r := NewFieldResolverWithStrategies(zap.NewNop(), first, second, third)

	err := r.Fill(context.Background(), newFakeHandle(), "#login-form_username", "alice")
	require.Error(t, err)

	var notFillable *FieldNotFillableError
	require.ErrorAs(t, err, &notFillable)
	assert.Equal(t, "#login-form_username", notFillable.Selector)
	assert.Equal(t, []string{"direct_assign", "shadow_pierce", "keystrokes"}, notFillable.Tried)
}

func TestFieldResolverStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &stubStrategy{name: "first", err: context.Canceled}
	second := &stubStrategy{name: "second", ok: true}
	cancel()

	r := NewFieldResolverWithStrategies(zap.NewNop(), first, second)
	err := r.Fill(ctx, newFakeHandle(), "#user", "alice")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, second.calls)
}

func TestNeedsShift(t *testing.T) {
	shifted := []rune{'A', 'Z', '!', '@', '#', '$', '%', '&', '*', '(', ')', '_', '?', '~', '"'}
	for _, r := range shifted {
		assert.True(t, needsShift(r), "expected shift for %q", r)
	}
	unshifted := []rune{'a', 'z', '0', '9', '-', '=', ';', '\'', ',', '.', '/', ' '}
	for _, r := range unshifted {
		assert.False(t, needsShift(r), "expected no shift for %q", r)
	}
}

func TestJSString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", `"alice"`},
		{`pa"ss`, `"pa\"ss"`},
		{"line\nbreak", `"line\nbreak"`},
		{"", `""`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, jsString(tt.in))
	}
}
