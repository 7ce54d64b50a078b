// internal/auth/orchestrator_test.go
package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arceth/passage/internal/browser"
	"github.com/arceth/passage/internal/config"
)

// -- Mock Implementations for Testing --

type mockProvisioner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	errs    []error
	calls   int
}

func (m *mockProvisioner) Provision(ctx context.Context) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.handles) {
		return m.handles[i], nil
	}
	h := newFakeHandle()
	m.handles = append(m.handles, h)
	return h, nil
}

type mockSubmitter struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (m *mockSubmitter) Submit(ctx context.Context, sess Handle, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) {
		return m.errs[i]
	}
	return nil
}

type mockClassifier struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    int
}

func (m *mockClassifier) Classify(ctx context.Context, sess Handle) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.outcomes) {
		return m.outcomes[i]
	}
	return Outcome{Kind: OutcomeUnknownState}
}

type mockWaiter struct {
	mu      sync.Mutex
	outcome Outcome
	calls   int
	maxWait time.Duration
}

func (m *mockWaiter) WaitForResolution(ctx context.Context, sess Handle, maxWait, pollInterval time.Duration) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.maxWait = maxWait
	return m.outcome
}

type mockEscalator struct {
	mu     sync.Mutex
	levels []int
}

func (m *mockEscalator) Escalate(ctx context.Context, sess Handle, level int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels = append(m.levels, level)
	// Mirror the additive contract: one action name per level step.
	names := []string{ActionClearSessionData, ActionLogoutRequests, ActionPurgeProfileCache, ActionKillStrayProcesses}
	if level >= len(names) {
		level = len(names) - 1
	}
	return names[:level+1]
}

// -- Test Harness --

type orchestratorFixture struct {
	provisioner *mockProvisioner
	submitter   *mockSubmitter
	classifier  *mockClassifier
	waiter      *mockWaiter
	escalator   *mockEscalator
	orch        *Orchestrator
}

func newOrchestratorFixture(cfg config.AuthConfig) *orchestratorFixture {
	f := &orchestratorFixture{
		provisioner: &mockProvisioner{},
		submitter:   &mockSubmitter{},
		classifier:  &mockClassifier{},
		waiter:      &mockWaiter{outcome: Outcome{Kind: OutcomeUnknownState}},
		escalator:   &mockEscalator{},
	}
	f.orch = NewOrchestrator(cfg, f.provisioner, f.submitter, f.classifier, f.waiter, f.escalator, zap.NewNop())
	// Keep the tests fast; the idle sequencing itself is exercised separately.
	f.orch.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		MaxAttempts:       3,
		ManualStepMaxWait: time.Minute,
		PollInterval:      time.Second,
		RetryIdleBase:     time.Millisecond,
	}
}

// -- Tests --

func TestLoginSucceedsFirstAttempt(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	f.classifier.outcomes = []Outcome{{Kind: OutcomeSuccess}}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.SessionHandle)

	assert.Equal(t, 1, f.provisioner.calls)
	assert.Len(t, result.Attempts, 1)
	assert.Empty(t, f.escalator.levels, "no cleanup on a successful attempt")

	// The winning session is live, authenticated and owned by the caller.
	assert.False(t, result.SessionHandle.Terminated())
	assert.Equal(t, browser.StateAuthenticated, result.SessionHandle.State())
}

func TestLoginRetriesWithEscalatingCleanup(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	// Every attempt classifies as unknown.
	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, result.Success)

	// The attempt budget is exhausted exactly, never exceeded.
	assert.Equal(t, 3, f.provisioner.calls)
	assert.Len(t, result.Attempts, 3)

	// Failure cleanup escalates one level per retried attempt. The final
	// attempt has no retry to prepare, so it runs no cleanup at all.
	assert.Equal(t, []int{0, 1}, f.escalator.levels)
	assert.Empty(t, result.Attempts[2].CleanupActions)

	// The remediation history only grows across retried attempts.
	prev, cur := result.Attempts[0].CleanupActions, result.Attempts[1].CleanupActions
	require.Greater(t, len(cur), len(prev))
	assert.Equal(t, prev, cur[:len(prev)])

	// Every session was torn down: at most one was ever live.
	for _, h := range f.provisioner.handles {
		assert.True(t, h.Terminated())
	}
}

func TestLoginFinalAttemptSkipsCleanup(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	// Three unknown-state attempts exhaust the budget. Cleanup only runs
	// before a retry, so level 2 with its host-wide actions never fires.
	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	require.Len(t, result.Attempts, 3)

	assert.Equal(t, []int{0, 1}, f.escalator.levels)
	assert.NotContains(t, result.Attempts[0].CleanupActions, ActionPurgeProfileCache)
	assert.NotContains(t, result.Attempts[1].CleanupActions, ActionPurgeProfileCache)
	assert.Empty(t, result.Attempts[2].CleanupActions)
}

func TestLoginStartLevelShiftsEscalation(t *testing.T) {
	cfg := testAuthConfig()
	cfg.CleanupStartLevel = 1
	f := newOrchestratorFixture(cfg)

	_, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, f.escalator.levels)
}

func TestLoginSucceedsAfterFailedAttempt(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	f.classifier.outcomes = []Outcome{
		{Kind: OutcomeUnknownState},
		{Kind: OutcomeSuccess},
	}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Attempts, 2)

	// The first session is gone, the second is the live one handed over.
	require.Len(t, f.provisioner.handles, 2)
	assert.True(t, f.provisioner.handles[0].Terminated())
	assert.False(t, f.provisioner.handles[1].Terminated())
	assert.Same(t, f.provisioner.handles[1], result.SessionHandle)
}

func TestLoginSecurityStepRoutesToWaiter(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	f.classifier.outcomes = []Outcome{
		{Kind: OutcomeSecurityStepRequired, SecurityStep: StepEmailVerification},
	}
	f.waiter.outcome = Outcome{Kind: OutcomeSuccess}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, f.waiter.calls)
	assert.Equal(t, time.Minute, f.waiter.maxWait)
}

func TestLoginConflictSkipsWaiterByDefault(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	f.classifier.outcomes = []Outcome{
		{Kind: OutcomeConcurrentSessionConflict},
		{Kind: OutcomeConcurrentSessionConflict},
		{Kind: OutcomeConcurrentSessionConflict},
	}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 0, f.waiter.calls)
	assert.Equal(t, OutcomeConcurrentSessionConflict, result.Outcome.Kind)
}

func TestLoginConflictWaitsWhenConfigured(t *testing.T) {
	cfg := testAuthConfig()
	cfg.WaitOnConflict = true
	f := newOrchestratorFixture(cfg)
	f.classifier.outcomes = []Outcome{{Kind: OutcomeConcurrentSessionConflict}}
	f.waiter.outcome = Outcome{Kind: OutcomeSuccess}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, f.waiter.calls)
}

func TestLoginAllProvisionFailuresIsHardError(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	boom := errors.New("chrome would not start")
	f.provisioner.errs = []error{boom, boom, boom}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to provision")
	require.Len(t, result.Attempts, 3)
	for _, a := range result.Attempts {
		assert.Equal(t, OutcomeTransportError, a.Outcome.Kind)
	}
}

func TestLoginPartialProvisionFailureIsNotHardError(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	f.provisioner.errs = []error{errors.New("chrome would not start"), nil, nil}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, OutcomeTransportError, result.Attempts[0].Outcome.Kind)
}

func TestLoginSubmissionTimeoutStillClassifies(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	f.submitter.errs = []error{
		&SubmissionTimeoutError{Stage: "sign_in_control", Timeout: time.Second, Err: context.DeadlineExceeded},
	}
	// The page landed on the home surface despite the flaky click wait.
	f.classifier.outcomes = []Outcome{{Kind: OutcomeSuccess}}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, f.classifier.calls)
}

func TestLoginUnfillableFieldStillClassifies(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	f.submitter.errs = []error{
		&FieldNotFillableError{Selector: "#login-form_username", Tried: []string{"direct_assign"}},
		&FieldNotFillableError{Selector: "#login-form_username", Tried: []string{"direct_assign"}},
		&FieldNotFillableError{Selector: "#login-form_username", Tried: []string{"direct_assign"}},
	}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, f.classifier.calls)
}

func TestLoginGenericSubmitErrorBecomesTransportOutcome(t *testing.T) {
	cfg := testAuthConfig()
	cfg.MaxAttempts = 1
	f := newOrchestratorFixture(cfg)
	f.submitter.errs = []error{errors.New("websocket closed")}

	result, err := f.orch.Login(context.Background(), Credential{Username: "user", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransportError, result.Attempts[0].Outcome.Kind)
	assert.Equal(t, 0, f.classifier.calls, "a dead transport is not classified")
}

func TestLoginContextCancellationStopsRetrying(t *testing.T) {
	f := newOrchestratorFixture(testAuthConfig())
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel during the first retry idle.
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return context.Canceled
	}

	result, err := f.orch.Login(ctx, Credential{Username: "user", Password: "pw"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, result.Attempts, 1)
}
