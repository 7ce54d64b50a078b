// internal/auth/helpers_test.go
package auth

import (
	"context"
	"sync"

	"github.com/chromedp/chromedp"

	"github.com/arceth/passage/internal/browser"
)

// fakeHandle is an in-memory Handle used across the package tests.
type fakeHandle struct {
	mu sync.Mutex

	id    string
	state browser.SessionState

	url   string
	title string

	runErr       error
	runFunc      func(ctx context.Context) error
	navigateErr  error
	navigateFunc func(ctx context.Context, url string) error
	locationErr  error
	clearErr     error
	termErr      error

	runCalls      int
	navigateCalls int
	clearCalls    int
	terminated    bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{id: "fake-session", state: browser.StateProvisioned}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) State() browser.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) SetState(s browser.SessionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *fakeHandle) Run(ctx context.Context, actions ...chromedp.Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runCalls++
	if h.runFunc != nil {
		return h.runFunc(ctx)
	}
	return h.runErr
}

func (h *fakeHandle) Navigate(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navigateCalls++
	if h.navigateFunc != nil {
		return h.navigateFunc(ctx, url)
	}
	if h.navigateErr != nil {
		return h.navigateErr
	}
	h.url = url
	return nil
}

func (h *fakeHandle) Location(ctx context.Context) (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locationErr != nil {
		return "", "", h.locationErr
	}
	return h.url, h.title, nil
}

func (h *fakeHandle) setLocation(url, title string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.url, h.title = url, title
}

func (h *fakeHandle) ClearBrowsingData(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearCalls++
	return h.clearErr
}

func (h *fakeHandle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	h.state = browser.StateTerminated
	return h.termErr
}

func (h *fakeHandle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}
