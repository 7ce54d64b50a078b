// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState string

const (
	StateProvisioned          SessionState = "provisioned"
	StateCredentialsSubmitted SessionState = "credentials_submitted"
	StateAuthenticated        SessionState = "authenticated"
	StateTerminated           SessionState = "terminated"
)

// Session is one isolated browser execution context: its own browser process,
// its own user data directory, its own tab. The handle is exclusively owned
// by the attempt that provisioned it; ownership transfers to the caller only
// on a terminal login success.
type Session struct {
	id        string
	createdAt time.Time
	logger    *zap.Logger

	userDataDir string

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	state SessionState
	mu    sync.Mutex
}

// ID returns the opaque unique token for this session.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the provisioning time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// UserDataDir returns the isolated profile directory backing this session.
func (s *Session) UserDataDir() string { return s.userDataDir }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState advances the lifecycle state. Terminated is sticky.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return
	}
	s.state = state
}

// Terminated reports whether the session has been torn down.
func (s *Session) Terminated() bool {
	return s.State() == StateTerminated
}

// Run executes chromedp actions against this session's tab, honoring the
// caller's deadline and cancellation without tearing the tab down.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return fmt.Errorf("session %s is terminated", s.id)
	}
	tabCtx := s.tabCtx
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}
	// Propagate caller cancellation into the derived context only; the tab
	// itself stays alive.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// Navigate loads a URL and waits for the document body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))
	return s.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Location returns the current URL and page title. It performs no navigation.
func (s *Session) Location(ctx context.Context) (url, title string, err error) {
	err = s.Run(ctx,
		chromedp.Location(&url),
		chromedp.Title(&title),
	)
	return url, title, err
}

// ClearBrowsingData wipes cookies, browser cache, and in-page storage for the
// session. Provisioning calls this even on a fresh profile; the isolation
// primitive is not trusted to be perfect.
func (s *Session) ClearBrowsingData(ctx context.Context) error {
	return s.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.ClearBrowserCookies().Do(ctx); err != nil {
				return fmt.Errorf("clear cookies: %w", err)
			}
			return nil
		}),
		chromedp.Evaluate(`(() => {
			try { localStorage.clear(); } catch (e) {}
			try { sessionStorage.clear(); } catch (e) {}
			return true;
		})()`, nil),
	)
}

// Terminate tears down the tab, the browser process, and the profile
// directory. It is idempotent and safe to call from deferred cleanup paths.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTerminated
	tabCancel := s.tabCancel
	allocCancel := s.allocCancel
	allocCtx := s.allocCtx
	s.mu.Unlock()

	if tabCancel != nil {
		tabCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}

	if allocCtx != nil {
		if c := chromedp.FromContext(allocCtx); c != nil && c.Allocator != nil {
			// Wait for the browser process to actually exit before touching
			// its profile directory, bounded by a hard cap so a wedged
			// Chrome cannot stall cleanup.
			waitCtx, cancelWait := context.WithTimeout(ctx, 10*time.Second)
			defer cancelWait()
			exited := make(chan struct{})
			go func() {
				c.Allocator.Wait()
				close(exited)
			}()
			select {
			case <-exited:
				s.logger.Debug("Browser process exited.")
			case <-waitCtx.Done():
				s.logger.Warn("Deadline exceeded waiting for browser process to exit.", zap.Error(waitCtx.Err()))
			}
		}
	}

	if s.userDataDir != "" {
		if err := os.RemoveAll(s.userDataDir); err != nil {
			s.logger.Warn("Failed to remove session profile directory.",
				zap.String("dir", s.userDataDir), zap.Error(err))
		}
	}

	s.logger.Info("Session terminated.", zap.String("session_id", s.id))
	return nil
}
