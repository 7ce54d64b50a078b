// internal/auth/cleanup.go
package auth

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/arceth/passage/internal/config"
	"github.com/arceth/passage/internal/netutil"
)

// Cleanup action names, in escalation order.
const (
	ActionClearSessionData   = "clear_session_data"
	ActionLogoutRequests     = "logout_requests"
	ActionPurgeProfileCache  = "purge_profile_cache"
	ActionFlushDNSCache      = "flush_dns_cache"
	ActionKillStrayProcesses = "kill_stray_processes"
)

// MaxCleanupLevel is the deepest escalation level; higher requests are capped.
const MaxCleanupLevel = 3

// hostMu serializes cleanup at levels that touch host-wide state. Two
// concurrent escalations at level 2 or above would race on the same profile
// directories and OS caches.
var hostMu sync.Mutex

// ActionProvider performs the individual cleanup actions. The production
// implementation talks to the browser, the network and the host; tests swap
// in a recorder.
type ActionProvider interface {
	ClearSessionData(ctx context.Context, sess Handle) error
	SendLogoutRequests(ctx context.Context) error
	PurgeProfileCache(ctx context.Context) error
	FlushDNSCache(ctx context.Context) error
	KillStrayProcesses(ctx context.Context) error
}

// Escalator runs cleanup actions cumulatively: a level-N escalation performs
// every action of levels 0..N. Actions are best effort; a failing action is
// logged and the escalation continues with the next one.
type Escalator struct {
	provider ActionProvider
	logger   *zap.Logger
}

// NewEscalator builds an escalator over the given action provider.
func NewEscalator(provider ActionProvider, logger *zap.Logger) *Escalator {
	return &Escalator{provider: provider, logger: logger.Named("cleanup")}
}

// Escalate runs all cleanup actions up to and including the given level and
// returns the names of the actions attempted, in order. The session handle
// may be nil when no live session exists; session-scoped actions are then
// skipped (but still reported as attempted so callers see the level reached).
func (e *Escalator) Escalate(ctx context.Context, sess Handle, level int) []string {
	if level < 0 {
		level = 0
	}
	if level > MaxCleanupLevel {
		level = MaxCleanupLevel
	}
	e.logger.Info("Escalating cleanup.", zap.Int("level", level))

	if level >= 2 {
		hostMu.Lock()
		defer hostMu.Unlock()
	}

	var attempted []string
	run := func(name string, fn func(context.Context) error) {
		attempted = append(attempted, name)
		if err := fn(ctx); err != nil {
			e.logger.Warn("Cleanup action failed.",
				zap.String("action", name),
				zap.Error(&CleanupActionError{Action: name, Err: err}))
		}
	}

	run(ActionClearSessionData, func(ctx context.Context) error {
		if sess == nil || sess.Terminated() {
			return nil
		}
		return e.provider.ClearSessionData(ctx, sess)
	})
	if level >= 1 {
		run(ActionLogoutRequests, e.provider.SendLogoutRequests)
	}
	if level >= 2 {
		run(ActionPurgeProfileCache, e.provider.PurgeProfileCache)
		run(ActionFlushDNSCache, e.provider.FlushDNSCache)
	}
	if level >= 3 {
		run(ActionKillStrayProcesses, e.provider.KillStrayProcesses)
	}
	return attempted
}

// EnvironmentActions is the production ActionProvider. It issues logout
// requests over a tuned HTTP client, removes on-disk browser profile caches
// and, at the deepest level, flushes the resolver cache and kills leftover
// browser processes spawned by earlier runs.
type EnvironmentActions struct {
	cfg    config.CleanupConfig
	client *netutil.Client
	logger *zap.Logger
}

// NewEnvironmentActions builds the production action provider.
func NewEnvironmentActions(cfg config.CleanupConfig, client *netutil.Client, logger *zap.Logger) *EnvironmentActions {
	return &EnvironmentActions{cfg: cfg, client: client, logger: logger.Named("cleanup_env")}
}

// ClearSessionData wipes cookies and web storage inside the live session.
func (p *EnvironmentActions) ClearSessionData(ctx context.Context, sess Handle) error {
	return sess.ClearBrowsingData(ctx)
}

// SendLogoutRequests fires the configured logout endpoints out of band. Any
// 2xx or 3xx status counts as delivered; response bodies are drained and
// discarded.
func (p *EnvironmentActions) SendLogoutRequests(ctx context.Context) error {
	var firstErr error
	for _, endpoint := range p.cfg.LogoutEndpoints {
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		resp, err := p.client.Get(reqCtx, endpoint)
		if err != nil {
			cancel()
			p.logger.Debug("Logout request failed.", zap.String("endpoint", endpoint), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		cancel()
		if resp.StatusCode >= 400 && firstErr == nil {
			firstErr = fmt.Errorf("logout endpoint %s returned %d", endpoint, resp.StatusCode)
		}
	}
	return firstErr
}

// PurgeProfileCache removes leftover profile directories matching the
// configured markers from the temp directory and the user's home cache.
func (p *EnvironmentActions) PurgeProfileCache(ctx context.Context) error {
	roots := []string{os.TempDir()}
	if home, err := homedir.Dir(); err == nil {
		roots = append(roots, filepath.Join(home, ".cache"))
	}

	var firstErr error
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !entry.IsDir() || !matchesAny(entry.Name(), p.cfg.ProfileMarkers) {
				continue
			}
			path := filepath.Join(root, entry.Name())
			p.logger.Debug("Removing stale profile directory.", zap.String("path", path))
			if err := os.RemoveAll(path); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FlushDNSCache flushes the OS resolver cache. A no-op when disabled or when
// the platform has no flushable system cache.
func (p *EnvironmentActions) FlushDNSCache(ctx context.Context) error {
	if !p.cfg.FlushDNS {
		return nil
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "dscacheutil", "-flushcache")
	case "windows":
		cmd = exec.CommandContext(ctx, "ipconfig", "/flushdns")
	case "linux":
		if _, err := exec.LookPath("resolvectl"); err != nil {
			p.logger.Debug("No resolver cache tool found, skipping DNS flush.")
			return nil
		}
		cmd = exec.CommandContext(ctx, "resolvectl", "flush-caches")
	default:
		return nil
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("dns flush: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// KillStrayProcesses terminates browser processes left behind by prior runs,
// identified by the configured command-line markers. Only processes whose
// command line carries one of our profile markers are touched.
func (p *EnvironmentActions) KillStrayProcesses(ctx context.Context) error {
	if runtime.GOOS == "windows" {
		// Marker-scoped matching is not available through taskkill.
		p.logger.Debug("Stray process cleanup unsupported on this platform.")
		return nil
	}
	var firstErr error
	for _, marker := range p.cfg.ProcessMarkers {
		cmd := exec.CommandContext(ctx, "pkill", "-f", marker)
		out, err := cmd.CombinedOutput()
		if err != nil {
			// pkill exits 1 when nothing matched; that is the common case.
			if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("pkill %q: %w: %s", marker, err, strings.TrimSpace(string(out)))
			}
			continue
		}
		p.logger.Info("Terminated stray browser processes.", zap.String("marker", marker))
	}
	return firstErr
}

func matchesAny(name string, markers []string) bool {
	lower := strings.ToLower(name)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
