// internal/browser/provisioner.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arceth/passage/internal/browser/stealth"
	"github.com/arceth/passage/internal/config"
)

const startupProbeTimeout = 30 * time.Second

// ProvisionError indicates the underlying browser process could not start.
// It is not retried at this layer; the retry protocol one level up decides
// whether to reprovision.
type ProvisionError struct {
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision browser session: %v", e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Provisioner creates isolated browser execution contexts. Each call to
// Provision launches a dedicated browser process with its own uuid-derived
// user data directory, so no two sessions ever share cookies, cache, or
// storage, even across repeated calls within the same process.
type Provisioner struct {
	cfg     *config.Config
	logger  *zap.Logger
	persona stealth.Persona
}

// NewProvisioner builds a provisioner whose persona is derived from the
// browser configuration.
func NewProvisioner(cfg *config.Config, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		logger: logger.Named("provisioner"),
		persona: stealth.Persona{
			UserAgent:  cfg.Browser.UserAgent,
			Platform:   "Win32",
			Languages:  []string{cfg.Browser.Locale, "en"},
			TimezoneID: cfg.Browser.TimezoneID,
			Locale:     cfg.Browser.Locale,
			Screen: stealth.ScreenProperties{
				Width:  cfg.Browser.ViewportWidth,
				Height: cfg.Browser.ViewportHeight,
			},
		},
	}
}

// Persona exposes the client identity applied to provisioned sessions.
func (p *Provisioner) Persona() stealth.Persona { return p.persona }

// Provision launches a fresh, isolated browser session. The returned Session
// starts with an empty cookie jar and cleared storage. The caller owns the
// handle and is responsible for eventual Terminate.
func (p *Provisioner) Provision(ctx context.Context) (*Session, error) {
	id := uuid.New().String()
	logger := p.logger.With(zap.String("session_id", id[:8]))

	userDataDir, err := p.makeProfileDir(id)
	if err != nil {
		return nil, &ProvisionError{Err: err}
	}

	opts := p.buildAllocatorOptions(userDataDir)

	// The allocator is parented to the background context: on a terminal
	// login success the session handle outlives the orchestration call that
	// created it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	session := &Session{
		id:          id,
		createdAt:   time.Now(),
		logger:      logger,
		userDataDir: userDataDir,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		state:       StateProvisioned,
	}

	// Probe that the browser actually starts and responds.
	probeCtx, cancelProbe := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancelProbe()
	if err := session.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		session.Terminate(context.Background())
		return nil, &ProvisionError{Err: fmt.Errorf("browser failed to start or respond: %w", err)}
	}

	// Apply the spoofed client identity before any target navigation.
	if err := session.Run(ctx, stealth.Apply(p.persona, logger)); err != nil {
		session.Terminate(context.Background())
		return nil, &ProvisionError{Err: fmt.Errorf("failed to apply persona: %w", err)}
	}

	// The profile directory is brand new, but clear anyway: the guarantee
	// of an empty cookie jar must not rest on the isolation primitive alone.
	if err := session.ClearBrowsingData(ctx); err != nil {
		logger.Warn("Could not explicitly clear browsing data on fresh session.", zap.Error(err))
	}

	logger.Info("Session provisioned.", zap.String("user_data_dir", userDataDir))
	return session, nil
}

// makeProfileDir allocates the isolated storage directory for one session.
func (p *Provisioner) makeProfileDir(seed string) (string, error) {
	root := p.cfg.Browser.ProfileRoot
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "passage-profile-"+seed[:8])
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	return dir, nil
}

// buildAllocatorOptions assembles the flags for an isolated, low-observability
// browser instance.
func (p *Provisioner) buildAllocatorOptions(userDataDir string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		// Overrides the default; a false flag is never emitted, so the
		// browser does not advertise that it is automated.
		chromedp.Flag("enable-automation", false),
		chromedp.UserDataDir(userDataDir),
		chromedp.Flag("headless", p.cfg.Browser.Headless),
		chromedp.Flag("ignore-certificate-errors", p.cfg.Browser.IgnoreTLSErrors),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", p.cfg.Browser.Headless),
		chromedp.UserAgent(p.persona.UserAgent),
	)
	if p.cfg.Browser.DisableCache {
		opts = append(opts, chromedp.Flag("disk-cache-size", "1"))
	}

	// Custom arguments from configuration, "--name=value" or "--name" form.
	for _, arg := range p.cfg.Browser.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Flags required when running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}
