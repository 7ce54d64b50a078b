// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup"`
	Target  TargetConfig  `mapstructure:"target" yaml:"target"`
	Crawler CrawlerConfig `mapstructure:"crawler" yaml:"crawler"`
	Report  ReportConfig  `mapstructure:"report" yaml:"report"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for provisioned browser instances.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	DisableCache    bool     `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	Locale          string   `mapstructure:"locale" yaml:"locale"`
	TimezoneID      string   `mapstructure:"timezone_id" yaml:"timezone_id"`
	ViewportWidth   int64    `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int64    `mapstructure:"viewport_height" yaml:"viewport_height"`
	// ProfileRoot is the parent directory for per-session user data dirs.
	// Empty means os.TempDir().
	ProfileRoot string `mapstructure:"profile_root" yaml:"profile_root"`
}

// AuthConfig tunes the login retry protocol.
type AuthConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ManualStepMaxWait time.Duration `mapstructure:"manual_step_max_wait" yaml:"manual_step_max_wait"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	CleanupStartLevel int           `mapstructure:"cleanup_start_level" yaml:"cleanup_start_level"`
	// WaitOnConflict also enters the manual wait loop on a concurrent
	// session conflict instead of escalating immediately.
	WaitOnConflict    bool          `mapstructure:"wait_on_conflict" yaml:"wait_on_conflict"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	FieldTimeout      time.Duration `mapstructure:"field_timeout" yaml:"field_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	// RetryIdleBase is the base inter-attempt delay; the effective delay
	// grows with the escalation level to let server-side session state expire.
	RetryIdleBase time.Duration `mapstructure:"retry_idle_base" yaml:"retry_idle_base"`
}

// CleanupConfig describes the environment remediation surface.
type CleanupConfig struct {
	// LogoutEndpoints are hit best-effort at escalation level 1.
	LogoutEndpoints []string `mapstructure:"logout_endpoints" yaml:"logout_endpoints"`
	// ProfileMarkers identify cache/profile artifacts belonging to the
	// target so the level 2 purge never touches unrelated data.
	ProfileMarkers []string `mapstructure:"profile_markers" yaml:"profile_markers"`
	// ProcessMarkers identify stray automation-spawned browser processes
	// eligible for level 3 termination.
	ProcessMarkers []string `mapstructure:"process_markers" yaml:"process_markers"`
	FlushDNS       bool     `mapstructure:"flush_dns" yaml:"flush_dns"`
}

// TargetConfig carries the page-signal patterns the classifier matches on
// and the selectors the submitter drives. Defaults fit the RUN payroll
// application; other targets override them.
type TargetConfig struct {
	LoginURL          string   `mapstructure:"login_url" yaml:"login_url"`
	UsernameSelector  string   `mapstructure:"username_selector" yaml:"username_selector"`
	PasswordSelector  string   `mapstructure:"password_selector" yaml:"password_selector"`
	NextSelector      string   `mapstructure:"next_selector" yaml:"next_selector"`
	SignInSelector    string   `mapstructure:"sign_in_selector" yaml:"sign_in_selector"`
	ConflictMarkers   []string `mapstructure:"conflict_markers" yaml:"conflict_markers"`
	StepUpMarkers     []string `mapstructure:"step_up_markers" yaml:"step_up_markers"`
	HomeHostMarkers   []string `mapstructure:"home_host_markers" yaml:"home_host_markers"`
	HomePathMarkers   []string `mapstructure:"home_path_markers" yaml:"home_path_markers"`
	SignInMarkers     []string `mapstructure:"sign_in_markers" yaml:"sign_in_markers"`
	SignInTitleMarker string   `mapstructure:"sign_in_title_marker" yaml:"sign_in_title_marker"`
}

// CrawlerConfig tunes the post-login link audit.
type CrawlerConfig struct {
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec" yaml:"requests_per_sec"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxLinks       int           `mapstructure:"max_links" yaml:"max_links"`
	SameHostOnly   bool          `mapstructure:"same_host_only" yaml:"same_host_only"`
}

// ReportConfig controls the report writers.
type ReportConfig struct {
	Format    string `mapstructure:"format" yaml:"format"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
}

// NewDefaultConfig creates a configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the static defaults below, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "passage")
	v.SetDefault("logger.log_file", "passage.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone_id", "America/New_York")
	v.SetDefault("browser.viewport_width", 1600)
	v.SetDefault("browser.viewport_height", 900)

	// -- Auth --
	v.SetDefault("auth.max_attempts", 3)
	v.SetDefault("auth.manual_step_max_wait", "15m")
	v.SetDefault("auth.poll_interval", "10s")
	v.SetDefault("auth.cleanup_start_level", 0)
	v.SetDefault("auth.wait_on_conflict", false)
	v.SetDefault("auth.navigation_timeout", "90s")
	v.SetDefault("auth.field_timeout", "30s")
	v.SetDefault("auth.settle_delay", "2s")
	v.SetDefault("auth.retry_idle_base", "5s")

	// -- Cleanup --
	v.SetDefault("cleanup.profile_markers", []string{"passage-profile"})
	v.SetDefault("cleanup.process_markers", []string{"passage-profile"})
	v.SetDefault("cleanup.flush_dns", true)

	// -- Target (RUN payroll defaults) --
	v.SetDefault("target.username_selector", "#login-form_username")
	v.SetDefault("target.password_selector", "#login-form_password")
	v.SetDefault("target.next_selector", "#verifUseridBtn")
	v.SetDefault("target.sign_in_selector", "#signBtn")
	v.SetDefault("target.conflict_markers", []string{"multitabmessage"})
	v.SetDefault("target.step_up_markers", []string{"/step-up/", "/verification", "/challenge"})
	v.SetDefault("target.home_host_markers", []string{"runpayrollmain"})
	v.SetDefault("target.home_path_markers", []string{"/home"})
	v.SetDefault("target.sign_in_markers", []string{"signin", "login", "auth"})
	v.SetDefault("target.sign_in_title_marker", "Sign In")

	// -- Crawler --
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.requests_per_sec", 5.0)
	v.SetDefault("crawler.request_timeout", "20s")
	v.SetDefault("crawler.max_links", 500)
	v.SetDefault("crawler.same_host_only", true)

	// -- Report --
	v.SetDefault("report.format", "csv")
	v.SetDefault("report.output_dir", "reports")
}

// NewConfigFromViper creates a validated configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration invalid: %w", err)
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser.viewport_width and browser.viewport_height must be positive")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be a positive integer")
	}
	if c.Crawler.RequestsPerSec <= 0 {
		return fmt.Errorf("crawler.requests_per_sec must be positive")
	}
	return nil
}

// Validate checks the retry protocol settings.
func (a *AuthConfig) Validate() error {
	if a.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be a positive integer")
	}
	if a.CleanupStartLevel < 0 || a.CleanupStartLevel > 3 {
		return fmt.Errorf("cleanup_start_level must be between 0 and 3")
	}
	if a.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if a.ManualStepMaxWait < a.PollInterval {
		return fmt.Errorf("manual_step_max_wait must be at least one poll_interval")
	}
	return nil
}
