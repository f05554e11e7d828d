// Package config defines all configuration for the exchange gate.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GATE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"exchange-gate/internal/ratelimit"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool              `mapstructure:"dry_run"`
	API        APIConfig         `mapstructure:"api"`
	RateLimits []RateGroupConfig `mapstructure:"rate_limits"`
	Watch      WatchConfig       `mapstructure:"watch"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Dashboard  DashboardConfig   `mapstructure:"dashboard"`

	// ExtraTargets are endpoints called through the shared limiter outside
	// the built-in clients, e.g. "GET /v1/public/depth" or "ws ping". Each
	// must route to a group or start-up fails.
	ExtraTargets []string `mapstructure:"extra_targets"`
}

// APIConfig holds the exchange endpoints, credentials and request budgets.
//
//   - Timeout: per-HTTP-request timeout.
//   - MaxRetries: how many times a 429 is retried after OnThrottled.
//   - AcquireTimeout: max time a request may wait for rate-limit admission.
type APIConfig struct {
	RESTBaseURL    string        `mapstructure:"rest_base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// RateGroupConfig is one quota group as written in YAML:
//
//	rate_limits:
//	  - name: websocket
//	    windows: [{rate: 5, period: 1s}, {rate: 100, period: 1m}]
//	    match: {channel: ws, paths: [connect, subscribe, unsubscribe]}
//
// Groups are matched in list order. When the list is empty the exchange's
// published defaults are used.
type RateGroupConfig struct {
	Name    string         `mapstructure:"name"`
	Windows []WindowConfig `mapstructure:"windows"`
	Match   MatchConfig    `mapstructure:"match"`
}

type WindowConfig struct {
	Rate   float64       `mapstructure:"rate"`
	Period time.Duration `mapstructure:"period"`
	Burst  int           `mapstructure:"burst"`
}

type MatchConfig struct {
	Channel string   `mapstructure:"channel"` // "rest" or "ws"
	Methods []string `mapstructure:"methods"`
	Paths   []string `mapstructure:"paths"`
}

// WatchConfig drives the engine's market watch:
//
//   - Pairs: tickers subscribed on the stream and polled over REST.
//   - PollInterval: how often tickers, balances and open orders are refreshed.
//   - CancelOnShutdown: send DELETE /v1/orders/all when stopping.
type WatchConfig struct {
	Pairs            []string      `mapstructure:"pairs"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	CancelOnShutdown bool          `mapstructure:"cancel_on_shutdown"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the status server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RequestsPerSec float64  `mapstructure:"requests_per_sec"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GATE_API_KEY, GATE_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("GATE_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("GATE_API_SECRET"); secret != "" {
		cfg.API.APISecret = secret
	}
	if os.Getenv("GATE_DRY_RUN") == "true" || os.Getenv("GATE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.acquire_timeout", 30*time.Second)
	v.SetDefault("watch.poll_interval", 5*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8090)
	v.SetDefault("dashboard.requests_per_sec", 20)
}

// Validate checks all required fields and value ranges, including every
// rate group window and match rule.
func (c *Config) Validate() error {
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}
	if !c.DryRun && (c.API.APIKey == "" || c.API.APISecret == "") {
		return fmt.Errorf("api.api_key and api.api_secret are required (set GATE_API_KEY, GATE_API_SECRET)")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be >= 0")
	}
	if c.API.AcquireTimeout < 0 {
		return fmt.Errorf("api.acquire_timeout must be >= 0 (0 waits indefinitely)")
	}
	if c.Watch.PollInterval < 0 {
		return fmt.Errorf("watch.poll_interval must be >= 0 (0 disables polling)")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in 1..65535")
	}
	groups, err := c.RateGroups()
	if err != nil {
		return err
	}
	if err := ratelimit.ValidateGroups(groups); err != nil {
		return err
	}
	_, err = c.Targets()
	return err
}

// Targets parses ExtraTargets.
func (c *Config) Targets() ([]ratelimit.Target, error) {
	targets := make([]ratelimit.Target, 0, len(c.ExtraTargets))
	for i, s := range c.ExtraTargets {
		t, err := ratelimit.ParseTarget(s)
		if err != nil {
			return nil, ratelimit.ErrConfig.New("extra_targets[%d]: %v", i, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// RateGroups converts the configured groups to limiter form, falling back to
// ratelimit.DefaultGroups when none are configured.
func (c *Config) RateGroups() ([]ratelimit.GroupConfig, error) {
	if len(c.RateLimits) == 0 {
		return ratelimit.DefaultGroups(), nil
	}

	groups := make([]ratelimit.GroupConfig, 0, len(c.RateLimits))
	for i, rg := range c.RateLimits {
		if rg.Name == "" {
			return nil, ratelimit.ErrConfig.New("rate_limits[%d].name is required", i)
		}
		windows := make([]ratelimit.Window, len(rg.Windows))
		for j, w := range rg.Windows {
			windows[j] = ratelimit.Window{Rate: w.Rate, Period: w.Period, Burst: w.Burst}
		}
		groups = append(groups, ratelimit.GroupConfig{
			Name:    rg.Name,
			Windows: windows,
			Match: ratelimit.MatchRule{
				Channel: ratelimit.Channel(strings.ToLower(rg.Match.Channel)),
				Methods: rg.Match.Methods,
				Paths:   rg.Match.Paths,
			},
		})
	}
	return groups, nil
}
