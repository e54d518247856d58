// Package config loads the static configuration for inspectd: bot
// credentials, fleet-wide dispatch policy, and HTTP front-end settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// BotSettings is the per-fleet default dispatch policy for a Bot (§4.4).
// Individual logins do not currently override these; the fleet applies the
// same settings to every session.
type BotSettings struct {
	RequestDelayMS        int `yaml:"request_delay"`
	RequestTTLMS          int `yaml:"request_ttl"`
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	ConnectionTimeoutMS   int `yaml:"connection_timeout"`
	LoginRetryDelayMS     int `yaml:"login_retry_delay"`
	GCReconnectDelayMS    int `yaml:"gc_reconnect_delay"`

	SteamUser struct {
		DataDirectory string `yaml:"dataDirectory"`
	} `yaml:"steam_user"`
}

// DefaultBotSettings returns the §4.4 defaults, applied when a value is
// left at its zero value after loading the config file.
func DefaultBotSettings() BotSettings {
	return BotSettings{
		RequestDelayMS:        1000,
		RequestTTLMS:          30000,
		MaxConcurrentRequests: 1, // see §9: the wire correlation mechanism cannot support more than one.
		ConnectionTimeoutMS:   30000,
		LoginRetryDelayMS:     15000,
		GCReconnectDelayMS:    5000,
	}
}

// Login is a single game credential the fleet will maintain a Bot for.
type Login struct {
	AccountName      string `yaml:"user"`
	Password         string `yaml:"pass"`
	SharedSecret string `yaml:"shared_secret"` // TOTP seed; generator itself is out of scope (§1).
	ProxyURL     string `yaml:"-"`             // assigned round-robin at load time, not read from yaml
}

// RateLimit is the optional fixed-window HTTP rate limiter (§6.4).
type RateLimit struct {
	Enable   bool `yaml:"enable"`
	WindowMS int  `yaml:"window_ms"`
	Max      int  `yaml:"max"`
}

// HTTP holds the front-end listener settings.
type HTTP struct {
	Port int `yaml:"port"`
}

// Config is the full process configuration (§6.4).
type Config struct {
	Logins []Login `yaml:"logins"`

	BotSettings BotSettings `yaml:"bot_settings"`

	Proxies []string `yaml:"proxies"`

	APIKey   string `yaml:"api_key"`
	PriceKey string `yaml:"price_key"`

	MaxSimultaneousRequests int `yaml:"max_simultaneous_requests"`
	MaxQueueSize            int `yaml:"max_queue_size"`
	MaxAttempts             int `yaml:"max_attempts"`

	AllowedOrigins      []string `yaml:"allowed_origins"`
	AllowedRegexOrigins []string `yaml:"allowed_regex_origins"`

	TrustProxy bool `yaml:"trust_proxy"`

	RateLimit RateLimit `yaml:"rate_limit"`

	HTTP HTTP `yaml:"http"`

	LogLevel string `yaml:"logLevel"`

	GameFilesUpdateIntervalMS int    `yaml:"game_files_update_interval"`
	EnableGameFileUpdates     bool   `yaml:"enable_game_file_updates"`
	GameFilesURL              string `yaml:"game_files_url"`

	// compiled from AllowedRegexOrigins by compileOrigins.
	compiledOrigins []*regexp.Regexp
}

// Load reads and parses the YAML-formatted config at path (default
// "./config.js" per §6.5 — the extension is historical, the format is not).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.assignProxies(); err != nil {
		return nil, err
	}

	if err := cfg.compileOrigins(); err != nil {
		return nil, err
	}

	if len(cfg.Logins) == 0 {
		return nil, fmt.Errorf("config has no logins configured")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultBotSettings()
	if c.BotSettings.RequestDelayMS == 0 {
		c.BotSettings.RequestDelayMS = defaults.RequestDelayMS
	}
	if c.BotSettings.RequestTTLMS == 0 {
		c.BotSettings.RequestTTLMS = defaults.RequestTTLMS
	}
	if c.BotSettings.MaxConcurrentRequests == 0 {
		c.BotSettings.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}
	if c.BotSettings.ConnectionTimeoutMS == 0 {
		c.BotSettings.ConnectionTimeoutMS = defaults.ConnectionTimeoutMS
	}
	if c.BotSettings.LoginRetryDelayMS == 0 {
		c.BotSettings.LoginRetryDelayMS = defaults.LoginRetryDelayMS
	}
	if c.BotSettings.GCReconnectDelayMS == 0 {
		c.BotSettings.GCReconnectDelayMS = defaults.GCReconnectDelayMS
	}
	if c.MaxSimultaneousRequests == 0 {
		c.MaxSimultaneousRequests = 1
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.GameFilesUpdateIntervalMS == 0 {
		c.GameFilesUpdateIntervalMS = 30 * 60 * 1000
	}
}

// assignProxies round-robins configured proxies across logins (§6.4,
// SPEC_FULL "Proxy assignment"). A proxy must be prefixed http:// or
// socks5://; a malformed entry is a fatal config error (§6.5: exit 1).
func (c *Config) assignProxies() error {
	if len(c.Proxies) == 0 {
		return nil
	}
	for _, p := range c.Proxies {
		if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "socks5://") {
			return fmt.Errorf("malformed proxy %q: must be prefixed http:// or socks5://", p)
		}
	}
	for i := range c.Logins {
		c.Logins[i].ProxyURL = c.Proxies[i%len(c.Proxies)]
	}
	return nil
}

func (c *Config) compileOrigins() error {
	c.compiledOrigins = make([]*regexp.Regexp, 0, len(c.AllowedRegexOrigins))
	for _, pat := range c.AllowedRegexOrigins {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("invalid allowed_regex_origins pattern %q: %w", pat, err)
		}
		c.compiledOrigins = append(c.compiledOrigins, re)
	}
	return nil
}

// OriginAllowed implements the §6.1 CORS rule: a literal match in
// AllowedOrigins, or a match against any compiled AllowedRegexOrigins
// pattern.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range c.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	for _, re := range c.compiledOrigins {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
