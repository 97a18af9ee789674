// Package config provides configuration loading for sidenote using TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"sidenote/host"
)

// Site describes one chat application: how to recognize its URLs and the
// selectors the host adapter uses on its pages.
type Site struct {
	// URLPattern is a substring matched against the page location.
	URLPattern string         `toml:"url_pattern"`
	Selectors  host.Selectors `toml:"selectors"`
}

// Watch settings control the answer-polling loop.
type Watch struct {
	IntervalMs int `toml:"interval_ms"`
	MaxPolls   int `toml:"max_polls"`
}

// Interval returns the poll interval as a duration.
func (w Watch) Interval() time.Duration {
	return time.Duration(w.IntervalMs) * time.Millisecond
}

// Popup settings control initial popup geometry.
type Popup struct {
	DefaultWidth float64 `toml:"default_width"`
}

// Store settings control highlight persistence.
type Store struct {
	// Path is the directory for highlight records. Empty uses the default
	// under the user config dir.
	Path string `toml:"path"`
}

// Chrome settings control the live-browser adapter.
type Chrome struct {
	Path             string `toml:"path"` // Chrome binary (empty = auto-detect)
	Headless         bool   `toml:"headless"`
	UserAgent        string `toml:"user_agent"`
	OpTimeoutSeconds int    `toml:"op_timeout_seconds"`
}

// Config is the main configuration struct.
type Config struct {
	Watch  Watch           `toml:"watch"`
	Popup  Popup           `toml:"popup"`
	Store  Store           `toml:"store"`
	Chrome Chrome          `toml:"chrome"`
	Sites  map[string]Site `toml:"sites"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Watch: Watch{
			IntervalMs: 500,
			MaxPolls:   240,
		},
		Popup: Popup{
			DefaultWidth: 360,
		},
		Chrome: Chrome{
			Headless:         false,
			UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			OpTimeoutSeconds: 10,
		},
		Sites: map[string]Site{
			"default": {
				Selectors: host.Selectors{
					Turn:        "[data-turn]",
					AnswerTurn:  `[data-turn="assistant"]`,
					Input:       "textarea",
					Send:        `button[type="submit"]`,
					Generating:  "[data-generating]",
					HiddenClass: "sidenote-hidden",
					Citation:    "[data-citation]",
				},
			},
		},
	}
}

// SiteFor picks the first named site whose URL pattern matches the location,
// falling back to the "default" entry.
func (c *Config) SiteFor(location string) (string, Site) {
	for name, site := range c.Sites {
		if name == "default" || site.URLPattern == "" {
			continue
		}
		if strings.Contains(location, site.URLPattern) {
			return name, site
		}
	}
	return "default", c.Sites["default"]
}

// configDir returns the configuration directory path.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sidenote"), nil
}

// ConfigPath returns the path to the user's config file.
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// StorePath resolves the highlight store directory, honoring the config
// override.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "highlights"), nil
}

// Load loads configuration, layering user config on top of defaults.
// Returns the default config if no user config exists.
func Load() (*Config, error) {
	cfg := Default()

	configPath, err := ConfigPath()
	if err != nil {
		return cfg, nil // Return defaults if we can't determine path
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no user config
	}

	userCfg, err := loadFromTOML(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	return merge(cfg, userCfg), nil
}

// loadFromTOML loads a TOML config file and returns the config.
func loadFromTOML(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}
	return &cfg, nil
}

// merge layers user config on top of defaults.
// Only non-zero values from user config override defaults.
func merge(defaults, user *Config) *Config {
	result := *defaults
	result.Sites = map[string]Site{}
	for name, site := range defaults.Sites {
		result.Sites[name] = site
	}

	if user.Watch.IntervalMs != 0 {
		result.Watch.IntervalMs = user.Watch.IntervalMs
	}
	if user.Watch.MaxPolls != 0 {
		result.Watch.MaxPolls = user.Watch.MaxPolls
	}

	if user.Popup.DefaultWidth != 0 {
		result.Popup.DefaultWidth = user.Popup.DefaultWidth
	}

	if user.Store.Path != "" {
		result.Store.Path = user.Store.Path
	}

	if user.Chrome.Path != "" {
		result.Chrome.Path = user.Chrome.Path
	}
	if user.Chrome.Headless {
		result.Chrome.Headless = true
	}
	if user.Chrome.UserAgent != "" {
		result.Chrome.UserAgent = user.Chrome.UserAgent
	}
	if user.Chrome.OpTimeoutSeconds != 0 {
		result.Chrome.OpTimeoutSeconds = user.Chrome.OpTimeoutSeconds
	}

	// User sites override same-named defaults; selector fields within a
	// site merge individually so a site entry can tweak one selector.
	for name, site := range user.Sites {
		base, ok := result.Sites[name]
		if !ok {
			base = result.Sites["default"]
			base.URLPattern = ""
		}
		if site.URLPattern != "" {
			base.URLPattern = site.URLPattern
		}
		mergeSelector(&base.Selectors.Turn, site.Selectors.Turn)
		mergeSelector(&base.Selectors.AnswerTurn, site.Selectors.AnswerTurn)
		mergeSelector(&base.Selectors.Input, site.Selectors.Input)
		mergeSelector(&base.Selectors.Send, site.Selectors.Send)
		mergeSelector(&base.Selectors.Generating, site.Selectors.Generating)
		mergeSelector(&base.Selectors.HiddenClass, site.Selectors.HiddenClass)
		mergeSelector(&base.Selectors.Citation, site.Selectors.Citation)
		result.Sites[name] = base
	}

	return &result
}

func mergeSelector(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// DefaultTOML returns the default configuration as a TOML string.
// Used for --init-config to generate a user config file.
func DefaultTOML() string {
	return `# sidenote configuration
# Save to ~/.config/sidenote/config.toml and customize
# Only include settings you want to change from defaults

# Answer polling
[watch]
interval_ms = 500             # Poll period while waiting for an answer
max_polls = 240               # Give up after this many polls (2 minutes at defaults)

# Popup geometry
[popup]
default_width = 360

# Highlight persistence
[store]
path = ""                     # Directory for highlight records (empty = config dir)

# Browser settings
[chrome]
path = ""                     # Path to Chrome/Chromium (empty = auto-detect)
headless = false
op_timeout_seconds = 10

# Site profiles. The adapter picks the first site whose url_pattern matches
# the page location, falling back to "default".
[sites.default.selectors]
turn = "[data-turn]"
answer_turn = "[data-turn=\"assistant\"]"
input = "textarea"
send = "button[type=\"submit\"]"
generating = "[data-generating]"
hidden_class = "sidenote-hidden"
citation = "[data-citation]"

# Example site profile:
# [sites.mychat]
# url_pattern = "chat.example.com"
# [sites.mychat.selectors]
# turn = ".conversation-turn"
# answer_turn = ".conversation-turn.assistant"
`
}
