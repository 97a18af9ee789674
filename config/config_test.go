package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Watch.Interval() != 500*time.Millisecond {
		t.Errorf("interval = %v", cfg.Watch.Interval())
	}
	if cfg.Watch.MaxPolls != 240 {
		t.Errorf("max polls = %d", cfg.Watch.MaxPolls)
	}
	if _, ok := cfg.Sites["default"]; !ok {
		t.Error("default site profile missing")
	}
}

func TestSiteForFallsBackToDefault(t *testing.T) {
	cfg := Default()
	name, site := cfg.SiteFor("https://unknown.example/c/1")
	if name != "default" {
		t.Errorf("site = %q, want default", name)
	}
	if site.Selectors.Turn == "" {
		t.Error("default selectors empty")
	}
}

func TestSiteForMatchesPattern(t *testing.T) {
	cfg := Default()
	custom := cfg.Sites["default"]
	custom.URLPattern = "chat.example.com"
	custom.Selectors.Turn = ".msg"
	cfg.Sites["mychat"] = custom

	name, site := cfg.SiteFor("https://chat.example.com/c/42")
	if name != "mychat" {
		t.Fatalf("site = %q, want mychat", name)
	}
	if site.Selectors.Turn != ".msg" {
		t.Errorf("turn selector = %q", site.Selectors.Turn)
	}
}

func TestMergeOverridesAndSiteSelectors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[watch]
interval_ms = 250

[sites.mychat]
url_pattern = "chat.example.com"
[sites.mychat.selectors]
turn = ".conversation-turn"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	user, err := loadFromTOML(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := merge(Default(), user)

	if cfg.Watch.IntervalMs != 250 {
		t.Errorf("interval = %d, want 250", cfg.Watch.IntervalMs)
	}
	if cfg.Watch.MaxPolls != 240 {
		t.Errorf("max polls = %d, default lost in merge", cfg.Watch.MaxPolls)
	}

	site, ok := cfg.Sites["mychat"]
	if !ok {
		t.Fatal("user site missing after merge")
	}
	if site.Selectors.Turn != ".conversation-turn" {
		t.Errorf("turn = %q", site.Selectors.Turn)
	}
	// Unset selectors inherit the defaults.
	if site.Selectors.HiddenClass != "sidenote-hidden" {
		t.Errorf("hidden class = %q, want inherited default", site.Selectors.HiddenClass)
	}
	if site.URLPattern != "chat.example.com" {
		t.Errorf("url pattern = %q", site.URLPattern)
	}
}

func TestDefaultTOMLParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(DefaultTOML()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadFromTOML(path)
	if err != nil {
		t.Fatalf("default TOML does not parse: %v", err)
	}
	if cfg.Watch.IntervalMs != 500 {
		t.Errorf("interval = %d", cfg.Watch.IntervalMs)
	}
	if cfg.Sites["default"].Selectors.Turn != "[data-turn]" {
		t.Errorf("turn selector = %q", cfg.Sites["default"].Selectors.Turn)
	}
}
