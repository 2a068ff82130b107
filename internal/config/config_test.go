package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DOCSYNC_ADDR", "")
	t.Setenv("DOCSYNC_FLUSH_DEBOUNCE", "")
	t.Setenv("DATABASE_URL", "")

	cfg := Load()
	if cfg.Addr != ":3010" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.FlushDebounce != 100*time.Millisecond {
		t.Fatalf("FlushDebounce = %s", cfg.FlushDebounce)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if !cfg.AllowAnonymous {
		t.Fatal("expected anonymous connections to be allowed by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
		check func(Config) bool
	}{
		{name: "duration string", key: "DOCSYNC_FLUSH_DEBOUNCE", value: "250ms", check: func(c Config) bool { return c.FlushDebounce == 250*time.Millisecond }},
		{name: "bare milliseconds", key: "DOCSYNC_STORE_TIMEOUT", value: "1500", check: func(c Config) bool { return c.StoreTimeout == 1500*time.Millisecond }},
		{name: "invalid duration falls back", key: "DOCSYNC_ORACLE_TIMEOUT", value: "soon", check: func(c Config) bool { return c.OracleTimeout == 3*time.Second }},
		{name: "int", key: "DOCSYNC_FLUSH_MAX_UPDATES", value: "8", check: func(c Config) bool { return c.FlushMaxUpdates == 8 }},
		{name: "invalid int falls back", key: "DOCSYNC_FLUSH_RETRIES", value: "many", check: func(c Config) bool { return c.FlushRetries == 5 }},
		{name: "bool", key: "DOCSYNC_ALLOW_ANONYMOUS", value: "false", check: func(c Config) bool { return !c.AllowAnonymous }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if cfg := Load(); !tc.check(cfg) {
				t.Fatalf("%s=%q not applied: %+v", tc.key, tc.value, cfg)
			}
		})
	}
}
