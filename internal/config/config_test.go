package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cfg "github.com/toeirei/gatekeeper/internal/config"
)

// isolate points the user config dir and cwd at empty temp dirs.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("HOME", tmp)
	t.Chdir(tmp)
	return tmp
}

func TestLoadConfig_DefaultsWhenNoFile(t *testing.T) {
	isolate(t)
	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
		t.Fatalf("expected ConfigFileNotFoundError, got: %T %v", err, err)
	}
	if got.Store.Dir != "./data" || got.Store.Capacity != 500 || got.Sync.Timeout != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if rel, err := filepath.Rel(got.Store.Dir, got.Journal.Dsn); err == nil && !strings.HasPrefix(rel, "..") {
		t.Fatalf("default journal %q lives inside the store dir %q", got.Journal.Dsn, got.Store.Dir)
	}
}

func TestLoadConfig_ReadsExplicitFile(t *testing.T) {
	tmp := isolate(t)
	yaml := "sync:\n  mode: two-endpoint\n  url: http://auth.local/table\n  version_url: http://auth.local/version\n  timeout: 5s\njournal:\n  type: postgres\nlanguage: de\n"
	file := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), &file)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got.Sync.Mode != cfg.ModeTwoEndpoint || got.Sync.Timeout != 5*time.Second {
		t.Fatalf("sync section = %+v", got.Sync)
	}
	if got.Journal.Type != "postgres" || got.Language != "de" {
		t.Fatalf("expected postgres/de, got %q/%q", got.Journal.Type, got.Language)
	}
	if got.Store.Capacity != 500 {
		t.Fatalf("default lost under file: %d", got.Store.Capacity)
	}
}

func TestLoadConfig_EnvAndFlags(t *testing.T) {
	isolate(t)
	t.Setenv("GATEKEEPER_SYNC_URL", "http://env.local/table")
	t.Setenv("GATEKEEPER_STORE_CAPACITY", "42")

	cmd := &cobra.Command{}
	cmd.Flags().String("log.level", "info", "")
	if err := cmd.Flags().Set("log.level", "debug"); err != nil {
		t.Fatal(err)
	}

	got, _ := cfg.LoadConfig[cfg.Config](cmd, cfg.Defaults(), nil)
	if got.Sync.URL != "http://env.local/table" || got.Store.Capacity != 42 {
		t.Fatalf("env not applied: %+v", got)
	}
	if got.Log.Level != "debug" {
		t.Fatalf("flag not applied: %q", got.Log.Level)
	}
}

func TestWriteConfigFile_RoundTrip(t *testing.T) {
	isolate(t)
	c, _ := cfg.LoadConfig[cfg.Config](nil, cfg.Defaults(), nil)
	c.Sync.URL = "https://auth.local/table"

	path, err := cfg.WriteConfigFile(&c, false)
	if err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}
	want, _ := cfg.GetConfigPath(false)
	if path != want {
		t.Fatalf("wrote %s; want %s", path, want)
	}

	got, err := cfg.LoadConfig[cfg.Config](nil, cfg.Defaults(), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Sync.URL != c.Sync.URL || got.Sync.Timeout != c.Sync.Timeout {
		t.Fatalf("round trip lost values: %+v", got.Sync)
	}
}

func TestValidate(t *testing.T) {
	base := func() cfg.Config {
		c, _ := cfg.LoadConfig[cfg.Config](nil, cfg.Defaults(), nil)
		return c
	}
	isolate(t)

	cases := []struct {
		name   string
		mutate func(*cfg.Config)
		want   string
	}{
		{"capacity", func(c *cfg.Config) { c.Store.Capacity = 0 }, "store.capacity"},
		{"file with slash", func(c *cfg.Config) { c.Store.File = "a/b" }, "store.file"},
		{"mode", func(c *cfg.Config) { c.Sync.Mode = "push" }, "sync.mode"},
		{"url scheme", func(c *cfg.Config) { c.Sync.URL = "ftp://x/y" }, "sync.url"},
		{"two-endpoint without version url", func(c *cfg.Config) {
			c.Sync.Mode = cfg.ModeTwoEndpoint
			c.Sync.URL = "http://x/t"
		}, "sync.version_url"},
		{"token width", func(c *cfg.Config) { c.Sync.TokenWidth = 64 }, "sync.token_width"},
		{"journal", func(c *cfg.Config) { c.Journal.Type = "oracle" }, "journal.type"},
	}
	for _, tc := range cases {
		c := base()
		tc.mutate(&c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: Validate = %v; want mention of %s", tc.name, err, tc.want)
		}
	}

	c := base()
	c.Journal.Type = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("disabled journal rejected: %v", err)
	}
}
