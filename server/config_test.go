package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverconfig.yaml")
	cfg := NewConfig(path)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"port: \"8999\"", "typing_burst: 5", "token_ttl: 24h0m0s"} {
		if !strings.Contains(string(data), field) {
			t.Errorf("written config lacks %q:\n%s", field, data)
		}
	}
	if got := cfg.Addr(); got != "localhost:8999" {
		t.Fatalf("Addr() = %q", got)
	}
}

func TestLoadKeepsFileValuesAndAddsMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverconfig.yaml")
	if err := os.WriteFile(path, []byte("port: \"9100\"\nbanned: [mallory]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := NewConfig(path)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9100" || !cfg.IsBanned("mallory") {
		t.Fatalf("file values lost: port %q banned %v", cfg.Port, cfg.Banned)
	}
	if cfg.SendBuffer != 256 {
		t.Fatalf("default send_buffer missing, got %d", cfg.SendBuffer)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "send_buffer: 256") {
		t.Fatalf("missing field not written back:\n%s", data)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(envAddr, ":7000")
	t.Setenv(envSecret, "from-env")
	t.Setenv(envLogLevel, "debug")
	path := filepath.Join(t.TempDir(), "serverconfig.yaml")
	cfg := NewConfig(path)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != ":7000" || cfg.Secret() != "from-env" || cfg.Level() != slog.LevelDebug {
		t.Fatalf("overrides not applied: %q %q %v", cfg.Addr(), cfg.Secret(), cfg.Level())
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "from-env") {
		t.Fatal("override was saved to the file")
	}
}

func TestBanUnban(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverconfig.yaml")
	cfg := NewConfig(path)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Ban("mallory"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Ban("mallory"); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Banned) != 1 {
		t.Fatalf("banned twice: %v", cfg.Banned)
	}

	reloaded := NewConfig(path)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if !reloaded.IsBanned("mallory") {
		t.Fatal("ban not persisted")
	}
	if err := reloaded.Unban("mallory"); err != nil {
		t.Fatal(err)
	}
	if reloaded.IsBanned("mallory") {
		t.Fatal("still banned after unban")
	}
}

func TestWatchAppliesHotFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverconfig.yaml")
	cfg := NewConfig(path)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 8)
	watching := make(chan error, 1)
	go func() {
		watching <- cfg.Watch(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), func(*Config) {
			changed <- struct{}{}
		})
	}()

	edited := "port: \"1\"\nbanned: [eve]\ntyping_rate: 10\nlog_level: warn\n"
	deadline := time.After(3 * time.Second)
	for !cfg.IsBanned("eve") {
		// Rewrite until the watcher has picked the change up; the first
		// write may land before the watch is registered.
		if err := os.WriteFile(path, []byte(edited), 0600); err != nil {
			t.Fatal(err)
		}
		select {
		case <-changed:
		case err := <-watching:
			t.Fatalf("watch returned early: %v", err)
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}

	rate, _, _ := cfg.Limits()
	if rate != 10 || cfg.Level() != slog.LevelWarn {
		t.Fatalf("hot fields not applied: rate %v level %v", rate, cfg.Level())
	}
	if cfg.Port != "8999" {
		t.Fatalf("port reloaded without restart: %q", cfg.Port)
	}
}
