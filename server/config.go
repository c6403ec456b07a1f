package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file. Overrides are never saved.
const (
	envAddr     = "CMPP_ADDR"
	envDataDir  = "CMPP_DATA_DIR"
	envSecret   = "CMPP_JWT_SECRET"
	envLogLevel = "CMPP_LOG_LEVEL"
)

// errEmptyConfig is seen while a writer has truncated the file but not yet
// written it.
var errEmptyConfig = errors.New("config file is empty")

type RetentionConfig struct {
	Cron   string        `yaml:"cron"`
	MaxAge time.Duration `yaml:"max_age"`
}

type Config struct {
	Host           string          `yaml:"host"`
	Port           string          `yaml:"port"`
	DataDir        string          `yaml:"data_dir"`
	LogLevel       string          `yaml:"log_level"`
	JWTSecret      string          `yaml:"jwt_secret"`
	TokenTTL       time.Duration   `yaml:"token_ttl"`
	Banned         []string        `yaml:"banned"`
	TypingRate     float64         `yaml:"typing_rate"`
	TypingBurst    int             `yaml:"typing_burst"`
	SendBuffer     int             `yaml:"send_buffer"`
	Retention      RetentionConfig `yaml:"retention"`
	AllowedOrigins []string        `yaml:"allowed_origins"`

	mu         sync.RWMutex
	configFile string
	env        map[string]string
}

func NewConfig(filename string) *Config {
	if filename == "" {
		filename = "serverconfig.yaml"
	}
	c := &Config{configFile: filename}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	c.Host = "localhost"
	c.Port = "8999"
	c.DataDir = "data"
	c.LogLevel = "info"
	c.TokenTTL = 24 * time.Hour
	c.Banned = []string{}
	c.TypingRate = 2
	c.TypingBurst = 5
	c.SendBuffer = 256
	c.Retention = RetentionConfig{Cron: "0 3 * * *", MaxAge: 90 * 24 * time.Hour}
	c.AllowedOrigins = []string{}
}

// Load reads the file, creating it with defaults when missing, and writes
// it back so new fields appear. Environment overrides are applied last.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loadEnv()
	data, err := os.ReadFile(c.configFile)
	if errors.Is(err, os.ErrNotExist) {
		return c.saveInternal()
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", c.configFile, err)
	}
	return c.saveInternal()
}

func (c *Config) loadEnv() {
	c.env = make(map[string]string)
	for _, key := range []string{envAddr, envDataDir, envSecret, envLogLevel} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			c.env[key] = v
		}
	}
}

func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveInternal()
}

func (c *Config) saveInternal() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Path() string { return c.configFile }

func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.env[envAddr]; ok {
		return v
	}
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Config) Dir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.env[envDataDir]; ok {
		return v
	}
	return c.DataDir
}

// Secret returns the token signing key, empty when none is configured.
func (c *Config) Secret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.env[envSecret]; ok {
		return v
	}
	return c.JWTSecret
}

func (c *Config) Level() slog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := c.LogLevel
	if v, ok := c.env[envLogLevel]; ok {
		name = v
	}
	return parseLevel(name)
}

func parseLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Limits returns the relay tunables.
func (c *Config) Limits() (typingRate float64, typingBurst, sendBuffer int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TypingRate, c.TypingBurst, c.SendBuffer
}

func (c *Config) Origins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.AllowedOrigins)
}

func (c *Config) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TokenTTL
}

func (c *Config) RetentionPolicy() RetentionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Retention
}

func (c *Config) IsBanned(identity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.Banned, identity)
}

func (c *Config) Ban(identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.Contains(c.Banned, identity) {
		return nil
	}
	c.Banned = append(c.Banned, identity)
	return c.saveInternal()
}

func (c *Config) Unban(identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Banned = slices.DeleteFunc(c.Banned, func(b string) bool { return b == identity })
	return c.saveInternal()
}

// reload re-reads the file and applies the hot fields: banned, typing_rate,
// typing_burst and log_level. Everything else needs a restart.
func (c *Config) reload() error {
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errEmptyConfig
	}
	fresh := NewConfig(c.configFile)
	if err := yaml.Unmarshal(data, fresh); err != nil {
		return fmt.Errorf("parse %s: %w", c.configFile, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Banned = fresh.Banned
	c.TypingRate = fresh.TypingRate
	c.TypingBurst = fresh.TypingBurst
	c.LogLevel = fresh.LogLevel
	return nil
}

// Watch reloads the file whenever it changes and calls onChange afterwards.
// It blocks until ctx is cancelled. The directory is watched rather than
// the file so editors that replace the file are seen too.
func (c *Config) Watch(ctx context.Context, logger *slog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(c.configFile)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			err := c.reload()
			if errors.Is(err, errEmptyConfig) {
				continue
			}
			if err != nil {
				logger.Warn("config reload failed", "path", c.configFile, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", c.configFile)
			onChange(c)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
