// Package config loads the optional per-project settings file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the settings file looked up in the work directory.
const FileName = ".autodep.yaml"

// Store backends.
const (
	BackendBadger = "badger"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// StoreConfig selects where dependency records are kept.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the content of FileName.
type Config struct {
	Store          StoreConfig       `yaml:"store"`
	Tracer         string            `yaml:"tracer"`
	Shell          string            `yaml:"shell"`
	IgnorePrefixes []string          `yaml:"ignore_prefixes"`
	Env            map[string]string `yaml:"env"`
	Log            LogConfig         `yaml:"log"`
}

// Default returns the settings used when no file is present.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:    BackendBadger,
			Path:       filepath.Join(".autodep", "deps"),
			SyncWrites: true,
		},
		Tracer:         "auto",
		Shell:          "/bin/sh -c",
		IgnorePrefixes: []string{"/proc/", "/sys/", "/dev/"},
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads FileName from dir. A missing file yields Default. Keys present
// in the file override the defaults; unknown keys are errors.
func Load(dir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes data over cfg.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendBadger, BackendFile, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q (want badger, file or memory)", c.Store.Backend))
	}
	if c.Store.Backend != BackendMemory && strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, fmt.Errorf("store.path: required for the %s backend", c.Store.Backend))
	}
	switch c.Tracer {
	case "auto", "ptrace", "none":
	default:
		errs = append(errs, fmt.Errorf("tracer: unknown mode %q (want auto, ptrace or none)", c.Tracer))
	}
	if strings.TrimSpace(c.Shell) == "" {
		errs = append(errs, fmt.Errorf("shell: must not be empty"))
	}
	for _, p := range c.IgnorePrefixes {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("ignore_prefixes: empty entry"))
			break
		}
	}
	for k := range c.Env {
		if k == "" || strings.Contains(k, "=") {
			errs = append(errs, fmt.Errorf("env: invalid variable name %q", k))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q (want text or json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// StorePath resolves Store.Path against workDir.
func (c Config) StorePath(workDir string) string {
	if filepath.IsAbs(c.Store.Path) {
		return filepath.Clean(c.Store.Path)
	}
	return filepath.Join(workDir, c.Store.Path)
}

// Environ renders Env as KEY=VALUE pairs sorted by key.
func (c Config) Environ() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}
