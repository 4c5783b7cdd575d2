package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	GatewayFile  = "gateway.yaml"
	ServicesFile = "services.yaml"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default}. A set but empty variable wins
// over the default.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(m[1]); ok {
			return val
		}
		return m[2]
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Loader is the only component that touches the process environment. Everything
// else receives the assembled Config.
type Loader struct {
	configDir string
	mu        sync.RWMutex
	cfg       *Config
	services  *ServicesConfig
	watchers  []func()
	logger    *slog.Logger
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

func (l *Loader) Load() error {
	cfg := DefaultConfig()
	if err := LoadFile(filepath.Join(l.configDir, GatewayFile), cfg); err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate gateway config: %w", err)
	}

	services := &ServicesConfig{}
	if err := LoadFile(filepath.Join(l.configDir, ServicesFile), services); err != nil {
		return fmt.Errorf("load services config: %w", err)
	}
	if err := services.Validate(); err != nil {
		return fmt.Errorf("validate services config: %w", err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.services = services
	l.mu.Unlock()

	l.logger.Info("configuration loaded", "dir", l.configDir, "environment", cfg.Environment, "services", len(services.Services))
	return nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Loader) Services() *ServicesConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.services
}

// OnReload registers a callback that fires after config is reloaded.
func (l *Loader) OnReload(fn func()) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

// Watch reloads the configuration when gateway.yaml or services.yaml changes, until
// ctx is done. Bursts of events (editors, ConfigMap symlink swaps) collapse into one
// reload. A reload that fails validation keeps the previous configuration and skips
// the callbacks.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir %s: %w", l.configDir, err)
	}

	go func() {
		defer watcher.Close()

		debounce := time.NewTimer(time.Hour)
		debounce.Stop()
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isConfigFile(event.Name) || (event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write)) {
					continue
				}
				debounce.Reset(ReloadDebounce)
			case <-debounce.C:
				l.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}

// ReloadDebounce is how long the watcher waits for further file events before reloading.
var ReloadDebounce = 200 * time.Millisecond

func (l *Loader) reload() {
	l.logger.Info("config changed, reloading", "dir", l.configDir)
	if err := l.Load(); err != nil {
		l.logger.Error("config reload rejected, keeping previous configuration", "error", err)
		return
	}
	l.mu.RLock()
	callbacks := append([]func(){}, l.watchers...)
	l.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

func isConfigFile(name string) bool {
	switch filepath.Base(name) {
	case GatewayFile, ServicesFile, "..data":
		return true
	}
	return false
}
