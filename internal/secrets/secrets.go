// Package secrets resolves secret values such as the audit master key from
// environment variables or mounted secret files, with fallback between
// providers and short-lived caching.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrSecretNotFound is returned when no provider holds the secret.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNoProvider is returned when the manager has no providers.
	ErrNoProvider = errors.New("no secret provider configured")
)

// Provider looks up secrets by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Manager tries each provider in order until one returns the secret.
type Manager struct {
	providers []Provider
	cache     *expirable.LRU[string, string]
	logger    *slog.Logger
}

// Config configures a Manager.
type Config struct {
	// FileDir enables the file provider rooted at this directory, consulted
	// after the environment.
	FileDir  string
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// NewManager builds a manager with the environment provider first and the
// file provider second when FileDir is set.
func NewManager(cfg Config) *Manager {
	providers := []Provider{EnvProvider{}}
	if cfg.FileDir != "" {
		providers = append(providers, NewFileProvider(cfg.FileDir))
	}
	return NewManagerWithProviders(cfg, providers...)
}

// NewManagerWithProviders builds a manager over an explicit provider list.
func NewManagerWithProviders(cfg Config, providers ...Provider) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{providers: providers, logger: cfg.Logger}
	if cfg.CacheTTL > 0 {
		m.cache = expirable.NewLRU[string, string](64, nil, cfg.CacheTTL)
	}
	return m
}

// Get returns the first value found for key.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if len(m.providers) == 0 {
		return "", ErrNoProvider
	}
	if m.cache != nil {
		if v, ok := m.cache.Get(key); ok {
			return v, nil
		}
	}

	lastErr := ErrSecretNotFound
	for _, p := range m.providers {
		v, err := p.Get(ctx, key)
		if err == nil {
			m.logger.Debug("secret resolved", "key", key, "provider", p.Name())
			if m.cache != nil {
				m.cache.Add(key, v)
			}
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			m.logger.Warn("secret provider error", "provider", p.Name(), "key", key, "error", err)
			lastErr = err
		}
	}
	return "", fmt.Errorf("failed to get secret %q: %w", key, lastErr)
}
