// Package services carries the per-process handles agents depend on: the
// database pool, external provider clients, a cache, and a logger. The bundle
// is injected at agent construction; there are no global service getters.
package services

import (
	"fmt"
	"log/slog"
)

// Bundle is handed to every agent constructor.
type Bundle struct {
	DB        *DBHandle
	Providers map[string]*ProviderHandle
	Cache     CacheHandle
	Logger    *slog.Logger
}

// NewBundle fills in safe defaults: a nop logger target and an in-memory
// cache, so agents can run without external infrastructure.
func NewBundle(db *DBHandle, logger *slog.Logger) *Bundle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundle{
		DB:        db,
		Providers: make(map[string]*ProviderHandle),
		Cache:     NewMemoryCache(),
		Logger:    logger,
	}
}

// Provider returns the named provider handle.
func (b *Bundle) Provider(name string) (*ProviderHandle, error) {
	p, ok := b.Providers[name]
	if !ok {
		return nil, fmt.Errorf("services: provider %q not configured", name)
	}
	return p, nil
}

// AddProvider registers a provider handle under its name.
func (b *Bundle) AddProvider(p *ProviderHandle) {
	b.Providers[p.Name()] = p
}
