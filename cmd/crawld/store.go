package main

import (
	"fmt"

	"github.com/jonesrussell/newscrawl/internal/config"
	"github.com/jonesrussell/newscrawl/internal/store"
	"github.com/jonesrussell/newscrawl/internal/store/memory"
	"github.com/jonesrussell/newscrawl/internal/store/postgres"
)

// buildStore selects and constructs the backing store.Store named by
// cfg.Store.Backend. orchestrator.New itself takes a pre-built store.Store
// and never chooses a backend, so the choice lives here at the edge.
func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		st, err := postgres.New(postgres.Config{
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			User:     cfg.Store.User,
			Password: cfg.Store.Password,
			DBName:   cfg.Store.DBName,
			SSLMode:  cfg.Store.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		return st, nil
	case config.StoreBackendMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
