package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/newscrawl/internal/config"
	"github.com/jonesrussell/newscrawl/internal/store/memory"
)

func TestBuildStore_MemoryBackend(t *testing.T) {
	cfg := config.New()
	cfg.Store.Backend = config.StoreBackendMemory

	st, err := buildStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
}

func TestBuildStore_DefaultsToMemoryWhenUnset(t *testing.T) {
	cfg := config.New()
	cfg.Store.Backend = ""

	st, err := buildStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
}

func TestBuildStore_UnknownBackend(t *testing.T) {
	cfg := config.New()
	cfg.Store.Backend = "sqlite"

	_, err := buildStore(cfg)
	assert.Error(t, err)
}
