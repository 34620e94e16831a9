package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_DefaultsAreValid(t *testing.T) {
	cfg := New()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadRobotsPolicy(t *testing.T) {
	cfg := New()
	cfg.Robots.OnFetchFailure = "maybe"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsZeroConcurrency(t *testing.T) {
	cfg := New()
	cfg.GlobalConcurrency = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownStoreBackend(t *testing.T) {
	cfg := New()
	cfg.Store.Backend = "sqlite"
	assert.Error(t, cfg.Validate())
}

func TestNew_DefaultsToMemoryStoreBackend(t *testing.T) {
	cfg := New()
	assert.Equal(t, StoreBackendMemory, cfg.Store.Backend)
}
