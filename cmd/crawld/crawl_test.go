package main

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/newscrawl/internal/logger"
)

func TestCrawlCommand_HasScheduleFlag(t *testing.T) {
	cmd := crawlCommand()
	flag := cmd.Flags().Lookup("schedule")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
}

func TestWithInterrupt_CancelsOnSignal(t *testing.T) {
	log := logger.NewNop()
	ctx, stop := withInterrupt(context.Background(), log)
	defer stop()

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, self.Signal(syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not canceled after signal")
	}
}

func TestWithInterrupt_StopReleasesSignalHandling(t *testing.T) {
	log := logger.NewNop()
	ctx, stop := withInterrupt(context.Background(), log)
	stop()
	assert.Error(t, ctx.Err())
}
