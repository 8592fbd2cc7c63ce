package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/config"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/logger"
)

func TestNew_MemoryDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "memory"}}

	a, err := New(context.Background(), cfg, nil, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	require.NotNil(t, a.Services)
	assert.NoError(t, a.Ready.Ping(context.Background()))

	list, err := a.Services.Workflows.ListWorkflows(context.Background(), "tenant-a", false)
	require.NoError(t, err)
	assert.Empty(t, list)
}
