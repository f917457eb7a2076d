package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/plb/internal/engine"
	"github.com/clusterfabric/plb/pkg/config"
)

func TestNewRejectsInvalidCronExpression(t *testing.T) {
	eng := engine.New(config.New().Engine, nil)
	_, err := New(eng, time.Second, "not a cron expression", nil)
	assert.Error(t, err)
}

func TestStartStopIsIdempotent(t *testing.T) {
	eng := engine.New(config.New().Engine, nil)
	s, err := New(eng, 10*time.Millisecond, "", nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx)) // second Start is a no-op

	time.Sleep(50 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	require.NoError(t, s.Stop(stopCtx)) // second Stop is a no-op
}

func TestDescriptorAdvertisesEngineLayer(t *testing.T) {
	eng := engine.New(config.New().Engine, nil)
	s, err := New(eng, time.Second, "", nil)
	require.NoError(t, err)
	d := s.Descriptor()
	assert.Equal(t, "refresh-scheduler", d.Name)
	assert.Equal(t, "engine", d.Layer)
}
