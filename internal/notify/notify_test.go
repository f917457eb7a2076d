package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/plb/internal/engine"
	"github.com/clusterfabric/plb/pkg/config"
)

// Notification is opt-in and must never block engine operation when
// unconfigured.
func TestStartIsNoOpWithoutRedisAddr(t *testing.T) {
	eng := engine.New(config.New().Engine, nil)
	p := New(eng, "", "plb-movements", nil)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	assert.Nil(t, p.client)
}

func TestDescriptorAdvertisesObservationLayer(t *testing.T) {
	eng := engine.New(config.New().Engine, nil)
	p := New(eng, "", "plb-movements", nil)
	d := p.Descriptor()
	assert.Equal(t, "notify-publisher", d.Name)
	assert.Equal(t, "observation", d.Layer)
}
