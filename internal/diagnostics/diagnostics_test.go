package diagnostics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectReportsGoroutineCount(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	r := c.Collect(context.Background())
	assert.Greater(t, r.Goroutines, 0)
	assert.False(t, r.CollectedAt.IsZero())
}
