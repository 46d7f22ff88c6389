package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCache(t *testing.T) {
	ctx := context.Background()
	c := &Cache{}

	require.False(t, c.Enabled())

	// Without a redis client every operation is a no-op and a read is a miss.
	var dst []string
	assert.False(t, c.GetJSON(ctx, "key", &dst))
	c.SetJSON(ctx, "key", []string{"v"})
	assert.False(t, c.GetJSON(ctx, "key", &dst))
	c.Invalidate(ctx, "key")
	assert.NoError(t, c.Close())
}
