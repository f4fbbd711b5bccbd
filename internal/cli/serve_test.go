package cli

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-hub/knowledge-hub/internal/config"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
)

func TestDialDurable(t *testing.T) {
	ctx := context.Background()

	assert.Nil(t, dialDurable(ctx, &config.Config{}, zerolog.Nop()))

	mr := miniredis.RunT(t)
	mr.Close()
	cfg := &config.Config{Redis: config.RedisConfig{Addr: mr.Addr(), ConsumerGroup: "khub"}}

	durable := dialDurable(ctx, cfg, zerolog.Nop())
	require.NotNil(t, durable)
	defer durable.Close()
	assert.Equal(t, event.TransportDurable, durable.Name())
	assert.Error(t, durable.Health(ctx))

	require.NoError(t, mr.Restart())
	assert.NoError(t, durable.Health(ctx))
}
