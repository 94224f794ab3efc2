package main

import (
	"context"
	"testing"

	"github.com/OpenAgentsInc/commander/internal/config"
	"github.com/OpenAgentsInc/commander/internal/service/identity"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRuntimeWithoutRedisWarnsAboutVolatileKeys(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log.SetLogger(zap.New(core))
	t.Cleanup(func() { log.SetLogger(zap.NewNop()) })

	rt, err := newRuntime(context.Background(), config.Default(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer rt.Close()

	assert.IsType(t, &identity.MemoryStore{}, rt.identities)
	assert.Nil(t, rt.history)
	require.Equal(t, 1, logs.FilterMessageSnippet("no redis configured").Len())

	assert.Contains(t, rt.awaitLaterNote(false), "--wait")
	assert.Empty(t, rt.awaitLaterNote(true))

	rt.volatileIdentities = false
	assert.Empty(t, rt.awaitLaterNote(false))
}
