package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

func TestMemoryAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Unix(1_700_000_000, 0).UTC()

	events := []model.MetricEvent{
		{ID: "3", OperationType: model.OpTTS, Provider: model.ProviderElevenLabs, UserID: "u1", Timestamp: base.Add(2 * time.Second)},
		{ID: "1", OperationType: model.OpImageGenerate, Provider: model.ProviderDALLE, UserID: "u1", ProjectID: "p", Timestamp: base},
		{ID: "2", OperationType: model.OpImageGenerate, Provider: model.ProviderStableDiffusion, UserID: "u2", Timestamp: base.Add(time.Second)},
	}
	for _, e := range events {
		require.NoError(t, s.AppendEvent(ctx, e))
	}
	assert.ErrorIs(t, s.AppendEvent(ctx, events[0]), ErrConflict)

	all, err := s.QueryEvents(ctx, model.MetricFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	images, err := s.QueryEvents(ctx, model.MetricFilter{OperationType: model.OpImageGenerate, UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "1", images[0].ID)

	window, err := s.QueryEvents(ctx, model.MetricFilter{Since: base.Add(time.Second), Until: base.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "2", window[0].ID)
}

func TestBuildEventQuery(t *testing.T) {
	q, args := buildEventQuery(model.MetricFilter{Provider: model.ProviderCohere, ProjectID: "p", Since: time.Unix(1, 0)})
	assert.True(t, strings.Contains(q, "provider = $1"))
	assert.True(t, strings.Contains(q, "project_id = $2"))
	assert.True(t, strings.Contains(q, "ts >= $3"))
	assert.Len(t, args, 3)

	q, args = buildEventQuery(model.MetricFilter{})
	assert.NotContains(t, q, "$1")
	assert.Empty(t, args)
}
