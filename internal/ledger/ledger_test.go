package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/storage"
)

func seed(t *testing.T) *Ledger {
	t.Helper()
	l := New(storage.NewMemory())
	ctx := context.Background()
	events := []model.MetricEvent{
		{RequestID: "r1", OperationType: model.OpImageGenerate, Provider: model.ProviderDALLE, UserID: "u1", Cost: 0.04, DurationMs: 100, LatencyMs: 110, Status: model.StatusSucceeded, ContentSize: 20},
		{RequestID: "r2", OperationType: model.OpImageGenerate, Provider: model.ProviderDALLE, UserID: "u1", Cost: 0, DurationMs: 0, LatencyMs: 2, Status: model.StatusSucceeded, CacheHit: true, ContentSize: 20},
		{RequestID: "r3", OperationType: model.OpTTS, Provider: model.ProviderElevenLabs, UserID: "u2", Cost: 0.01, DurationMs: 50, LatencyMs: 60, Status: model.StatusFailed, ContentSize: 40},
		{RequestID: "r4", OperationType: model.OpImageGenerate, Provider: model.ProviderStableDiffusion, UserID: "u2", Cost: 0.02, DurationMs: 70, LatencyMs: 80, Status: model.StatusSucceeded, ContentSize: 0},
	}
	for _, e := range events {
		_, err := l.Record(ctx, e)
		require.NoError(t, err)
	}
	return l
}

func TestRecordAssignsIdentity(t *testing.T) {
	l := New(storage.NewMemory())
	e, err := l.Record(context.Background(), model.MetricEvent{RequestID: "r"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestAggregate(t *testing.T) {
	l := seed(t)
	a, err := l.Aggregate(context.Background(), model.MetricFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, a.OperationCount)
	assert.InDelta(t, 0.07, a.TotalCost, 1e-9)
	assert.InDelta(t, 0.25, a.CacheHitRate, 1e-9)
	assert.InDelta(t, 0.25, a.ErrorRate, 1e-9)
	assert.InDelta(t, 55, a.AverageProcessingTime, 1e-9)
	assert.InDelta(t, 63, a.AverageLatency, 1e-9)
	assert.InDelta(t, 20, a.AverageContentSize, 1e-9)

	u2, err := l.Aggregate(context.Background(), model.MetricFilter{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 2, u2.OperationCount)

	empty, err := l.Aggregate(context.Background(), model.MetricFilter{UserID: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, Aggregate{}, empty)
}

func TestCostBreakdownBothDimensions(t *testing.T) {
	l := seed(t)
	got, err := l.CostBreakdown(context.Background(), model.MetricFilter{})
	require.NoError(t, err)

	byType := got[ByOperationType]
	require.Len(t, byType, 2)
	assert.Equal(t, string(model.OpImageGenerate), byType[0].Key)
	assert.Equal(t, 3, byType[0].Count)
	assert.InDelta(t, 0.06, byType[0].TotalCost, 1e-9)

	byProvider := got[ByProvider]
	require.Len(t, byProvider, 3)
	assert.Equal(t, string(model.ProviderDALLE), byProvider[0].Key)
	assert.InDelta(t, 0.02, byProvider[0].AvgCost, 1e-9)

	_, err = l.CostBreakdown(context.Background(), model.MetricFilter{}, "colour")
	assert.Error(t, err)
}

func TestFailedEntriesKeepPartialCost(t *testing.T) {
	l := seed(t)
	got, err := l.CostBreakdown(context.Background(), model.MetricFilter{OperationType: model.OpTTS}, ByProvider)
	require.NoError(t, err)
	require.Len(t, got[ByProvider], 1)
	assert.InDelta(t, 0.01, got[ByProvider][0].TotalCost, 1e-9)
}
