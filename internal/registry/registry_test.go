package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/event"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

var owner = model.OwnerContext{UserID: "u1", OrganizationID: "org1"}

func TestLifecycle(t *testing.T) {
	rec := &event.Recorder{}
	r := New(rec, nil)
	ctx := context.Background()

	created := r.Create(ctx, model.OpImageGenerate, model.ProviderAuto, owner)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.NotEmpty(t, created.ID)

	_, ok, err := r.MarkRunning(ctx, created.ID, model.ProviderDALLE)
	require.NoError(t, err)
	require.True(t, ok)

	done, ok, err := r.Complete(ctx, created.ID, model.ProviderDALLE, map[string]any{"images": []string{"x"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusSucceeded, done.Status)
	assert.Equal(t, model.ProviderDALLE, done.Provider)
	assert.NotNil(t, done.CompletedAt)

	// terminal records are immutable
	_, ok, err = r.Fail(ctx, created.ID, "", model.OperationError{Code: "X"})
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = r.Cancel(ctx, created.ID)
	assert.False(t, ok)

	got, found := r.Get(created.ID)
	require.True(t, found)
	assert.Equal(t, model.StatusSucceeded, got.Status)

	assert.Equal(t, []model.Status{model.StatusPending, model.StatusRunning, model.StatusSucceeded}, rec.Statuses(created.ID))
}

func TestCancelBeforeStartPreventsRunning(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	created := r.Create(ctx, model.OpTTS, model.ProviderAuto, owner)

	cancelled, ok, err := r.Cancel(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.False(t, cancelled.CancelRequested)

	_, ok, err = r.MarkRunning(ctx, created.ID, model.ProviderElevenLabs)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelWhileRunningWinsOverCompletion(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	created := r.Create(ctx, model.OpTTS, model.ProviderAuto, owner)
	_, _, _ = r.MarkRunning(ctx, created.ID, model.ProviderElevenLabs)

	c, ok, err := r.Cancel(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, c.CancelRequested)

	after, ok, err := r.Complete(ctx, created.ID, model.ProviderElevenLabs, map[string]any{"audio": "x"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.StatusCancelled, after.Status)
	assert.Nil(t, after.Result)
}

func TestConcurrentCancelAndCompleteExactlyOneWins(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		created := r.Create(ctx, model.OpEmbed, model.ProviderAuto, owner)
		_, _, _ = r.MarkRunning(ctx, created.ID, model.ProviderCohere)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for j := 0; j < 3; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, ok, _ := r.Cancel(ctx, created.ID); ok {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if _, ok, _ := r.Complete(ctx, created.ID, "", nil); ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
		final, _ := r.Get(created.ID)
		require.True(t, final.Status.Terminal())
	}
}

func TestUnknownID(t *testing.T) {
	r := New(nil, nil)
	_, _, err := r.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	r := New(nil, nil).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	a := r.Create(ctx, model.OpImageGenerate, model.ProviderAuto, owner)
	clock = clock.Add(time.Minute)
	b := r.Create(ctx, model.OpTTS, model.ProviderAuto, model.OwnerContext{UserID: "u2"})
	clock = clock.Add(time.Minute)
	c := r.Create(ctx, model.OpImageGenerate, model.ProviderAuto, owner)
	_, _, _ = r.Cancel(ctx, c.ID)

	all := r.List(model.HistoryFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	mine := r.List(model.HistoryFilter{UserID: "u1"})
	assert.Len(t, mine, 2)

	cancelled := r.List(model.HistoryFilter{Status: model.StatusCancelled})
	require.Len(t, cancelled, 1)
	assert.Equal(t, c.ID, cancelled[0].ID)

	since := r.List(model.HistoryFilter{Since: base.Add(30 * time.Second), Limit: 1})
	require.Len(t, since, 1)
	assert.Equal(t, c.ID, since[0].ID)
}
