package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/assets"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/config"
	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/event"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/operation"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/provider"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/storage"
)

var alice = model.OwnerContext{UserID: "alice", OrganizationID: "acme"}

type callLog struct {
	mu    sync.Mutex
	calls []model.Provider
}

func (l *callLog) add(p model.Provider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, p)
}

func (l *callLog) all() []model.Provider {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Provider(nil), l.calls...)
}

type execFunc func(ctx context.Context, req provider.Request) (provider.Response, error)

// stub replaces name with fn, recording each call in log.
func stub(log *callLog, name model.Provider, fn execFunc) provider.Executor {
	capability, _ := provider.Family(name)
	return provider.Func{
		Provider:     name,
		Capabilities: []provider.Capability{capability},
		Fn: func(ctx context.Context, req provider.Request) (provider.Response, error) {
			log.add(name)
			return fn(ctx, req)
		},
	}
}

func simulate(t *testing.T, name model.Provider) execFunc {
	t.Helper()
	sim, err := provider.NewSimulated(name)
	require.NoError(t, err)
	return sim.Execute
}

func fail(cost float64) execFunc {
	return func(context.Context, provider.Request) (provider.Response, error) {
		err := errors.New("upstream exploded")
		if cost > 0 {
			return provider.Response{}, &provider.BilledError{Cost: cost, Err: err}
		}
		return provider.Response{}, err
	}
}

type fixture struct {
	d        *Dispatcher
	registry *registry.Registry
	cache    *cache.Cache
	ledger   *ledger.Ledger
	library  *assets.Library
	events   *event.Recorder
	log      *callLog
}

func newFixture(t *testing.T, overrides func(*callLog) []provider.Executor, tune ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{events: &event.Recorder{}, log: &callLog{}}
	executors := provider.Simulators()
	if overrides != nil {
		executors = append(executors, overrides(f.log)...)
	}
	f.registry = registry.New(f.events, nil)
	f.cache = cache.New(time.Hour, 100)
	f.ledger = ledger.New(storage.NewMemory())
	f.library = assets.New(assets.Options{Events: f.events})
	deps := Deps{
		Registry:  f.registry,
		Cache:     f.cache,
		Ledger:    f.ledger,
		Library:   f.library,
		Providers: provider.NewSet(executors...),
		Policy:    config.DefaultProviderPolicy(),
		Timeout:   time.Second,
	}
	for _, fn := range tune {
		fn(&deps)
	}
	d, err := New(deps)
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fixture) entries(t *testing.T) []model.MetricEvent {
	t.Helper()
	events, err := f.ledger.Query(context.Background(), model.MetricFilter{})
	require.NoError(t, err)
	return events
}

func generate(prompt string) *operation.ImageGenerate {
	return &operation.ImageGenerate{Common: operation.Common{Provider: model.ProviderAuto}, Prompt: prompt}
}

func speak(text string) *operation.TextToSpeech {
	return &operation.TextToSpeech{Common: operation.Common{Provider: model.ProviderAuto}, Text: text}
}

func TestNewRejectsIncompletePolicy(t *testing.T) {
	policy := config.DefaultProviderPolicy()
	delete(policy.Operations, model.OpTTS)
	_, err := New(Deps{
		Registry:  registry.New(nil, nil),
		Cache:     cache.New(time.Minute, 10),
		Ledger:    ledger.New(storage.NewMemory()),
		Library:   assets.New(assets.Options{}),
		Providers: provider.NewSet(provider.Simulators()...),
		Policy:    policy,
	})
	assert.ErrorContains(t, err, string(model.OpTTS))
}

func TestAutoFallsBackInPriorityOrder(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{
			stub(log, model.ProviderDALLE, fail(0.01)),
			stub(log, model.ProviderStableDiffusion, fail(0)),
			stub(log, model.ProviderMidjourney, simulate(t, model.ProviderMidjourney)),
		}
	})

	out, err := f.d.Submit(context.Background(), generate("a red fox"), alice)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, out.Record.Status)
	assert.Equal(t, model.ProviderMidjourney, out.Record.Provider)
	assert.NotEmpty(t, out.Record.Result["images"])
	assert.Equal(t, []model.Provider{model.ProviderDALLE, model.ProviderStableDiffusion, model.ProviderMidjourney}, f.log.all())

	entries := f.entries(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, out.Record.ID, e.RequestID)
	assert.Equal(t, model.ProviderMidjourney, e.Provider)
	assert.Equal(t, model.StatusSucceeded, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, "alice", e.UserID)
	assert.InDelta(t, 0.01+0.05, e.Cost, 1e-9)
	assert.False(t, e.CacheHit)

	assert.Equal(t, []model.Status{model.StatusPending, model.StatusRunning, model.StatusSucceeded}, f.events.Statuses(out.Record.ID))
}

func TestAllProvidersFailSurfacesLastFailure(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{
			stub(log, model.ProviderDALLE, fail(0)),
			stub(log, model.ProviderStableDiffusion, fail(0.02)),
			stub(log, model.ProviderMidjourney, fail(0)),
		}
	})

	out, err := f.d.Submit(context.Background(), generate("a red fox"), alice)
	require.Error(t, err)
	assert.True(t, errordefs.IsCode(err, errordefs.MMG_PROVIDER))
	e, _ := errordefs.As(err)
	assert.Contains(t, e.Message, string(model.ProviderMidjourney))
	assert.NotContains(t, e.Message, "exploded")
	assert.Len(t, f.log.all(), 3)

	assert.Equal(t, model.StatusFailed, out.Record.Status)
	require.NotNil(t, out.Record.Error)
	assert.Equal(t, string(errordefs.MMG_PROVIDER), out.Record.Error.Code)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusFailed, entries[0].Status)
	assert.Equal(t, string(errordefs.MMG_PROVIDER), entries[0].ErrorCode)
	assert.InDelta(t, 0.02, entries[0].Cost, 1e-9)
}

func TestClientErrorStopsFallback(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{
			stub(log, model.ProviderDALLE, func(context.Context, provider.Request) (provider.Response, error) {
				return provider.Response{}, errordefs.New(errordefs.MMG_VALIDATION, "prompt rejected", "")
			}),
		}
	})

	_, err := f.d.Submit(context.Background(), generate("forbidden"), alice)
	assert.True(t, errordefs.IsCode(err, errordefs.MMG_VALIDATION))
	assert.Equal(t, []model.Provider{model.ProviderDALLE}, f.log.all())
	assert.Len(t, f.entries(t), 1)
}

func TestExplicitProviderIsNeverSubstituted(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{stub(log, model.ProviderStableDiffusion, fail(0))}
	})
	cmd := generate("a red fox")
	cmd.Provider = model.ProviderStableDiffusion

	out, err := f.d.Submit(context.Background(), cmd, alice)
	assert.True(t, errordefs.IsCode(err, errordefs.MMG_PROVIDER))
	assert.Equal(t, model.ProviderStableDiffusion, out.Record.Provider)
	assert.Equal(t, []model.Provider{model.ProviderStableDiffusion}, f.log.all())
}

func TestExplicitProviderMustServeOperation(t *testing.T) {
	f := newFixture(t, nil)
	for _, p := range []model.Provider{"nobody", model.ProviderElevenLabs} {
		cmd := generate("a red fox")
		cmd.Provider = p
		_, err := f.d.Submit(context.Background(), cmd, alice)
		assert.True(t, errordefs.IsCode(err, errordefs.MMG_VALIDATION), "provider %s", p)
	}
	assert.Empty(t, f.registry.List(model.HistoryFilter{}))
	assert.Empty(t, f.entries(t))
}

func TestCacheHitSkipsProvider(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{stub(log, model.ProviderElevenLabs, simulate(t, model.ProviderElevenLabs))}
	})
	ctx := context.Background()

	first, err := f.d.Submit(ctx, speak("hello there"), alice)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := f.d.Submit(ctx, speak("hello there"), alice)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.NotEqual(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, first.Record.Result, second.Record.Result)
	assert.Equal(t, model.ProviderElevenLabs, second.Record.Provider)
	assert.Len(t, f.log.all(), 1)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	var hit model.MetricEvent
	for _, e := range entries {
		if e.RequestID == second.Record.ID {
			hit = e
		}
	}
	assert.True(t, hit.CacheHit)
	assert.Zero(t, hit.Cost)
	assert.Zero(t, hit.DurationMs)
	assert.Equal(t, model.ProviderElevenLabs, hit.Provider)
}

func TestUnseededGenerationIsNotCached(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{stub(log, model.ProviderDALLE, simulate(t, model.ProviderDALLE))}
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := f.d.Submit(ctx, generate("a red fox"), alice)
		require.NoError(t, err)
		assert.False(t, out.CacheHit)
	}
	assert.Len(t, f.log.all(), 2)

	seed := int64(7)
	for i := 0; i < 2; i++ {
		cmd := generate("a red fox")
		cmd.Seed = &seed
		_, err := f.d.Submit(ctx, cmd, alice)
		require.NoError(t, err)
	}
	assert.Len(t, f.log.all(), 3)
}

func TestAttemptTimeout(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{
			stub(log, model.ProviderDALLE, func(ctx context.Context, _ provider.Request) (provider.Response, error) {
				<-ctx.Done()
				return provider.Response{}, ctx.Err()
			}),
		}
	}, func(d *Deps) { d.Timeout = 20 * time.Millisecond })
	cmd := generate("slow fox")
	cmd.Provider = model.ProviderDALLE

	out, err := f.d.Submit(context.Background(), cmd, alice)
	assert.True(t, errordefs.IsCode(err, errordefs.MMG_PROVIDER_TIMEOUT))
	assert.Equal(t, model.StatusFailed, out.Record.Status)
	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, string(errordefs.MMG_PROVIDER_TIMEOUT), entries[0].ErrorCode)
}

func TestTimeoutFallsBackUnderAuto(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{
			stub(log, model.ProviderDALLE, func(ctx context.Context, _ provider.Request) (provider.Response, error) {
				<-ctx.Done()
				return provider.Response{}, ctx.Err()
			}),
		}
	}, func(d *Deps) { d.Timeout = 20 * time.Millisecond })

	out, err := f.d.Submit(context.Background(), generate("slow fox"), alice)
	require.NoError(t, err)
	assert.Equal(t, model.ProviderStableDiffusion, out.Record.Provider)
}

func TestCancelWhileRunningDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{
			stub(log, model.ProviderElevenLabs, func(context.Context, provider.Request) (provider.Response, error) {
				close(started)
				<-release
				return provider.Response{Output: map[string]any{"audio": "late"}, Cost: 0.02}, nil
			}),
		}
	})
	ctx := context.Background()

	done := make(chan Outcome, 1)
	go func() {
		out, err := f.d.Submit(ctx, speak("cancel me"), alice)
		assert.NoError(t, err)
		done <- out
	}()
	<-started
	recs := f.registry.List(model.HistoryFilter{})
	require.Len(t, recs, 1)
	_, ok, err := f.registry.Cancel(ctx, recs[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	close(release)

	out := <-done
	assert.Equal(t, model.StatusCancelled, out.Record.Status)
	assert.True(t, out.Record.CancelRequested)
	assert.Nil(t, out.Record.Result)
	assert.Zero(t, f.cache.Stats().TotalItems)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusCancelled, entries[0].Status)
	assert.InDelta(t, 0.02, entries[0].Cost, 1e-9)
}

func TestCancelBeforeStartNeverReachesProvider(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{
			stub(log, model.ProviderElevenLabs, func(context.Context, provider.Request) (provider.Response, error) {
				once.Do(func() { close(started) })
				<-release
				return provider.Response{Output: map[string]any{"ok": true}}, nil
			}),
		}
	}, func(d *Deps) { d.MaxInflight = 1 })
	ctx := context.Background()

	go func() {
		_, _ = f.d.Submit(ctx, speak("first"), alice)
	}()
	<-started

	queued := speak("second")
	queued.Async = true
	pending, err := f.d.Submit(ctx, queued, alice)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, pending.Record.Status)

	_, ok, err := f.registry.Cancel(ctx, pending.Record.ID)
	require.NoError(t, err)
	require.True(t, ok)
	close(release)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.d.Close(closeCtx))

	assert.Len(t, f.log.all(), 1)
	rec, _ := f.registry.Get(pending.Record.ID)
	assert.Equal(t, model.StatusCancelled, rec.Status)
	assert.False(t, rec.CancelRequested)
	assert.Equal(t, []model.Status{model.StatusPending, model.StatusCancelled}, f.events.Statuses(pending.Record.ID))

	var cancelled model.MetricEvent
	for _, e := range f.entries(t) {
		if e.RequestID == pending.Record.ID {
			cancelled = e
		}
	}
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Zero(t, cancelled.Cost)
	assert.Zero(t, cancelled.Attempts)
}

func TestAsyncCompletesInBackground(t *testing.T) {
	f := newFixture(t, nil)
	cmd := generate("a red fox")
	cmd.Async = true

	out, err := f.d.Submit(context.Background(), cmd, alice)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, out.Record.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.d.Close(ctx))
	rec, ok := f.registry.Get(out.Record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusSucceeded, rec.Status)
	assert.Equal(t, model.ProviderDALLE, rec.Provider)
	assert.Len(t, f.entries(t), 1)
}

func TestEmbedNormalizes(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.d.Submit(context.Background(), &operation.Embed{
		Common:      operation.Common{Provider: model.ProviderAuto},
		Content:     "the quick brown fox",
		ContentType: model.ContentText,
		Dimensions:  64,
	}, alice)
	require.NoError(t, err)
	assert.Equal(t, 64, out.Record.Result["dimensions"])
	assert.Equal(t, string(model.ProviderOpenAIEmbeddings), out.Record.Result["model"])
	assert.Len(t, out.Record.Result["embedding"], 64)
}

func TestSimilarityMetrics(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	threshold := 0.99
	cases := map[string]func(float64) bool{
		MetricCosine:    func(s float64) bool { return s > 0.999 },
		MetricEuclidean: func(s float64) bool { return s > 0.999 },
		MetricDot:       func(s float64) bool { return s > 0.999 },
	}
	for metric, check := range cases {
		out, err := f.d.Submit(ctx, &operation.Similarity{
			Common:        operation.Common{Provider: model.ProviderAuto},
			SourceContent: "jazz saxophone night",
			SourceType:    model.ContentText,
			TargetContent: "jazz saxophone night",
			TargetType:    model.ContentAudio,
			Metric:        metric,
			Threshold:     &threshold,
		}, alice)
		require.NoError(t, err, metric)
		score := out.Record.Result["similarity"].(float64)
		assert.True(t, check(score), "%s scored %f", metric, score)
		assert.Equal(t, true, out.Record.Result["match"])
	}
}

func indexFixtures(t *testing.T, f *fixture) []string {
	t.Helper()
	out, err := f.d.Submit(context.Background(), &operation.AssetManage{
		Common:    operation.Common{Provider: model.ProviderAuto},
		Operation: operation.AssetIndex,
		Assets: []operation.AssetInput{
			{Content: "red fox running through snow", ContentType: model.ContentImage},
			{Content: "quarterly revenue spreadsheet", ContentType: model.ContentText},
			{Content: "fox documentary narration", ContentType: model.ContentAudio},
		},
		Categories: []string{"library"},
	}, alice)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Record.Result["indexed"])
	return out.Record.Result["assetIds"].([]string)
}

func TestManageAndSearchAssets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ids := indexFixtures(t, f)
	require.Len(t, ids, 3)
	a, ok := f.library.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, "alice", a.CreatedBy)
	assert.NotEmpty(t, a.Embedding)

	out, err := f.d.Submit(ctx, &operation.SemanticSearch{
		Common:     operation.Common{Provider: model.ProviderAuto},
		Query:      "fox",
		QueryType:  model.ContentText,
		Collection: "assets",
		Limit:      2,
	}, alice)
	require.NoError(t, err)
	hits := out.Record.Result["results"].([]model.ScoredAsset)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, h.Asset.Content, "fox")
		assert.Nil(t, h.Asset.Embedding)
	}

	out, err = f.d.Submit(ctx, &operation.SemanticSearch{
		Common:     operation.Common{Provider: model.ProviderAuto},
		Query:      "fox",
		Collection: "elsewhere",
	}, alice)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Record.Result["total"])

	_, err = f.d.Submit(ctx, &operation.AssetManage{
		Common:    operation.Common{Provider: model.ProviderAuto},
		Operation: operation.AssetTag,
		Assets:    []operation.AssetInput{{ID: ids[1]}},
		Tags:      []string{"finance"},
	}, alice)
	require.NoError(t, err)
	tagged, _ := f.library.Get(ids[1])
	assert.Equal(t, []string{"finance"}, tagged.Tags)

	out, err = f.d.Submit(ctx, &operation.MatchAssets{
		Common:   operation.Common{Provider: model.ProviderAuto},
		Criteria: operation.MatchCriteria{Tags: []string{"finance"}},
	}, alice)
	require.NoError(t, err)
	matches := out.Record.Result["matches"].([]model.ScoredAsset)
	require.Len(t, matches, 1)
	assert.Equal(t, ids[1], matches[0].Asset.ID)
}

func TestManageUnknownAssetIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.d.Submit(context.Background(), &operation.AssetManage{
		Common:     operation.Common{Provider: model.ProviderAuto},
		Operation:  operation.AssetOrganize,
		Assets:     []operation.AssetInput{{ID: "missing"}},
		Categories: []string{"x"},
	}, alice)
	assert.True(t, errordefs.IsCode(err, errordefs.MMG_NOT_FOUND))
	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestEmbedderFallsBack(t *testing.T) {
	f := newFixture(t, func(log *callLog) []provider.Executor {
		return []provider.Executor{
			stub(log, model.ProviderOpenAIEmbeddings, fail(0)),
			stub(log, model.ProviderCohere, simulate(t, model.ProviderCohere)),
		}
	})
	v, err := f.d.Embedder().Embed(context.Background(), "fox", model.ContentText)
	require.NoError(t, err)
	assert.Len(t, v, provider.DefaultDimensions)
	assert.Equal(t, []model.Provider{model.ProviderOpenAIEmbeddings, model.ProviderCohere}, f.log.all())
}
