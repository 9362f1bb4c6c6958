// Package dispatch runs provider operations end to end: it creates the
// registry record, consults the result cache, selects providers with AUTO
// fallback, bounds each attempt with a timeout and writes exactly one
// ledger entry per operation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/assets"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/config"
	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/operation"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/provider"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/telemetry"
)

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Registry  *registry.Registry
	Cache     *cache.Cache
	Ledger    *ledger.Ledger
	Library   *assets.Library
	Providers *provider.Set
	Policy    config.ProviderPolicy
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Timeout bounds one provider attempt.
	Timeout time.Duration
	// MaxInflight bounds concurrently executing operations; 0 means 64.
	MaxInflight int
}

// Outcome is the state of an operation when Submit returns.
type Outcome struct {
	Record   model.OperationRecord
	CacheHit bool
}

// Dispatcher executes provider operations.
type Dispatcher struct {
	registry  *registry.Registry
	cache     *cache.Cache
	ledger    *ledger.Ledger
	library   *assets.Library
	providers *provider.Set
	policy    config.ProviderPolicy
	metrics   *metrics.Metrics
	log       *slog.Logger
	tracer    trace.Tracer
	timeout   time.Duration
	slots     chan struct{}
	handlers  map[model.OperationType]handler

	wg sync.WaitGroup
}

// New builds a Dispatcher. It fails when a provider operation has no
// handler or no priority list.
func New(d Deps) (*Dispatcher, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.MaxInflight <= 0 {
		d.MaxInflight = 64
	}
	if d.Registry == nil || d.Cache == nil || d.Ledger == nil || d.Library == nil || d.Providers == nil {
		return nil, errors.New("dispatch: registry, cache, ledger, library and providers are required")
	}
	disp := &Dispatcher{
		registry:  d.Registry,
		cache:     d.Cache,
		ledger:    d.Ledger,
		library:   d.Library,
		providers: d.Providers,
		policy:    d.Policy,
		metrics:   d.Metrics,
		log:       d.Logger.With("component", "dispatch"),
		tracer:    telemetry.Tracer("dispatch"),
		timeout:   d.Timeout,
		slots:     make(chan struct{}, d.MaxInflight),
		handlers:  handlers(),
	}
	for _, op := range model.ProviderOperations {
		if _, ok := disp.handlers[op]; !ok {
			return nil, fmt.Errorf("dispatch: no handler for %s", op)
		}
		if len(disp.policy.Order(op)) == 0 {
			return nil, fmt.Errorf("dispatch: no provider priority for %s", op)
		}
	}
	return disp, nil
}

// Submit runs cmd on behalf of owner. Synchronous commands return the
// terminal record. Commands with async set return the pending record at
// once and finish in the background.
func (d *Dispatcher) Submit(ctx context.Context, cmd operation.Command, owner model.OwnerContext) (Outcome, error) {
	h, ok := d.handlers[cmd.Type()]
	if !ok {
		return Outcome{}, errordefs.New(errordefs.MMG_NOT_FOUND, fmt.Sprintf("operation %s is not dispatched to providers", cmd.Type()), "")
	}
	meta := cmd.Meta()
	order, err := d.providerOrder(cmd.Type(), meta.Provider)
	if err != nil {
		return Outcome{}, err
	}
	params, err := operation.Params(cmd)
	if err != nil {
		return Outcome{}, errordefs.Wrap(errordefs.MMG_INTERNAL, "failed to encode parameters", err)
	}
	owner.ProjectID = meta.ProjectID

	job := &job{
		cmd:     cmd,
		handler: h,
		owner:   owner,
		order:   order,
		params:  params,
		start:   time.Now(),
	}
	job.record = d.registry.Create(ctx, cmd.Type(), meta.Provider, owner)

	if meta.Async {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if _, err := d.run(context.WithoutCancel(ctx), job); err != nil {
				d.log.Info("async operation failed", "requestId", job.record.ID, "operation", cmd.Type(), "error", err)
			}
		}()
		return Outcome{Record: job.record}, nil
	}
	return d.run(ctx, job)
}

// Close waits for background operations to finish or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// providerOrder resolves the providers to try. A concrete provider must
// serve the operation and is never substituted.
func (d *Dispatcher) providerOrder(op model.OperationType, requested model.Provider) ([]model.Provider, error) {
	if requested == model.ProviderAuto {
		return d.policy.Order(op), nil
	}
	capability, _ := provider.CapabilityFor(op)
	exec, ok := d.providers.Get(requested)
	if !ok {
		return nil, errordefs.NewWithDetails(errordefs.MMG_VALIDATION, "unknown provider", "",
			[]map[string]string{{"field": "provider", "message": fmt.Sprintf("provider %q is not configured", requested)}})
	}
	if !exec.Supports(capability) {
		return nil, errordefs.NewWithDetails(errordefs.MMG_VALIDATION, "provider does not support operation", "",
			[]map[string]string{{"field": "provider", "message": fmt.Sprintf("provider %q does not serve %s", requested, op)}})
	}
	return []model.Provider{requested}, nil
}

// job is one operation moving through the pipeline.
type job struct {
	cmd     operation.Command
	handler handler
	owner   model.OwnerContext
	order   []model.Provider
	params  []byte
	start   time.Time
	record  model.OperationRecord

	provider   model.Provider
	attempts   int
	cost       float64
	durationMs float64
	cacheHit   bool
}

func (d *Dispatcher) run(ctx context.Context, j *job) (Outcome, error) {
	op := j.cmd.Type()
	key, cacheable := d.cacheKey(j)
	if cacheable {
		entry, hit := d.cache.Get(key)
		d.metrics.ObserveCache(string(op), hit)
		if hit {
			return d.serveCached(ctx, j, entry)
		}
	}

	select {
	case d.slots <- struct{}{}:
		defer func() { <-d.slots }()
	case <-ctx.Done():
		return d.finishFailed(ctx, j, errordefs.Wrap(errordefs.MMG_UNAVAILABLE, "request abandoned before execution", ctx.Err()))
	}

	if _, started, err := d.registry.MarkRunning(ctx, j.record.ID, ""); err != nil {
		return Outcome{}, errordefs.Wrap(errordefs.MMG_INTERNAL, "operation record lost", err)
	} else if !started {
		return d.finishCancelled(ctx, j)
	}

	result, err := d.attempt(ctx, j)
	if err != nil {
		if d.cancelled(j.record.ID) {
			return d.finishCancelled(ctx, j)
		}
		return d.finishFailed(ctx, j, err)
	}

	rec, applied, err := d.registry.Complete(ctx, j.record.ID, j.provider, result)
	if err != nil {
		return Outcome{}, errordefs.Wrap(errordefs.MMG_INTERNAL, "operation record lost", err)
	}
	if !applied {
		// cancelled while the provider was running; the call is still billed
		return d.finishCancelled(ctx, j)
	}
	if cacheable {
		d.cache.Put(cache.Entry{
			Key:           key,
			OperationType: op,
			ContentType:   j.cmd.Modality(),
			Provider:      j.provider,
			UserID:        j.owner.UserID,
			ProjectID:     j.owner.ProjectID,
			Result:        result,
		})
	}
	d.recordLedger(ctx, j, model.StatusSucceeded, "")
	return Outcome{Record: rec}, nil
}

// attempt walks the provider order until one succeeds. Client errors stop
// the walk; every other failure moves on to the next provider, and the
// last failure is returned when the list is exhausted.
func (d *Dispatcher) attempt(ctx context.Context, j *job) (map[string]any, error) {
	op := j.cmd.Type()
	capability, _ := provider.CapabilityFor(op)
	var lastErr error
	for i, name := range j.order {
		if i > 0 && d.cancelled(j.record.ID) {
			return nil, lastErr
		}
		exec, ok := d.providers.Get(name)
		if !ok || !exec.Supports(capability) {
			lastErr = fmt.Errorf("provider %s is not available for %s", name, op)
			continue
		}
		j.attempts++
		j.provider = name

		result, err := d.call(ctx, j, exec)
		if err == nil {
			d.metrics.ObserveAttempt(string(op), string(name), "success")
			return result, nil
		}
		lastErr = err
		if clientError(err) {
			d.metrics.ObserveAttempt(string(op), string(name), "rejected")
			return nil, err
		}
		d.metrics.ObserveAttempt(string(op), string(name), "error")
		d.log.Warn("provider attempt failed", "requestId", j.record.ID, "operation", op, "provider", name, "attempt", j.attempts, "error", err)
		if i < len(j.order)-1 {
			d.metrics.ObserveFallback(string(op), string(name))
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no provider available for %s", op)
	}
	return nil, lastErr
}

// call runs one attempt under its own timeout and span.
func (d *Dispatcher) call(ctx context.Context, j *job, exec provider.Executor) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	attemptCtx, span := d.tracer.Start(attemptCtx, "provider."+string(j.cmd.Type()), trace.WithAttributes(
		attribute.String("mmg.request_id", j.record.ID),
		attribute.String("mmg.provider", string(exec.Name())),
		attribute.Int("mmg.attempt", j.attempts),
	))
	defer span.End()

	c := &call{exec: exec, owner: j.owner, library: d.library, op: j.cmd.Type(), params: j.params}
	began := time.Now()
	result, err := j.handler(attemptCtx, j.cmd, c)
	j.durationMs += float64(time.Since(began).Microseconds()) / 1000
	j.cost += c.cost

	if err == nil && attemptCtx.Err() != nil {
		err = attemptCtx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errordefs.Wrap(errordefs.MMG_PROVIDER_TIMEOUT, fmt.Sprintf("provider %s timed out", exec.Name()), err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider attempt failed")
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) serveCached(ctx context.Context, j *job, entry cache.Entry) (Outcome, error) {
	j.cacheHit = true
	j.provider = entry.Provider
	if _, started, err := d.registry.MarkRunning(ctx, j.record.ID, entry.Provider); err != nil {
		return Outcome{}, errordefs.Wrap(errordefs.MMG_INTERNAL, "operation record lost", err)
	} else if !started {
		return d.finishCancelled(ctx, j)
	}
	rec, applied, err := d.registry.Complete(ctx, j.record.ID, entry.Provider, entry.Result)
	if err != nil {
		return Outcome{}, errordefs.Wrap(errordefs.MMG_INTERNAL, "operation record lost", err)
	}
	if !applied {
		return d.finishCancelled(ctx, j)
	}
	d.recordLedger(ctx, j, model.StatusSucceeded, "")
	return Outcome{Record: rec, CacheHit: true}, nil
}

func (d *Dispatcher) finishCancelled(ctx context.Context, j *job) (Outcome, error) {
	rec, _ := d.registry.Get(j.record.ID)
	j.cacheHit = false
	d.recordLedger(ctx, j, model.StatusCancelled, "")
	return Outcome{Record: rec}, nil
}

func (d *Dispatcher) finishFailed(ctx context.Context, j *job, cause error) (Outcome, error) {
	surfaced := surface(cause, j)
	rec, applied, err := d.registry.Fail(ctx, j.record.ID, j.provider, model.OperationError{Code: string(surfaced.Code), Message: surfaced.Message})
	if err != nil {
		return Outcome{}, errordefs.Wrap(errordefs.MMG_INTERNAL, "operation record lost", err)
	}
	if !applied {
		return d.finishCancelled(ctx, j)
	}
	d.recordLedger(ctx, j, model.StatusFailed, string(surfaced.Code))
	return Outcome{Record: rec}, surfaced
}

// surface converts an attempt error into the client-visible error. Provider
// failure text stays in the logs.
func surface(err error, j *job) *errordefs.Error {
	if e, ok := errordefs.As(err); ok {
		return e
	}
	if j.provider == "" {
		return errordefs.Wrap(errordefs.MMG_PROVIDER, "no provider could serve the operation", err)
	}
	return errordefs.Wrap(errordefs.MMG_PROVIDER, fmt.Sprintf("provider %s failed after %d attempt(s)", j.provider, j.attempts), err)
}

func clientError(err error) bool {
	e, ok := errordefs.As(err)
	if !ok {
		return false
	}
	return e.HTTPStatus >= 400 && e.HTTPStatus < 500
}

func (d *Dispatcher) cancelled(id string) bool {
	rec, ok := d.registry.Get(id)
	return ok && rec.Status == model.StatusCancelled
}

func (d *Dispatcher) recordLedger(ctx context.Context, j *job, status model.Status, errorCode string) {
	latency := time.Since(j.start)
	e := model.MetricEvent{
		RequestID:     j.record.ID,
		OperationType: j.cmd.Type(),
		ContentType:   j.cmd.Modality(),
		Provider:      j.provider,
		UserID:        j.owner.UserID,
		ProjectID:     j.owner.ProjectID,
		LatencyMs:     float64(latency.Microseconds()) / 1000,
		Status:        status,
		CacheHit:      j.cacheHit,
		Attempts:      j.attempts,
		ContentSize:   len(j.params),
		ErrorCode:     errorCode,
	}
	if !j.cacheHit {
		e.DurationMs = j.durationMs
		e.Cost = j.cost
	}
	if _, err := d.ledger.Record(context.WithoutCancel(ctx), e); err != nil {
		d.log.Error("ledger write failed", "requestId", j.record.ID, "operation", e.OperationType, "error", err)
	}
	d.metrics.ObserveOperation(string(e.OperationType), string(e.Provider), string(status), j.cacheHit, latency, e.Cost)
}
