// Package registry owns the lifecycle records of dispatched operations.
//
// Status moves pending -> running -> {succeeded|failed|cancelled}. Every
// transition is a compare-and-set under the record's shard lock, so a late
// provider completion can never overwrite a cancel that landed first.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/event"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/shard"
)

// ErrNotFound is returned for unknown request ids.
var ErrNotFound = errors.New("operation not found")

// DefaultHistoryLimit caps List when the filter sets no limit.
const DefaultHistoryLimit = 100

// Registry is a sharded, concurrency-safe store of operation records.
type Registry struct {
	records *shard.Map[*model.OperationRecord]
	events  event.Publisher
	log     *slog.Logger
	now     func() time.Time

	idMu    sync.Mutex
	entropy io.Reader
}

// New creates an empty registry. A nil publisher discards lifecycle events.
func New(events event.Publisher, log *slog.Logger) *Registry {
	if events == nil {
		events = event.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		records: shard.New[*model.OperationRecord](0),
		events:  events,
		log:     log.With("component", "registry"),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// WithClock replaces the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) newID(t time.Time) string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), r.entropy).String()
}

// Create stores a new pending record and returns it.
func (r *Registry) Create(ctx context.Context, op model.OperationType, provider model.Provider, owner model.OwnerContext) model.OperationRecord {
	now := r.now().UTC()
	rec := &model.OperationRecord{
		ID:        r.newID(now),
		Type:      op,
		Provider:  provider,
		Status:    model.StatusPending,
		CreatedAt: now,
		Owner:     owner,
	}
	r.records.With(rec.ID, func(m map[string]*model.OperationRecord) { m[rec.ID] = rec })
	out := *rec
	r.publish(ctx, out)
	return out
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (model.OperationRecord, bool) {
	var (
		out model.OperationRecord
		ok  bool
	)
	r.records.With(id, func(m map[string]*model.OperationRecord) {
		var rec *model.OperationRecord
		if rec, ok = m[id]; ok {
			out = *rec
		}
	})
	return out, ok
}

// transition applies mutate when the record's status is one of from. It
// reports whether the transition happened and returns the record as it is
// after the call.
func (r *Registry) transition(ctx context.Context, id string, from []model.Status, mutate func(*model.OperationRecord)) (model.OperationRecord, bool, error) {
	var (
		out     model.OperationRecord
		found   bool
		applied bool
	)
	r.records.With(id, func(m map[string]*model.OperationRecord) {
		rec, ok := m[id]
		if !ok {
			return
		}
		found = true
		for _, s := range from {
			if rec.Status == s {
				mutate(rec)
				applied = true
				break
			}
		}
		out = *rec
	})
	if !found {
		return out, false, ErrNotFound
	}
	if applied {
		r.publish(ctx, out)
	}
	return out, applied, nil
}

// MarkRunning moves a pending record to running. It returns false when the
// record is no longer pending, typically because it was cancelled first.
func (r *Registry) MarkRunning(ctx context.Context, id string, provider model.Provider) (model.OperationRecord, bool, error) {
	return r.transition(ctx, id, []model.Status{model.StatusPending}, func(rec *model.OperationRecord) {
		now := r.now().UTC()
		rec.Status = model.StatusRunning
		rec.StartedAt = &now
		if provider != "" {
			rec.Provider = provider
		}
	})
}

// Complete moves a running record to succeeded.
func (r *Registry) Complete(ctx context.Context, id string, provider model.Provider, result map[string]any) (model.OperationRecord, bool, error) {
	return r.transition(ctx, id, []model.Status{model.StatusRunning}, func(rec *model.OperationRecord) {
		now := r.now().UTC()
		rec.Status = model.StatusSucceeded
		rec.CompletedAt = &now
		rec.Result = result
		if provider != "" {
			rec.Provider = provider
		}
	})
}

// Fail moves a pending or running record to failed.
func (r *Registry) Fail(ctx context.Context, id string, provider model.Provider, opErr model.OperationError) (model.OperationRecord, bool, error) {
	return r.transition(ctx, id, []model.Status{model.StatusPending, model.StatusRunning}, func(rec *model.OperationRecord) {
		now := r.now().UTC()
		rec.Status = model.StatusFailed
		rec.CompletedAt = &now
		rec.Error = &opErr
		if provider != "" {
			rec.Provider = provider
		}
	})
}

// Cancel moves a pending or running record to cancelled. A pending record
// never reaches its provider. A running record keeps its in-flight call, but
// the result is discarded because the completion transition no longer
// applies. Cancel reports false when the record was already terminal.
func (r *Registry) Cancel(ctx context.Context, id string) (model.OperationRecord, bool, error) {
	return r.transition(ctx, id, []model.Status{model.StatusPending, model.StatusRunning}, func(rec *model.OperationRecord) {
		now := r.now().UTC()
		if rec.Status == model.StatusRunning {
			rec.CancelRequested = true
		}
		rec.Status = model.StatusCancelled
		rec.CompletedAt = &now
	})
}

// List returns matching records, newest first.
func (r *Registry) List(f model.HistoryFilter) []model.OperationRecord {
	var out []model.OperationRecord
	r.records.Each(func(m map[string]*model.OperationRecord) {
		for _, rec := range m {
			if matches(f, rec) {
				out = append(out, *rec)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matches(f model.HistoryFilter, rec *model.OperationRecord) bool {
	switch {
	case f.UserID != "" && rec.Owner.UserID != f.UserID:
		return false
	case f.OrganizationID != "" && rec.Owner.OrganizationID != f.OrganizationID:
		return false
	case f.ProjectID != "" && rec.Owner.ProjectID != f.ProjectID:
		return false
	case f.Type != "" && rec.Type != f.Type:
		return false
	case f.Status != "" && rec.Status != f.Status:
		return false
	case !f.Since.IsZero() && rec.CreatedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && rec.CreatedAt.After(f.Until):
		return false
	}
	return true
}

func (r *Registry) publish(ctx context.Context, rec model.OperationRecord) {
	if err := r.events.PublishOperation(ctx, rec); err != nil {
		r.log.Warn("publish lifecycle event failed", "requestId", rec.ID, "status", rec.Status, "error", err)
	}
}
