// Package ledger records one metric event per provider operation and
// answers aggregate and cost questions over them.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/storage"
)

// GroupBy selects the dimension of a cost breakdown.
type GroupBy string

const (
	ByOperationType GroupBy = "operationType"
	ByProvider      GroupBy = "provider"
)

// Aggregate summarises a set of ledger events.
type Aggregate struct {
	OperationCount        int     `json:"operationCount"`
	AverageLatency        float64 `json:"averageLatency"`
	AverageProcessingTime float64 `json:"averageProcessingTime"`
	TotalCost             float64 `json:"totalCost"`
	CacheHitRate          float64 `json:"cacheHitRate"`
	ErrorRate             float64 `json:"errorRate"`
	AverageContentSize    float64 `json:"averageContentSize"`
}

// CostBucket is one group of a cost breakdown.
type CostBucket struct {
	Key       string  `json:"key"`
	Count     int     `json:"count"`
	TotalCost float64 `json:"totalCost"`
	AvgCost   float64 `json:"averageCost"`
}

// Ledger appends events to a Store and computes views over them.
type Ledger struct {
	store storage.Store
	now   func() time.Time
}

// New creates a Ledger over store.
func New(store storage.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Record appends e, assigning an id and timestamp when missing.
func (l *Ledger) Record(ctx context.Context, e model.MetricEvent) (model.MetricEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		return e, fmt.Errorf("ledger record: %w", err)
	}
	return e, nil
}

// Query returns matching events in timestamp order.
func (l *Ledger) Query(ctx context.Context, f model.MetricFilter) ([]model.MetricEvent, error) {
	events, err := l.store.QueryEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", err)
	}
	return events, nil
}

// Aggregate computes summary statistics over matching events.
func (l *Ledger) Aggregate(ctx context.Context, f model.MetricFilter) (Aggregate, error) {
	events, err := l.Query(ctx, f)
	if err != nil {
		return Aggregate{}, err
	}
	return summarize(events), nil
}

func summarize(events []model.MetricEvent) Aggregate {
	var a Aggregate
	if len(events) == 0 {
		return a
	}
	var latency, processing, size float64
	var hits, failures int
	for _, e := range events {
		latency += e.LatencyMs
		processing += e.DurationMs
		size += float64(e.ContentSize)
		a.TotalCost += e.Cost
		if e.CacheHit {
			hits++
		}
		if e.Status == model.StatusFailed {
			failures++
		}
	}
	n := float64(len(events))
	a.OperationCount = len(events)
	a.AverageLatency = latency / n
	a.AverageProcessingTime = processing / n
	a.AverageContentSize = size / n
	a.CacheHitRate = float64(hits) / n
	a.ErrorRate = float64(failures) / n
	return a
}

// CostBreakdown groups the cost of matching events along each requested
// dimension. Every dimension is computed over the same snapshot of events.
func (l *Ledger) CostBreakdown(ctx context.Context, f model.MetricFilter, groupBy ...GroupBy) (map[GroupBy][]CostBucket, error) {
	if len(groupBy) == 0 {
		groupBy = []GroupBy{ByOperationType, ByProvider}
	}
	events, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make(map[GroupBy][]CostBucket, len(groupBy))
	for _, g := range groupBy {
		key, err := keyFunc(g)
		if err != nil {
			return nil, err
		}
		out[g] = bucket(events, key)
	}
	return out, nil
}

func keyFunc(g GroupBy) (func(model.MetricEvent) string, error) {
	switch g {
	case ByOperationType:
		return func(e model.MetricEvent) string { return string(e.OperationType) }, nil
	case ByProvider:
		return func(e model.MetricEvent) string { return string(e.Provider) }, nil
	default:
		return nil, fmt.Errorf("unsupported group by %q", g)
	}
}

func bucket(events []model.MetricEvent, key func(model.MetricEvent) string) []CostBucket {
	idx := map[string]*CostBucket{}
	for _, e := range events {
		k := key(e)
		b, ok := idx[k]
		if !ok {
			b = &CostBucket{Key: k}
			idx[k] = b
		}
		b.Count++
		b.TotalCost += e.Cost
	}
	out := make([]CostBucket, 0, len(idx))
	for _, b := range idx {
		b.AvgCost = b.TotalCost / float64(b.Count)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost > out[j].TotalCost
		}
		return out[i].Key < out[j].Key
	})
	return out
}
