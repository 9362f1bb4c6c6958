package event

import (
	"context"
	"sync"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// Recorder keeps published events in memory. Tests and single-process
// deployments that want to inspect the lifecycle stream use it.
type Recorder struct {
	mu         sync.Mutex
	Operations []model.OperationRecord
	Assets     []AssetEvent
}

// AssetEvent is one recorded asset change.
type AssetEvent struct {
	Kind  string
	Asset model.Asset
}

func (r *Recorder) PublishOperation(_ context.Context, rec model.OperationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Operations = append(r.Operations, rec)
	return nil
}

func (r *Recorder) PublishAsset(_ context.Context, kind string, asset model.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Assets = append(r.Assets, AssetEvent{Kind: kind, Asset: asset})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Statuses returns the recorded status sequence for request id.
func (r *Recorder) Statuses(id string) []model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Status
	for _, rec := range r.Operations {
		if rec.ID == id {
			out = append(out, rec.Status)
		}
	}
	return out
}

// AssetKinds returns the recorded asset event kinds in order.
func (r *Recorder) AssetKinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Assets))
	for i, a := range r.Assets {
		out[i] = a.Kind
	}
	return out
}
