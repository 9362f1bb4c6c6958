// Package event streams operation lifecycle and asset library events to NATS
// JetStream for audit and downstream consumers. When NATS is not configured
// a no-op publisher keeps the gateway running without a stream.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// Stream and subject names.
const (
	OperationsStream = "MMG_OPERATIONS"
	AssetsStream     = "MMG_ASSETS"

	operationSubjects = "mmg.operations.*"
	assetSubjects     = "mmg.assets.*"
)

// Asset event kinds.
const (
	AssetIndexed = "indexed"
	AssetUpdated = "updated"
	AssetDeleted = "deleted"
)

// Publisher publishes gateway events.
type Publisher interface {
	// PublishOperation announces that rec entered rec.Status.
	PublishOperation(ctx context.Context, rec model.OperationRecord) error

	// PublishAsset announces an asset library change of the given kind.
	PublishAsset(ctx context.Context, kind string, asset model.Asset) error

	// Close flushes anything still buffered.
	Close() error
}

// Envelope wraps every published payload.
type Envelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	Payload       any       `json:"payload"`
}

// Noop discards every event.
type Noop struct{}

func (Noop) PublishOperation(context.Context, model.OperationRecord) error { return nil }
func (Noop) PublishAsset(context.Context, string, model.Asset) error { return nil }
func (Noop) Close() error { return nil }

// JetStream publishes to NATS JetStream.
type JetStream struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// a record reaches each status once; redeliveries inside the window are dropped
	mu    sync.Mutex
	dedup map[string]time.Time
}

const dedupWindow = 2 * time.Minute

// NewJetStream builds a publisher over an existing connection and ensures
// the gateway streams exist. The caller keeps ownership of nc.
func NewJetStream(nc *nats.Conn) (*JetStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := initStreams(js); err != nil {
		return nil, err
	}
	return &JetStream{nc: nc, js: js, dedup: make(map[string]time.Time)}, nil
}

func initStreams(js nats.JetStreamContext) error {
	for name, subject := range map[string]string{
		OperationsStream: operationSubjects,
		AssetsStream:     assetSubjects,
	} {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
	}
	return nil
}

// Close flushes pending publishes. The connection stays open for its owner.
func (p *JetStream) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Flush()
}

// seen reports whether key was published inside the dedup window, and
// marks it otherwise.
func (p *JetStream) seen(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if last, ok := p.dedup[key]; ok && now.Sub(last) < dedupWindow {
		return true
	}
	for k, t := range p.dedup {
		if now.Sub(t) > 2*dedupWindow {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = now
	return false
}

// PublishOperation publishes to mmg.operations.<status>.
func (p *JetStream) PublishOperation(ctx context.Context, rec model.OperationRecord) error {
	if p.seen(rec.ID + ":" + string(rec.Status)) {
		return nil
	}
	return p.publish(ctx, "mmg.operations."+string(rec.Status), rec.ID, rec)
}

// PublishAsset publishes to mmg.assets.<kind>.
func (p *JetStream) PublishAsset(ctx context.Context, kind string, asset model.Asset) error {
	// embeddings are large and derivable; consumers fetch the asset if needed
	asset.Embedding = nil
	return p.publish(ctx, "mmg.assets."+kind, uuid.NewString(), asset)
}

func (p *JetStream) publish(ctx context.Context, subject, correlationID string, payload any) error {
	b, err := json.Marshal(Envelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(subject, b, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
