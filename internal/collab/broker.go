package collab

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event kinds carried between hubs.
const (
	KindUpdate = "collaboration_update"
	KindJoined = "collaboration_joined"
	KindLeft   = "collaboration_left"
)

// Event is one session event as it travels through a Broker.
type Event struct {
	Kind         string         `json:"kind"`
	SessionID    string         `json:"sessionId"`
	SourceUserID string         `json:"sourceUserId"`
	Payload      map[string]any `json:"payload,omitempty"`
	// Origin identifies the hub that produced the event.
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Broker fans session events out across gateway instances.
type Broker interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe delivers every event published for sessionID to fn until the
	// returned function is called. fn must not block.
	Subscribe(sessionID string, fn func(Event)) (unsubscribe func(), err error)
	Close() error
}

// MemoryBroker connects hubs that share a process.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[string]func(Event)
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[string]func(Event))}
}

func (b *MemoryBroker) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs[e.SessionID]))
	for _, fn := range b.subs[e.SessionID] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(sessionID string, fn func(Event)) (func(), error) {
	id := uuid.NewString()
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]func(Event))
	}
	b.subs[sessionID][id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[sessionID], id)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
	}, nil
}

func (b *MemoryBroker) Close() error { return nil }

// SubjectPrefix namespaces collaboration subjects on NATS.
const SubjectPrefix = "mmg.collab."

// NATSBroker fans events out over core NATS subjects, one per session.
type NATSBroker struct {
	nc *nats.Conn
}

// NewNATSBroker uses nc, which stays owned by the caller.
func NewNATSBroker(nc *nats.Conn) *NATSBroker {
	return &NATSBroker{nc: nc}
}

// Subject returns the NATS subject of sessionID. The id is hex encoded so
// every session maps to its own single subject token.
func Subject(sessionID string) string {
	return SubjectPrefix + "s" + hex.EncodeToString([]byte(sessionID))
}

func (b *NATSBroker) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.nc.Publish(Subject(e.SessionID), data)
}

func (b *NATSBroker) Subscribe(sessionID string, fn func(Event)) (func(), error) {
	sub, err := b.nc.Subscribe(Subject(sessionID), func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		fn(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close flushes pending publishes. The connection itself is left open.
func (b *NATSBroker) Close() error {
	return b.nc.Flush()
}
