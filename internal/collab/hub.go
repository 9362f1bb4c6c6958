package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/shard"
)

// ErrSessionRequired is returned for session calls without a session id.
var ErrSessionRequired = errors.New("session id required")

// DefaultBuffer is the outbound queue length of one connection.
const DefaultBuffer = 64

// Message is the realtime wire frame.
type Message struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Conn is one live participant connection. Outbound frames are queued on a
// bounded buffer; when it is full the frame is dropped for this connection
// only.
type Conn struct {
	ID     string
	UserID string

	send chan []byte
	done chan struct{}
	once sync.Once
}

// Outbound returns the queue of encoded frames for this connection.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed when the connection leaves the hub.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

type fieldValue struct {
	value any
	at    time.Time
	by    string
}

type session struct {
	members     map[string]struct{}
	state       map[string]fieldValue
	unsubscribe func()
}

// Snapshot is the local view of one session.
type Snapshot struct {
	SessionID    string         `json:"sessionId"`
	Participants []string       `json:"participants"`
	State        map[string]any `json:"state"`
}

// HubOptions configures a Hub.
type HubOptions struct {
	// Broker links hubs across instances. Nil keeps fan-out in process.
	Broker  Broker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Buffer  int
}

// Hub tracks connections and session membership for one gateway instance.
// Session state converges last-write-wins per field.
type Hub struct {
	origin   string
	broker   Broker
	metrics  *metrics.Metrics
	log      *slog.Logger
	buffer   int
	now      func() time.Time
	conns    *shard.Map[map[string]*Conn]
	sessions *shard.Map[*session]
}

// NewHub creates a hub.
func NewHub(o HubOptions) *Hub {
	if o.Broker == nil {
		o.Broker = NewMemoryBroker()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	return &Hub{
		origin:   uuid.NewString(),
		broker:   o.Broker,
		metrics:  o.Metrics,
		log:      o.Logger.With("component", "collab"),
		buffer:   o.Buffer,
		now:      time.Now,
		conns:    shard.New[map[string]*Conn](0),
		sessions: shard.New[*session](0),
	}
}

// WithClock replaces the time source.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Connect registers a live connection for userID.
func (h *Hub) Connect(userID string) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, h.buffer),
		done:   make(chan struct{}),
	}
	h.conns.With(userID, func(m map[string]map[string]*Conn) {
		if m[userID] == nil {
			m[userID] = make(map[string]*Conn)
		}
		m[userID][c.ID] = c
	})
	h.metrics.ConnectionOpened()
	return c
}

// Disconnect removes c. When it was the user's last connection the user
// leaves every session it had joined.
func (h *Hub) Disconnect(ctx context.Context, c *Conn) {
	last := false
	h.conns.With(c.UserID, func(m map[string]map[string]*Conn) {
		if _, ok := m[c.UserID][c.ID]; !ok {
			return
		}
		delete(m[c.UserID], c.ID)
		if len(m[c.UserID]) == 0 {
			delete(m, c.UserID)
			last = true
		}
	})
	c.once.Do(func() {
		close(c.done)
		h.metrics.ConnectionClosed()
	})
	if !last {
		return
	}
	var joined []string
	h.sessions.Each(func(m map[string]*session) {
		for id, s := range m {
			if _, ok := s.members[c.UserID]; ok {
				joined = append(joined, id)
			}
		}
	})
	for _, id := range joined {
		h.Leave(ctx, id, c.UserID)
	}
}

// Join adds userID to sessionID and notifies the other participants.
func (h *Hub) Join(ctx context.Context, sessionID, userID string) (Snapshot, error) {
	if sessionID == "" {
		return Snapshot{}, ErrSessionRequired
	}
	if h.addMember(sessionID, userID) {
		h.emit(ctx, Event{Kind: KindJoined, SessionID: sessionID, SourceUserID: userID})
	}
	return h.Snapshot(sessionID), nil
}

// Update records state fields from userID and sends them to every other
// participant of sessionID. The sender joins the session if needed.
// Delivery failures are logged and never returned.
func (h *Hub) Update(ctx context.Context, sessionID, userID string, state map[string]any) (Snapshot, error) {
	if sessionID == "" {
		return Snapshot{}, ErrSessionRequired
	}
	if h.addMember(sessionID, userID) {
		h.emit(ctx, Event{Kind: KindJoined, SessionID: sessionID, SourceUserID: userID})
	}
	h.emit(ctx, Event{Kind: KindUpdate, SessionID: sessionID, SourceUserID: userID, Payload: maps.Clone(state)})
	return h.Snapshot(sessionID), nil
}

// Leave removes userID from sessionID. It reports whether the user was a
// participant.
func (h *Hub) Leave(ctx context.Context, sessionID, userID string) bool {
	var (
		removed     bool
		unsubscribe func()
	)
	h.sessions.With(sessionID, func(m map[string]*session) {
		s, ok := m[sessionID]
		if !ok {
			return
		}
		if _, removed = s.members[userID]; !removed {
			return
		}
		delete(s.members, userID)
		if len(s.members) == 0 {
			unsubscribe = s.unsubscribe
			delete(m, sessionID)
		}
	})
	if unsubscribe != nil {
		unsubscribe()
	}
	if removed {
		h.emit(ctx, Event{Kind: KindLeft, SessionID: sessionID, SourceUserID: userID})
	}
	return removed
}

// Participants lists the local participants of sessionID.
func (h *Hub) Participants(sessionID string) []string {
	return h.Snapshot(sessionID).Participants
}

// Snapshot returns the local participants and converged state of sessionID.
func (h *Hub) Snapshot(sessionID string) Snapshot {
	snap := Snapshot{SessionID: sessionID, Participants: []string{}, State: map[string]any{}}
	h.sessions.With(sessionID, func(m map[string]*session) {
		s, ok := m[sessionID]
		if !ok {
			return
		}
		for u := range s.members {
			snap.Participants = append(snap.Participants, u)
		}
		for k, v := range s.state {
			snap.State[k] = v.value
		}
	})
	sort.Strings(snap.Participants)
	return snap
}

// Close drops every broker subscription.
func (h *Hub) Close() {
	var subs []func()
	h.sessions.Each(func(m map[string]*session) {
		for id, s := range m {
			subs = append(subs, s.unsubscribe)
			delete(m, id)
		}
	})
	for _, unsubscribe := range subs {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
}

func (h *Hub) addMember(sessionID, userID string) bool {
	added := false
	h.sessions.With(sessionID, func(m map[string]*session) {
		s, ok := m[sessionID]
		if !ok {
			s = &session{members: map[string]struct{}{}, state: map[string]fieldValue{}}
			unsubscribe, err := h.broker.Subscribe(sessionID, h.receive)
			if err != nil {
				h.log.Warn("broker subscribe failed", "sessionId", sessionID, "error", err)
			}
			s.unsubscribe = unsubscribe
			m[sessionID] = s
		}
		if _, ok := s.members[userID]; !ok {
			s.members[userID] = struct{}{}
			added = true
		}
	})
	return added
}

// emit applies e locally, delivers it to local participants and publishes it
// for other instances.
func (h *Hub) emit(ctx context.Context, e Event) {
	e.Origin = h.origin
	e.At = h.now().UTC()
	h.apply(e)
	h.deliver(e)
	if err := h.broker.Publish(ctx, e); err != nil {
		h.log.Warn("broker publish failed", "sessionId", e.SessionID, "kind", e.Kind, "error", err)
	}
}

// receive handles events from other instances.
func (h *Hub) receive(e Event) {
	if e.Origin == h.origin {
		return
	}
	h.apply(e)
	h.deliver(e)
}

func (h *Hub) apply(e Event) {
	if e.Kind != KindUpdate {
		return
	}
	h.sessions.With(e.SessionID, func(m map[string]*session) {
		s, ok := m[e.SessionID]
		if !ok {
			return
		}
		for k, v := range e.Payload {
			cur, seen := s.state[k]
			if !seen || e.At.After(cur.at) || (e.At.Equal(cur.at) && e.SourceUserID >= cur.by) {
				s.state[k] = fieldValue{value: v, at: e.At, by: e.SourceUserID}
			}
		}
	})
}

// deliver queues e for every local participant except its source.
func (h *Hub) deliver(e Event) {
	var recipients []string
	h.sessions.With(e.SessionID, func(m map[string]*session) {
		if s, ok := m[e.SessionID]; ok {
			for u := range s.members {
				if u != e.SourceUserID {
					recipients = append(recipients, u)
				}
			}
		}
	})
	if len(recipients) == 0 {
		return
	}
	frame, err := json.Marshal(render(e))
	if err != nil {
		h.log.Error("encode collaboration frame", "sessionId", e.SessionID, "error", err)
		return
	}
	for _, u := range recipients {
		var targets []*Conn
		h.conns.With(u, func(m map[string]map[string]*Conn) {
			for _, c := range m[u] {
				targets = append(targets, c)
			}
		})
		for _, c := range targets {
			if !c.enqueue(frame) {
				h.metrics.BroadcastDropped()
				h.log.Warn("collaboration frame dropped", "sessionId", e.SessionID, "userId", u, "connId", c.ID)
			}
		}
	}
}

// render converts a session event to the wire frame participants receive.
func render(e Event) Message {
	payload := make(map[string]any, len(e.Payload)+3)
	maps.Copy(payload, e.Payload)
	payload["sessionId"] = e.SessionID
	payload["sourceUserId"] = e.SourceUserID
	if e.Kind != KindUpdate {
		payload["userId"] = e.SourceUserID
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = e.At.UnixMilli()
	}
	return Message{Type: e.Kind, Payload: payload}
}

// Send queues msg on c directly. It reports false when the frame was dropped.
func (h *Hub) Send(c *Conn, msg Message) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode realtime frame", "type", msg.Type, "error", err)
		return false
	}
	return c.enqueue(frame)
}
