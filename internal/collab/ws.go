package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

// Client frame types.
const (
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeJoin      = "collaboration_join"
	TypeLeave     = "collaboration_leave"
	TypeError     = "error"
)

// ErrNoCredentials is returned when a connection presents neither a token
// nor an accepted development user id.
var ErrNoCredentials = errors.New("realtime connection requires a token")

// Admission is an authenticated realtime connection attempt.
type Admission struct {
	UserID string
	token  string
}

// HandlerOptions configures the websocket transport.
type HandlerOptions struct {
	// AllowDevUserID accepts a raw userId query parameter in place of a token.
	AllowDevUserID bool
	CheckOrigin    func(r *http.Request) bool
	Logger         *slog.Logger
}

// Handler serves the realtime websocket channel.
type Handler struct {
	hub      *Hub
	tokens   *TokenStore
	devUsers bool
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler creates the websocket transport for hub.
func NewHandler(hub *Hub, tokens *TokenStore, o HandlerOptions) *Handler {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		tokens:   tokens,
		devUsers: o.AllowDevUserID,
		upgrader: websocket.Upgrader{CheckOrigin: o.CheckOrigin},
		log:      o.Logger.With("component", "realtime"),
	}
}

// Admit authenticates r. A token is claimed for the lifetime of the
// connection; Serve releases it.
func (h *Handler) Admit(r *http.Request) (Admission, error) {
	q := r.URL.Query()
	if token := q.Get("token"); token != "" {
		tok, err := h.tokens.Claim(token)
		if err != nil {
			return Admission{}, err
		}
		return Admission{UserID: tok.UserID, token: token}, nil
	}
	if userID := q.Get("userId"); h.devUsers && userID != "" {
		return Admission{UserID: userID}, nil
	}
	return Admission{}, ErrNoCredentials
}

// Release returns a claimed token when the connection never opened.
func (h *Handler) Release(a Admission) {
	if a.token != "" {
		h.tokens.Release(a.token)
	}
}

// Serve upgrades the admitted request and runs the connection until either
// side closes it.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, a Admission) {
	defer h.Release(a)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "userId", a.UserID, "error", err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	c := h.hub.Connect(a.UserID)
	h.log.Info("realtime connected", "userId", a.UserID, "connId", c.ID)

	h.hub.Send(c, Message{Type: TypeConnected, Payload: map[string]any{
		"userId":    a.UserID,
		"timestamp": time.Now().UnixMilli(),
	}})
	go h.writePump(ws, c)
	h.readPump(ctx, ws, c)

	h.hub.Disconnect(ctx, c)
	h.log.Info("realtime disconnected", "userId", a.UserID, "connId", c.ID)
}

func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, c *Conn) {
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("realtime read ended", "connId", c.ID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reject(c, "frame is not valid JSON")
			continue
		}
		h.handle(ctx, c, msg)
	}
}

func (h *Handler) handle(ctx context.Context, c *Conn, msg Message) {
	sessionID, _ := msg.Payload["sessionId"].(string)
	switch msg.Type {
	case TypePing:
		h.hub.Send(c, Message{Type: TypePong, Payload: map[string]any{"timestamp": time.Now().UnixMilli()}})
	case KindUpdate:
		state := maps.Clone(msg.Payload)
		delete(state, "sessionId")
		delete(state, "userId")
		delete(state, "sourceUserId")
		if _, err := h.hub.Update(ctx, sessionID, c.UserID, state); err != nil {
			h.reject(c, err.Error())
		}
	case TypeJoin:
		if _, err := h.hub.Join(ctx, sessionID, c.UserID); err != nil {
			h.reject(c, err.Error())
		}
	case TypeLeave:
		h.hub.Leave(ctx, sessionID, c.UserID)
	default:
		h.reject(c, "unsupported message type "+msg.Type)
	}
}

func (h *Handler) reject(c *Conn, message string) {
	h.hub.Send(c, Message{Type: TypeError, Payload: map[string]any{"message": message}})
}

func (h *Handler) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case frame := <-c.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("realtime write failed", "connId", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
