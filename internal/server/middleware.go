package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/access"
	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
)

// ContextKey is used for request-scoped values.
type ContextKey string

const (
	ContextKeyCorrelationID ContextKey = "correlationId"
	ContextKeyIdentity      ContextKey = "identity"
)

// CorrelationID returns the correlation id of the request carried by ctx.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// IdentityFrom returns the authenticated caller stored in ctx.
func IdentityFrom(ctx context.Context) (access.Identity, bool) {
	id, ok := ctx.Value(ContextKeyIdentity).(access.Identity)
	return id, ok
}

// apiFunc is an authenticated handler. A returned error is written as the
// error envelope.
type apiFunc func(w http.ResponseWriter, r *http.Request, id access.Identity) error

// api wraps h with the full middleware chain.
func (s *Server) api(name string, h apiFunc) http.Handler {
	return s.instrument(name, s.limited(s.authenticated(h)))
}

// instrument sets the correlation id and CORS headers, answers preflight
// requests, and records a span, a metric and one log line per request.
func (s *Server) instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := origin != "" && s.originAllowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", correlationID)

		ctx, span := s.tracer.Start(r.Context(), name)
		defer span.End()
		ctx = context.WithValue(ctx, ContextKeyCorrelationID, correlationID)

		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			attribute.Int("http.status_code", rec.status),
			attribute.String("mmg.correlation_id", correlationID),
		)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		s.metrics.ObserveHTTP(r.Method, name, strconv.Itoa(rec.status), time.Since(start))
		s.logRequest(r, rec, time.Since(start), correlationID)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

// limited applies the per-client rate limit.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := s.limiter.Allow(s.proxies.ClientIP(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			s.metrics.RateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			s.writeError(w, r, errordefs.New(errordefs.MMG_RATE_LIMIT, "rate limit exceeded", ""))
			return
		}
		next(w, r)
	}
}

// authenticated verifies the bearer token before calling h.
func (s *Server) authenticated(h apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if rec := recorderOf(w); rec != nil {
			rec.userID = id.UserID
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyIdentity, id))
		if err := h(w, r, id); err != nil {
			s.writeError(w, r, err)
		}
	}
}

// logRequest logs request details
func (s *Server) logRequest(r *http.Request, rec *statusRecorder, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if rec.userID != "" {
		attrs = append(attrs, slog.String("user_id", rec.userID))
	}
	switch {
	case rec.err != nil && rec.status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", rec.err.Error()))
		s.log.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case rec.err != nil:
		attrs = append(attrs, slog.String("error", rec.err.Error()))
		s.log.LogAttrs(r.Context(), slog.LevelInfo, "request rejected", attrs...)
	default:
		s.log.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// statusRecorder captures what the handler chain wrote for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
	userID string
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// recorderOf finds the statusRecorder under w, if any.
func recorderOf(w http.ResponseWriter) *statusRecorder {
	rec, _ := w.(*statusRecorder)
	return rec
}
