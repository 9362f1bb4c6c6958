// Package server implements the HTTP surface of the gateway: one POST route
// per operation, registry and asset lookups, asset update and delete, the
// realtime token and websocket endpoints, and health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/access"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/assets"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/collab"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/dispatch"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/operation"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/telemetry"
)

const (
	// MaxBodyBytes bounds operation and asset update payloads.
	MaxBodyBytes = 8 << 20

	// DefaultSearchLimit is the page size of GET asset searches.
	DefaultSearchLimit = 10

	contentURLExpiry = 15 * time.Minute
)

// Deps are the collaborators of a Server. All fields except Metrics,
// Logger, ReadyChecks and CORSAllowedOrigins are required.
type Deps struct {
	Decoder    *operation.Decoder
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Cache      *cache.Cache
	Ledger     *ledger.Ledger
	Library    *assets.Library
	Hub        *collab.Hub
	Tokens     *collab.TokenStore
	Realtime   *collab.Handler
	Auth       *access.Authenticator
	Limiter    *access.RateLimiter
	Gate       *access.Gate
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// ReadyChecks are run by /readyz; any error reports not ready.
	ReadyChecks map[string]func(ctx context.Context) error
	// CORSAllowedOrigins lists allowed origins; "*" allows any. Empty denies all.
	CORSAllowedOrigins []string
	// TrustedProxies may set the rate-limit key through forwarding headers.
	TrustedProxies access.TrustedProxies
}

// Server routes gateway requests.
type Server struct {
	mux        *http.ServeMux
	decoder    *operation.Decoder
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	cache      *cache.Cache
	ledger     *ledger.Ledger
	library    *assets.Library
	hub        *collab.Hub
	tokens     *collab.TokenStore
	realtime   *collab.Handler
	auth       *access.Authenticator
	limiter    *access.RateLimiter
	gate       *access.Gate
	metrics    *metrics.Metrics
	log        *slog.Logger
	tracer     trace.Tracer
	ready      map[string]func(ctx context.Context) error
	origins    []string
	proxies    access.TrustedProxies
	operations map[model.OperationType]route
}

// route describes how one operation name is served. Provider operations go
// to the dispatcher; control operations have their own handler.
type route struct {
	admin   bool
	control controlFunc
}

// New builds the Server and registers every endpoint. It fails when an
// operation type has no route.
func New(d Deps) (*Server, error) {
	if d.Decoder == nil || d.Dispatcher == nil || d.Registry == nil || d.Cache == nil || d.Ledger == nil ||
		d.Library == nil || d.Hub == nil || d.Tokens == nil || d.Realtime == nil ||
		d.Auth == nil || d.Limiter == nil || d.Gate == nil {
		return nil, errors.New("server: missing required dependency")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		mux:        http.NewServeMux(),
		decoder:    d.Decoder,
		dispatcher: d.Dispatcher,
		registry:   d.Registry,
		cache:      d.Cache,
		ledger:     d.Ledger,
		library:    d.Library,
		hub:        d.Hub,
		tokens:     d.Tokens,
		realtime:   d.Realtime,
		auth:       d.Auth,
		limiter:    d.Limiter,
		gate:       d.Gate,
		metrics:    d.Metrics,
		log:        d.Logger.With("component", "server"),
		tracer:     telemetry.Tracer("server"),
		ready:      d.ReadyChecks,
		origins:    d.CORSAllowedOrigins,
		proxies:    d.TrustedProxies,
	}
	s.operations = s.routes()
	if err := checkRoutes(s.operations); err != nil {
		return nil, err
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.Handle("GET /v1/gateway/websocket-token", s.api("websocket-token", s.handleIssueToken))
	s.mux.Handle("DELETE /v1/gateway/websocket-token", s.api("websocket-token", s.handleRevokeToken))
	s.mux.Handle("GET /v1/gateway/ws", s.instrument("ws", s.limited(s.handleRealtime)))
	s.mux.Handle("POST /v1/gateway/{op}", s.api("operation", s.handleOperation))
	s.mux.Handle("GET /v1/gateway", s.api("lookup", s.handleLookup))
	s.mux.Handle("PUT /v1/gateway", s.api("asset-update", s.handleAssetUpdate))
	s.mux.Handle("DELETE /v1/gateway", s.api("asset-delete", s.handleAssetDelete))

	// Everything else under the gateway prefix, including CORS preflight.
	s.mux.Handle("/v1/gateway", s.instrument("unmatched", s.handleUnmatched))
	s.mux.Handle("/v1/gateway/", s.instrument("unmatched", s.handleUnmatched))
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() map[model.OperationType]route {
	rt := make(map[model.OperationType]route, len(model.AllOperations()))
	for _, op := range model.ProviderOperations {
		rt[op] = route{}
	}
	rt[model.OpCollaborate] = route{control: s.collaborate}
	rt[model.OpCancel] = route{control: s.cancelOperation}
	rt[model.OpHistory] = route{control: s.operationHistory}
	rt[model.OpMetrics] = route{admin: true, control: s.metricsSummary}
	rt[model.OpCostBreakdown] = route{admin: true, control: s.costBreakdown}
	rt[model.OpCacheStats] = route{admin: true, control: s.cacheStats}
	rt[model.OpClearCache] = route{admin: true, control: s.clearCache}
	return rt
}

func checkRoutes(rt map[model.OperationType]route) error {
	for _, op := range model.ProviderOperations {
		if r, ok := rt[op]; !ok || r.control != nil {
			return fmt.Errorf("server: provider operation %s is not routed to the dispatcher", op)
		}
	}
	for _, op := range model.ControlOperations {
		if r, ok := rt[op]; !ok || r.control == nil {
			return fmt.Errorf("server: control operation %s has no handler", op)
		}
	}
	if len(rt) != len(model.AllOperations()) {
		return errors.New("server: routes name an unknown operation")
	}
	return nil
}

// handleHealthz handles liveness checks.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz runs every readiness check with a short deadline.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			s.log.Warn("readiness check failed", "check", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
