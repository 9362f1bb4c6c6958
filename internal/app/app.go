// Package app assembles a complete gateway from configuration and the
// infrastructure chosen by the caller. cmd/mmgd supplies real backends; tests
// and the conformance harness leave them nil and get in-memory ones.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/access"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/assets"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/collab"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/config"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/dispatch"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/event"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/media"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/operation"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/provider"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/server"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/storage"
)

// Options selects the infrastructure behind the gateway. Nil backends fall
// back to in-process implementations.
type Options struct {
	Config config.Config
	Policy config.ProviderPolicy

	Verifier  access.TokenVerifier // required
	Roles     access.RoleSource    // nil trusts the token's role claims
	Store     storage.Store
	Events    event.Publisher
	Blobs     media.BlobStore
	Broker    collab.Broker
	Providers *provider.Set        // nil runs the built-in simulators

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now overrides the clock of the registry, rate limiter, cache and token store.
	Now func() time.Time
}

// App is an assembled gateway.
type App struct {
	Handler    *server.Server
	Registry   *registry.Registry
	Cache      *cache.Cache
	Ledger     *ledger.Ledger
	Library    *assets.Library
	Dispatcher *dispatch.Dispatcher
	Hub        *collab.Hub
	Tokens     *collab.TokenStore
	Limiter    *access.RateLimiter

	store  storage.Store
	events event.Publisher
	broker collab.Broker
	log    *slog.Logger
}

// New wires every component together.
func New(o Options) (*App, error) {
	if o.Verifier == nil {
		return nil, errors.New("app: token verifier is required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Roles == nil {
		o.Roles = access.ClaimRoles{}
	}
	if o.Store == nil {
		o.Store = storage.NewMemory()
	}
	if o.Events == nil {
		o.Events = event.Noop{}
	}
	if o.Providers == nil {
		set, err := provider.FromEndpoints(o.Config.ProviderEndpoints, o.Config.ProviderAPIKey)
		if err != nil {
			return nil, fmt.Errorf("app: providers: %w", err)
		}
		o.Providers = set
	}
	if len(o.Policy.Operations) == 0 {
		o.Policy = config.DefaultProviderPolicy()
	}
	cfg := o.Config

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("app: schema: %w", err)
	}
	decoder, err := operation.NewDecoder(validator)
	if err != nil {
		return nil, fmt.Errorf("app: decoder: %w", err)
	}

	proxies, err := access.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		Registry: registry.New(o.Events, o.Logger),
		Cache:    cache.New(cfg.CacheTTL, cfg.CacheMaxEntries),
		Ledger:   ledger.New(o.Store),
		Library: assets.New(assets.Options{
			Blobs:       o.Blobs,
			InlineLimit: cfg.AssetInlineLimit,
			Events:      o.Events,
			Logger:      o.Logger,
		}),
		Hub:     collab.NewHub(collab.HubOptions{Broker: o.Broker, Metrics: o.Metrics, Logger: o.Logger}),
		Tokens:  collab.NewTokenStore(cfg.RealtimeTokenTTL),
		Limiter: access.NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		store:   o.Store,
		events:  o.Events,
		broker:  o.Broker,
		log:     o.Logger.With("component", "app"),
	}
	if o.Now != nil {
		a.Registry.WithClock(o.Now)
		a.Cache.WithClock(o.Now)
		a.Tokens.WithClock(o.Now)
		a.Limiter.WithClock(o.Now)
	}

	a.Dispatcher, err = dispatch.New(dispatch.Deps{
		Registry:    a.Registry,
		Cache:       a.Cache,
		Ledger:      a.Ledger,
		Library:     a.Library,
		Providers:   o.Providers,
		Policy:      o.Policy,
		Metrics:     o.Metrics,
		Logger:      o.Logger,
		Timeout:     cfg.ProviderTimeout,
		MaxInflight: cfg.MaxInflight,
	})
	if err != nil {
		return nil, err
	}

	realtime := collab.NewHandler(a.Hub, a.Tokens, collab.HandlerOptions{
		AllowDevUserID: cfg.AllowDevUserID,
		CheckOrigin:    originChecker(cfg.CORSAllowedOrigins),
		Logger:         o.Logger,
	})
	a.Handler, err = server.New(server.Deps{
		Decoder:            decoder,
		Dispatcher:         a.Dispatcher,
		Registry:           a.Registry,
		Cache:              a.Cache,
		Ledger:             a.Ledger,
		Library:            a.Library,
		Hub:                a.Hub,
		Tokens:             a.Tokens,
		Realtime:           realtime,
		Auth:               access.NewAuthenticator(o.Verifier, cfg.JWTIssuer, cfg.JWTAudience),
		Limiter:            a.Limiter,
		Gate:               access.NewGate(o.Roles),
		Metrics:            o.Metrics,
		Logger:             o.Logger,
		ReadyChecks:        map[string]func(context.Context) error{"store": o.Store.Ping},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TrustedProxies:     proxies,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// originChecker admits websocket upgrades from the CORS allowlist. Requests
// without an Origin header come from non-browser clients and are allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// Sweep drops expired rate-limit windows, cache entries and realtime tokens.
func (a *App) Sweep() {
	windows := a.Limiter.Sweep()
	entries := a.Cache.Sweep()
	tokens := a.Tokens.Sweep()
	if windows+entries+tokens > 0 {
		a.log.Debug("janitor sweep", "windows", windows, "cacheEntries", entries, "tokens", tokens)
	}
}

// RunJanitor sweeps every interval until ctx ends.
func (a *App) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Sweep()
		}
	}
}

// Close waits for background operations, then closes the hub, the broker,
// the event publisher and the store.
func (a *App) Close(ctx context.Context) error {
	err := a.Dispatcher.Close(ctx)
	a.Hub.Close()
	if a.broker != nil {
		if cerr := a.broker.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close broker: %w", cerr))
		}
	}
	if cerr := a.events.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close events: %w", cerr))
	}
	a.store.Close()
	return err
}
