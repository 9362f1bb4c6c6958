// Package conformance provides a harness that runs the gateway's externally
// observable guarantees against a live HTTP server.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/app"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/config"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/event"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// Harness serves a fully assembled in-memory gateway over HTTP.
type Harness struct {
	server *httptest.Server
	app    *app.App
	events *event.Recorder
	priv   ed25519.PrivateKey
	cfg    Config
}

// Config holds configuration for the harness.
type Config struct {
	JWTIssuer   string
	JWTAudience string
	// RateLimit per client; zero uses a limit high enough to stay out of the way.
	RateLimit int
}

// NewHarness assembles a gateway with an in-memory ledger, an event
// recorder and a static signing key.
func NewHarness(cfg Config) (*Harness, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	gc := config.Defaults()
	gc.JWTIssuer, gc.JWTAudience = cfg.JWTIssuer, cfg.JWTAudience
	gc.RateLimit = 10_000
	if cfg.RateLimit > 0 {
		gc.RateLimit = cfg.RateLimit
	}
	gc.AllowDevUserID = false

	events := &event.Recorder{}
	a, err := app.New(app.Options{
		Config:   gc,
		Verifier: jwks.NewStaticClient(map[string]ed25519.PublicKey{"conformance": pub}),
		Events:   events,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble gateway: %w", err)
	}
	return &Harness{
		server: httptest.NewServer(a.Handler),
		app:    a,
		events: events,
		priv:   priv,
		cfg:    cfg,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and the gateway.
func (h *Harness) Close() {
	h.server.Close()
	_ = h.app.Close(context.Background())
}

// Token signs a bearer token for user with the given roles.
func (h *Harness) Token(user string, roles ...string) (string, error) {
	claims := jwt.MapClaims{
		"sub": user, "org": "conformance-org",
		"iss": h.cfg.JWTIssuer, "aud": h.cfg.JWTAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "conformance"
	return tok.SignedString(h.priv)
}

type reply struct {
	status int
	header http.Header
	body   map[string]any
}

func (h *Harness) call(t *testing.T, method, path, user, body string, roles ...string) reply {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		tok, err := h.Token(user, roles...)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := reply{status: resp.StatusCode, header: resp.Header}
	if json.Valid(raw) {
		_ = json.Unmarshal(raw, &out.body)
	}
	return out
}

// RunConformanceTests runs every guarantee against the server.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("EveryOperationIsRouted", h.testEveryOperationIsRouted)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
	t.Run("LifecycleEvents", h.testLifecycleEvents)
	t.Run("OneLedgerEntryPerOperation", h.testOneLedgerEntryPerOperation)
	t.Run("OwnerIsolation", h.testOwnerIsolation)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if r := h.call(t, "GET", path, "", ""); r.status != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, r.status)
		}
	}
}

// testEveryOperationIsRouted posts an empty payload to every operation. Each
// must answer with an envelope rather than a routing error.
func (h *Harness) testEveryOperationIsRouted(t *testing.T) {
	for _, op := range model.AllOperations() {
		r := h.call(t, "POST", "/v1/gateway/"+string(op), "root", `{}`, "admin")
		if r.status == http.StatusNotFound || r.status == http.StatusMethodNotAllowed {
			t.Errorf("%s: status %d, operation is not routed", op, r.status)
			continue
		}
		if _, ok := r.body["success"]; !ok {
			t.Errorf("%s: response has no envelope: %v", op, r.body)
		}
	}
}

func (h *Harness) testErrorEnvelope(t *testing.T) {
	r := h.call(t, "POST", "/v1/gateway/text-to-speech", "alice", `{"text":""}`)
	if r.status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", r.status)
	}
	errObj, _ := r.body["error"].(map[string]any)
	if r.body["success"] != false || errObj["code"] != "MMG_VALIDATION" {
		t.Fatalf("unexpected error envelope: %v", r.body)
	}
	if id, _ := errObj["correlationId"].(string); id == "" || id != r.header.Get("X-Correlation-Id") {
		t.Errorf("correlation id %q does not match header %q", id, r.header.Get("X-Correlation-Id"))
	}
}

func (h *Harness) testLifecycleEvents(t *testing.T) {
	r := h.call(t, "POST", "/v1/gateway/generate-image", "alice", `{"prompt":"lighthouse at dusk"}`)
	id, _ := r.body["requestId"].(string)
	if r.status != http.StatusOK || id == "" {
		t.Fatalf("generate-image failed: %d %v", r.status, r.body)
	}
	want := []model.Status{model.StatusPending, model.StatusRunning, model.StatusSucceeded}
	if got := h.events.Statuses(id); !slices.Equal(got, want) {
		t.Errorf("lifecycle events = %v, want %v", got, want)
	}
}

func (h *Harness) testOneLedgerEntryPerOperation(t *testing.T) {
	before := h.ledgerCount(t, "ledger-user")
	calls := []struct{ op, body string }{
		{"create-embeddings", `{"content":"one","contentType":"text"}`},
		{"create-embeddings", `{"content":"one","contentType":"text"}`}, // cache hit
		{"text-to-speech", `{"text":"two"}`},
		{"text-to-speech", `{"text":""}`}, // rejected before dispatch
	}
	for _, c := range calls {
		h.call(t, "POST", "/v1/gateway/"+c.op, "ledger-user", c.body)
	}
	if got := h.ledgerCount(t, "ledger-user") - before; got != 3 {
		t.Errorf("ledger grew by %d, want 3", got)
	}
}

func (h *Harness) ledgerCount(t *testing.T, user string) int {
	events, err := h.app.Ledger.Query(context.Background(), model.MetricFilter{UserID: user})
	if err != nil {
		t.Fatal(err)
	}
	return len(events)
}

func (h *Harness) testOwnerIsolation(t *testing.T) {
	r := h.call(t, "POST", "/v1/gateway/create-embeddings", "owner", `{"content":"private","contentType":"text"}`)
	id, _ := r.body["requestId"].(string)
	if id == "" {
		t.Fatalf("create-embeddings failed: %v", r.body)
	}
	if got := h.call(t, "GET", "/v1/gateway?requestId="+id, "intruder", ""); got.status != http.StatusNotFound {
		t.Errorf("intruder lookup: expected 404, got %d", got.status)
	}
	if got := h.call(t, "GET", "/v1/gateway?requestId="+id, "owner", ""); got.status != http.StatusOK {
		t.Errorf("owner lookup: expected 200, got %d", got.status)
	}
	if got := h.call(t, "GET", "/v1/gateway?requestId="+id, "root", "", "admin"); got.status != http.StatusOK {
		t.Errorf("admin lookup: expected 200, got %d", got.status)
	}
}
