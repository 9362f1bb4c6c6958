package server_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/app"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/config"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

const (
	issuer   = "https://issuer.test"
	audience = "gateway"
)

type gateway struct {
	t    *testing.T
	app  *app.App
	priv ed25519.PrivateKey
}

func newGateway(t *testing.T, tune ...func(*config.Config)) *gateway {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.JWTIssuer, cfg.JWTAudience = issuer, audience
	cfg.RateLimit = 1000
	cfg.AllowDevUserID = false
	cfg.CORSAllowedOrigins = []string{"https://app.example"}
	for _, fn := range tune {
		fn(&cfg)
	}
	a, err := app.New(app.Options{
		Config:   cfg,
		Verifier: jwks.NewStaticClient(map[string]ed25519.PublicKey{"k1": pub}),
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return &gateway{t: t, app: a, priv: priv}
}

func (g *gateway) token(user string, roles ...string) string {
	g.t.Helper()
	claims := jwt.MapClaims{
		"sub": user, "org": "org-1", "iss": issuer, "aud": audience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(g.priv)
	if err != nil {
		g.t.Fatal(err)
	}
	return s
}

// do sends a request as user; an empty user sends no Authorization header.
func (g *gateway) do(method, target, user, body string, roles ...string) *httptest.ResponseRecorder {
	g.t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+g.token(user, roles...))
	}
	rr := httptest.NewRecorder()
	g.app.Handler.ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Success   bool
	RequestID string
	Status    model.Status
	Provider  model.Provider
	CacheHit  bool
	Result    json.RawMessage
	Error     *struct {
		Code          string
		Message       string
		CorrelationID string
		Details       []struct{ Field, Message string }
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %v: %s", err, rr.Body.String())
	}
	return env
}

func resultOf[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatalf("decode result: %v: %s", err, env.Result)
	}
	return out
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("handler returned wrong status code: got %v want %v: %s", rr.Code, want, rr.Body.String())
	}
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) envelope {
	t.Helper()
	expectStatus(t, rr, status)
	env := decode(t, rr)
	if env.Success || env.Error == nil || env.Error.Code != code {
		t.Fatalf("expected error %s, got %s", code, rr.Body.String())
	}
	return env
}

func TestHealthzEndpoint(t *testing.T) {
	g := newGateway(t)
	rr := g.do("GET", "/healthz", "", "")
	expectStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "ok")
	}
	expectStatus(t, g.do("GET", "/readyz", "", ""), http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	g := newGateway(t)
	rr := g.do("GET", "/metrics", "", "")
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Errorf("metrics output missing runtime collectors")
	}
}

func TestGenerateImageEndToEnd(t *testing.T) {
	g := newGateway(t)
	rr := g.do("POST", "/v1/gateway/generate-image", "alice", `{"prompt":"a red fox","provider":"AUTO"}`)
	expectStatus(t, rr, http.StatusOK)
	env := decode(t, rr)
	if !env.Success || env.RequestID == "" || env.Status != model.StatusSucceeded {
		t.Fatalf("unexpected envelope: %s", rr.Body.String())
	}
	if env.Provider != model.ProviderDALLE {
		t.Errorf("provider = %v, want %v", env.Provider, model.ProviderDALLE)
	}
	images := resultOf[struct{ Images []map[string]any }](t, env).Images
	if len(images) == 0 {
		t.Fatalf("result has no images: %s", env.Result)
	}

	lookup := g.do("GET", "/v1/gateway?requestId="+env.RequestID, "alice", "")
	expectStatus(t, lookup, http.StatusOK)
	if got := decode(t, lookup).Status; got != model.StatusSucceeded {
		t.Errorf("lookup status = %v, want succeeded", got)
	}

	events, err := g.app.Ledger.Query(context.Background(), model.MetricFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].RequestID != env.RequestID || events[0].OperationType != model.OpImageGenerate {
		t.Fatalf("ledger = %+v, want one generate-image entry for %s", events, env.RequestID)
	}
	if events[0].Cost <= 0 || events[0].Status != model.StatusSucceeded {
		t.Errorf("ledger entry = %+v, want a billed success", events[0])
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	g := newGateway(t)
	req := httptest.NewRequest("POST", "/v1/gateway/generate-image", strings.NewReader(`{"prompt":"x","width":32}`))
	req.Header.Set("Authorization", "Bearer "+g.token("alice"))
	req.Header.Set("X-Correlation-Id", "corr-1")
	rr := httptest.NewRecorder()
	g.app.Handler.ServeHTTP(rr, req)

	env := expectCode(t, rr, http.StatusBadRequest, "MMG_VALIDATION")
	if env.Error.CorrelationID != "corr-1" || rr.Header().Get("X-Correlation-Id") != "corr-1" {
		t.Errorf("correlation id not propagated: %s", rr.Body.String())
	}
	if len(env.Error.Details) == 0 || env.Error.Details[0].Field != "width" {
		t.Errorf("details = %+v, want width", env.Error.Details)
	}
	if n := len(g.app.Registry.List(model.HistoryFilter{})); n != 0 {
		t.Errorf("rejected payload created %d registry records", n)
	}
}

func TestRouting(t *testing.T) {
	g := newGateway(t)
	tests := []struct {
		name   string
		method string
		path   string
		user   string
		status int
		code   string
	}{
		{"unknown operation", "POST", "/v1/gateway/summon-dragon", "alice", http.StatusNotFound, "MMG_NOT_FOUND"},
		{"no credentials", "POST", "/v1/gateway/generate-image", "", http.StatusUnauthorized, "MMG_AUTHN"},
		{"operation via GET", "GET", "/v1/gateway/generate-image", "alice", http.StatusMethodNotAllowed, "MMG_METHOD_NOT_ALLOWED"},
		{"unknown path", "GET", "/v1/gateway/a/b", "alice", http.StatusNotFound, "MMG_NOT_FOUND"},
		{"lookup without key", "GET", "/v1/gateway", "alice", http.StatusBadRequest, "MMG_BAD_REQUEST"},
		{"unknown request id", "GET", "/v1/gateway?requestId=nope", "alice", http.StatusNotFound, "MMG_NOT_FOUND"},
		{"unknown asset id", "GET", "/v1/gateway?assetId=nope", "alice", http.StatusNotFound, "MMG_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectCode(t, g.do(tt.method, tt.path, tt.user, `{"prompt":"x"}`), tt.status, tt.code)
		})
	}
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	g := newGateway(t)
	for _, op := range []string{"metrics", "cost-breakdown", "cache-stats", "clear-cache"} {
		expectCode(t, g.do("POST", "/v1/gateway/"+op, "alice", `{}`), http.StatusForbidden, "MMG_ADMIN_REQUIRED")
		expectStatus(t, g.do("POST", "/v1/gateway/"+op, "root", `{}`, "admin"), http.StatusOK)
	}
}

func TestCostBreakdownGroupsByTypeAndProvider(t *testing.T) {
	g := newGateway(t)
	expectStatus(t, g.do("POST", "/v1/gateway/generate-image", "alice", `{"prompt":"fox"}`), http.StatusOK)
	expectStatus(t, g.do("POST", "/v1/gateway/text-to-speech", "alice", `{"text":"hello there"}`), http.StatusOK)

	rr := g.do("POST", "/v1/gateway/cost-breakdown", "root", `{"groupBy":["operationType","provider"]}`, "admin")
	expectStatus(t, rr, http.StatusOK)
	out := resultOf[struct {
		Breakdown map[string][]struct {
			Key   string
			Count int
		}
		TotalCost float64
	}](t, decode(t, rr))
	if len(out.Breakdown["operationType"]) != 2 || len(out.Breakdown["provider"]) != 2 {
		t.Errorf("breakdown = %+v, want two buckets per grouping", out.Breakdown)
	}
	if out.TotalCost <= 0 {
		t.Errorf("total cost = %v, want > 0", out.TotalCost)
	}
}

func TestRateLimitReturnsRetryAfter(t *testing.T) {
	g := newGateway(t, func(c *config.Config) { c.RateLimit = 2 })
	for i := 0; i < 2; i++ {
		expectStatus(t, g.do("GET", "/v1/gateway/websocket-token", "alice", ""), http.StatusOK)
	}
	rr := g.do("GET", "/v1/gateway/websocket-token", "alice", "")
	expectCode(t, rr, http.StatusTooManyRequests, "MMG_RATE_LIMIT")
	if rr.Header().Get("Retry-After") == "" {
		t.Errorf("rate-limited response has no Retry-After header")
	}
}

func TestRotatingForwardedForKeepsSocketLimit(t *testing.T) {
	send := func(g *gateway, i int) int {
		req := httptest.NewRequest("GET", "/v1/gateway/websocket-token", nil)
		req.Header.Set("Authorization", "Bearer "+g.token("alice"))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rr := httptest.NewRecorder()
		g.app.Handler.ServeHTTP(rr, req)
		return rr.Code
	}

	g := newGateway(t, func(c *config.Config) { c.RateLimit = 10 })
	for i := 0; i < 30; i++ {
		code := send(g, i)
		if i < 10 && code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
		if i >= 10 && code != http.StatusTooManyRequests {
			t.Fatalf("request %d status = %d, want 429", i, code)
		}
	}

	// Behind a trusted proxy each forwarded client gets its own budget.
	proxied := newGateway(t, func(c *config.Config) {
		c.RateLimit = 1
		c.TrustedProxies = []string{"192.0.2.0/24"}
	})
	for i := 0; i < 5; i++ {
		if code := send(proxied, i); code != http.StatusOK {
			t.Fatalf("proxied request %d status = %d, want 200", i, code)
		}
	}
}

func TestSecondIdenticalCallIsCacheHit(t *testing.T) {
	g := newGateway(t)
	body := `{"text":"hello world","voice":"narrator"}`
	first := decode(t, g.do("POST", "/v1/gateway/text-to-speech", "alice", body))
	second := decode(t, g.do("POST", "/v1/gateway/text-to-speech", "alice", body))
	if first.CacheHit || !second.CacheHit {
		t.Fatalf("cache hits = %v, %v; want false, true", first.CacheHit, second.CacheHit)
	}
	if !bytes.Equal(first.Result, second.Result) {
		t.Errorf("cached result differs from original")
	}
}

func TestAsyncOperationIsAccepted(t *testing.T) {
	g := newGateway(t)
	rr := g.do("POST", "/v1/gateway/create-embeddings", "alice", `{"content":"hello","contentType":"text","async":true}`)
	expectStatus(t, rr, http.StatusAccepted)
	env := decode(t, rr)
	if env.Status != model.StatusPending || env.RequestID == "" {
		t.Fatalf("unexpected async envelope: %s", rr.Body.String())
	}
	if err := g.app.Dispatcher.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	lookup := decode(t, g.do("GET", "/v1/gateway?requestId="+env.RequestID, "alice", ""))
	if lookup.Status != model.StatusSucceeded {
		t.Errorf("async status = %v, want succeeded", lookup.Status)
	}
}

func TestCancelIsScopedToOwner(t *testing.T) {
	g := newGateway(t)
	env := decode(t, g.do("POST", "/v1/gateway/generate-image", "alice", `{"prompt":"fox"}`))
	body := `{"requestId":"` + env.RequestID + `"}`

	expectCode(t, g.do("POST", "/v1/gateway/cancel-operation", "bob", body), http.StatusNotFound, "MMG_NOT_FOUND")
	expectCode(t, g.do("GET", "/v1/gateway?requestId="+env.RequestID, "bob", ""), http.StatusNotFound, "MMG_NOT_FOUND")

	rr := g.do("POST", "/v1/gateway/cancel-operation", "alice", body)
	expectStatus(t, rr, http.StatusOK)
	out := resultOf[struct {
		Cancelled bool
		Status    model.Status
	}](t, decode(t, rr))
	if out.Cancelled || out.Status != model.StatusSucceeded {
		t.Errorf("cancel after success = %+v, want succeeded and not cancelled", out)
	}
}

func TestHistoryIsScopedToCaller(t *testing.T) {
	g := newGateway(t)
	expectStatus(t, g.do("POST", "/v1/gateway/create-embeddings", "alice", `{"content":"a","contentType":"text"}`), http.StatusOK)
	expectStatus(t, g.do("POST", "/v1/gateway/create-embeddings", "bob", `{"content":"b","contentType":"text"}`), http.StatusOK)

	count := func(user string, roles ...string) int {
		rr := g.do("POST", "/v1/gateway/operation-history", user, `{"userId":"bob"}`, roles...)
		expectStatus(t, rr, http.StatusOK)
		return resultOf[struct{ Total int }](t, decode(t, rr)).Total
	}
	if n := count("alice"); n != 1 {
		t.Errorf("alice sees %d records, want only her own", n)
	}
	if n := count("root", "admin"); n != 1 {
		t.Errorf("admin filtering by bob sees %d records, want 1", n)
	}
}

func TestAssetLifecycle(t *testing.T) {
	g := newGateway(t)
	rr := g.do("POST", "/v1/gateway/manage-assets", "alice",
		`{"operation":"index","assets":[{"content":"a red fox in snow","contentType":"text"},{"content":"ocean waves","contentType":"text"}]}`)
	expectStatus(t, rr, http.StatusOK)
	ids := resultOf[struct{ AssetIDs []string }](t, decode(t, rr)).AssetIDs
	if len(ids) != 2 {
		t.Fatalf("indexed ids = %v", ids)
	}

	got := g.do("GET", "/v1/gateway?assetId="+ids[0], "alice", "")
	expectStatus(t, got, http.StatusOK)
	asset := resultOf[struct{ Asset model.Asset }](t, decode(t, got)).Asset
	if asset.CreatedBy != "alice" || len(asset.Embedding) != 0 {
		t.Errorf("asset = %+v, want createdBy alice without embedding", asset)
	}

	search := g.do("GET", "/v1/gateway?query=red+fox&contentTypes=text,image&limit=1", "alice", "")
	expectStatus(t, search, http.StatusOK)
	hits := resultOf[struct{ Results []model.ScoredAsset }](t, decode(t, search)).Results
	if len(hits) != 1 || hits[0].Asset.ID != ids[0] {
		t.Errorf("search hits = %+v, want %s first", hits, ids[0])
	}

	upd := g.do("PUT", "/v1/gateway?assetId="+ids[0], "alice", `{"tags":[" animal","animal"]}`)
	expectStatus(t, upd, http.StatusOK)
	if tags := resultOf[struct{ Asset model.Asset }](t, decode(t, upd)).Asset.Tags; len(tags) != 1 || tags[0] != "animal" {
		t.Errorf("tags = %v, want [animal]", tags)
	}
	expectCode(t, g.do("PUT", "/v1/gateway?assetId="+ids[0], "alice", `{"colour":"red"}`), http.StatusBadRequest, "MMG_VALIDATION")

	expectStatus(t, g.do("DELETE", "/v1/gateway?assetId="+ids[0], "alice", ""), http.StatusOK)
	expectCode(t, g.do("DELETE", "/v1/gateway?assetId="+ids[0], "alice", ""), http.StatusNotFound, "MMG_NOT_FOUND")
}

func TestCollaborationOperation(t *testing.T) {
	g := newGateway(t)
	rr := g.do("POST", "/v1/gateway/collaboration", "alice", `{"sessionId":"s1","operation":"update","userId":"mallory","position":{"x":1,"y":2}}`)
	expectStatus(t, rr, http.StatusOK)
	snap := resultOf[struct {
		Session struct {
			Participants []string
			State        map[string]any
		}
	}](t, decode(t, rr)).Session
	if len(snap.Participants) != 1 || snap.Participants[0] != "alice" {
		t.Errorf("participants = %v, want the caller only", snap.Participants)
	}
	if _, ok := snap.State["position"]; !ok {
		t.Errorf("state = %v, want position", snap.State)
	}
}

func TestCORSPreflight(t *testing.T) {
	g := newGateway(t)
	req := httptest.NewRequest("OPTIONS", "/v1/gateway/generate-image", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	g.app.Handler.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusNoContent)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	g.app.Handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Access-Control-Allow-Origin %q", got)
	}
}

func TestRealtimeTokenAndWebsocket(t *testing.T) {
	g := newGateway(t)
	rr := g.do("GET", "/v1/gateway/websocket-token", "alice", "")
	expectStatus(t, rr, http.StatusOK)
	tok := resultOf[model.RealtimeToken](t, decode(t, rr))
	if tok.UserID != "alice" || tok.Token == "" {
		t.Fatalf("token = %+v", tok)
	}

	srv := httptest.NewServer(g.app.Handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/gateway/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(url+"?token=bogus", nil); err == nil {
		t.Fatal("dial with bogus token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token response = %v", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+tok.Token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello struct {
		Type    string
		Payload map[string]any
	}
	if err := ws.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.Type != "connected" || hello.Payload["userId"] != "alice" {
		t.Errorf("first frame = %+v", hello)
	}

	revoke := g.do("DELETE", "/v1/gateway/websocket-token?token="+tok.Token, "bob", "")
	expectCode(t, revoke, http.StatusNotFound, "MMG_NOT_FOUND")
	expectStatus(t, g.do("DELETE", "/v1/gateway/websocket-token?token="+tok.Token, "alice", ""), http.StatusOK)
}
