package access

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/jwks"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiterEleventhRequestRejected(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewRateLimiter(10, time.Minute).WithClock(c.now)

	for i := 0; i < 10; i++ {
		require.True(t, l.Allow("10.0.0.1").Allowed, "request %d", i+1)
	}
	d := l.Allow("10.0.0.1")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// Other keys are independent.
	assert.True(t, l.Allow("10.0.0.2").Allowed)

	c.advance(59 * time.Second)
	assert.False(t, l.Allow("10.0.0.1").Allowed)
	c.advance(time.Second)
	d = l.Allow("10.0.0.1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestRateLimiterConcurrentBoundary(t *testing.T) {
	l := NewRateLimiter(10, time.Minute)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, allowed.Load())
}

func TestRateLimiterSweep(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	l := NewRateLimiter(1, time.Second).WithClock(c.now)
	l.Allow("a")
	l.Allow("b")
	c.advance(2 * time.Second)
	assert.Equal(t, 2, l.Sweep())
}

func TestUntrustedClientIPIgnoresForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	r.Header.Set("X-Real-IP", "198.51.100.7")
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	var none TrustedProxies
	assert.Equal(t, "192.0.2.1", none.ClientIP(r))
}

func TestTrustedProxiesClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", trusted.ClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", trusted.ClientIP(r))

	// Client-supplied hops left of the last untrusted one are ignored.
	r.Header.Set("X-Forwarded-For", "1.1.1.1, 203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", trusted.ClientIP(r))

	r.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.1")
	assert.Equal(t, "10.0.0.2", trusted.ClientIP(r))

	r.RemoteAddr = "192.0.2.1:80"
	assert.Equal(t, "10.0.0.2", trusted.ClientIP(r))

	r.RemoteAddr = "192.0.2.2:80"
	assert.Equal(t, "192.0.2.2", trusted.ClientIP(r))
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"not-a-cidr"})
	assert.Error(t, err)
}

func signToken(t *testing.T, priv ed25519.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func TestAuthenticator(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	auth := NewAuthenticator(jwks.NewStaticClient(map[string]ed25519.PublicKey{"k1": pub}), "iss", "aud")

	valid := signToken(t, priv, jwt.MapClaims{
		"sub": "user-1", "org": "org-1", "iss": "iss", "aud": "aud", "role": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+valid)
	id, err := auth.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-1", OrganizationID: "org-1", Roles: []string{"admin"}}, id)

	tests := []struct {
		name   string
		header string
		code   errordefs.ErrorCode
	}{
		{"missing header", "", errordefs.MMG_AUTHN},
		{"not bearer", "Basic abc", errordefs.MMG_AUTHN},
		{"garbage", "Bearer not-a-jwt", errordefs.MMG_JWT_INVALID},
		{"expired", "Bearer " + signToken(t, priv, jwt.MapClaims{"sub": "u", "iss": "iss", "aud": "aud", "exp": time.Now().Add(-time.Hour).Unix()}), errordefs.MMG_JWT_EXPIRED},
		{"wrong audience", "Bearer " + signToken(t, priv, jwt.MapClaims{"sub": "u", "iss": "iss", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()}), errordefs.MMG_JWT_INVALID},
		{"no subject", "Bearer " + signToken(t, priv, jwt.MapClaims{"iss": "iss", "aud": "aud", "exp": time.Now().Add(time.Hour).Unix()}), errordefs.MMG_JWT_INVALID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			_, err := auth.Authenticate(r)
			assert.True(t, errordefs.IsCode(err, tt.code), "got %v", err)
		})
	}
}

type countingRoles struct {
	calls atomic.Int32
	admin atomic.Bool
	err   error
}

func (c *countingRoles) IsAdmin(context.Context, Identity) (bool, error) {
	c.calls.Add(1)
	return c.admin.Load(), c.err
}

func TestGateRechecksEveryCall(t *testing.T) {
	roles := &countingRoles{}
	roles.admin.Store(true)
	g := NewGate(roles)
	id := Identity{UserID: "u"}

	require.NoError(t, g.RequireAdmin(context.Background(), id))
	roles.admin.Store(false)
	err := g.RequireAdmin(context.Background(), id)
	assert.True(t, errordefs.IsCode(err, errordefs.MMG_ADMIN_REQUIRED))
	assert.EqualValues(t, 2, roles.calls.Load())

	roles.err = errors.New("down")
	assert.True(t, errordefs.IsCode(g.RequireAdmin(context.Background(), id), errordefs.MMG_UNAVAILABLE))
	assert.False(t, g.IsAdmin(context.Background(), id))
}

func TestClaimRoles(t *testing.T) {
	ok, err := ClaimRoles{}.IsAdmin(context.Background(), Identity{Roles: []string{"editor", "admin"}})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = ClaimRoles{}.IsAdmin(context.Background(), Identity{})
	assert.False(t, ok)
}
