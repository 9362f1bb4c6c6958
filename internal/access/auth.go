// Package access decides who a caller is, whether they may proceed right now,
// and whether they may use admin-gated operations.
package access

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/jwks"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID         string
	OrganizationID string
	Roles          []string
}

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	ValidateJWT(ctx context.Context, token, issuer, audience string) (jwt.MapClaims, error)
}

// Authenticator resolves the caller identity from bearer tokens.
type Authenticator struct {
	verifier TokenVerifier
	issuer   string
	audience string
}

// NewAuthenticator builds an Authenticator over verifier.
func NewAuthenticator(verifier TokenVerifier, issuer, audience string) *Authenticator {
	return &Authenticator{verifier: verifier, issuer: issuer, audience: audience}
}

// Authenticate extracts and verifies the bearer token on r.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return Identity{}, errordefs.New(errordefs.MMG_AUTHN, "missing Authorization header", "")
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return Identity{}, errordefs.New(errordefs.MMG_AUTHN, "invalid Authorization header format", "")
	}
	return a.AuthenticateToken(r.Context(), token)
}

// AuthenticateToken verifies a raw bearer token.
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string) (Identity, error) {
	claims, err := a.verifier.ValidateJWT(ctx, token, a.issuer, a.audience)
	if err != nil {
		switch {
		case errors.Is(err, jwks.ErrExpired):
			return Identity{}, errordefs.New(errordefs.MMG_JWT_EXPIRED, "JWT token expired", "")
		case errors.Is(err, jwks.ErrUnavailable):
			return Identity{}, errordefs.Wrap(errordefs.MMG_UNAVAILABLE, "token verification unavailable", err)
		default:
			return Identity{}, errordefs.Wrap(errordefs.MMG_JWT_INVALID, "invalid JWT", err)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, errordefs.New(errordefs.MMG_JWT_INVALID, "missing or invalid sub claim", "")
	}
	id := Identity{UserID: sub}
	id.OrganizationID, _ = claims["org"].(string)
	id.Roles = rolesFromClaims(claims)
	return id, nil
}

// rolesFromClaims accepts either "role": "admin" or "roles": ["admin", ...].
func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	if r, ok := claims["role"].(string); ok && r != "" {
		roles = append(roles, r)
	}
	if list, ok := claims["roles"].([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	return roles
}

// TrustedProxies lists the networks whose forwarding headers are believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies parses CIDRs or bare addresses into TrustedProxies.
func ParseTrustedProxies(list []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(list))
	for _, v := range list {
		if addr, err := netip.ParseAddr(v); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Contains reports whether ip falls inside a trusted network.
func (t TrustedProxies) Contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the rate-limit key for r. Forwarding headers are honoured
// only when the connection comes from a trusted proxy; X-Forwarded-For is
// walked right to left and the first untrusted hop wins.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	remote := remoteHost(r)
	if !t.Contains(remote) {
		return remote
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && (!t.Contains(hop) || i == 0) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remote
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
