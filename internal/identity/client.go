// Package identity is a client for the principal service that owns user roles.
// The gateway asks it whether a caller is an admin on every gated request.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"
)

// Client for the principal service.
type Client struct {
	base string       // Base URL of the principal service
	hc   *http.Client // HTTP client with custom configuration
}

// Principal is the role record for one user.
type Principal struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// ErrNotFound is returned when the principal is unknown.
var ErrNotFound = errors.New("principal not found")

// New creates a new identity client with the specified base URL.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Get retrieves the principal record for userID.
// Returns ErrNotFound if the principal doesn't exist, or another error on transport failure.
func (c *Client) Get(ctx context.Context, userID string) (Principal, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return Principal{}, fmt.Errorf("identity base url: %w", err)
	}
	u = u.JoinPath("/v1/principals", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Principal{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Principal{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var p Principal
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return Principal{}, err
		}
		return p, nil
	case http.StatusNotFound:
		return Principal{}, ErrNotFound
	default:
		return Principal{}, fmt.Errorf("identity get failed: %s", resp.Status)
	}
}

// IsAdmin reports whether userID currently holds the admin role.
// Unknown principals are not admins.
func (c *Client) IsAdmin(ctx context.Context, userID string) (bool, error) {
	p, err := c.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return slices.Contains(p.Roles, "admin"), nil
}
