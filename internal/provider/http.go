package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// HTTPExecutor forwards requests to a remote provider adapter. The adapter
// accepts POST <base>/v1/execute with a Request body and answers with a
// Response. Failures may carry {"error": "...", "cost": n}.
type HTTPExecutor struct {
	name   model.Provider
	cap    Capability
	base   string
	apiKey string
	hc     *http.Client
}

// NewHTTPExecutor creates an executor for provider p at baseURL.
func NewHTTPExecutor(p model.Provider, baseURL, apiKey string) (*HTTPExecutor, error) {
	c, ok := families[p]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", p)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("provider %s endpoint: %w", p, err)
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 16,
	}
	return &HTTPExecutor{
		name:   p,
		cap:    c,
		base:   baseURL,
		apiKey: apiKey,
		// the dispatcher's per-attempt context bounds each call
		hc: &http.Client{Transport: transport},
	}, nil
}

func (h *HTTPExecutor) Name() model.Provider { return h.name }

func (h *HTTPExecutor) Supports(c Capability) bool { return c == h.cap }

type remoteError struct {
	Error string  `json:"error"`
	Cost  float64 `json:"cost"`
}

// Execute posts req to the adapter.
func (h *HTTPExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	u, err := url.Parse(h.base)
	if err != nil {
		return Response{}, err
	}
	u = u.JoinPath("/v1/execute")

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.hc.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", h.name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Response{}, fmt.Errorf("%s: read response: %w", h.name, err)
	}

	if resp.StatusCode/100 != 2 {
		var re remoteError
		_ = json.Unmarshal(data, &re)
		msg := re.Error
		if msg == "" {
			msg = resp.Status
		}
		failure := fmt.Errorf("%s: %s", h.name, msg)
		if re.Cost > 0 {
			return Response{}, &BilledError{Cost: re.Cost, Err: failure}
		}
		return Response{}, failure
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, errors.Join(fmt.Errorf("%s: malformed response", h.name), err)
	}
	return out, nil
}

// FromEndpoints builds the executor set: remote executors for the providers
// listed in endpoints, simulators for the rest.
func FromEndpoints(endpoints map[string]string, apiKey string) (*Set, error) {
	executors := Simulators()
	for name, base := range endpoints {
		e, err := NewHTTPExecutor(model.Provider(name), base, apiKey)
		if err != nil {
			return nil, err
		}
		executors = append(executors, e)
	}
	return NewSet(executors...), nil
}
