package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/vector"
)

func TestEveryProviderOperationHasACapableProvider(t *testing.T) {
	set := NewSet(Simulators()...)
	for _, op := range model.ProviderOperations {
		c, ok := CapabilityFor(op)
		require.True(t, ok, "no capability for %s", op)
		found := false
		for _, name := range set.Names() {
			e, _ := set.Get(name)
			if e.Supports(c) {
				found = true
				break
			}
		}
		assert.True(t, found, "no executor serves %s", op)
	}
}

func TestSimulatedImageIsDeterministic(t *testing.T) {
	s, err := NewSimulated(model.ProviderDALLE)
	require.NoError(t, err)
	req := Request{
		Operation:  model.OpImageGenerate,
		Capability: CapImage,
		Params:     json.RawMessage(`{"prompt":"a red fox","numOutputs":2,"width":1024,"height":1024}`),
	}
	a, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	b, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	images, ok := a.Output["images"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, images, 2)
	assert.InDelta(t, 0.08, a.Cost, 1e-9)

	_, err = s.Execute(context.Background(), Request{Operation: model.OpTTS, Capability: CapSpeech})
	assert.Error(t, err)
}

func TestSimulatedSpeechCost(t *testing.T) {
	eleven, _ := NewSimulated(model.ProviderElevenLabs)
	polly, _ := NewSimulated(model.ProviderAmazonPolly)
	req := Request{Operation: model.OpTTS, Capability: CapSpeech, Params: json.RawMessage(`{"text":"hello there world"}`)}

	a, err := eleven.Execute(context.Background(), req)
	require.NoError(t, err)
	b, err := polly.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, a.Cost, b.Cost)
	assert.Contains(t, a.Output, "audio")
}

func TestHashEmbeddingSharesTokens(t *testing.T) {
	fox := HashEmbedding("a red fox in the snow", 128)
	fox2 := HashEmbedding("red fox", 128)
	car := HashEmbedding("blue sports car", 128)
	assert.Len(t, fox, 128)
	assert.InDelta(t, 1, vector.Dot(fox, fox), 1e-9)
	assert.Greater(t, vector.Cosine(fox, fox2), vector.Cosine(fox, car))
}

func TestSimulatedEmbeddingDimensions(t *testing.T) {
	s, _ := NewSimulated(model.ProviderCohere)
	resp, err := s.Execute(context.Background(), Request{
		Operation:  model.OpEmbed,
		Capability: CapEmbedding,
		Inputs:     []string{"one", "two"},
		Dimensions: 64,
	})
	require.NoError(t, err)
	require.Len(t, resp.Vectors, 2)
	assert.Len(t, resp.Vectors[0], 64)
	assert.Greater(t, resp.Cost, 0.0)
}

func TestSimulatedHonoursCancelledContext(t *testing.T) {
	s, _ := NewSimulated(model.ProviderGemini)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Execute(ctx, Request{Operation: model.OpMultimodalProcess, Capability: CapReasoning})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/execute", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Operation == model.OpImageEdit {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream exploded","cost":0.02}`))
			return
		}
		_ = json.NewEncoder(w).Encode(Response{Output: map[string]any{"ok": true}, Cost: 0.04})
	}))
	defer srv.Close()

	e, err := NewHTTPExecutor(model.ProviderDALLE, srv.URL, "secret")
	require.NoError(t, err)

	resp, err := e.Execute(context.Background(), Request{Operation: model.OpImageGenerate, Capability: CapImage})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Output["ok"])
	assert.InDelta(t, 0.04, resp.Cost, 1e-9)

	_, err = e.Execute(context.Background(), Request{Operation: model.OpImageEdit, Capability: CapImage})
	require.Error(t, err)
	var billed *BilledError
	require.True(t, errors.As(err, &billed))
	assert.InDelta(t, 0.02, BilledCost(err), 1e-9)
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestFromEndpointsOverridesSimulator(t *testing.T) {
	set, err := FromEndpoints(map[string]string{"cohere": "http://127.0.0.1:1"}, "")
	require.NoError(t, err)
	e, ok := set.Get(model.ProviderCohere)
	require.True(t, ok)
	_, isHTTP := e.(*HTTPExecutor)
	assert.True(t, isHTTP)

	_, err = FromEndpoints(map[string]string{"nobody": "http://x"}, "")
	assert.Error(t, err)
}
