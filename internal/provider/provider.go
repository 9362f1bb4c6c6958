// Package provider defines the capability executors the dispatcher invokes.
//
// Providers are opaque: the gateway hands an executor a Request and gets back
// a Response or an error. Executors may run on the built-in simulator or
// forward to a remote endpoint.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// Capability groups operation types an executor can serve.
type Capability string

const (
	CapImage     Capability = "image"
	CapSpeech    Capability = "speech"
	CapEmbedding Capability = "embedding"
	CapReasoning Capability = "reasoning"
)

var capabilities = map[model.OperationType]Capability{
	model.OpImageGenerate:       CapImage,
	model.OpImageVariation:      CapImage,
	model.OpImageEdit:           CapImage,
	model.OpImageUpscale:        CapImage,
	model.OpStyleTransfer:       CapImage,
	model.OpTTS:                 CapSpeech,
	model.OpVoiceClone:          CapSpeech,
	model.OpEmbed:               CapEmbedding,
	model.OpSemanticSearch:      CapEmbedding,
	model.OpSimilarity:          CapEmbedding,
	model.OpRecommend:           CapEmbedding,
	model.OpDiscover:            CapEmbedding,
	model.OpMatchAssets:         CapEmbedding,
	model.OpAssetManage:         CapEmbedding,
	model.OpWorkflowExecute:     CapReasoning,
	model.OpMultimodalProcess:   CapReasoning,
	model.OpMultimodalGenerate:  CapReasoning,
	model.OpTranslateModalities: CapReasoning,
}

// CapabilityFor returns the capability an operation type needs.
func CapabilityFor(op model.OperationType) (Capability, bool) {
	c, ok := capabilities[op]
	return c, ok
}

// Request is one provider invocation.
type Request struct {
	Operation  model.OperationType `json:"operation"`
	Capability Capability          `json:"capability"`
	// Params is the canonical JSON of the operation parameters.
	Params json.RawMessage `json:"params,omitempty"`
	// Inputs are the contents to embed, for embedding requests.
	Inputs     []string `json:"inputs,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// Response is what an executor returns on success.
type Response struct {
	Output  map[string]any `json:"output,omitempty"`
	Vectors [][]float64    `json:"vectors,omitempty"`
	Cost    float64        `json:"cost"`
}

// Executor runs requests for one provider.
type Executor interface {
	Name() model.Provider
	Supports(Capability) bool
	Execute(ctx context.Context, req Request) (Response, error)
}

// BilledError is a provider failure the provider still charged for.
type BilledError struct {
	Cost float64
	Err  error
}

func (e *BilledError) Error() string {
	return fmt.Sprintf("%v (billed %.6f)", e.Err, e.Cost)
}

func (e *BilledError) Unwrap() error { return e.Err }

// BilledCost extracts the cost carried by err, or 0.
func BilledCost(err error) float64 {
	var b *BilledError
	if errors.As(err, &b) {
		return b.Cost
	}
	return 0
}

// Set is the collection of executors known to the gateway.
type Set struct {
	byName map[model.Provider]Executor
}

// NewSet indexes executors by name. Later entries replace earlier ones.
func NewSet(executors ...Executor) *Set {
	s := &Set{byName: make(map[model.Provider]Executor, len(executors))}
	for _, e := range executors {
		s.byName[e.Name()] = e
	}
	return s
}

// Get returns the executor for name.
func (s *Set) Get(name model.Provider) (Executor, bool) {
	e, ok := s.byName[name]
	return e, ok
}

// Names lists the registered providers in sorted order.
func (s *Set) Names() []model.Provider {
	out := make([]model.Provider, 0, len(s.byName))
	for n := range s.byName {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Func adapts a function into an Executor.
type Func struct {
	Provider     model.Provider
	Capabilities []Capability
	Fn           func(ctx context.Context, req Request) (Response, error)
}

func (f Func) Name() model.Provider { return f.Provider }

func (f Func) Supports(c Capability) bool {
	for _, have := range f.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (f Func) Execute(ctx context.Context, req Request) (Response, error) {
	return f.Fn(ctx, req)
}
