package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/vector"
)

// DefaultDimensions is the embedding size when a request does not set one.
const DefaultDimensions = 256

// families lists the built-in capability of every provider.
var families = map[model.Provider]Capability{
	model.ProviderDALLE:            CapImage,
	model.ProviderMidjourney:       CapImage,
	model.ProviderStableDiffusion:  CapImage,
	model.ProviderElevenLabs:       CapSpeech,
	model.ProviderOpenAITTS:        CapSpeech,
	model.ProviderGoogleTTS:        CapSpeech,
	model.ProviderAmazonPolly:      CapSpeech,
	model.ProviderOpenAIEmbeddings: CapEmbedding,
	model.ProviderCohere:           CapEmbedding,
	model.ProviderHuggingFace:      CapEmbedding,
	model.ProviderPinecone:         CapEmbedding,
	model.ProviderWeaviate:         CapEmbedding,
	model.ProviderClaude:           CapReasoning,
	model.ProviderGPT4V:            CapReasoning,
	model.ProviderGemini:           CapReasoning,
}

// Family returns the capability p serves.
func Family(p model.Provider) (Capability, bool) {
	c, ok := families[p]
	return c, ok
}

// imagePriceFactor scales the base per-image price.
var imagePriceFactor = map[model.Provider]float64{
	model.ProviderDALLE:           1,
	model.ProviderMidjourney:      1.25,
	model.ProviderStableDiffusion: 0.5,
}

// Simulated is a deterministic in-process executor. The same request always
// produces the same response, and costs follow the published price model,
// so cached results are indistinguishable from a fresh call.
type Simulated struct {
	name model.Provider
	cap  Capability
}

// NewSimulated returns the simulator for p.
func NewSimulated(p model.Provider) (*Simulated, error) {
	c, ok := families[p]
	if !ok {
		return nil, fmt.Errorf("no simulator for provider %q", p)
	}
	return &Simulated{name: p, cap: c}, nil
}

// Simulators returns one simulator per known provider.
func Simulators() []Executor {
	out := make([]Executor, 0, len(model.Providers))
	for _, p := range model.Providers {
		s, err := NewSimulated(p)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (s *Simulated) Name() model.Provider { return s.name }

func (s *Simulated) Supports(c Capability) bool { return c == s.cap }

// Execute produces the capability output for req.
func (s *Simulated) Execute(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if !s.Supports(req.Capability) {
		return Response{}, fmt.Errorf("%s does not serve %s requests", s.name, req.Capability)
	}
	var p params
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p.m); err != nil {
			return Response{}, fmt.Errorf("decode params: %w", err)
		}
	}
	digest := s.digest(req)

	switch req.Capability {
	case CapImage:
		return s.image(req.Operation, p, digest), nil
	case CapSpeech:
		return s.speech(req.Operation, p, digest), nil
	case CapEmbedding:
		return s.embedding(req), nil
	default:
		return s.reasoning(req.Operation, p, digest), nil
	}
}

func (s *Simulated) digest(req Request) string {
	h := sha256.New()
	h.Write([]byte(s.name))
	h.Write([]byte{0})
	h.Write([]byte(req.Operation))
	h.Write([]byte{0})
	h.Write(req.Params)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (s *Simulated) url(kind, digest string, i int, ext string) string {
	return fmt.Sprintf("https://cdn.mmg.local/%s/%s/%s-%d.%s", s.name, kind, digest, i, ext)
}

func (s *Simulated) image(op model.OperationType, p params, digest string) Response {
	n := p.intOr("numOutputs", 1)
	w := p.intOr("width", 1024)
	h := p.intOr("height", 1024)
	if op == model.OpImageUpscale {
		scale := p.intOr("scale", 2)
		w, h, n = w*scale, h*scale, 1
	}
	images := make([]map[string]any, n)
	for i := range images {
		images[i] = map[string]any{
			"url":    s.url("images", digest, i, "png"),
			"width":  w,
			"height": h,
		}
	}
	base := 0.04
	if p.str("quality") == "hd" {
		base = 0.08
	}
	size := math.Max(float64(w*h)/(1024*1024), 0.25)
	if op == model.OpImageUpscale {
		size = 1
	}
	return Response{
		Output: map[string]any{"images": images, "model": string(s.name)},
		Cost:   round(base * float64(n) * size * imagePriceFactor[s.name]),
	}
}

func (s *Simulated) speech(op model.OperationType, p params, digest string) Response {
	if op == model.OpVoiceClone {
		return Response{
			Output: map[string]any{"voiceId": fmt.Sprintf("%s-%s", s.name, digest), "name": p.str("name")},
			Cost:   0.5,
		}
	}
	text := p.str("text")
	perChar := 0.000015
	if s.name == model.ProviderElevenLabs {
		perChar = 0.00003
	}
	format := p.str("format")
	if format == "" {
		format = "mp3"
	}
	speed := p.floatOr("speed", 1)
	words := len(strings.Fields(text))
	return Response{
		Output: map[string]any{
			"audio": map[string]any{
				"url":             s.url("audio", digest, 0, format),
				"format":          format,
				"durationSeconds": round(float64(words) / 2.5 / speed),
			},
			"voice": p.str("voice"),
		},
		Cost: round(perChar * float64(len(text))),
	}
}

func (s *Simulated) embedding(req Request) Response {
	dims := req.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}
	vectors := make([][]float64, len(req.Inputs))
	var words int
	for i, in := range req.Inputs {
		vectors[i] = HashEmbedding(in, dims)
		words += len(strings.Fields(in))
	}
	units := math.Ceil(float64(words)/100) + float64(len(req.Inputs))
	return Response{
		Output:  map[string]any{"model": string(s.name), "dimensions": dims},
		Vectors: vectors,
		Cost:    round(units * 0.00002),
	}
}

func (s *Simulated) reasoning(op model.OperationType, p params, digest string) Response {
	out := map[string]any{"model": string(s.name)}
	cost := 0.02
	switch op {
	case model.OpWorkflowExecute:
		target := p.str("outputType")
		out["output"] = map[string]any{
			"contentType": target,
			"content":     s.url("workflow", digest, 0, extension(target)),
		}
		out["steps"] = p.list("steps")
		cost = workflowCost(target)
	case model.OpMultimodalProcess:
		out["analysis"] = fmt.Sprintf("%s: %s over %d inputs", s.name, p.str("task"), len(p.list("contents")))
	case model.OpMultimodalGenerate:
		var outputs []map[string]any
		for i, t := range p.list("outputTypes") {
			ct, _ := t.(string)
			outputs = append(outputs, map[string]any{
				"contentType": ct,
				"content":     s.url("generated", digest, i, extension(ct)),
			})
			cost += workflowCost(ct)
		}
		out["outputs"] = outputs
	case model.OpTranslateModalities:
		target := p.str("targetType")
		out["content"] = s.url("translated", digest, 0, extension(target))
		out["contentType"] = target
		cost = workflowCost(target)
	}
	return Response{Output: out, Cost: round(cost)}
}

func workflowCost(target string) float64 {
	switch model.ContentType(target) {
	case model.ContentImage:
		return 0.05
	case model.ContentAudio:
		return 0.03
	case model.ContentVideo:
		return 0.15
	default:
		return 0.02
	}
}

func extension(ct string) string {
	switch model.ContentType(ct) {
	case model.ContentImage:
		return "png"
	case model.ContentAudio:
		return "mp3"
	case model.ContentVideo:
		return "mp4"
	default:
		return "txt"
	}
}

// HashEmbedding maps content to a unit vector by hashing its tokens into
// dims buckets. Contents sharing tokens score a positive cosine.
func HashEmbedding(content string, dims int) []float64 {
	v := make([]float64, dims)
	tokens := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(dims))
		if sum&(1<<63) != 0 {
			v[idx] -= 1
		} else {
			v[idx] += 1
		}
	}
	return vector.Normalize(v)
}

func round(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}

// params reads loosely typed values from decoded JSON parameters.
type params struct{ m map[string]any }

func (p params) str(k string) string {
	s, _ := p.m[k].(string)
	return s
}

func (p params) intOr(k string, def int) int {
	if f, ok := p.m[k].(float64); ok && f > 0 {
		return int(f)
	}
	return def
}

func (p params) floatOr(k string, def float64) float64 {
	if f, ok := p.m[k].(float64); ok && f > 0 {
		return f
	}
	return def
}

func (p params) list(k string) []any {
	l, _ := p.m[k].([]any)
	return l
}
