package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// ProviderPolicy decides which providers an AUTO request may try, in order.
type ProviderPolicy struct {
	// MaxAttempts bounds the number of providers tried for one request.
	MaxAttempts int                                  `yaml:"maxAttempts"`
	Operations  map[model.OperationType]PolicyEntry `yaml:"operations"`
}

// PolicyEntry is the priority list for one operation type.
type PolicyEntry struct {
	Primary   model.Provider   `yaml:"primary"`
	Fallbacks []model.Provider `yaml:"fallbacks"`
}

const defaultMaxAttempts = 3

var (
	imageProviders     = PolicyEntry{model.ProviderDALLE, []model.Provider{model.ProviderStableDiffusion, model.ProviderMidjourney}}
	editProviders      = PolicyEntry{model.ProviderDALLE, []model.Provider{model.ProviderStableDiffusion}}
	diffusionOnly      = PolicyEntry{model.ProviderStableDiffusion, nil}
	speechProviders    = PolicyEntry{model.ProviderElevenLabs, []model.Provider{model.ProviderOpenAITTS, model.ProviderGoogleTTS}}
	embeddingProviders = PolicyEntry{model.ProviderOpenAIEmbeddings, []model.Provider{model.ProviderCohere}}
	reasoningProviders = PolicyEntry{model.ProviderGPT4V, []model.Provider{model.ProviderClaude, model.ProviderGemini}}
	translateProviders = PolicyEntry{model.ProviderGPT4V, []model.Provider{model.ProviderClaude}}
)

// DefaultProviderPolicy returns the built-in priority table.
func DefaultProviderPolicy() ProviderPolicy {
	return ProviderPolicy{
		MaxAttempts: defaultMaxAttempts,
		Operations: map[model.OperationType]PolicyEntry{
			model.OpImageGenerate:       imageProviders,
			model.OpImageVariation:      editProviders,
			model.OpImageEdit:           editProviders,
			model.OpImageUpscale:        diffusionOnly,
			model.OpStyleTransfer:       diffusionOnly,
			model.OpTTS:                 speechProviders,
			model.OpVoiceClone:          {model.ProviderElevenLabs, nil},
			model.OpEmbed:               embeddingProviders,
			model.OpSemanticSearch:      embeddingProviders,
			model.OpSimilarity:          embeddingProviders,
			model.OpRecommend:           embeddingProviders,
			model.OpDiscover:            embeddingProviders,
			model.OpMatchAssets:         embeddingProviders,
			model.OpAssetManage:         embeddingProviders,
			model.OpWorkflowExecute:     reasoningProviders,
			model.OpMultimodalProcess:   reasoningProviders,
			model.OpMultimodalGenerate:  reasoningProviders,
			model.OpTranslateModalities: translateProviders,
		},
	}
}

// LoadProviderPolicy reads a YAML policy from path. Operations missing from
// the file keep their default entry. An empty path yields the defaults.
func LoadProviderPolicy(path string) (ProviderPolicy, error) {
	policy := DefaultProviderPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read provider policy: %w", err)
	}
	return ParseProviderPolicy(data)
}

// ParseProviderPolicy decodes a YAML policy document over the defaults.
func ParseProviderPolicy(data []byte) (ProviderPolicy, error) {
	policy := DefaultProviderPolicy()
	var file ProviderPolicy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return policy, fmt.Errorf("parse provider policy: %w", err)
	}
	if file.MaxAttempts != 0 {
		policy.MaxAttempts = file.MaxAttempts
	}
	for op, entry := range file.Operations {
		policy.Operations[op] = entry
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

// Validate checks that every entry names known providers and operations.
func (p ProviderPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("provider policy: maxAttempts must be at least 1")
	}
	known := make(map[model.Provider]bool, len(model.Providers))
	for _, pr := range model.Providers {
		known[pr] = true
	}
	for op, entry := range p.Operations {
		if !op.Known() {
			return fmt.Errorf("provider policy: unknown operation %q", op)
		}
		if !known[entry.Primary] {
			return fmt.Errorf("provider policy: %s: unknown primary provider %q", op, entry.Primary)
		}
		for _, fb := range entry.Fallbacks {
			if !known[fb] {
				return fmt.Errorf("provider policy: %s: unknown fallback provider %q", op, fb)
			}
		}
	}
	return nil
}

// Order returns the de-duplicated priority list for op, capped at MaxAttempts.
func (p ProviderPolicy) Order(op model.OperationType) []model.Provider {
	entry, ok := p.Operations[op]
	if !ok {
		return nil
	}
	seen := map[model.Provider]bool{}
	out := make([]model.Provider, 0, 1+len(entry.Fallbacks))
	for _, pr := range append([]model.Provider{entry.Primary}, entry.Fallbacks...) {
		if pr == "" || seen[pr] {
			continue
		}
		seen[pr] = true
		out = append(out, pr)
		if len(out) == p.MaxAttempts {
			break
		}
	}
	return out
}
