// Package model defines the data structures shared across the gateway.
// Operation types, providers, lifecycle records, ledger events and assets
// all live here so that components can exchange them without import cycles.
package model

import (
	"time"
)

// OperationType names one kind of gateway operation. The value doubles as
// the route segment under which the operation is submitted.
type OperationType string

const (
	OpImageGenerate       OperationType = "generate-image"
	OpImageVariation      OperationType = "image-variations"
	OpImageEdit           OperationType = "edit-image"
	OpImageUpscale        OperationType = "upscale-image"
	OpStyleTransfer       OperationType = "style-transfer"
	OpTTS                 OperationType = "text-to-speech"
	OpVoiceClone          OperationType = "clone-voice"
	OpEmbed               OperationType = "create-embeddings"
	OpSemanticSearch      OperationType = "semantic-search"
	OpSimilarity          OperationType = "content-similarity"
	OpWorkflowExecute     OperationType = "execute-workflow"
	OpMultimodalProcess   OperationType = "process-multimodal"
	OpMultimodalGenerate  OperationType = "generate-multimodal"
	OpTranslateModalities OperationType = "translate-modalities"
	OpRecommend           OperationType = "get-recommendations"
	OpDiscover            OperationType = "discover-content"
	OpMatchAssets         OperationType = "match-assets"
	OpAssetManage         OperationType = "manage-assets"

	// Control operations: they never reach a provider.
	OpCollaborate   OperationType = "collaboration"
	OpCancel        OperationType = "cancel-operation"
	OpHistory       OperationType = "operation-history"
	OpMetrics       OperationType = "metrics"
	OpCostBreakdown OperationType = "cost-breakdown"
	OpCacheStats    OperationType = "cache-stats"
	OpClearCache    OperationType = "clear-cache"
)

// ProviderOperations lists every operation type executed through a provider.
var ProviderOperations = []OperationType{
	OpImageGenerate, OpImageVariation, OpImageEdit, OpImageUpscale, OpStyleTransfer,
	OpTTS, OpVoiceClone,
	OpEmbed, OpSemanticSearch, OpSimilarity,
	OpWorkflowExecute, OpMultimodalProcess, OpMultimodalGenerate, OpTranslateModalities,
	OpRecommend, OpDiscover, OpMatchAssets, OpAssetManage,
}

// ControlOperations lists the operation types handled by the gateway itself.
var ControlOperations = []OperationType{
	OpCollaborate, OpCancel, OpHistory, OpMetrics, OpCostBreakdown, OpCacheStats, OpClearCache,
}

// AllOperations returns provider and control operation types together.
func AllOperations() []OperationType {
	all := make([]OperationType, 0, len(ProviderOperations)+len(ControlOperations))
	all = append(all, ProviderOperations...)
	return append(all, ControlOperations...)
}

// Known reports whether t is a recognised operation type.
func (t OperationType) Known() bool {
	for _, op := range AllOperations() {
		if op == t {
			return true
		}
	}
	return false
}

// Provider identifies a capability backend.
type Provider string

const (
	ProviderDALLE            Provider = "dalle"
	ProviderMidjourney       Provider = "midjourney"
	ProviderStableDiffusion  Provider = "stable_diffusion"
	ProviderElevenLabs       Provider = "elevenlabs"
	ProviderOpenAITTS        Provider = "openai_tts"
	ProviderGoogleTTS        Provider = "google_tts"
	ProviderAmazonPolly      Provider = "amazon_polly"
	ProviderOpenAIEmbeddings Provider = "openai_embeddings"
	ProviderCohere           Provider = "cohere"
	ProviderHuggingFace      Provider = "huggingface"
	ProviderPinecone         Provider = "pinecone"
	ProviderWeaviate         Provider = "weaviate"
	ProviderClaude           Provider = "anthropic_claude"
	ProviderGPT4V            Provider = "openai_gpt4v"
	ProviderGemini           Provider = "google_gemini"

	// ProviderAuto asks the dispatcher to choose by priority with fallback.
	ProviderAuto Provider = "auto"

	// ProviderNone is recorded for operations that never reach a provider.
	ProviderNone Provider = ""
)

// Providers lists every concrete provider.
var Providers = []Provider{
	ProviderDALLE, ProviderMidjourney, ProviderStableDiffusion,
	ProviderElevenLabs, ProviderOpenAITTS, ProviderGoogleTTS, ProviderAmazonPolly,
	ProviderOpenAIEmbeddings, ProviderCohere, ProviderHuggingFace, ProviderPinecone, ProviderWeaviate,
	ProviderClaude, ProviderGPT4V, ProviderGemini,
}

// ContentType is the modality of a piece of content.
type ContentType string

const (
	ContentText      ContentType = "text"
	ContentImage     ContentType = "image"
	ContentAudio     ContentType = "audio"
	ContentVideo     ContentType = "video"
	ContentEmbedding ContentType = "embedding"
)

// ContentTypes lists the supported modalities.
var ContentTypes = []ContentType{ContentText, ContentImage, ContentAudio, ContentVideo, ContentEmbedding}

// Status is the lifecycle status of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// OwnerContext identifies who an operation runs on behalf of. It is always
// derived from the authenticated caller, never from the request body.
type OwnerContext struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
}

// OperationError is the client-safe error stored on a failed record.
type OperationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OperationRecord tracks one dispatched operation through its lifecycle.
type OperationRecord struct {
	ID          string          `json:"requestId"`
	Type        OperationType   `json:"operationType"`
	Provider    Provider        `json:"provider"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       *OperationError `json:"error,omitempty"`
	Owner       OwnerContext    `json:"owner"`
	// CancelRequested is set when a cancel arrived while the provider was running.
	CancelRequested bool `json:"cancelRequested,omitempty"`
}

// HistoryFilter selects operation records for the history view.
type HistoryFilter struct {
	UserID         string
	OrganizationID string
	ProjectID      string
	Type           OperationType
	Status         Status
	Since          time.Time
	Until          time.Time
	Limit          int
}
