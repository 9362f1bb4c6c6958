// Package operation defines one command type per operation. A command is
// only ever produced by Decoder.Decode, after its payload has passed schema
// validation, so handlers receive typed and checked input.
package operation

import (
	"time"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// Common carries the envelope fields every operation accepts. It is kept out
// of the command's JSON form, so the encoded command is exactly its parameters.
type Common struct {
	Provider  model.Provider `json:"provider,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	Async     bool           `json:"async,omitempty"`
}

// Meta returns the envelope fields.
func (c Common) Meta() Common { return c }

func (c *Common) setCommon(v Common) { *c = v }

// Command is the closed set of decoded operations.
type Command interface {
	Type() model.OperationType
	Meta() Common
	// Modality is the content type recorded on the ledger entry.
	Modality() model.ContentType
	setCommon(Common)
}

// Seeded is implemented by commands whose provider output is random unless
// a seed is supplied. Such commands are cacheable only when seeded.
type Seeded interface {
	HasSeed() bool
}

// ImageGenerate renders images from a text prompt.
type ImageGenerate struct {
	Common         `json:"-"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negativePrompt,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	NumOutputs     int      `json:"numOutputs,omitempty"`
	Style          string   `json:"style,omitempty"`
	Quality        string   `json:"quality,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	GuidanceScale  *float64 `json:"guidanceScale,omitempty"`
	Steps          int      `json:"steps,omitempty"`
	ModelVersion   string   `json:"modelVersion,omitempty"`
	SafetyFilter   *bool    `json:"safetyFilter,omitempty"`
	EnhancePrompt  bool     `json:"enhancePrompt,omitempty"`
}

// ImageVariation produces variations of a source image.
type ImageVariation struct {
	Common     `json:"-"`
	ImageData  string `json:"imageData"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	NumOutputs int    `json:"numOutputs,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Seed       *int64 `json:"seed,omitempty"`
}

// ImageEdit edits a source image as the prompt describes, optionally within a mask.
type ImageEdit struct {
	Common     `json:"-"`
	ImageData  string `json:"imageData"`
	MaskData   string `json:"maskData"`
	Prompt     string `json:"prompt,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	NumOutputs int    `json:"numOutputs,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Seed       *int64 `json:"seed,omitempty"`
}

// ImageUpscale enlarges a source image.
type ImageUpscale struct {
	Common    `json:"-"`
	ImageData string `json:"imageData"`
	Scale     int    `json:"scale,omitempty"`
}

// StyleTransfer applies the style of one image to another.
type StyleTransfer struct {
	Common    `json:"-"`
	ImageData string   `json:"imageData"`
	StyleData string   `json:"styleData"`
	Strength  *float64 `json:"strength,omitempty"`
	Seed      *int64   `json:"seed,omitempty"`
}

// TextToSpeech synthesizes speech from text.
type TextToSpeech struct {
	Common          `json:"-"`
	Text            string   `json:"text"`
	Voice           string   `json:"voice,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	Pitch           *float64 `json:"pitch,omitempty"`
	Stability       *float64 `json:"stability,omitempty"`
	SimilarityBoost *float64 `json:"similarityBoost,omitempty"`
	Format          string   `json:"format,omitempty"`
	Quality         string   `json:"quality,omitempty"`
	SpeakerID       string   `json:"speakerId,omitempty"`
	Language        string   `json:"language,omitempty"`
}

// VoiceClone builds a reusable voice from audio samples.
type VoiceClone struct {
	Common       `json:"-"`
	AudioSamples []string `json:"audioSamples"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
}

// Embed computes the embedding vector of one piece of content.
type Embed struct {
	Common      `json:"-"`
	Content     string            `json:"content"`
	ContentType model.ContentType `json:"contentType"`
	Dimensions  int               `json:"dimensions,omitempty"`
	Model       string            `json:"model,omitempty"`
	Normalize   *bool             `json:"normalize,omitempty"`
	Truncate    bool              `json:"truncate,omitempty"`
	BatchSize   int               `json:"batchSize,omitempty"`
}

// SemanticSearch ranks indexed assets against a query of any modality.
type SemanticSearch struct {
	Common          `json:"-"`
	Query           string            `json:"query"`
	QueryType       model.ContentType `json:"queryType"`
	Collection      string            `json:"collection"`
	Limit           int               `json:"limit,omitempty"`
	Filters         *AssetFilters     `json:"filters,omitempty"`
	MinScore        *float64          `json:"minScore,omitempty"`
	IncludeMetadata bool              `json:"includeMetadata,omitempty"`
	IncludeVectors  bool              `json:"includeVectors,omitempty"`
}

// Similarity scores how close a source is to a target.
type Similarity struct {
	Common        `json:"-"`
	SourceContent string            `json:"sourceContent"`
	SourceType    model.ContentType `json:"sourceType"`
	TargetContent string            `json:"targetContent"`
	TargetType    model.ContentType `json:"targetType"`
	Metric        string            `json:"metric,omitempty"`
	Threshold     *float64          `json:"threshold,omitempty"`
}

// WorkflowExecute runs a sequence of operation steps.
type WorkflowExecute struct {
	Common              `json:"-"`
	Input               string            `json:"input"`
	InputType           model.ContentType `json:"inputType"`
	OutputType          model.ContentType `json:"outputType"`
	Steps               []string          `json:"steps,omitempty"`
	Parameters          map[string]any    `json:"parameters,omitempty"`
	IntermediateResults bool              `json:"intermediateResults,omitempty"`
	Seed                *int64            `json:"seed,omitempty"`
}

// ContentItem is one input of a multimodal request.
type ContentItem struct {
	Content     string            `json:"content"`
	ContentType model.ContentType `json:"contentType"`
}

// MultimodalProcess analyzes several content items together.
type MultimodalProcess struct {
	Common       `json:"-"`
	Contents     []ContentItem `json:"contents"`
	Task         string        `json:"task"`
	DetailLevel  string        `json:"detailLevel,omitempty"`
	OutputFormat string        `json:"outputFormat,omitempty"`
}

// MultimodalGenerate produces output in several modalities from one input set.
type MultimodalGenerate struct {
	Common      `json:"-"`
	Prompt      string              `json:"prompt"`
	OutputTypes []model.ContentType `json:"outputTypes"`
	Style       string              `json:"style,omitempty"`
	Seed        *int64              `json:"seed,omitempty"`
}

// TranslateModalities converts content from one modality to another.
type TranslateModalities struct {
	Common        `json:"-"`
	Content       string            `json:"content"`
	ContentType   model.ContentType `json:"contentType"`
	TargetType    model.ContentType `json:"targetType"`
	PreserveStyle bool              `json:"preserveStyle,omitempty"`
}

// Recommend suggests assets similar to the given content.
type Recommend struct {
	Common      `json:"-"`
	Content     string            `json:"content"`
	ContentType model.ContentType `json:"contentType"`
	Limit       int               `json:"limit,omitempty"`
	Categories  []string          `json:"categories,omitempty"`
	Diversity   *float64          `json:"diversity,omitempty"`
}

// Discover explores the asset library with a query.
type Discover struct {
	Common     `json:"-"`
	Query      string            `json:"query"`
	QueryType  model.ContentType `json:"queryType"`
	Limit      int               `json:"limit,omitempty"`
	Categories []string          `json:"categories,omitempty"`
}

// MatchCriteria selects assets for match-assets.
type MatchCriteria struct {
	Content     string            `json:"content,omitempty"`
	ContentType model.ContentType `json:"contentType,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Categories  []string          `json:"categories,omitempty"`
	Threshold   *float64          `json:"threshold,omitempty"`
}

// MatchAssets finds assets matching a set of criteria.
type MatchAssets struct {
	Common   `json:"-"`
	Criteria MatchCriteria `json:"criteria"`
	Limit    int           `json:"limit,omitempty"`
}

// AssetInput is one asset in a manage-assets request.
type AssetInput struct {
	ID          string            `json:"id,omitempty"`
	Content     string            `json:"content,omitempty"`
	ContentType model.ContentType `json:"contentType,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// AssetFilters narrows an asset search.
type AssetFilters struct {
	ContentTypes  []model.ContentType `json:"contentTypes,omitempty"`
	Tags          []string            `json:"tags,omitempty"`
	Categories    []string            `json:"categories,omitempty"`
	CreatedBy     string              `json:"createdBy,omitempty"`
	CreatedAfter  *time.Time          `json:"createdAfter,omitempty"`
	CreatedBefore *time.Time          `json:"createdBefore,omitempty"`
}

// Asset management sub-operations.
const (
	AssetIndex    = "index"
	AssetSearch   = "search"
	AssetTag      = "tag"
	AssetOrganize = "organize"
)

// AssetManage runs one asset library sub-operation.
type AssetManage struct {
	Common     `json:"-"`
	Operation  string            `json:"operation"`
	Assets     []AssetInput      `json:"assets,omitempty"`
	Query      string            `json:"query,omitempty"`
	QueryType  model.ContentType `json:"queryType,omitempty"`
	Filters    *AssetFilters     `json:"filters,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Categories []string          `json:"categories,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// Position is a cursor position in a collaboration session.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Collaboration sub-operations.
const (
	CollabJoin   = "join"
	CollabUpdate = "update"
	CollabLeave  = "leave"
)

// Collaborate applies one action to a collaboration session.
type Collaborate struct {
	Common        `json:"-"`
	SessionID     string            `json:"sessionId"`
	Operation     string            `json:"operation"`
	UserID        string            `json:"userId,omitempty"` // always replaced by the caller's identity
	Content       any               `json:"content,omitempty"`
	ContentType   model.ContentType `json:"contentType,omitempty"`
	Position      *Position         `json:"position,omitempty"`
	ViewportState map[string]any    `json:"viewportState,omitempty"`
	Timestamp     any               `json:"timestamp,omitempty"`
}

// Cancel stops a pending or running operation.
type Cancel struct {
	Common    `json:"-"`
	RequestID string `json:"requestId"`
}

// History lists recorded operations.
type History struct {
	Common        `json:"-"`
	OperationType model.OperationType `json:"operationType,omitempty"`
	Status        model.Status        `json:"status,omitempty"`
	UserID        string              `json:"userId,omitempty"`
	Since         *time.Time          `json:"since,omitempty"`
	Until         *time.Time          `json:"until,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
}

// MetricsQuery filters ledger reads.
type MetricsQuery struct {
	Common        `json:"-"`
	OperationType model.OperationType `json:"operationType,omitempty"`
	ContentType   model.ContentType   `json:"contentType,omitempty"`
	Provider      model.Provider      `json:"provider,omitempty"`
	UserID        string              `json:"userId,omitempty"`
	Since         *time.Time          `json:"since,omitempty"`
	Until         *time.Time          `json:"until,omitempty"`
}

// Filter converts the query into a ledger filter.
func (q MetricsQuery) Filter() model.MetricFilter {
	f := model.MetricFilter{
		OperationType: q.OperationType,
		ContentType:   q.ContentType,
		Provider:      q.Provider,
		UserID:        q.UserID,
		ProjectID:     q.ProjectID,
	}
	if q.Since != nil {
		f.Since = *q.Since
	}
	if q.Until != nil {
		f.Until = *q.Until
	}
	return f
}

// CostBreakdown groups ledger costs by the requested dimensions.
type CostBreakdown struct {
	MetricsQuery
	GroupBy []string `json:"groupBy,omitempty"`
}

// CacheStats reports result cache counters.
type CacheStats struct {
	Common `json:"-"`
}

// ClearCache drops cached results matching the given fields.
type ClearCache struct {
	Common        `json:"-"`
	OperationType model.OperationType `json:"operationType,omitempty"`
	ContentType   model.ContentType   `json:"contentType,omitempty"`
	Provider      model.Provider      `json:"provider,omitempty"`
	UserID        string              `json:"userId,omitempty"`
}
