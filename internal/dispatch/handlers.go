package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/assets"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/cache"
	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/operation"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/provider"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/vector"
)

// handler performs one provider attempt for a command.
type handler func(ctx context.Context, cmd operation.Command, c *call) (map[string]any, error)

func typed[C operation.Command](fn func(context.Context, C, *call) (map[string]any, error)) handler {
	return func(ctx context.Context, cmd operation.Command, c *call) (map[string]any, error) {
		concrete, ok := cmd.(C)
		if !ok {
			return nil, fmt.Errorf("dispatch: unexpected command %T for %s", cmd, cmd.Type())
		}
		return fn(ctx, concrete, c)
	}
}

func handlers() map[model.OperationType]handler {
	return map[model.OperationType]handler{
		model.OpImageGenerate:       passthrough,
		model.OpImageVariation:      passthrough,
		model.OpImageEdit:           passthrough,
		model.OpImageUpscale:        passthrough,
		model.OpStyleTransfer:       passthrough,
		model.OpTTS:                 passthrough,
		model.OpVoiceClone:          passthrough,
		model.OpWorkflowExecute:     passthrough,
		model.OpMultimodalProcess:   passthrough,
		model.OpMultimodalGenerate:  passthrough,
		model.OpTranslateModalities: passthrough,
		model.OpEmbed:               typed(embed),
		model.OpSemanticSearch:      typed(semanticSearch),
		model.OpSimilarity:          typed(similarity),
		model.OpRecommend:           typed(recommend),
		model.OpDiscover:            typed(discover),
		model.OpMatchAssets:         typed(matchAssets),
		model.OpAssetManage:         typed(manageAssets),
	}
}

// cacheKey reports whether the job's result may be cached, and under which
// key. Generative operations are only repeatable when seeded; operations
// that read or change the asset library are never cached.
func (d *Dispatcher) cacheKey(j *job) (string, bool) {
	switch j.cmd.Type() {
	case model.OpImageUpscale, model.OpTTS, model.OpEmbed, model.OpSimilarity,
		model.OpMultimodalProcess, model.OpTranslateModalities:
	case model.OpImageGenerate, model.OpImageVariation, model.OpImageEdit, model.OpStyleTransfer,
		model.OpWorkflowExecute, model.OpMultimodalGenerate:
		s, ok := j.cmd.(operation.Seeded)
		if !ok || !s.HasSeed() {
			return "", false
		}
	default:
		return "", false
	}
	return cache.Key(j.cmd.Type(), j.cmd.Meta().Provider, j.params), true
}

// call is one attempt against one executor. It accumulates what the
// provider billed, including for failed requests.
type call struct {
	exec    provider.Executor
	owner   model.OwnerContext
	library *assets.Library
	op      model.OperationType
	params  []byte
	cost    float64
}

func (c *call) invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	resp, err := c.exec.Execute(ctx, req)
	if err != nil {
		c.cost += provider.BilledCost(err)
		return provider.Response{}, err
	}
	c.cost += resp.Cost
	return resp, nil
}

func (c *call) request() provider.Request {
	capability, _ := provider.CapabilityFor(c.op)
	return provider.Request{Operation: c.op, Capability: capability, Params: c.params}
}

// embed returns one vector per input.
func (c *call) embed(ctx context.Context, dims int, inputs ...string) ([][]float64, error) {
	req := c.request()
	req.Capability = provider.CapEmbedding
	req.Inputs = inputs
	req.Dimensions = dims
	resp, err := c.invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(inputs) {
		return nil, fmt.Errorf("provider %s returned %d vectors for %d inputs", c.exec.Name(), len(resp.Vectors), len(inputs))
	}
	return resp.Vectors, nil
}

func passthrough(ctx context.Context, _ operation.Command, c *call) (map[string]any, error) {
	resp, err := c.invoke(ctx, c.request())
	if err != nil {
		return nil, err
	}
	if resp.Output == nil {
		resp.Output = map[string]any{}
	}
	return resp.Output, nil
}

func embed(ctx context.Context, cmd *operation.Embed, c *call) (map[string]any, error) {
	vectors, err := c.embed(ctx, cmd.Dimensions, cmd.Content)
	if err != nil {
		return nil, err
	}
	v := vectors[0]
	if cmd.Normalize == nil || *cmd.Normalize {
		v = vector.Normalize(v)
	}
	modelName := cmd.Model
	if modelName == "" {
		modelName = string(c.exec.Name())
	}
	return map[string]any{
		"embedding":  v,
		"dimensions": len(v),
		"model":      modelName,
	}, nil
}

// wholeLibrary reports whether a search collection names the full library
// rather than one category.
func wholeLibrary(collection string) bool {
	return collection == "" || collection == "assets" || collection == "all"
}

func filterFrom(f *operation.AssetFilters) assets.Filter {
	if f == nil {
		return assets.Filter{}
	}
	out := assets.Filter{
		ContentTypes: f.ContentTypes,
		Tags:         f.Tags,
		Categories:   f.Categories,
		CreatedBy:    f.CreatedBy,
	}
	if f.CreatedAfter != nil {
		out.CreatedAfter = *f.CreatedAfter
	}
	if f.CreatedBefore != nil {
		out.CreatedBefore = *f.CreatedBefore
	}
	return out
}

// strip drops heavy fields from hits unless the caller asked for them.
func strip(hits []model.ScoredAsset, vectors, metadata bool) []model.ScoredAsset {
	for i := range hits {
		if !vectors {
			hits[i].Asset.Embedding = nil
		}
		if !metadata {
			hits[i].Asset.Metadata = nil
		}
	}
	return hits
}

func semanticSearch(ctx context.Context, cmd *operation.SemanticSearch, c *call) (map[string]any, error) {
	vectors, err := c.embed(ctx, 0, cmd.Query)
	if err != nil {
		return nil, err
	}
	f := filterFrom(cmd.Filters)
	if !wholeLibrary(cmd.Collection) {
		f.Categories = append(f.Categories, cmd.Collection)
	}
	minScore := 0.0
	if cmd.MinScore != nil {
		minScore = *cmd.MinScore
	}
	hits := c.library.Search(vectors[0], assets.SearchOptions{Filter: f, MinScore: minScore, Limit: cmd.Limit})
	hits = strip(hits, cmd.IncludeVectors, cmd.IncludeMetadata)
	return map[string]any{
		"results":    hits,
		"total":      len(hits),
		"query":      cmd.Query,
		"collection": cmd.Collection,
	}, nil
}

// Similarity metrics.
const (
	MetricCosine    = "cosine"
	MetricEuclidean = "euclidean"
	MetricDot       = "dot"
)

func similarity(ctx context.Context, cmd *operation.Similarity, c *call) (map[string]any, error) {
	metric := cmd.Metric
	if metric == "" {
		metric = MetricCosine
	}
	vectors, err := c.embed(ctx, 0, cmd.SourceContent, cmd.TargetContent)
	if err != nil {
		return nil, err
	}
	var score float64
	switch metric {
	case MetricCosine:
		score = vector.Cosine(vectors[0], vectors[1])
	case MetricEuclidean:
		d := vector.Euclidean(vectors[0], vectors[1])
		if math.IsInf(d, 1) {
			score = 0
		} else {
			score = 1 / (1 + d)
		}
	case MetricDot:
		score = vector.Dot(vectors[0], vectors[1])
	default:
		return nil, errordefs.NewWithDetails(errordefs.MMG_VALIDATION, "unsupported similarity metric", "",
			[]map[string]string{{"field": "metric", "message": fmt.Sprintf("unknown metric %q", metric)}})
	}
	out := map[string]any{
		"similarity": score,
		"metric":     metric,
		"sourceType": cmd.SourceType,
		"targetType": cmd.TargetType,
	}
	if cmd.Threshold != nil {
		out["threshold"] = *cmd.Threshold
		out["match"] = score >= *cmd.Threshold
	}
	return out, nil
}

// DefaultDiversity is applied to recommendations that set none.
const DefaultDiversity = 0.3

func recommend(ctx context.Context, cmd *operation.Recommend, c *call) (map[string]any, error) {
	vectors, err := c.embed(ctx, 0, cmd.Content)
	if err != nil {
		return nil, err
	}
	diversity := DefaultDiversity
	if cmd.Diversity != nil {
		diversity = *cmd.Diversity
	}
	hits := strip(c.library.Recommend(vectors[0], cmd.Categories, cmd.Limit, diversity), false, true)
	return map[string]any{
		"recommendations": hits,
		"total":           len(hits),
		"diversity":       diversity,
	}, nil
}

func discover(ctx context.Context, cmd *operation.Discover, c *call) (map[string]any, error) {
	vectors, err := c.embed(ctx, 0, cmd.Query)
	if err != nil {
		return nil, err
	}
	groups := c.library.Discover(vectors[0], cmd.Categories, cmd.Limit)
	total := 0
	for k, hits := range groups {
		groups[k] = strip(hits, false, true)
		total += len(hits)
	}
	return map[string]any{
		"categories": groups,
		"total":      total,
		"query":      cmd.Query,
	}, nil
}

// DefaultMatchThreshold applies to content matches that set no threshold.
const DefaultMatchThreshold = 0.5

func matchAssets(ctx context.Context, cmd *operation.MatchAssets, c *call) (map[string]any, error) {
	o := assets.MatchOptions{
		Tags:       cmd.Criteria.Tags,
		Categories: cmd.Criteria.Categories,
		Limit:      cmd.Limit,
	}
	if cmd.Criteria.Content != "" {
		vectors, err := c.embed(ctx, 0, cmd.Criteria.Content)
		if err != nil {
			return nil, err
		}
		o.Query = vectors[0]
		o.Threshold = DefaultMatchThreshold
		if cmd.Criteria.Threshold != nil {
			o.Threshold = *cmd.Criteria.Threshold
		}
	}
	hits := strip(c.library.Match(o), false, true)
	return map[string]any{
		"matches":   hits,
		"total":     len(hits),
		"threshold": o.Threshold,
	}, nil
}

func manageAssets(ctx context.Context, cmd *operation.AssetManage, c *call) (map[string]any, error) {
	switch cmd.Operation {
	case operation.AssetIndex:
		return indexAssets(ctx, cmd, c)
	case operation.AssetSearch:
		vectors, err := c.embed(ctx, 0, cmd.Query)
		if err != nil {
			return nil, err
		}
		hits := c.library.Search(vectors[0], assets.SearchOptions{
			Filter: filterFrom(cmd.Filters),
			Limit:  cmd.Limit,
			Offset: cmd.Offset,
		})
		hits = strip(hits, false, true)
		return map[string]any{"operation": cmd.Operation, "results": hits, "total": len(hits)}, nil
	case operation.AssetTag, operation.AssetOrganize:
		updated := make([]model.Asset, 0, len(cmd.Assets))
		for _, in := range cmd.Assets {
			var (
				a   model.Asset
				err error
			)
			if cmd.Operation == operation.AssetTag {
				a, err = c.library.Tag(ctx, in.ID, cmd.Tags)
			} else {
				a, err = c.library.Organize(ctx, in.ID, cmd.Categories)
			}
			if errors.Is(err, assets.ErrNotFound) {
				return nil, errordefs.New(errordefs.MMG_NOT_FOUND, fmt.Sprintf("asset %s not found", in.ID), "")
			}
			if err != nil {
				return nil, err
			}
			a.Embedding = nil
			updated = append(updated, a)
		}
		return map[string]any{"operation": cmd.Operation, "assets": updated, "total": len(updated)}, nil
	default:
		return nil, errordefs.NewWithDetails(errordefs.MMG_VALIDATION, "unsupported asset operation", "",
			[]map[string]string{{"field": "operation", "message": fmt.Sprintf("unknown asset operation %q", cmd.Operation)}})
	}
}

func indexAssets(ctx context.Context, cmd *operation.AssetManage, c *call) (map[string]any, error) {
	batch := make([]model.Asset, len(cmd.Assets))
	texts := make([]string, len(cmd.Assets))
	for i, in := range cmd.Assets {
		batch[i] = model.Asset{
			ID:          in.ID,
			ContentType: in.ContentType,
			Content:     in.Content,
			Metadata:    in.Metadata,
			Tags:        cmd.Tags,
			Categories:  cmd.Categories,
			CreatedBy:   c.owner.UserID,
		}
		texts[i] = assets.EmbeddingText(batch[i])
	}
	vectors, err := c.embed(ctx, 0, texts...)
	if err != nil {
		return nil, err
	}
	for i := range batch {
		batch[i].Embedding = vectors[i]
	}
	stored, err := c.library.Index(ctx, batch)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(stored))
	for i, a := range stored {
		ids[i] = a.ID
	}
	return map[string]any{"operation": cmd.Operation, "indexed": len(stored), "assetIds": ids}, nil
}

// Embedder returns an assets.Embedder that embeds through the embedding
// providers in priority order. Its cost is not written to the ledger.
func (d *Dispatcher) Embedder() assets.Embedder { return embedder{d: d} }

type embedder struct{ d *Dispatcher }

func (e embedder) Embed(ctx context.Context, content string, _ model.ContentType) ([]float64, error) {
	var lastErr error
	for _, name := range e.d.policy.Order(model.OpEmbed) {
		exec, ok := e.d.providers.Get(name)
		if !ok || !exec.Supports(provider.CapEmbedding) {
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.d.timeout)
		c := &call{exec: exec, op: model.OpEmbed}
		vectors, err := c.embed(attemptCtx, 0, content)
		cancel()
		if err == nil {
			return vectors[0], nil
		}
		lastErr = err
		e.d.log.Warn("asset embedding attempt failed", "provider", name, "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no embedding provider configured")
	}
	return nil, lastErr
}
