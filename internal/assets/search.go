package assets

import (
	"slices"
	"sort"
	"time"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/vector"
)

// Filter narrows the candidate set before scoring. Tags and Categories
// must all be present on a matching asset.
type Filter struct {
	ContentTypes  []model.ContentType
	Tags          []string
	Categories    []string
	CreatedBy     string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func (f Filter) matches(a *model.Asset) bool {
	if len(f.ContentTypes) > 0 && !slices.Contains(f.ContentTypes, a.ContentType) {
		return false
	}
	for _, t := range f.Tags {
		if !slices.Contains(a.Tags, t) {
			return false
		}
	}
	for _, c := range f.Categories {
		if !slices.Contains(a.Categories, c) {
			return false
		}
	}
	if f.CreatedBy != "" && a.CreatedBy != f.CreatedBy {
		return false
	}
	if !f.CreatedAfter.IsZero() && a.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && a.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// SearchOptions controls ranking and paging.
type SearchOptions struct {
	Filter   Filter
	MinScore float64
	Limit    int
	Offset   int
}

// DefaultLimit is used when a search sets no limit.
const DefaultLimit = 10

// Search ranks assets by cosine similarity to query, highest first, and
// drops hits scoring below MinScore.
func (l *Library) Search(query []float64, o SearchOptions) []model.ScoredAsset {
	ranked := l.rank(query, o.Filter, o.MinScore)
	return page(ranked, o.Offset, o.Limit)
}

func (l *Library) rank(query []float64, f Filter, minScore float64) []model.ScoredAsset {
	candidates := l.snapshot(f.matches)
	out := make([]model.ScoredAsset, 0, len(candidates))
	for _, a := range candidates {
		score := vector.Cosine(query, a.Embedding)
		if score < minScore {
			continue
		}
		out = append(out, model.ScoredAsset{Asset: a, Score: score})
	}
	sortScored(out)
	return out
}

func sortScored(s []model.ScoredAsset) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].Asset.ID < s[j].Asset.ID
	})
}

func page(s []model.ScoredAsset, offset, limit int) []model.ScoredAsset {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s) {
		return []model.ScoredAsset{}
	}
	end := min(offset+limit, len(s))
	return s[offset:end]
}

// Recommend returns up to limit assets similar to query. Diversity in [0, 1]
// trades relevance for novelty: each pick is penalised by its similarity to
// the assets already picked.
func (l *Library) Recommend(query []float64, categories []string, limit int, diversity float64) []model.ScoredAsset {
	if limit <= 0 {
		limit = DefaultLimit
	}
	diversity = max(0, min(diversity, 1))
	pool := l.rank(query, Filter{Categories: categories}, -1)

	picked := make([]model.ScoredAsset, 0, min(limit, len(pool)))
	used := make([]bool, len(pool))
	for len(picked) < limit && len(picked) < len(pool) {
		best, bestScore := -1, 0.0
		for i, cand := range pool {
			if used[i] {
				continue
			}
			redundancy := 0.0
			for _, p := range picked {
				redundancy = max(redundancy, vector.Cosine(cand.Asset.Embedding, p.Asset.Embedding))
			}
			score := (1-diversity)*cand.Score - diversity*redundancy
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		picked = append(picked, pool[best])
	}
	return picked
}

// Uncategorized groups assets that carry no category in Discover.
const Uncategorized = "uncategorized"

// Discover groups the best matches for query by category. Each group holds
// at most limit assets; an asset appears in every category it belongs to.
func (l *Library) Discover(query []float64, categories []string, limit int) map[string][]model.ScoredAsset {
	if limit <= 0 {
		limit = DefaultLimit
	}
	groups := map[string][]model.ScoredAsset{}
	for _, hit := range l.rank(query, Filter{}, 0) {
		cats := hit.Asset.Categories
		if len(cats) == 0 {
			cats = []string{Uncategorized}
		}
		for _, c := range cats {
			if len(categories) > 0 && !slices.Contains(categories, c) {
				continue
			}
			if len(groups[c]) < limit {
				groups[c] = append(groups[c], hit)
			}
		}
	}
	return groups
}

// MatchOptions selects assets for Match.
type MatchOptions struct {
	// Query is optional; without it every filtered asset scores 1.
	Query      []float64
	Tags       []string
	Categories []string
	Threshold  float64
	Limit      int
}

// Match returns assets carrying all requested tags and categories whose
// similarity to Query reaches Threshold.
func (l *Library) Match(o MatchOptions) []model.ScoredAsset {
	f := Filter{Tags: o.Tags, Categories: o.Categories}
	if o.Query == nil {
		candidates := l.snapshot(f.matches)
		out := make([]model.ScoredAsset, len(candidates))
		for i, a := range candidates {
			out[i] = model.ScoredAsset{Asset: a, Score: 1}
		}
		sortScored(out)
		return page(out, 0, o.Limit)
	}
	return page(l.rank(o.Query, f, o.Threshold), 0, o.Limit)
}
