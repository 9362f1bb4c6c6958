// Package assets is the searchable asset library. Assets are held in a
// sharded in-memory index with their embedding vectors; search ranks by
// cosine similarity, so any query modality can score any asset modality.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/event"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/media"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/shard"
)

// ErrNotFound is returned for unknown asset ids.
var ErrNotFound = errors.New("asset not found")

// Embedder computes the embedding of asset content.
type Embedder interface {
	Embed(ctx context.Context, content string, ct model.ContentType) ([]float64, error)
}

// Options configures a Library.
type Options struct {
	// Blobs receives content larger than InlineLimit. Nil keeps all content inline.
	Blobs       media.BlobStore
	InlineLimit int
	Events      event.Publisher
	Logger      *slog.Logger
}

// Library is the asset index.
type Library struct {
	assets      *shard.Map[*model.Asset]
	blobs       media.BlobStore
	inlineLimit int
	events      event.Publisher
	log         *slog.Logger
	now         func() time.Time
}

// New creates an empty library.
func New(o Options) *Library {
	if o.Events == nil {
		o.Events = event.Noop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Library{
		assets:      shard.New[*model.Asset](0),
		blobs:       o.Blobs,
		inlineLimit: o.InlineLimit,
		events:      o.Events,
		log:         o.Logger.With("component", "assets"),
		now:         time.Now,
	}
}

// WithClock replaces the time source.
func (l *Library) WithClock(now func() time.Time) *Library {
	l.now = now
	return l
}

// EmbeddingText is the text an asset is embedded from: its content plus any
// descriptive metadata.
func EmbeddingText(a model.Asset) string {
	parts := []string{a.Content}
	for _, k := range []string{"title", "name", "description", "caption"} {
		if s, ok := a.Metadata[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Index stores assets, assigning ids to new ones. An asset whose id is
// already indexed is replaced, keeping its creation time. Each asset is
// expected to carry its embedding.
func (l *Library) Index(ctx context.Context, in []model.Asset) ([]model.Asset, error) {
	out := make([]model.Asset, 0, len(in))
	for _, a := range in {
		now := l.now().UTC()
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.Tags = normalizeSet(a.Tags)
		a.Categories = normalizeSet(a.Categories)
		a.CreatedAt, a.UpdatedAt = now, now
		if err := l.offload(ctx, &a); err != nil {
			return out, err
		}

		kind := event.AssetIndexed
		stored := a
		stale := false
		l.assets.With(a.ID, func(m map[string]*model.Asset) {
			if prev, ok := m[a.ID]; ok {
				stored.CreatedAt = prev.CreatedAt
				kind = event.AssetUpdated
				stale = prev.ContentRef != "" && stored.ContentRef == ""
			}
			m[a.ID] = &stored
		})
		if stale {
			l.dropBlob(ctx, a.ID)
		}
		out = append(out, stored)
		l.publish(ctx, kind, stored)
	}
	return out, nil
}

// offload moves large content to the blob store.
func (l *Library) offload(ctx context.Context, a *model.Asset) error {
	if l.blobs == nil || l.inlineLimit <= 0 || len(a.Content) <= l.inlineLimit {
		return nil
	}
	ref, err := l.blobs.Put(ctx, blobKey(a.ID), string(a.ContentType), []byte(a.Content))
	if err != nil {
		return fmt.Errorf("offload asset %s: %w", a.ID, err)
	}
	a.ContentRef = ref
	a.Content = ""
	return nil
}

// dropBlob removes the offloaded content of id. Failures leave an orphaned
// blob and are only logged.
func (l *Library) dropBlob(ctx context.Context, id string) {
	if l.blobs == nil {
		return
	}
	if err := l.blobs.Delete(ctx, blobKey(id)); err != nil {
		l.log.Warn("delete asset blob failed", "assetId", id, "error", err)
	}
}

// content returns the full content of a, reading it back from the blob
// store when it was offloaded.
func (l *Library) content(ctx context.Context, a model.Asset) (string, error) {
	if a.ContentRef == "" || l.blobs == nil {
		return a.Content, nil
	}
	data, err := l.blobs.Get(ctx, blobKey(a.ID))
	if err != nil {
		return "", fmt.Errorf("read asset %s content: %w", a.ID, err)
	}
	return string(data), nil
}

func blobKey(id string) string { return "assets/" + id }

// Get returns the asset for id.
func (l *Library) Get(id string) (model.Asset, bool) {
	var (
		out model.Asset
		ok  bool
	)
	l.assets.With(id, func(m map[string]*model.Asset) {
		var a *model.Asset
		if a, ok = m[id]; ok {
			out = clone(a)
		}
	})
	return out, ok
}

// ContentURL returns a time-limited download URL for offloaded content of
// id. It is empty when the content is held inline.
func (l *Library) ContentURL(ctx context.Context, id string, expires time.Duration) (string, error) {
	a, ok := l.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	if a.ContentRef == "" || l.blobs == nil {
		return "", nil
	}
	return l.blobs.URL(ctx, blobKey(id), expires)
}

// Delete removes id and reports whether it existed.
func (l *Library) Delete(ctx context.Context, id string) (bool, error) {
	var removed *model.Asset
	l.assets.With(id, func(m map[string]*model.Asset) {
		if a, ok := m[id]; ok {
			removed = a
			delete(m, id)
		}
	})
	if removed == nil {
		return false, nil
	}
	if removed.ContentRef != "" {
		l.dropBlob(ctx, id)
	}
	l.publish(ctx, event.AssetDeleted, *removed)
	return true, nil
}

// Tag adds tags to an asset.
func (l *Library) Tag(ctx context.Context, id string, tags []string) (model.Asset, error) {
	return l.mutate(ctx, id, func(a *model.Asset) {
		a.Tags = normalizeSet(append(a.Tags, tags...))
	})
}

// Organize replaces the categories of an asset.
func (l *Library) Organize(ctx context.Context, id string, categories []string) (model.Asset, error) {
	return l.mutate(ctx, id, func(a *model.Asset) {
		a.Categories = normalizeSet(categories)
	})
}

// Patch is a partial asset update. Nil fields are left unchanged; Metadata
// keys are merged.
type Patch struct {
	Content     *string            `json:"content,omitempty"`
	ContentType *model.ContentType `json:"contentType,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	Tags        *[]string          `json:"tags,omitempty"`
	Categories  *[]string          `json:"categories,omitempty"`
}

// Update applies p to id. When the content or metadata changes and embedder
// is not nil the embedding is recomputed first, outside any lock. Metadata
// keys are merged under the lock so concurrent patches do not drop keys.
func (l *Library) Update(ctx context.Context, id string, p Patch, embedder Embedder) (model.Asset, error) {
	current, ok := l.Get(id)
	if !ok {
		return model.Asset{}, ErrNotFound
	}
	ct := current.ContentType
	if p.ContentType != nil {
		ct = *p.ContentType
	}

	var replaced model.Asset
	if p.Content != nil {
		replaced = model.Asset{ID: id, ContentType: ct, Content: *p.Content}
		if err := l.offload(ctx, &replaced); err != nil {
			return model.Asset{}, err
		}
	}

	var embedding []float64
	if embedder != nil && (p.Content != nil || p.Metadata != nil) {
		text := current.Content
		if p.Content != nil {
			text = *p.Content
		} else {
			var err error
			if text, err = l.content(ctx, current); err != nil {
				return model.Asset{}, err
			}
		}
		meta := maps.Clone(current.Metadata)
		if meta == nil {
			meta = map[string]any{}
		}
		maps.Copy(meta, p.Metadata)
		v, err := embedder.Embed(ctx, EmbeddingText(model.Asset{Content: text, Metadata: meta}), ct)
		if err != nil {
			return model.Asset{}, fmt.Errorf("embed asset %s: %w", id, err)
		}
		embedding = v
	}

	stale := false
	out, err := l.mutate(ctx, id, func(a *model.Asset) {
		if p.ContentType != nil {
			a.ContentType = *p.ContentType
		}
		if p.Metadata != nil {
			if a.Metadata == nil {
				a.Metadata = map[string]any{}
			}
			maps.Copy(a.Metadata, p.Metadata)
		}
		if p.Content != nil {
			stale = a.ContentRef != "" && replaced.ContentRef == ""
			a.Content, a.ContentRef = replaced.Content, replaced.ContentRef
		}
		if embedding != nil {
			a.Embedding = embedding
		}
		if p.Tags != nil {
			a.Tags = normalizeSet(*p.Tags)
		}
		if p.Categories != nil {
			a.Categories = normalizeSet(*p.Categories)
		}
	})
	if stale || (errors.Is(err, ErrNotFound) && replaced.ContentRef != "") {
		l.dropBlob(ctx, id)
	}
	return out, err
}

func (l *Library) mutate(ctx context.Context, id string, fn func(*model.Asset)) (model.Asset, error) {
	var (
		out   model.Asset
		found bool
	)
	l.assets.With(id, func(m map[string]*model.Asset) {
		a, ok := m[id]
		if !ok {
			return
		}
		found = true
		next := clone(a)
		fn(&next)
		next.UpdatedAt = l.now().UTC()
		m[id] = &next
		out = clone(&next)
	})
	if !found {
		return model.Asset{}, ErrNotFound
	}
	l.publish(ctx, event.AssetUpdated, out)
	return out, nil
}

// Len reports the number of indexed assets.
func (l *Library) Len() int { return l.assets.Len() }

// snapshot copies every asset accepted by keep.
func (l *Library) snapshot(keep func(*model.Asset) bool) []model.Asset {
	var out []model.Asset
	l.assets.Each(func(m map[string]*model.Asset) {
		for _, a := range m {
			if keep(a) {
				out = append(out, clone(a))
			}
		}
	})
	return out
}

func (l *Library) publish(ctx context.Context, kind string, a model.Asset) {
	if err := l.events.PublishAsset(ctx, kind, a); err != nil {
		l.log.Warn("publish asset event failed", "assetId", a.ID, "kind", kind, "error", err)
	}
}

func clone(a *model.Asset) model.Asset {
	c := *a
	c.Tags = slices.Clone(a.Tags)
	c.Categories = slices.Clone(a.Categories)
	c.Metadata = maps.Clone(a.Metadata)
	c.Embedding = slices.Clone(a.Embedding)
	return c
}

// normalizeSet trims, dedupes and sorts values.
func normalizeSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
