package model

import "time"

// Asset is a stored content unit in the library index.
type Asset struct {
	ID          string         `json:"id"`
	ContentType ContentType    `json:"contentType"`
	Content     string         `json:"content,omitempty"`
	ContentRef  string         `json:"contentRef,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags"`
	Categories  []string       `json:"categories"`
	Embedding   []float64      `json:"embedding,omitempty"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ScoredAsset is a search hit.
type ScoredAsset struct {
	Asset Asset   `json:"asset"`
	Score float64 `json:"score"`
}

// RealtimeToken authorizes one realtime connection for a user.
type RealtimeToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}
