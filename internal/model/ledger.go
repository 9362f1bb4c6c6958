package model

import "time"

// MetricEvent is one append-only ledger row. Exactly one is written per
// provider operation, whatever its outcome.
type MetricEvent struct {
	ID            string        `json:"id" db:"id"`
	RequestID     string        `json:"requestId" db:"request_id"`
	OperationType OperationType `json:"operationType" db:"operation_type"`
	ContentType   ContentType   `json:"contentType" db:"content_type"`
	Provider      Provider      `json:"provider" db:"provider"`
	UserID        string        `json:"userId" db:"user_id"`
	ProjectID     string        `json:"projectId,omitempty" db:"project_id"`
	Timestamp     time.Time     `json:"timestamp" db:"ts"`
	DurationMs    float64       `json:"durationMs" db:"duration_ms"`  // provider processing time
	LatencyMs     float64       `json:"latencyMs" db:"latency_ms"`    // end-to-end dispatch time
	Cost          float64       `json:"cost" db:"cost"`
	Status        Status        `json:"status" db:"status"`
	CacheHit      bool          `json:"cacheHit" db:"cache_hit"`
	Attempts      int           `json:"attempts" db:"attempts"`
	ContentSize   int           `json:"contentSize" db:"content_size"`
	ErrorCode     string        `json:"errorCode,omitempty" db:"error_code"`
}

// MetricFilter selects ledger events. Zero fields match everything.
type MetricFilter struct {
	OperationType OperationType `json:"operationType,omitempty"`
	ContentType   ContentType   `json:"contentType,omitempty"`
	Provider      Provider      `json:"provider,omitempty"`
	UserID        string        `json:"userId,omitempty"`
	ProjectID     string        `json:"projectId,omitempty"`
	Since         time.Time     `json:"since,omitempty"`
	Until         time.Time     `json:"until,omitempty"`
}

// Matches reports whether e satisfies f.
func (f MetricFilter) Matches(e MetricEvent) bool {
	if f.OperationType != "" && e.OperationType != f.OperationType {
		return false
	}
	if f.ContentType != "" && e.ContentType != f.ContentType {
		return false
	}
	if f.Provider != "" && e.Provider != f.Provider {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
