package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccessType classifies how an email was touched.
type AccessType string

const (
	AccessDirectView   AccessType = "direct_view"
	AccessSearchResult AccessType = "search_result"
	AccessThreadView   AccessType = "thread_view"
)

// Valid reports whether the access type is known.
func (t AccessType) Valid() bool {
	switch t {
	case AccessDirectView, AccessSearchResult, AccessThreadView:
		return true
	}
	return false
}

// AccessEvent is one recorded interaction with an email.
type AccessEvent struct {
	ID          int64      `json:"id,omitempty"`
	UserID      uuid.UUID  `json:"user_id"`
	EmailID     string     `json:"email_id"`
	AccessType  AccessType `json:"access_type"`
	Timestamp   time.Time  `json:"timestamp"`
	SearchQuery string     `json:"search_query,omitempty"`
	UserContext string     `json:"user_context,omitempty"`
}

// AccessSummary is the derived per-email access profile, recomputed
// incrementally as events arrive. A missing summary reads as score 0.
type AccessSummary struct {
	EmailID            string    `json:"email_id"`
	TotalAccesses      int       `json:"total_accesses"`
	LastAccessed       time.Time `json:"last_accessed"`
	SearchAppearances  int       `json:"search_appearances"`
	SearchInteractions int       `json:"search_interactions"`
	AccessScore        float64   `json:"access_score"` // 0..1
	UpdatedAt          time.Time `json:"updated_at"`
}
