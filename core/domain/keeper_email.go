package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisVersion is stamped on every email the orchestrator persists.
// Bump when analyzer semantics change so stale rows become candidates for
// re-categorization.
const AnalysisVersion = "2.1"

// Category is the final fused category of an email.
type Category string

const (
	CategoryHigh   Category = "high"
	CategoryMedium Category = "medium"
	CategoryLow    Category = "low"
)

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	switch c {
	case CategoryHigh, CategoryMedium, CategoryLow:
		return true
	}
	return false
}

// ImportanceLevel is the importance analyzer's output level.
type ImportanceLevel string

const (
	ImportanceHigh   ImportanceLevel = "high"
	ImportanceMedium ImportanceLevel = "medium"
	ImportanceLow    ImportanceLevel = "low"
)

// Valid reports whether the level is one of the known values.
func (l ImportanceLevel) Valid() bool {
	switch l {
	case ImportanceHigh, ImportanceMedium, ImportanceLow:
		return true
	}
	return false
}

// AgeCategory buckets an email by age.
type AgeCategory string

const (
	AgeRecent   AgeCategory = "recent"
	AgeModerate AgeCategory = "moderate"
	AgeOld      AgeCategory = "old"
)

// SizeCategory buckets an email by size.
type SizeCategory string

const (
	SizeSmall  SizeCategory = "small"
	SizeMedium SizeCategory = "medium"
	SizeLarge  SizeCategory = "large"
)

// GmailCategory is the label-derived Gmail category.
type GmailCategory string

const (
	GmailImportant  GmailCategory = "important"
	GmailPromotions GmailCategory = "promotions"
	GmailSocial     GmailCategory = "social"
	GmailUpdates    GmailCategory = "updates"
	GmailForums     GmailCategory = "forums"
	GmailSpam       GmailCategory = "spam"
	GmailPrimary    GmailCategory = "primary"
)

// EmailIndex is one indexed message of one user's mailbox. Analyzer fields
// stay nil until the categorization pipeline has run.
type EmailIndex struct {
	// Identity
	EmailID  string    `json:"email_id"`
	ThreadID string    `json:"thread_id"`
	UserID   uuid.UUID `json:"user_id"`

	// Envelope
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	Recipients     []string  `json:"recipients,omitempty"`
	Date           time.Time `json:"date"`
	Year           int       `json:"year"`
	Size           int64     `json:"size"`
	HasAttachments bool      `json:"has_attachments"`
	Labels         []string  `json:"labels,omitempty"`
	Snippet        string    `json:"snippet"`

	// AttachmentTypes holds lowercased file extensions, e.g. "pdf".
	AttachmentTypes []string `json:"attachment_types,omitempty"`

	// Lifecycle
	Archived        bool       `json:"archived"`
	ArchiveDate     *time.Time `json:"archive_date,omitempty"`
	ArchiveLocation *string    `json:"archive_location,omitempty"`

	// Importance analyzer
	ImportanceScore        *float64         `json:"importance_score,omitempty"`
	ImportanceLevel        *ImportanceLevel `json:"importance_level,omitempty"`
	ImportanceMatchedRules []string         `json:"importance_matched_rules,omitempty"`
	ImportanceConfidence   *float64         `json:"importance_confidence,omitempty"`

	// Date/size analyzer
	AgeCategory  *AgeCategory  `json:"age_category,omitempty"`
	SizeCategory *SizeCategory `json:"size_category,omitempty"`
	RecencyScore *float64      `json:"recency_score,omitempty"`
	SizePenalty  *float64      `json:"size_penalty,omitempty"`

	// Label classifier
	GmailCategory         *GmailCategory `json:"gmail_category,omitempty"`
	SpamScore             *float64       `json:"spam_score,omitempty"`
	PromotionalScore      *float64       `json:"promotional_score,omitempty"`
	SocialScore           *float64       `json:"social_score,omitempty"`
	SpamIndicators        []string       `json:"spam_indicators,omitempty"`
	PromotionalIndicators []string       `json:"promotional_indicators,omitempty"`
	SocialIndicators      []string       `json:"social_indicators,omitempty"`

	// Analysis metadata. Category set implies timestamp and version set.
	Category          *Category  `json:"category,omitempty"`
	AnalysisTimestamp *time.Time `json:"analysis_timestamp,omitempty"`
	AnalysisVersion   *string    `json:"analysis_version,omitempty"`
}

// Analyzed reports whether the fused category has been persisted.
func (e *EmailIndex) Analyzed() bool {
	return e.Category != nil
}

// SenderDomain returns the lowercased domain part of the sender address,
// or "" when the sender has no domain part.
func (e *EmailIndex) SenderDomain() string {
	return AddressDomain(e.Sender)
}

// SearchCriteria is the filter set the store pushes into SQL.
// Zero values mean "no constraint".
type SearchCriteria struct {
	Query          string    `json:"query,omitempty"` // matches subject|snippet
	Category       *Category `json:"category,omitempty"`
	Year           *int      `json:"year,omitempty"`
	YearFrom       *int      `json:"year_from,omitempty"`
	YearTo         *int      `json:"year_to,omitempty"`
	SizeMin        *int64    `json:"size_min,omitempty"`
	SizeMax        *int64    `json:"size_max,omitempty"`
	Archived       *bool     `json:"archived,omitempty"`
	Sender         string    `json:"sender,omitempty"` // substring match
	Labels         []string  `json:"labels,omitempty"` // subset match
	HasAttachments *bool     `json:"has_attachments,omitempty"`

	// UnanalyzedOnly selects rows whose category has not been set yet.
	UnanalyzedOnly bool `json:"unanalyzed_only,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// StatsGroupBy selects the aggregation axis for email statistics.
type StatsGroupBy string

const (
	StatsByYear     StatsGroupBy = "year"
	StatsByCategory StatsGroupBy = "category"
	StatsBySender   StatsGroupBy = "sender"
	StatsBySize     StatsGroupBy = "size"
)

// EmailStats is one aggregation bucket.
type EmailStats struct {
	Key       string `json:"key"`
	Count     int64  `json:"count"`
	TotalSize int64  `json:"total_size"`
}

// SavedSearch is a persisted named search.
type SavedSearch struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Name      string         `json:"name"`
	Criteria  SearchCriteria `json:"criteria"`
	CreatedAt time.Time      `json:"created_at"`
}

// AddressDomain extracts the lowercased domain from an email address.
func AddressDomain(addr string) string {
	at := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	domain := addr[at+1:]
	// Strip a trailing ">" from "Name <user@host>" forms.
	if domain[len(domain)-1] == '>' {
		domain = domain[:len(domain)-1]
	}
	return lowerASCII(domain)
}

// AddressLocalPart extracts the lowercased local part from an email address.
func AddressLocalPart(addr string) string {
	start := 0
	for i := 0; i < len(addr); i++ {
		if addr[i] == '<' {
			start = i + 1
		}
	}
	for i := start; i < len(addr); i++ {
		if addr[i] == '@' {
			return lowerASCII(addr[start:i])
		}
	}
	return lowerASCII(addr[start:])
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
