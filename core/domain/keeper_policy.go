package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionType is what a cleanup policy does to matched emails.
type ActionType string

const (
	ActionArchive ActionType = "archive"
	ActionDelete  ActionType = "delete"
)

// ActionMethod is where the action is carried out.
type ActionMethod string

const (
	MethodGmail  ActionMethod = "gmail"
	MethodExport ActionMethod = "export"
)

// PolicyAction describes the action side of a cleanup policy.
type PolicyAction struct {
	Type         ActionType   `json:"type"`
	Method       ActionMethod `json:"method"`
	ExportFormat string       `json:"export_format,omitempty"`
}

// PolicyCriteria selects candidate emails. Nil pointers mean "no constraint".
type PolicyCriteria struct {
	AgeDaysMin          *int             `json:"age_days_min,omitempty"`
	ImportanceLevelMax  *ImportanceLevel `json:"importance_level_max,omitempty"`
	SpamScoreMin        *float64         `json:"spam_score_min,omitempty"`
	PromotionalScoreMin *float64         `json:"promotional_score_min,omitempty"`
	AccessScoreMax      *float64         `json:"access_score_max,omitempty"`
	SizeMin             *int64           `json:"size_min,omitempty"`
	LabelInclude        []string         `json:"label_include,omitempty"`
	LabelExclude        []string         `json:"label_exclude,omitempty"`
	SenderDomainInclude []string         `json:"sender_domain_include,omitempty"`
	SenderDomainExclude []string         `json:"sender_domain_exclude,omitempty"`
}

// AccessGate protects recently or frequently accessed emails.
type AccessGate struct {
	Enabled          bool    `json:"enabled"`
	MaxAccessScore   float64 `json:"max_access_score"`
	RecentAccessDays int     `json:"recent_access_days"`
}

// ThreadGate protects emails in active conversation threads.
type ThreadGate struct {
	Enabled           bool `json:"enabled"`
	RecentReplyDays   int  `json:"recent_reply_days"`
	MinThreadMessages int  `json:"min_thread_messages"`
}

// SizeGate demands confirmation for unusually large emails.
type SizeGate struct {
	Enabled               bool    `json:"enabled"`
	LargeEmailThreshold   int64   `json:"large_email_threshold"`
	UnusualSizeMultiplier float64 `json:"unusual_size_multiplier"`
}

// DeletionLimits caps destructive throughput. Zero hour/day values mean no
// cap; MaxPerRun nil means uncapped per run.
type DeletionLimits struct {
	MaxPerHour int  `json:"max_deletions_per_hour,omitempty"`
	MaxPerDay  int  `json:"max_deletions_per_day,omitempty"`
	MaxPerRun  *int `json:"max_deletions_per_run,omitempty"`
}

// PolicySafety is the full set of safety gates on one policy. Each gate is
// either driven by a non-empty list or carries an explicit Enabled flag;
// there are no sentinel threshold values.
type PolicySafety struct {
	PreserveImportant bool `json:"preserve_important"`

	VIPDomains       []string `json:"vip_domains,omitempty"`
	TrustedDomains   []string `json:"trusted_domains,omitempty"`
	WhitelistDomains []string `json:"whitelist_domains,omitempty"`

	CriticalAttachmentTypes []string `json:"critical_attachment_types,omitempty"`
	LegalKeywords           []string `json:"legal_keywords,omitempty"`
	ProtectedLabels         []string `json:"protected_labels,omitempty"`

	Access AccessGate `json:"access_gate"`
	Thread ThreadGate `json:"thread_gate"`
	Size   SizeGate   `json:"size_gate"`

	Limits DeletionLimits `json:"deletion_limits"`

	BulkThreshold       int     `json:"bulk_threshold,omitempty"`
	RequireConfirmation bool    `json:"require_confirmation"`
	MinStalenessScore   float64 `json:"min_staleness_score,omitempty"`
}

// TriggerKind is the schedule trigger type.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerEvent    TriggerKind = "event"
)

// EventSignal is a monitored signal an event trigger can watch.
type EventSignal string

const (
	SignalStorage     EventSignal = "storage_threshold"
	SignalPerformance EventSignal = "performance_threshold"
)

// PolicySchedule describes when a policy fires automatically.
type PolicySchedule struct {
	Kind TriggerKind `json:"kind"`

	// cron
	CronExpr string `json:"cron_expr,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// interval
	IntervalSeconds int `json:"interval_seconds,omitempty"`

	// event
	Signal             EventSignal `json:"signal,omitempty"`
	WarningThreshold   float64     `json:"warning_threshold,omitempty"`
	CriticalThreshold  float64     `json:"critical_threshold,omitempty"`
	MinIntervalSeconds int         `json:"min_interval_seconds,omitempty"`
}

// CleanupPolicy is a user-authored cleanup rule.
type CleanupPolicy struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Name     string    `json:"name"`
	Enabled  bool      `json:"enabled"`
	Priority int       `json:"priority"` // 0..100, higher evaluated first

	Criteria PolicyCriteria  `json:"criteria"`
	Action   PolicyAction    `json:"action"`
	Safety   PolicySafety    `json:"safety"`
	Schedule *PolicySchedule `json:"schedule,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Validate checks structural constraints. Cron expressions are validated by
// the scheduler on top of this.
func (p *CleanupPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Priority < 0 || p.Priority > 100 {
		return fmt.Errorf("priority must be in [0, 100], got %d", p.Priority)
	}

	switch p.Action.Type {
	case ActionArchive, ActionDelete:
	default:
		return fmt.Errorf("unknown action type %q", p.Action.Type)
	}
	switch p.Action.Method {
	case MethodGmail:
	case MethodExport:
		if p.Action.ExportFormat == "" {
			return fmt.Errorf("export method requires export_format")
		}
	default:
		return fmt.Errorf("unknown action method %q", p.Action.Method)
	}

	if p.Criteria.ImportanceLevelMax != nil && !p.Criteria.ImportanceLevelMax.Valid() {
		return fmt.Errorf("unknown importance level %q", *p.Criteria.ImportanceLevelMax)
	}
	for name, v := range map[string]*float64{
		"spam_score_min":        p.Criteria.SpamScoreMin,
		"promotional_score_min": p.Criteria.PromotionalScoreMin,
		"access_score_max":      p.Criteria.AccessScoreMax,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, *v)
		}
	}
	if p.Safety.MinStalenessScore < 0 || p.Safety.MinStalenessScore > 1 {
		return fmt.Errorf("min_staleness_score must be in [0, 1]")
	}
	if p.Safety.Access.Enabled && (p.Safety.Access.MaxAccessScore < 0 || p.Safety.Access.MaxAccessScore > 1) {
		return fmt.Errorf("max_access_score must be in [0, 1]")
	}

	// A delete policy needs at least one hard brake: preserve_important or a
	// per-run cap.
	if p.Action.Type == ActionDelete && !p.Safety.PreserveImportant && p.Safety.Limits.MaxPerRun == nil {
		return fmt.Errorf("delete policy requires preserve_important or max_deletions_per_run")
	}

	if p.Schedule != nil {
		switch p.Schedule.Kind {
		case TriggerCron:
			if p.Schedule.CronExpr == "" {
				return fmt.Errorf("cron schedule requires cron_expr")
			}
		case TriggerInterval:
			if p.Schedule.IntervalSeconds < 1 {
				return fmt.Errorf("interval schedule requires interval_seconds >= 1")
			}
		case TriggerEvent:
			switch p.Schedule.Signal {
			case SignalStorage, SignalPerformance:
			default:
				return fmt.Errorf("unknown event signal %q", p.Schedule.Signal)
			}
		default:
			return fmt.Errorf("unknown schedule kind %q", p.Schedule.Kind)
		}
	}

	return nil
}

// SafetyVerdict tags a candidate after gate evaluation.
type SafetyVerdict string

const (
	VerdictClear                SafetyVerdict = "clear"
	VerdictProtected            SafetyVerdict = "protected"
	VerdictRequiresConfirmation SafetyVerdict = "requires_confirmation"
)

// PolicyEvaluation is the outcome of evaluating one email against policies.
type PolicyEvaluation struct {
	MatchedPolicy *uuid.UUID    `json:"matched_policy,omitempty"`
	Reasons       []string      `json:"reasons,omitempty"`
	Verdict       SafetyVerdict `json:"safety_verdict"`
}

// Candidate is one email selected by a policy, pending execution.
type Candidate struct {
	Email   *EmailIndex   `json:"email"`
	Verdict SafetyVerdict `json:"verdict"`
	Reason  string        `json:"reason,omitempty"`
}

// CandidateSet is the evaluated batch for one policy.
type CandidateSet struct {
	PolicyID   uuid.UUID   `json:"policy_id"`
	Candidates []Candidate `json:"candidates"`
	Truncated  bool        `json:"truncated"`
}

// CleanupMetrics are windowed aggregates over the audit log.
type CleanupMetrics struct {
	WindowHours      int     `json:"window_hours"`
	EmailsDeleted    int64   `json:"emails_deleted"`
	EmailsArchived   int64   `json:"emails_archived"`
	StorageFreed     int64   `json:"storage_freed_bytes"`
	RunsCompleted    int64   `json:"runs_completed"`
	RunsFailed       int64   `json:"runs_failed"`
	DeletionsPerHour float64 `json:"deletions_per_hour"`
}

// CleanupRecommendation is a suggested cleanup opportunity.
type CleanupRecommendation struct {
	Kind            string     `json:"kind"`
	Description     string     `json:"description"`
	EmailCount      int64      `json:"email_count"`
	EstimatedSize   int64      `json:"estimated_size_bytes"`
	SuggestedAction ActionType `json:"suggested_action"`
}
