package persistence

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

func intPtr(v int) *int          { return &v }
func int64Ptr(v int64) *int64    { return &v }
func boolPtr(v bool) *bool       { return &v }
func catPtr(v domain.Category) *domain.Category { return &v }

func TestBuildCriteriaEmpty(t *testing.T) {
	where, args := buildCriteria(&domain.SearchCriteria{})
	if where != "" {
		t.Fatalf("expected no WHERE clause, got %q", where)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %d", len(args))
	}
}

func TestBuildCriteriaQueryMatchesSubjectAndSnippet(t *testing.T) {
	where, args := buildCriteria(&domain.SearchCriteria{Query: "invoice"})
	if !strings.Contains(where, "subject ILIKE $1") || !strings.Contains(where, "snippet ILIKE $1") {
		t.Fatalf("query clause should match subject and snippet with one arg, got %q", where)
	}
	if len(args) != 1 || args[0] != "%invoice%" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildCriteriaCombines(t *testing.T) {
	criteria := &domain.SearchCriteria{
		Category: catPtr(domain.CategoryLow),
		YearFrom: intPtr(2018),
		YearTo:   intPtr(2020),
		SizeMin:  int64Ptr(1024),
		Archived: boolPtr(false),
		Sender:   "newsletter",
		Labels:   []string{"CATEGORY_PROMOTIONS"},
	}
	where, args := buildCriteria(criteria)
	for _, want := range []string{"category = $1", "year >= $2", "year <= $3", "size >= $4", "archived = $5", "sender ILIKE $6", "labels @> $7"} {
		if !strings.Contains(where, want) {
			t.Errorf("missing clause %q in %q", want, where)
		}
	}
	if got := strings.Count(where, " AND "); got != 6 {
		t.Errorf("expected 6 AND joins, got %d", got)
	}
	if len(args) != 7 {
		t.Errorf("expected 7 args, got %d", len(args))
	}
}

func TestBuildCriteriaUnanalyzedOnly(t *testing.T) {
	where, args := buildCriteria(&domain.SearchCriteria{UnanalyzedOnly: true})
	if !strings.Contains(where, "category IS NULL") {
		t.Fatalf("expected category IS NULL, got %q", where)
	}
	if len(args) != 0 {
		t.Fatalf("unanalyzed filter takes no args, got %d", len(args))
	}
}

func TestSchemaForStripsDashes(t *testing.T) {
	userID := uuid.MustParse("a1b2c3d4-e5f6-47a8-89b0-c1d2e3f4a5b6")
	schema := schemaFor(userID)
	if schema != "u_a1b2c3d4e5f647a889b0c1d2e3f4a5b6" {
		t.Fatalf("unexpected schema name %q", schema)
	}
	if strings.ContainsAny(schema, "-") {
		t.Fatalf("schema name must not contain dashes: %q", schema)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "$1, $2, $3" {
		t.Fatalf("unexpected placeholders %q", got)
	}
}

func TestPolicyRowCorruptCriteria(t *testing.T) {
	row := &policyRow{
		Criteria: []byte(`{broken`),
		Action:   []byte(`{}`),
		Safety:   []byte(`{}`),
	}
	_, err := row.toEntity(uuid.New())
	if !apperr.IsCode(err, apperr.CodeCorrupt) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}

func TestJobRowRoundTrip(t *testing.T) {
	userID := uuid.New()
	row := &jobRow{
		ID:              uuid.New(),
		JobType:         "cleanup",
		Status:          "pending",
		Priority:        7,
		RequestParams:   []byte(`{"dry_run":true}`),
		CleanupMetadata: []byte(`{"trigger":"manual","batch_size":50}`),
	}
	job, err := row.toEntity(userID)
	if err != nil {
		t.Fatalf("toEntity: %v", err)
	}
	if job.Type != domain.JobCleanup || job.Status != domain.JobPending {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.UserID != userID {
		t.Fatalf("job must carry the store owner, got %s", job.UserID)
	}
	if job.RequestParams["dry_run"] != true {
		t.Fatalf("unexpected params %v", job.RequestParams)
	}
	if job.CleanupMetadata == nil || job.CleanupMetadata.Trigger != "manual" || job.CleanupMetadata.BatchSize != 50 {
		t.Fatalf("unexpected metadata %+v", job.CleanupMetadata)
	}
}

func TestJobRowCorruptResults(t *testing.T) {
	row := &jobRow{ID: uuid.New(), JobType: "export", Status: "completed", Results: []byte(`nope`)}
	if _, err := row.toEntity(uuid.New()); !apperr.IsCode(err, apperr.CodeCorrupt) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}
