package analyze

import (
	"context"
	"math"
	"testing"
	"time"

	"keeper_server/core/domain"
)

func analyzeDateSize(t *testing.T, email *domain.EmailIndex, now time.Time) *domain.DateSizeResult {
	t.Helper()
	a := NewDateSizeAnalyzer(nil)
	result := &domain.AnalyzedEmail{EmailID: email.EmailID}
	input := domain.NewAnalysisContext(email, now)
	if err := a.Analyze(context.Background(), input, result); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.DateSize == nil {
		t.Fatal("expected date/size result")
	}
	return result.DateSize
}

func TestDateSizeAnalyzer_AgeBuckets(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		ageDays int
		want    domain.AgeCategory
	}{
		{"today", 0, domain.AgeRecent},
		{"on recent boundary", 30, domain.AgeRecent},
		{"just past recent", 31, domain.AgeModerate},
		{"on moderate boundary", 365, domain.AgeModerate},
		{"old", 366, domain.AgeOld},
		{"very old", 2000, domain.AgeOld},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email := &domain.EmailIndex{
				EmailID: "e1",
				Date:    now.AddDate(0, 0, -tt.ageDays),
				Size:    1000,
			}
			res := analyzeDateSize(t, email, now)
			if res.AgeCategory != tt.want {
				t.Errorf("age category = %v, want %v", res.AgeCategory, tt.want)
			}
		})
	}
}

func TestDateSizeAnalyzer_MissingDate(t *testing.T) {
	res := analyzeDateSize(t, &domain.EmailIndex{EmailID: "e1", Size: 1000}, time.Now().UTC())
	if res.AgeCategory != domain.AgeModerate {
		t.Errorf("age category = %v, want moderate", res.AgeCategory)
	}
	if res.RecencyScore != 0.5 {
		t.Errorf("recency score = %v, want 0.5", res.RecencyScore)
	}
	if res.AgeDays != -1 {
		t.Errorf("age days = %v, want -1", res.AgeDays)
	}
}

func TestRecencyScore(t *testing.T) {
	tests := []struct {
		ageDays int
		want    float64
	}{
		{0, 1.0},
		{7, 0.5},
		{20, 0.5 - 13.0/46},
		{30, 0},
		{60, 0.2 - 30.0/365},
		{5000, 0},
	}

	for _, tt := range tests {
		got := RecencyScore(tt.ageDays)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RecencyScore(%d) = %v, want %v", tt.ageDays, got, tt.want)
		}
		if got < 0 || got > 1 {
			t.Errorf("RecencyScore(%d) = %v out of [0,1]", tt.ageDays, got)
		}
	}
}

func TestSizePenalty(t *testing.T) {
	const mb = 1024 * 1024
	tests := []struct {
		size int64
		want float64
	}{
		{0, 0},
		{512 * 1024, 0},
		{1 * mb, 0},
		{5*mb + mb/2, 0.45},
		{10 * mb, 0.9},
		{15 * mb, 0.95},
		{100 * mb, 1.0},
	}

	for _, tt := range tests {
		got := SizePenalty(tt.size)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("SizePenalty(%d) = %v, want %v", tt.size, got, tt.want)
		}
	}
}

func TestDateSizeAnalyzer_SizeBuckets(t *testing.T) {
	const mb = 1024 * 1024
	now := time.Now().UTC()

	tests := []struct {
		name string
		size int64
		want domain.SizeCategory
	}{
		{"zero size", 0, domain.SizeSmall},
		{"under one MB", mb - 1, domain.SizeSmall},
		{"medium", 5 * mb, domain.SizeMedium},
		{"large", 25 * mb, domain.SizeLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email := &domain.EmailIndex{EmailID: "e1", Date: now, Size: tt.size}
			res := analyzeDateSize(t, email, now)
			if res.SizeCategory != tt.want {
				t.Errorf("size category = %v, want %v", res.SizeCategory, tt.want)
			}
		})
	}
}
