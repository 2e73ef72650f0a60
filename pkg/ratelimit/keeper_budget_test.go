package ratelimit

import (
	"context"
	"testing"
)

// The local fallback path exercises the same grant arithmetic as the Redis
// path, so budget conservation is tested here without a live Redis.

func TestDeletionBudgetReserve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		limit int
		wants []int
		grants []int
	}{
		{"full grants until exhausted", 10, []int{4, 4, 4}, []int{4, 4, 2}},
		{"single oversized request clipped", 5, []int{20}, []int{5}},
		{"zero limit grants nothing", 0, []int{3}, []int{0}},
		{"exhausted stays exhausted", 6, []int{6, 1, 1}, []int{6, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewDeletionBudget(nil)
			for i, want := range tt.wants {
				granted, err := b.Reserve(ctx, "u1", tt.limit, want)
				if err != nil {
					t.Fatalf("Reserve: %v", err)
				}
				if granted != tt.grants[i] {
					t.Errorf("Reserve #%d = %d, want %d", i, granted, tt.grants[i])
				}
			}
		})
	}
}

func TestDeletionBudgetConservation(t *testing.T) {
	ctx := context.Background()
	b := NewDeletionBudget(nil)

	limit := 17
	total := 0
	for i := 0; i < 10; i++ {
		granted, err := b.Reserve(ctx, "u1", limit, 3)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		total += granted
	}
	if total != limit {
		t.Errorf("total granted = %d, want exactly the limit %d", total, limit)
	}

	used, err := b.Used(ctx, "u1")
	if err != nil {
		t.Fatalf("Used: %v", err)
	}
	if used != limit {
		t.Errorf("Used = %d, want %d", used, limit)
	}
}

func TestDeletionBudgetPerUserIsolation(t *testing.T) {
	ctx := context.Background()
	b := NewDeletionBudget(nil)

	if granted, _ := b.Reserve(ctx, "u1", 5, 5); granted != 5 {
		t.Fatalf("u1 grant = %d, want 5", granted)
	}
	// u1 being exhausted must not affect u2.
	if granted, _ := b.Reserve(ctx, "u2", 5, 5); granted != 5 {
		t.Errorf("u2 grant = %d, want 5", granted)
	}
	if granted, _ := b.Reserve(ctx, "u1", 5, 1); granted != 0 {
		t.Errorf("u1 post-exhaustion grant = %d, want 0", granted)
	}
}
