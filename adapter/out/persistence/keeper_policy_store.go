package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

// policyRow is the database shape of one cleanup policy. The nested rule
// structures live in JSONB.
type policyRow struct {
	ID        uuid.UUID    `db:"id"`
	Name      string       `db:"name"`
	Enabled   bool         `db:"enabled"`
	Priority  int          `db:"priority"`
	Criteria  []byte       `db:"criteria"`
	Action    []byte       `db:"action"`
	Safety    []byte       `db:"safety"`
	Schedule  []byte       `db:"schedule"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
	LastRunAt sql.NullTime `db:"last_run_at"`
}

func (r *policyRow) toEntity(userID uuid.UUID) (*domain.CleanupPolicy, error) {
	policy := &domain.CleanupPolicy{
		ID:        r.ID,
		UserID:    userID,
		Name:      r.Name,
		Enabled:   r.Enabled,
		Priority:  r.Priority,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Criteria, &policy.Criteria); err != nil {
		return nil, apperr.Corrupt("policy criteria", err)
	}
	if err := json.Unmarshal(r.Action, &policy.Action); err != nil {
		return nil, apperr.Corrupt("policy action", err)
	}
	if err := json.Unmarshal(r.Safety, &policy.Safety); err != nil {
		return nil, apperr.Corrupt("policy safety", err)
	}
	if len(r.Schedule) > 0 && string(r.Schedule) != "null" {
		policy.Schedule = &domain.PolicySchedule{}
		if err := json.Unmarshal(r.Schedule, policy.Schedule); err != nil {
			return nil, apperr.Corrupt("policy schedule", err)
		}
	}
	if r.LastRunAt.Valid {
		policy.LastRunAt = &r.LastRunAt.Time
	}
	return policy, nil
}

func policyArgs(policy *domain.CleanupPolicy) ([]any, error) {
	criteria, err := json.Marshal(policy.Criteria)
	if err != nil {
		return nil, apperr.Internal("failed to serialize policy criteria: " + err.Error())
	}
	action, err := json.Marshal(policy.Action)
	if err != nil {
		return nil, apperr.Internal("failed to serialize policy action: " + err.Error())
	}
	safety, err := json.Marshal(policy.Safety)
	if err != nil {
		return nil, apperr.Internal("failed to serialize policy safety: " + err.Error())
	}
	var schedule []byte
	if policy.Schedule != nil {
		schedule, err = json.Marshal(policy.Schedule)
		if err != nil {
			return nil, apperr.Internal("failed to serialize policy schedule: " + err.Error())
		}
	}
	return []any{
		policy.ID, policy.Name, policy.Enabled, policy.Priority,
		criteria, action, safety, schedule,
		policy.CreatedAt, policy.UpdatedAt, nullTime(policy.LastRunAt),
	}, nil
}

const policyColumns = `id, name, enabled, priority, criteria, action, safety, schedule, created_at, updated_at, last_run_at`

func (s *userStore) CreatePolicy(ctx context.Context, policy *domain.CleanupPolicy) error {
	args, err := policyArgs(policy)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, s.table("policies"), policyColumns, placeholders(11))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("policy name already in use: " + policy.Name)
		}
		return apperr.DatabaseError("failed to create policy", err)
	}
	return nil
}

func (s *userStore) UpdatePolicy(ctx context.Context, policy *domain.CleanupPolicy) error {
	args, err := policyArgs(policy)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		`UPDATE %s SET name = $2, enabled = $3, priority = $4, criteria = $5, action = $6,
		 safety = $7, schedule = $8, created_at = $9, updated_at = $10, last_run_at = $11
		 WHERE id = $1`, s.table("policies"))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("policy name already in use: " + policy.Name)
		}
		return apperr.DatabaseError("failed to update policy", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperr.NotFound("policy")
	}
	return nil
}

func (s *userStore) DeletePolicy(ctx context.Context, policyID uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table("policies"))
	result, err := s.db.ExecContext(ctx, query, policyID)
	if err != nil {
		return apperr.DatabaseError("failed to delete policy", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperr.NotFound("policy")
	}
	return nil
}

func (s *userStore) GetPolicy(ctx context.Context, policyID uuid.UUID) (*domain.CleanupPolicy, error) {
	var row policyRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, policyColumns, s.table("policies"))
	if err := s.db.GetContext(ctx, &row, query, policyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("policy")
		}
		return nil, apperr.DatabaseError("failed to get policy", err)
	}
	return row.toEntity(s.userID)
}

func (s *userStore) GetPolicyByName(ctx context.Context, name string) (*domain.CleanupPolicy, error) {
	var row policyRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = $1`, policyColumns, s.table("policies"))
	if err := s.db.GetContext(ctx, &row, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("policy")
		}
		return nil, apperr.DatabaseError("failed to get policy by name", err)
	}
	return row.toEntity(s.userID)
}

func (s *userStore) ListPolicies(ctx context.Context, enabledOnly bool) ([]*domain.CleanupPolicy, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, policyColumns, s.table("policies"))
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY priority DESC, created_at`

	var rows []policyRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperr.DatabaseError("failed to list policies", err)
	}
	policies := make([]*domain.CleanupPolicy, 0, len(rows))
	for i := range rows {
		policy, err := rows[i].toEntity(s.userID)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

func (s *userStore) TouchPolicyLastRun(ctx context.Context, policyID uuid.UUID, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET last_run_at = $2 WHERE id = $1`, s.table("policies"))
	if _, err := s.db.ExecContext(ctx, query, policyID, at); err != nil {
		return apperr.DatabaseError("failed to record policy run", err)
	}
	return nil
}
