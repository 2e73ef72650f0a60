package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
)

const usersDDL = `CREATE TABLE IF NOT EXISTS public.users (
	id            UUID PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	display_name  TEXT,
	role          TEXT NOT NULL DEFAULT 'user',
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_login_at TIMESTAMPTZ
)`

const userColumns = `id, email, display_name, role, active, created_at, updated_at, last_login_at`

type userRow struct {
	ID          uuid.UUID      `db:"id"`
	Email       string         `db:"email"`
	DisplayName sql.NullString `db:"display_name"`
	Role        string         `db:"role"`
	Active      bool           `db:"active"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	LastLoginAt sql.NullTime   `db:"last_login_at"`
}

func (r *userRow) toEntity() *domain.User {
	user := &domain.User{
		ID:        r.ID,
		Email:     r.Email,
		Role:      domain.UserRole(r.Role),
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.DisplayName.Valid {
		user.DisplayName = &r.DisplayName.String
	}
	if r.LastLoginAt.Valid {
		user.LastLoginAt = &r.LastLoginAt.Time
	}
	return user
}

// UserRegistry is the global user directory, living in the public schema
// alongside the per-user schemas.
type UserRegistry struct {
	db *sqlx.DB
}

// NewUserRegistry ensures the users table exists.
func NewUserRegistry(ctx context.Context, db *sqlx.DB) (*UserRegistry, error) {
	if _, err := db.ExecContext(ctx, usersDDL); err != nil {
		return nil, apperr.DatabaseError("failed to create users table", err)
	}
	return &UserRegistry{db: db}, nil
}

func (r *UserRegistry) CreateUser(ctx context.Context, user *domain.User) error {
	query := `INSERT INTO public.users (` + userColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(ctx, query,
		user.ID, user.Email, nullString(user.DisplayName), string(user.Role),
		user.Active, user.CreatedAt, user.UpdatedAt, nullTime(user.LastLoginAt)); err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("user already registered: " + user.Email)
		}
		return apperr.DatabaseError("failed to create user", err)
	}
	return nil
}

func (r *UserRegistry) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var row userRow
	query := `SELECT ` + userColumns + ` FROM public.users WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user")
		}
		return nil, apperr.DatabaseError("failed to get user", err)
	}
	return row.toEntity(), nil
}

func (r *UserRegistry) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var row userRow
	query := `SELECT ` + userColumns + ` FROM public.users WHERE email = $1`
	if err := r.db.GetContext(ctx, &row, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user")
		}
		return nil, apperr.DatabaseError("failed to get user by email", err)
	}
	return row.toEntity(), nil
}

func (r *UserRegistry) ListUsers(ctx context.Context, activeOnly bool) ([]*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM public.users`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at`

	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperr.DatabaseError("failed to list users", err)
	}
	users := make([]*domain.User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].toEntity())
	}
	return users, nil
}

func (r *UserRegistry) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM public.users`); err != nil {
		return 0, apperr.DatabaseError("failed to count users", err)
	}
	return count, nil
}

func (r *UserRegistry) UpdateUser(ctx context.Context, user *domain.User) error {
	query := `UPDATE public.users SET email = $2, display_name = $3, role = $4, active = $5,
		updated_at = $6, last_login_at = $7 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query,
		user.ID, user.Email, nullString(user.DisplayName), string(user.Role),
		user.Active, user.UpdatedAt, nullTime(user.LastLoginAt))
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("email already in use: " + user.Email)
		}
		return apperr.DatabaseError("failed to update user", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

var _ out.UserRegistry = (*UserRegistry)(nil)
