package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, phone, name, onboarding_step, report_time, timezone, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u    User
		step string
	)
	if err := row.Scan(&u.ID, &u.Phone, &u.Name, &step, &u.ReportTime, &u.Timezone, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.OnboardingStep = Step(step)
	return &u, nil
}

// FindUserByPhone returns the user registered for phone, or nil.
func (r *PostgresRepository) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE phone = $1 LIMIT 1;`
	u, err := scanUser(r.pool.QueryRow(ctx, q, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find user by phone: %w", err)
	}
	return u, nil
}

// CreateUser inserts a user at the awaiting_name step.
func (r *PostgresRepository) CreateUser(ctx context.Context, phone, timezone string) (*User, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	q := `
INSERT INTO users (phone, onboarding_step, timezone)
VALUES ($1, $2, $3)
RETURNING ` + userColumns + `;`
	u, err := scanUser(r.pool.QueryRow(ctx, q, phone, string(StepAwaitingName), timezone))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UpdateUser applies patch unconditionally.
func (r *PostgresRepository) UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error) {
	u, err := r.patchUser(ctx, r.pool, id, nil, patch)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// AdvanceUser applies patch only while the user is still at step from.
func (r *PostgresRepository) AdvanceUser(ctx context.Context, id string, from Step, patch UserPatch) (*User, error) {
	u, err := r.patchUser(ctx, r.pool, id, &from, patch)
	if err != nil {
		return nil, fmt.Errorf("advance user from %s: %w", from, err)
	}
	return u, nil
}

func (r *PostgresRepository) patchUser(ctx context.Context, db pgQuerier, id string, from *Step, patch UserPatch) (*User, error) {
	if patch.empty() {
		return nil, errors.New("empty user patch")
	}
	sets, args := patch.assignments(2, pgPlaceholder)
	args = append([]any{id}, args...)
	where := "id = $1"
	if from != nil {
		args = append(args, string(*from))
		where += " AND onboarding_step = " + pgPlaceholder(len(args))
	}
	q := `UPDATE users SET ` + strings.Join(sets, ", ") + `, updated_at = NOW() WHERE ` + where + ` RETURNING ` + userColumns + `;`

	u, err := scanUser(db.QueryRow(ctx, q, args...))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if from == nil {
		return nil, ErrUserNotFound
	}
	existing, lookupErr := userByID(ctx, db, id)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if existing == nil {
		return nil, ErrUserNotFound
	}
	return nil, ErrStepConflict
}

func userByID(ctx context.Context, db pgQuerier, id string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1;`
	u, err := scanUser(db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// ListUsersDueForReport returns completed users whose report time equals reportTime (HH:MM).
func (r *PostgresRepository) ListUsersDueForReport(ctx context.Context, reportTime string) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE onboarding_step = $1 AND report_time = $2 ORDER BY created_at;`
	rows, err := r.pool.Query(ctx, q, string(StepCompleted), reportTime)
	if err != nil {
		return nil, fmt.Errorf("list users due for report: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user due for report: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users due for report: %w", err)
	}
	return users, nil
}
