package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// -- Users --

func scanSQLiteUser(row rowScanner) (*User, error) {
	var (
		u                    User
		step                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Phone, &u.Name, &step, &u.ReportTime, &u.Timezone, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.OnboardingStep = Step(step)
	var err error
	if u.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *SQLiteRepository) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE phone = ? LIMIT 1;`
	u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, q, phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find user by phone: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, phone, timezone string) (*User, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	now := r.timestamp()
	q := `
INSERT INTO users (id, phone, onboarding_step, timezone, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING ` + userColumns + `;`
	u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, q, uuid.NewString(), phone, string(StepAwaitingName), timezone, now, now))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error) {
	u, err := r.patchUser(ctx, r.db, id, nil, patch)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) AdvanceUser(ctx context.Context, id string, from Step, patch UserPatch) (*User, error) {
	u, err := r.patchUser(ctx, r.db, id, &from, patch)
	if err != nil {
		return nil, fmt.Errorf("advance user from %s: %w", from, err)
	}
	return u, nil
}

func (r *SQLiteRepository) patchUser(ctx context.Context, db sqliteQuerier, id string, from *Step, patch UserPatch) (*User, error) {
	if patch.empty() {
		return nil, errors.New("empty user patch")
	}
	sets, args := patch.assignments(1, sqlitePlaceholder)
	sets = append(sets, "updated_at = ?")
	args = append(args, r.timestamp(), id)
	where := "id = ?"
	if from != nil {
		where += " AND onboarding_step = ?"
		args = append(args, string(*from))
	}
	q := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + userColumns + `;`

	u, err := scanSQLiteUser(db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if from == nil {
		return nil, ErrUserNotFound
	}
	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?;`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check user exists: %w", err)
	}
	if exists == 0 {
		return nil, ErrUserNotFound
	}
	return nil, ErrStepConflict
}

func (r *SQLiteRepository) ListUsersDueForReport(ctx context.Context, reportTime string) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE onboarding_step = ? AND report_time = ? ORDER BY created_at, rowid;`
	rows, err := r.db.QueryContext(ctx, q, string(StepCompleted), reportTime)
	if err != nil {
		return nil, fmt.Errorf("list users due for report: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
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

// -- Diets --

func scanSQLiteDiet(row rowScanner) (*Diet, error) {
	var (
		d                    Diet
		content              string
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.ID, &d.UserID, &content, &d.RawText, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON([]byte(content), &d.Content); err != nil {
		return nil, fmt.Errorf("decode diet %s: %w", d.ID, err)
	}
	var err error
	if d.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *SQLiteRepository) GetCurrentDiet(ctx context.Context, userID string) (*Diet, error) {
	q := `SELECT ` + dietColumns + ` FROM diets WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1;`
	d, err := scanSQLiteDiet(r.db.QueryRowContext(ctx, q, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get current diet: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) CreateDiet(ctx context.Context, userID string, content DietContent, rawText *string) (*Diet, error) {
	d, err := r.insertDiet(ctx, r.db, userID, content, rawText)
	if err != nil {
		return nil, fmt.Errorf("create diet: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) AdvanceWithDiet(ctx context.Context, userID string, from Step, patch UserPatch, content DietContent, rawText *string) (*User, *Diet, error) {
	var (
		user *User
		diet *Diet
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if user, err = r.patchUser(ctx, tx, userID, &from, patch); err != nil {
			return fmt.Errorf("advance user from %s: %w", from, err)
		}
		if diet, err = r.insertDiet(ctx, tx, userID, content, rawText); err != nil {
			return fmt.Errorf("create diet: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, diet, nil
}

func (r *SQLiteRepository) insertDiet(ctx context.Context, db sqliteQuerier, userID string, content DietContent, rawText *string) (*Diet, error) {
	data, err := encodeJSON(content)
	if err != nil {
		return nil, err
	}
	now := r.timestamp()
	q := `
INSERT INTO diets (id, user_id, content, raw_text, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING ` + dietColumns + `;`
	return scanSQLiteDiet(db.QueryRowContext(ctx, q, uuid.NewString(), userID, data, rawText, now, now))
}

func (r *SQLiteRepository) UpdateDiet(ctx context.Context, dietID string, content DietContent, rawText *string) (*Diet, error) {
	data, err := encodeJSON(content)
	if err != nil {
		return nil, err
	}
	q := `
UPDATE diets SET content = ?, raw_text = ?, updated_at = ?
WHERE id = ?
RETURNING ` + dietColumns + `;`
	d, err := scanSQLiteDiet(r.db.QueryRowContext(ctx, q, data, rawText, r.timestamp(), dietID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("update diet %s: %w", dietID, ErrDietNotFound)
		}
		return nil, fmt.Errorf("update diet: %w", err)
	}
	return d, nil
}

// -- Meals --

func scanSQLiteMeal(row rowScanner) (*Meal, error) {
	var (
		m         Meal
		analysis  string
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.ImageRef, &analysis, &m.Calories, &m.Protein, &m.Carbs, &m.Fat, &createdAt); err != nil {
		return nil, err
	}
	if err := decodeJSON([]byte(analysis), &m.Analysis); err != nil {
		return nil, fmt.Errorf("decode meal %s: %w", m.ID, err)
	}
	var err error
	if m.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *SQLiteRepository) CreateMeal(ctx context.Context, userID string, analysis MealAnalysis, imageRef *string) (*Meal, error) {
	data, err := encodeJSON(analysis)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO meals (id, user_id, image_ref, analysis, calories, protein, carbs, fat, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + mealColumns + `;`
	m, err := scanSQLiteMeal(r.db.QueryRowContext(ctx, q,
		uuid.NewString(),
		userID,
		imageRef,
		data,
		analysis.TotalCalories,
		analysis.TotalProtein,
		analysis.TotalCarbs,
		analysis.TotalFat,
		r.timestamp(),
	))
	if err != nil {
		return nil, fmt.Errorf("create meal: %w", err)
	}
	return m, nil
}

func (r *SQLiteRepository) GetTodaysMeals(ctx context.Context, userID string, since time.Time) ([]Meal, error) {
	q := `SELECT ` + mealColumns + ` FROM meals WHERE user_id = ? AND created_at >= ? ORDER BY created_at ASC, rowid ASC;`
	rows, err := r.db.QueryContext(ctx, q, userID, formatSQLiteTime(since))
	if err != nil {
		return nil, fmt.Errorf("list todays meals: %w", err)
	}
	defer rows.Close()

	var meals []Meal
	for rows.Next() {
		m, err := scanSQLiteMeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meal: %w", err)
		}
		meals = append(meals, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meals: %w", err)
	}
	return meals, nil
}
