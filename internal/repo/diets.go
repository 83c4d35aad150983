package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const dietColumns = `id, user_id, content, raw_text, created_at, updated_at`

func scanDiet(row rowScanner) (*Diet, error) {
	var (
		d       Diet
		content []byte
	)
	if err := row.Scan(&d.ID, &d.UserID, &content, &d.RawText, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(content, &d.Content); err != nil {
		return nil, fmt.Errorf("decode diet %s: %w", d.ID, err)
	}
	return &d, nil
}

// GetCurrentDiet returns the most recently created diet of the user, or nil.
func (r *PostgresRepository) GetCurrentDiet(ctx context.Context, userID string) (*Diet, error) {
	q := `SELECT ` + dietColumns + ` FROM diets WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1;`
	d, err := scanDiet(r.pool.QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get current diet: %w", err)
	}
	return d, nil
}

// CreateDiet stores a new diet which becomes the user's current one.
func (r *PostgresRepository) CreateDiet(ctx context.Context, userID string, content DietContent, rawText *string) (*Diet, error) {
	d, err := insertDiet(ctx, r.pool, userID, content, rawText)
	if err != nil {
		return nil, fmt.Errorf("create diet: %w", err)
	}
	return d, nil
}

// AdvanceWithDiet moves the user off step from and stores the diet in one
// transaction. On ErrStepConflict no diet is written.
func (r *PostgresRepository) AdvanceWithDiet(ctx context.Context, userID string, from Step, patch UserPatch, content DietContent, rawText *string) (*User, *Diet, error) {
	var (
		user *User
		diet *Diet
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		if user, err = r.patchUser(ctx, tx, userID, &from, patch); err != nil {
			return fmt.Errorf("advance user from %s: %w", from, err)
		}
		if diet, err = insertDiet(ctx, tx, userID, content, rawText); err != nil {
			return fmt.Errorf("create diet: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, diet, nil
}

func insertDiet(ctx context.Context, db pgQuerier, userID string, content DietContent, rawText *string) (*Diet, error) {
	data, err := encodeJSON(content)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO diets (user_id, content, raw_text)
VALUES ($1, $2::jsonb, $3)
RETURNING ` + dietColumns + `;`
	return scanDiet(db.QueryRow(ctx, q, userID, data, rawText))
}

// UpdateDiet replaces the content of an existing diet.
func (r *PostgresRepository) UpdateDiet(ctx context.Context, dietID string, content DietContent, rawText *string) (*Diet, error) {
	data, err := encodeJSON(content)
	if err != nil {
		return nil, err
	}
	q := `
UPDATE diets SET content = $2::jsonb, raw_text = $3, updated_at = NOW()
WHERE id = $1
RETURNING ` + dietColumns + `;`
	d, err := scanDiet(r.pool.QueryRow(ctx, q, dietID, data, rawText))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update diet %s: %w", dietID, ErrDietNotFound)
		}
		return nil, fmt.Errorf("update diet: %w", err)
	}
	return d, nil
}

// encodeJSON returns the document as a string so it binds as text under
// the simple protocol.
func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json marshal: %w", err)
	}
	return string(data), nil
}

func decodeJSON(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}
