package repo

import (
	"context"
	"fmt"
	"time"
)

const mealColumns = `id, user_id, image_ref, analysis, calories, protein, carbs, fat, created_at`

func scanMeal(row rowScanner) (*Meal, error) {
	var (
		m        Meal
		analysis []byte
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.ImageRef, &analysis, &m.Calories, &m.Protein, &m.Carbs, &m.Fat, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(analysis, &m.Analysis); err != nil {
		return nil, fmt.Errorf("decode meal %s: %w", m.ID, err)
	}
	return &m, nil
}

// CreateMeal records a meal with its totals denormalised into columns.
func (r *PostgresRepository) CreateMeal(ctx context.Context, userID string, analysis MealAnalysis, imageRef *string) (*Meal, error) {
	data, err := encodeJSON(analysis)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO meals (user_id, image_ref, analysis, calories, protein, carbs, fat)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
RETURNING ` + mealColumns + `;`
	m, err := scanMeal(r.pool.QueryRow(ctx, q,
		userID,
		imageRef,
		data,
		analysis.TotalCalories,
		analysis.TotalProtein,
		analysis.TotalCarbs,
		analysis.TotalFat,
	))
	if err != nil {
		return nil, fmt.Errorf("create meal: %w", err)
	}
	return m, nil
}

// GetTodaysMeals lists the user's meals created at or after since, oldest first.
func (r *PostgresRepository) GetTodaysMeals(ctx context.Context, userID string, since time.Time) ([]Meal, error) {
	q := `SELECT ` + mealColumns + ` FROM meals WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at ASC;`
	rows, err := r.pool.Query(ctx, q, userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list todays meals: %w", err)
	}
	defer rows.Close()

	var meals []Meal
	for rows.Next() {
		m, err := scanMeal(rows)
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
