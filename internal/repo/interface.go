package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

var (
	// ErrUserNotFound is returned by updates addressing a missing user.
	ErrUserNotFound = errors.New("user not found")
	// ErrDietNotFound is returned by updates addressing a missing diet.
	ErrDietNotFound = errors.New("diet not found")
	// ErrStepConflict means the user left the expected onboarding step before the update landed.
	ErrStepConflict = errors.New("onboarding step changed concurrently")
)

// Store is the data access surface used by the conversation engine.
// Point lookups return (nil, nil) when nothing matches.
type Store interface {
	// Users
	FindUserByPhone(ctx context.Context, phone string) (*User, error)
	CreateUser(ctx context.Context, phone, timezone string) (*User, error)
	UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error)
	AdvanceUser(ctx context.Context, id string, from Step, patch UserPatch) (*User, error)
	ListUsersDueForReport(ctx context.Context, reportTime string) ([]User, error)

	// Diets
	GetCurrentDiet(ctx context.Context, userID string) (*Diet, error)
	CreateDiet(ctx context.Context, userID string, content DietContent, rawText *string) (*Diet, error)
	UpdateDiet(ctx context.Context, dietID string, content DietContent, rawText *string) (*Diet, error)
	// AdvanceWithDiet stores a diet and applies a step patch atomically.
	// Neither lands when the user has left step from.
	AdvanceWithDiet(ctx context.Context, userID string, from Step, patch UserPatch, content DietContent, rawText *string) (*User, *Diet, error)

	// Meals
	CreateMeal(ctx context.Context, userID string, analysis MealAnalysis, imageRef *string) (*Meal, error)
	GetTodaysMeals(ctx context.Context, userID string, since time.Time) ([]Meal, error)
}

// Repository is a Store with lifecycle management.
type Repository interface {
	Store

	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error
}
