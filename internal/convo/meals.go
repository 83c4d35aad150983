package convo

import (
	"context"
	"errors"
	"fmt"

	"nutri-de-bolso/internal/repo"
	"nutri-de-bolso/internal/wa"
)

var errNoDiet = errors.New("no current diet")

func (e *Engine) registerMeal(ctx context.Context, user *repo.User, img wa.Image) error {
	logger := e.logger.With("user_id", user.ID)
	if err := e.send(ctx, user.Phone, msgMealAnalysing); err != nil {
		return err
	}

	analysis, before, diet, err := e.prepareMeal(ctx, user, img)
	switch {
	case errors.Is(err, errNoDiet):
		return e.send(ctx, user.Phone, msgMealNoDiet)
	case err != nil:
		logger.Warn("meal analysis failed", "error", err)
		e.metrics.IncError("meal")
		return e.send(ctx, user.Phone, msgMealFailed)
	}

	ref := string(img.Media)
	if _, err := e.store.CreateMeal(ctx, user.ID, analysis, &ref); err != nil {
		logger.Error("store meal", "error", err)
		e.metrics.IncError("meal")
		return e.send(ctx, user.Phone, msgMealFailed)
	}
	e.metrics.IncMeal()

	feedback, err := e.oracle.MealFeedback(ctx, analysis, diet.Content, before)
	if err != nil {
		logger.Warn("meal feedback failed, using analysis feedback", "error", err)
		feedback = analysis.Feedback
	}
	return e.send(ctx, user.Phone, mealRegisteredMessage(analysis, feedback))
}

// prepareMeal analyses the photo and loads what the meal is compared against.
// Nothing is persisted.
func (e *Engine) prepareMeal(ctx context.Context, user *repo.User, img wa.Image) (repo.MealAnalysis, repo.DailyTotals, *repo.Diet, error) {
	media, err := e.fetch(ctx, img.Media)
	if err != nil {
		return repo.MealAnalysis{}, repo.DailyTotals{}, nil, err
	}
	analysis, err := e.oracle.AnalyzeMeal(ctx, media.Data, firstNonEmpty(media.MimeType, img.MimeType, "image/jpeg"))
	if err != nil {
		return repo.MealAnalysis{}, repo.DailyTotals{}, nil, fmt.Errorf("analyze meal: %w", err)
	}

	diet, err := e.store.GetCurrentDiet(ctx, user.ID)
	if err != nil {
		return repo.MealAnalysis{}, repo.DailyTotals{}, nil, fmt.Errorf("load diet: %w", err)
	}
	if diet == nil {
		return repo.MealAnalysis{}, repo.DailyTotals{}, nil, errNoDiet
	}

	before, err := e.todaysTotals(ctx, user)
	if err != nil {
		return repo.MealAnalysis{}, repo.DailyTotals{}, nil, err
	}
	return analysis, before, diet, nil
}
