package convo

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"nutri-de-bolso/internal/repo"
)

var summaryKeywords = []string{"resumo", "como estou", "quanto comi", "progresso", "status"}

func isSummaryRequest(lowered string) bool {
	for _, kw := range summaryKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func isHelpRequest(lowered string) bool {
	return lowered == "ajuda" || lowered == "help"
}

// Summary compares what was eaten today with the diet targets.
type Summary struct {
	Target    repo.DietContent
	Consumed  repo.DailyTotals
	Remaining repo.DailyTotals
	// ProgressPercent is only meaningful when HasProgress is set.
	ProgressPercent int
	HasProgress     bool
}

// Summarize derives remaining amounts and calorie progress. Remaining values
// go negative once a target is exceeded.
func Summarize(target repo.DietContent, consumed repo.DailyTotals) Summary {
	s := Summary{
		Target:   target,
		Consumed: consumed,
		Remaining: repo.DailyTotals{
			Calories: target.DailyCalories - consumed.Calories,
			Protein:  target.DailyProtein - consumed.Protein,
			Carbs:    target.DailyCarbs - consumed.Carbs,
			Fat:      target.DailyFat - consumed.Fat,
		},
	}
	s.ProgressPercent, s.HasProgress = ProgressPercent(consumed.Calories, target.DailyCalories)
	return s
}

// ProgressPercent returns round(100*consumed/target). ok is false for a
// non-positive target.
func ProgressPercent(consumed, target float64) (percent int, ok bool) {
	if target <= 0 {
		return 0, false
	}
	return int(math.Round(consumed / target * 100)), true
}

// startOfDay returns local midnight of now in tz, using fallback for unknown zones.
func startOfDay(now time.Time, tz string, fallback *time.Location) time.Time {
	loc := fallback
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func (e *Engine) todaysTotals(ctx context.Context, user *repo.User) (repo.DailyTotals, error) {
	meals, err := e.store.GetTodaysMeals(ctx, user.ID, startOfDay(e.now(), user.Timezone, e.location))
	if err != nil {
		return repo.DailyTotals{}, fmt.Errorf("load todays meals: %w", err)
	}
	return repo.SumMeals(meals), nil
}

func (e *Engine) sendSummary(ctx context.Context, user *repo.User) error {
	logger := e.logger.With("user_id", user.ID)

	diet, err := e.store.GetCurrentDiet(ctx, user.ID)
	if err != nil {
		logger.Error("load diet for summary", "error", err)
		e.metrics.IncError("summary")
		return e.send(ctx, user.Phone, msgSummaryFailed)
	}
	if diet == nil {
		return e.send(ctx, user.Phone, msgSummaryNoDiet)
	}

	totals, err := e.todaysTotals(ctx, user)
	if err != nil {
		logger.Error("summary totals", "error", err)
		e.metrics.IncError("summary")
		return e.send(ctx, user.Phone, msgSummaryFailed)
	}
	return e.send(ctx, user.Phone, summaryMessage(Summarize(diet.Content, totals)))
}
