// Package oracle delegates nutritional content understanding to a language model.
package oracle

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"nutri-de-bolso/internal/repo"
)

// Oracle extracts structured nutrition data and writes user-facing narratives.
type Oracle interface {
	ExtractDiet(ctx context.Context, src DietSource) (repo.DietContent, error)
	AnalyzeMeal(ctx context.Context, image []byte, mimeType string) (repo.MealAnalysis, error)
	AnswerQuestion(ctx context.Context, diet repo.DietContent, question string) (string, error)
	DailyReport(ctx context.Context, diet repo.DietContent, totals repo.DailyTotals) (string, error)
	MealFeedback(ctx context.Context, analysis repo.MealAnalysis, diet repo.DietContent, totals repo.DailyTotals) (string, error)
}

// DietSource is one of DietText, DietImage or DietPDF.
type DietSource interface {
	kind() string
}

type DietText struct {
	Text string
}

type DietImage struct {
	Data     []byte
	MimeType string
}

type DietPDF struct {
	Data     []byte
	Filename string
}

func (DietText) kind() string  { return "text" }
func (DietImage) kind() string { return "image" }
func (DietPDF) kind() string   { return "pdf" }

// ExtractionError means the model answered with content we could not use.
type ExtractionError struct {
	Operation string
	Content   string
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: unusable model output: %v", e.Operation, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// FormatNumber renders a nutrient amount with at most one decimal place.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}

func signed(v float64) string {
	if v >= 0 {
		return "+" + FormatNumber(v)
	}
	return FormatNumber(v)
}
