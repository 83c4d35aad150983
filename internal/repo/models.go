package repo

import "time"

// Step is the onboarding stage a user is in.
type Step string

const (
	// StepNew is never persisted; it stands for "no user row yet".
	StepNew                Step = "new"
	StepAwaitingName       Step = "awaiting_name"
	StepAwaitingDiet       Step = "awaiting_diet"
	StepAwaitingReportTime Step = "awaiting_report_time"
	StepCompleted          Step = "completed"
)

// DefaultTimezone is assigned to users created without an explicit zone.
const DefaultTimezone = "America/Sao_Paulo"

// User represents a WhatsApp contact going through (or done with) onboarding.
type User struct {
	ID             string
	Phone          string
	Name           *string
	OnboardingStep Step
	ReportTime     *string
	Timezone       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserPatch lists the columns to change on a user. Nil fields are left untouched.
type UserPatch struct {
	Name           *string
	OnboardingStep *Step
	ReportTime     *string
	Timezone       *string
}

func (p UserPatch) empty() bool {
	return p.Name == nil && p.OnboardingStep == nil && p.ReportTime == nil && p.Timezone == nil
}

// assignments renders the SET clause for the patch. placeholder maps a
// 1-based argument position to the driver's bind syntax.
func (p UserPatch) assignments(start int, placeholder func(int) string) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, val any) {
		sets = append(sets, column+" = "+placeholder(start+len(args)))
		args = append(args, val)
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.OnboardingStep != nil {
		add("onboarding_step", string(*p.OnboardingStep))
	}
	if p.ReportTime != nil {
		add("report_time", *p.ReportTime)
	}
	if p.Timezone != nil {
		add("timezone", *p.Timezone)
	}
	return sets, args
}

// PlannedMeal is one meal of the diet plan.
type PlannedMeal struct {
	Name     string   `json:"name"`
	Time     *string  `json:"time"`
	Foods    []string `json:"foods"`
	Calories *float64 `json:"calories"`
	Protein  *float64 `json:"protein"`
	Carbs    *float64 `json:"carbs"`
	Fat      *float64 `json:"fat"`
}

// DietContent holds the daily targets extracted from a diet document.
type DietContent struct {
	DailyCalories float64       `json:"daily_calories"`
	DailyProtein  float64       `json:"daily_protein"`
	DailyCarbs    float64       `json:"daily_carbs"`
	DailyFat      float64       `json:"daily_fat"`
	Meals         []PlannedMeal `json:"meals"`
	Notes         []string      `json:"notes"`
}

// Diet is a stored diet plan. The latest one per user is the current diet.
type Diet struct {
	ID        string
	UserID    string
	Content   DietContent
	RawText   *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FoodItem is a single food recognised on a meal photo.
type FoodItem struct {
	Name     string  `json:"name"`
	Portion  string  `json:"portion"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// MealAnalysis is the oracle's breakdown of a meal photo.
type MealAnalysis struct {
	Foods         []FoodItem `json:"foods"`
	TotalCalories float64    `json:"total_calories"`
	TotalProtein  float64    `json:"total_protein"`
	TotalCarbs    float64    `json:"total_carbs"`
	TotalFat      float64    `json:"total_fat"`
	Feedback      string     `json:"feedback"`
}

// Meal is an immutable record of a registered meal.
type Meal struct {
	ID        string
	UserID    string
	ImageRef  *string
	Analysis  MealAnalysis
	Calories  float64
	Protein   float64
	Carbs     float64
	Fat       float64
	CreatedAt time.Time
}

// DailyTotals aggregates meals registered since local midnight.
type DailyTotals struct {
	Calories  float64
	Protein   float64
	Carbs     float64
	Fat       float64
	MealCount int
}

// SumMeals folds meals into totals.
func SumMeals(meals []Meal) DailyTotals {
	var t DailyTotals
	for _, m := range meals {
		t.Calories += m.Calories
		t.Protein += m.Protein
		t.Carbs += m.Carbs
		t.Fat += m.Fat
		t.MealCount++
	}
	return t
}
