package convo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"nutri-de-bolso/internal/oracle"
	"nutri-de-bolso/internal/repo"
	"nutri-de-bolso/internal/wa"
)

type memStore struct {
	mu     sync.Mutex
	users  map[string]*repo.User
	diets  []repo.Diet
	meals  []repo.Meal
	nextID int
	now    func() time.Time

	findErr    error
	advanceErr error
	dueErr     error
}

var _ repo.Store = (*memStore)(nil)

func newMemStore(now func() time.Time) *memStore {
	return &memStore{users: map[string]*repo.User{}, now: now}
}

func (s *memStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *memStore) FindUserByPhone(_ context.Context, phone string) (*repo.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	u, ok := s.users[phone]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) CreateUser(_ context.Context, phone, timezone string) (*repo.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[phone]; ok {
		return nil, errors.New("duplicate phone")
	}
	u := &repo.User{ID: s.id("user"), Phone: phone, OnboardingStep: repo.StepAwaitingName, Timezone: timezone, CreatedAt: s.now()}
	s.users[phone] = u
	cp := *u
	return &cp, nil
}

func (s *memStore) byID(id string) *repo.User {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func applyPatch(u *repo.User, p repo.UserPatch) {
	if p.Name != nil {
		u.Name = p.Name
	}
	if p.OnboardingStep != nil {
		u.OnboardingStep = *p.OnboardingStep
	}
	if p.ReportTime != nil {
		u.ReportTime = p.ReportTime
	}
	if p.Timezone != nil {
		u.Timezone = *p.Timezone
	}
}

func (s *memStore) UpdateUser(_ context.Context, id string, patch repo.UserPatch) (*repo.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byID(id)
	if u == nil {
		return nil, repo.ErrUserNotFound
	}
	applyPatch(u, patch)
	cp := *u
	return &cp, nil
}

func (s *memStore) AdvanceUser(_ context.Context, id string, from repo.Step, patch repo.UserPatch) (*repo.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanceErr != nil {
		return nil, s.advanceErr
	}
	u := s.byID(id)
	if u == nil {
		return nil, repo.ErrUserNotFound
	}
	if u.OnboardingStep != from {
		return nil, repo.ErrStepConflict
	}
	applyPatch(u, patch)
	cp := *u
	return &cp, nil
}

func (s *memStore) ListUsersDueForReport(_ context.Context, reportTime string) ([]repo.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	var out []repo.User
	for _, u := range s.users {
		if u.OnboardingStep == repo.StepCompleted && u.ReportTime != nil && *u.ReportTime == reportTime {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

func (s *memStore) GetCurrentDiet(_ context.Context, userID string) (*repo.Diet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.diets) - 1; i >= 0; i-- {
		if s.diets[i].UserID == userID {
			d := s.diets[i]
			return &d, nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateDiet(_ context.Context, userID string, content repo.DietContent, rawText *string) (*repo.Diet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := repo.Diet{ID: s.id("diet"), UserID: userID, Content: content, RawText: rawText, CreatedAt: s.now()}
	s.diets = append(s.diets, d)
	return &d, nil
}

func (s *memStore) AdvanceWithDiet(_ context.Context, userID string, from repo.Step, patch repo.UserPatch, content repo.DietContent, rawText *string) (*repo.User, *repo.Diet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanceErr != nil {
		return nil, nil, s.advanceErr
	}
	u := s.byID(userID)
	if u == nil {
		return nil, nil, repo.ErrUserNotFound
	}
	if u.OnboardingStep != from {
		return nil, nil, repo.ErrStepConflict
	}
	applyPatch(u, patch)
	d := repo.Diet{ID: s.id("diet"), UserID: userID, Content: content, RawText: rawText, CreatedAt: s.now()}
	s.diets = append(s.diets, d)
	cu := *u
	return &cu, &d, nil
}

func (s *memStore) UpdateDiet(_ context.Context, dietID string, content repo.DietContent, rawText *string) (*repo.Diet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.diets {
		if s.diets[i].ID == dietID {
			s.diets[i].Content = content
			s.diets[i].RawText = rawText
			d := s.diets[i]
			return &d, nil
		}
	}
	return nil, repo.ErrDietNotFound
}

func (s *memStore) CreateMeal(_ context.Context, userID string, analysis repo.MealAnalysis, imageRef *string) (*repo.Meal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := repo.Meal{
		ID: s.id("meal"), UserID: userID, ImageRef: imageRef, Analysis: analysis,
		Calories: analysis.TotalCalories, Protein: analysis.TotalProtein, Carbs: analysis.TotalCarbs, Fat: analysis.TotalFat,
		CreatedAt: s.now(),
	}
	s.meals = append(s.meals, m)
	return &m, nil
}

func (s *memStore) GetTodaysMeals(_ context.Context, userID string, since time.Time) ([]repo.Meal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repo.Meal
	for _, m := range s.meals {
		if m.UserID == userID && !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) user(phone string) repo.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.users[phone]
}

// seedCompleted stores a user that finished onboarding with the given diet.
func (s *memStore) seedCompleted(phone, reportTime string, diet *repo.DietContent) *repo.User {
	s.mu.Lock()
	name := "Ana"
	u := &repo.User{ID: s.id("user"), Phone: phone, Name: &name, OnboardingStep: repo.StepCompleted, ReportTime: &reportTime, Timezone: repo.DefaultTimezone}
	s.users[phone] = u
	s.mu.Unlock()
	if diet != nil {
		_, _ = s.CreateDiet(context.Background(), u.ID, *diet, nil)
	}
	return u
}

type fakeOracle struct {
	mu      sync.Mutex
	sources []oracle.DietSource
	calls   []string

	diet        repo.DietContent
	dietErr     error
	analysis    repo.MealAnalysis
	analysisErr error
	answer      string
	feedback    string
	feedbackErr error
	report      func(diet repo.DietContent, totals repo.DailyTotals) (string, error)
	panicOn     string
}

func (o *fakeOracle) record(call string) {
	o.mu.Lock()
	o.calls = append(o.calls, call)
	o.mu.Unlock()
	if o.panicOn == call {
		panic("boom in " + call)
	}
}

func (o *fakeOracle) called(call string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (o *fakeOracle) ExtractDiet(_ context.Context, src oracle.DietSource) (repo.DietContent, error) {
	o.record("extract_diet")
	o.mu.Lock()
	o.sources = append(o.sources, src)
	o.mu.Unlock()
	return o.diet, o.dietErr
}

func (o *fakeOracle) AnalyzeMeal(context.Context, []byte, string) (repo.MealAnalysis, error) {
	o.record("analyze_meal")
	return o.analysis, o.analysisErr
}

func (o *fakeOracle) AnswerQuestion(context.Context, repo.DietContent, string) (string, error) {
	o.record("answer_question")
	return o.answer, nil
}

func (o *fakeOracle) DailyReport(_ context.Context, diet repo.DietContent, totals repo.DailyTotals) (string, error) {
	o.record("daily_report")
	if o.report != nil {
		return o.report(diet, totals)
	}
	return "Bom dia!", nil
}

func (o *fakeOracle) MealFeedback(context.Context, repo.MealAnalysis, repo.DietContent, repo.DailyTotals) (string, error) {
	o.record("meal_feedback")
	return o.feedback, o.feedbackErr
}

type sentMessage struct {
	To   string
	Text string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]error
}

func (s *recordingSender) SendText(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[to]; err != nil {
		return &wa.DeliveryError{Transport: "test", To: to, Err: err}
	}
	s.sent = append(s.sent, sentMessage{To: to, Text: text})
	return nil
}

func (s *recordingSender) texts(to string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		if m.To == to {
			out = append(out, m.Text)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

type staticMedia struct {
	media wa.Media
	err   error
}

func (m staticMedia) FetchMedia(context.Context, wa.MediaRef) (wa.Media, error) {
	return m.media, m.err
}

type harness struct {
	engine *Engine
	store  *memStore
	oracle *fakeOracle
	sender *recordingSender
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	loc, err := time.LoadLocation(repo.DefaultTimezone)
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	h := &harness{
		oracle: &fakeOracle{},
		sender: &recordingSender{},
		now:    time.Date(2024, 5, 10, 12, 30, 0, 0, loc),
	}
	h.store = newMemStore(func() time.Time { return h.now })
	engine, err := NewEngine(Deps{
		Store:  h.store,
		Oracle: h.oracle,
		Sender: h.sender,
		Media:  staticMedia{media: wa.Media{Data: []byte("bytes"), MimeType: "image/jpeg"}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) text(from, body string) {
	h.engine.Process(context.Background(), wa.ParsedMessage{From: from, ID: fmt.Sprintf("m-%d", time.Now().UnixNano()), Content: wa.Text{Body: body}})
}

func (h *harness) send(from string, content wa.Content) {
	h.engine.Process(context.Background(), wa.ParsedMessage{From: from, Content: content})
}

func (h *harness) last(t *testing.T, to string) string {
	t.Helper()
	texts := h.sender.texts(to)
	if len(texts) == 0 {
		t.Fatalf("no messages sent to %s", to)
	}
	return texts[len(texts)-1]
}
