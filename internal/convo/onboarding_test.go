package convo

import (
	"errors"
	"strings"
	"testing"

	"nutri-de-bolso/internal/oracle"
	"nutri-de-bolso/internal/repo"
	"nutri-de-bolso/internal/wa"
)

const phone = "5511999990000"

func sampleDiet() repo.DietContent {
	return repo.DietContent{
		DailyCalories: 2000, DailyProtein: 150, DailyCarbs: 200, DailyFat: 60,
		Meals: []repo.PlannedMeal{{Name: "Café"}, {Name: "Almoço"}, {Name: "Jantar"}},
	}
}

func TestFirstMessageCreatesUserAndWelcomes(t *testing.T) {
	h := newHarness(t)
	h.text(phone, "oi")

	u := h.store.user(phone)
	if u.OnboardingStep != repo.StepAwaitingName || u.Timezone != repo.DefaultTimezone {
		t.Fatalf("unexpected user: %+v", u)
	}
	if got := h.sender.texts(phone); len(got) != 1 || got[0] != msgWelcome {
		t.Fatalf("expected welcome only, got %q", got)
	}
}

func TestNameStep(t *testing.T) {
	h := newHarness(t)
	h.text(phone, "oi")

	for _, short := range []string{"A", "  a  ", ""} {
		h.text(phone, short)
		if got := h.last(t, phone); got != msgNameTooShort {
			t.Fatalf("name %q: expected too short notice, got %q", short, got)
		}
	}
	h.send(phone, wa.Image{Media: "img-1"})
	if got := h.last(t, phone); got != msgNameNotText {
		t.Fatalf("expected not-text notice, got %q", got)
	}
	if u := h.store.user(phone); u.OnboardingStep != repo.StepAwaitingName || u.Name != nil {
		t.Fatalf("rejected names must not advance: %+v", u)
	}

	h.text(phone, "  Maria  ")
	u := h.store.user(phone)
	if u.OnboardingStep != repo.StepAwaitingDiet || u.Name == nil || *u.Name != "Maria" {
		t.Fatalf("expected trimmed name and diet step, got %+v", u)
	}
	if got := h.last(t, phone); !strings.HasPrefix(got, "Prazer, Maria! 🎉") {
		t.Fatalf("unexpected diet prompt: %q", got)
	}
}

func onboardToDiet(t *testing.T, h *harness) {
	t.Helper()
	h.text(phone, "oi")
	h.text(phone, "Maria")
	h.sender.reset()
}

func TestDietStepFromText(t *testing.T) {
	h := newHarness(t)
	h.oracle.diet = sampleDiet()
	onboardToDiet(t, h)

	h.text(phone, "2000 kcal, 150g proteína")

	got := h.sender.texts(phone)
	if len(got) != 3 || got[0] != msgDietAnalysingText || got[2] != msgAskReportTime {
		t.Fatalf("unexpected messages: %q", got)
	}
	for _, want := range []string{"📋 *Dieta identificada:*", "• Calorias: 2000 kcal/dia", "• Refeições: 3"} {
		if !strings.Contains(got[1], want) {
			t.Fatalf("summary missing %q:\n%s", want, got[1])
		}
	}
	u := h.store.user(phone)
	if u.OnboardingStep != repo.StepAwaitingReportTime {
		t.Fatalf("expected report time step, got %s", u.OnboardingStep)
	}
	if len(h.store.diets) != 1 || h.store.diets[0].RawText == nil || *h.store.diets[0].RawText != "2000 kcal, 150g proteína" {
		t.Fatalf("expected diet with raw text, got %+v", h.store.diets)
	}
}

func TestDietStepSourcesAndRejections(t *testing.T) {
	h := newHarness(t)
	h.oracle.diet = sampleDiet()
	onboardToDiet(t, h)

	h.send(phone, wa.Document{Media: "doc-1", MimeType: "application/msword", Filename: "dieta.doc"})
	if got := h.last(t, phone); got != msgDietSendPDF {
		t.Fatalf("expected pdf request, got %q", got)
	}
	h.send(phone, wa.Unknown{Type: "audio"})
	if got := h.last(t, phone); got != msgDietUnsupported {
		t.Fatalf("expected unsupported notice, got %q", got)
	}
	if h.oracle.called("extract_diet") != 0 {
		t.Fatal("rejected inputs must not reach the oracle")
	}

	h.send(phone, wa.Document{Media: "doc-2", MimeType: "application/pdf", Filename: "dieta.pdf"})
	if len(h.oracle.sources) != 1 {
		t.Fatalf("expected one extraction, got %d", len(h.oracle.sources))
	}
	pdf, ok := h.oracle.sources[0].(oracle.DietPDF)
	if !ok || pdf.Filename != "dieta.pdf" || string(pdf.Data) != "bytes" {
		t.Fatalf("expected pdf source, got %#v", h.oracle.sources[0])
	}
	if h.store.diets[0].RawText != nil {
		t.Fatal("raw text is only kept for text diets")
	}
	if got := h.sender.texts(phone); !contains(got, msgDietAnalysingPDF) {
		t.Fatalf("expected pdf ack, got %q", got)
	}
}

func TestDietStepImageSource(t *testing.T) {
	h := newHarness(t)
	h.oracle.diet = sampleDiet()
	onboardToDiet(t, h)

	h.send(phone, wa.Image{Media: "img-1", MimeType: "image/png"})
	img, ok := h.oracle.sources[0].(oracle.DietImage)
	if !ok || img.MimeType != "image/jpeg" {
		t.Fatalf("expected image source with fetched mime, got %#v", h.oracle.sources[0])
	}
	if got := h.sender.texts(phone); got[0] != msgDietAnalysingImage {
		t.Fatalf("expected image ack, got %q", got)
	}
}

func TestDietExtractionFailureKeepsStep(t *testing.T) {
	h := newHarness(t)
	h.oracle.dietErr = &oracle.ExtractionError{Operation: "extract_diet_text", Err: errors.New("bad json")}
	onboardToDiet(t, h)

	h.text(phone, "uma dieta qualquer")
	if got := h.last(t, phone); got != msgDietNotUnderstood {
		t.Fatalf("expected not understood notice, got %q", got)
	}
	if len(h.store.diets) != 0 {
		t.Fatal("no diet must be stored on failure")
	}
	if u := h.store.user(phone); u.OnboardingStep != repo.StepAwaitingDiet {
		t.Fatalf("step must not change, got %s", u.OnboardingStep)
	}
}

func onboardToTime(t *testing.T, h *harness) {
	t.Helper()
	h.oracle.diet = sampleDiet()
	onboardToDiet(t, h)
	h.text(phone, "minha dieta")
	h.sender.reset()
}

func TestReportTimeStep(t *testing.T) {
	h := newHarness(t)
	onboardToTime(t, h)

	h.send(phone, wa.Image{Media: "img"})
	if got := h.last(t, phone); got != msgTimeNotText {
		t.Fatalf("expected not-text hint, got %q", got)
	}
	for _, bad := range []string{"24:00", "21h", "7:5", "abc", "12:60"} {
		h.text(phone, bad)
		if got := h.last(t, phone); got != msgTimeInvalid {
			t.Fatalf("%q: expected invalid format notice, got %q", bad, got)
		}
	}
	if u := h.store.user(phone); u.OnboardingStep != repo.StepAwaitingReportTime {
		t.Fatalf("invalid times must not advance, got %s", u.OnboardingStep)
	}

	h.text(phone, " 9:05 ")
	u := h.store.user(phone)
	if u.OnboardingStep != repo.StepCompleted || u.ReportTime == nil || *u.ReportTime != "09:05" {
		t.Fatalf("expected completed with 09:05, got %+v", u)
	}
	if got := h.last(t, phone); !strings.Contains(got, "09:05") || !strings.HasPrefix(got, "🎉 Tudo pronto!") {
		t.Fatalf("unexpected completion message: %q", got)
	}
}

func TestNormalizeReportTime(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"21:00", "21:00", true},
		{"9:30", "09:30", true},
		{"09:30", "09:30", true},
		{"0:00", "00:00", true},
		{"23:59", "23:59", true},
		{"24:00", "", false},
		{"9:3", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := normalizeReportTime(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("normalizeReportTime(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStepConflictBecomesGenericFailure(t *testing.T) {
	h := newHarness(t)
	h.text(phone, "oi")
	h.store.advanceErr = repo.ErrStepConflict

	h.text(phone, "Maria")
	if got := h.last(t, phone); got != msgGenericFailure {
		t.Fatalf("expected generic failure, got %q", got)
	}
}

func TestDietStepConflictLeavesNoDiet(t *testing.T) {
	h := newHarness(t)
	h.oracle.diet = sampleDiet()
	onboardToDiet(t, h)
	h.store.advanceErr = repo.ErrStepConflict

	h.text(phone, "2000 kcal, 150g proteína")

	if u := h.store.user(phone); u.OnboardingStep != repo.StepAwaitingDiet {
		t.Fatalf("expected diet step to hold, got %s", u.OnboardingStep)
	}
	if len(h.store.diets) != 0 {
		t.Fatalf("a lost step update must not persist a diet, got %+v", h.store.diets)
	}
	if got := h.last(t, phone); got != msgGenericFailure {
		t.Fatalf("expected generic failure, got %q", got)
	}
	if got := h.sender.texts(phone); contains(got, msgAskReportTime) {
		t.Fatalf("report time prompt must not be sent after a conflict: %q", got)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
