package convo

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"nutri-de-bolso/internal/oracle"
	"nutri-de-bolso/internal/repo"
	"nutri-de-bolso/internal/wa"
)

var reportTimeRegex = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)

const minNameLength = 2

func (e *Engine) startOnboarding(ctx context.Context, phone string) error {
	user, err := e.store.CreateUser(ctx, phone, e.timezone)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	e.metrics.IncTransition(string(repo.StepAwaitingName))
	e.logger.Info("user created", "user_id", user.ID)
	return e.send(ctx, phone, msgWelcome)
}

func (e *Engine) continueOnboarding(ctx context.Context, user *repo.User, msg wa.ParsedMessage) error {
	switch user.OnboardingStep {
	case repo.StepAwaitingName:
		return e.captureName(ctx, user, msg)
	case repo.StepAwaitingDiet:
		return e.captureDiet(ctx, user, msg)
	case repo.StepAwaitingReportTime:
		return e.captureReportTime(ctx, user, msg)
	default:
		return fmt.Errorf("user %s has unknown onboarding step %q", user.ID, user.OnboardingStep)
	}
}

// advance moves user from its current step to next, failing with
// repo.ErrStepConflict if another message got there first.
func (e *Engine) advance(ctx context.Context, user *repo.User, next repo.Step, patch repo.UserPatch) error {
	patch.OnboardingStep = &next
	if _, err := e.store.AdvanceUser(ctx, user.ID, user.OnboardingStep, patch); err != nil {
		return fmt.Errorf("advance user to %s: %w", next, err)
	}
	e.metrics.IncTransition(string(next))
	return nil
}

func (e *Engine) captureName(ctx context.Context, user *repo.User, msg wa.ParsedMessage) error {
	text, ok := msg.Content.(wa.Text)
	if !ok {
		return e.send(ctx, user.Phone, msgNameNotText)
	}
	name := strings.TrimSpace(text.Body)
	if utf8.RuneCountInString(name) < minNameLength {
		return e.send(ctx, user.Phone, msgNameTooShort)
	}

	if err := e.advance(ctx, user, repo.StepAwaitingDiet, repo.UserPatch{Name: &name}); err != nil {
		return err
	}
	return e.send(ctx, user.Phone, askDietMessage(name))
}

// dietInput describes how to obtain a diet source from one message.
type dietInput struct {
	ack  string
	raw  *string
	load func(ctx context.Context) (oracle.DietSource, error)
}

func (e *Engine) dietInputFor(msg wa.ParsedMessage) (dietInput, string) {
	switch c := msg.Content.(type) {
	case wa.Text:
		if c.Body == "" {
			break
		}
		body := c.Body
		return dietInput{
			ack: msgDietAnalysingText,
			raw: &body,
			load: func(context.Context) (oracle.DietSource, error) {
				return oracle.DietText{Text: body}, nil
			},
		}, ""
	case wa.Image:
		if c.Media == "" {
			break
		}
		return dietInput{
			ack: msgDietAnalysingImage,
			load: func(ctx context.Context) (oracle.DietSource, error) {
				media, err := e.fetch(ctx, c.Media)
				if err != nil {
					return nil, err
				}
				return oracle.DietImage{Data: media.Data, MimeType: firstNonEmpty(media.MimeType, c.MimeType, "image/jpeg")}, nil
			},
		}, ""
	case wa.Document:
		if !isPDF(c) {
			return dietInput{}, msgDietSendPDF
		}
		return dietInput{
			ack: msgDietAnalysingPDF,
			load: func(ctx context.Context) (oracle.DietSource, error) {
				media, err := e.fetch(ctx, c.Media)
				if err != nil {
					return nil, err
				}
				return oracle.DietPDF{Data: media.Data, Filename: c.Filename}, nil
			},
		}, ""
	}
	return dietInput{}, msgDietUnsupported
}

func (e *Engine) captureDiet(ctx context.Context, user *repo.User, msg wa.ParsedMessage) error {
	input, rejection := e.dietInputFor(msg)
	if rejection != "" {
		return e.send(ctx, user.Phone, rejection)
	}
	if err := e.send(ctx, user.Phone, input.ack); err != nil {
		return err
	}

	content, err := e.extractDiet(ctx, input)
	if err != nil {
		e.logger.Warn("diet extraction failed", "user_id", user.ID, "kind", msg.Kind(), "error", err)
		e.metrics.IncError("onboarding")
		return e.send(ctx, user.Phone, msgDietNotUnderstood)
	}

	next := repo.StepAwaitingReportTime
	if _, _, err := e.store.AdvanceWithDiet(ctx, user.ID, user.OnboardingStep, repo.UserPatch{OnboardingStep: &next}, content, input.raw); err != nil {
		return fmt.Errorf("advance user to %s with diet: %w", next, err)
	}
	e.metrics.IncTransition(string(next))

	if err := e.send(ctx, user.Phone, dietSummaryMessage(content)); err != nil {
		return err
	}
	return e.send(ctx, user.Phone, msgAskReportTime)
}

func (e *Engine) extractDiet(ctx context.Context, input dietInput) (repo.DietContent, error) {
	src, err := input.load(ctx)
	if err != nil {
		return repo.DietContent{}, err
	}
	content, err := e.oracle.ExtractDiet(ctx, src)
	if err != nil {
		return repo.DietContent{}, fmt.Errorf("extract diet: %w", err)
	}
	return content, nil
}

func (e *Engine) captureReportTime(ctx context.Context, user *repo.User, msg wa.ParsedMessage) error {
	text, ok := msg.Content.(wa.Text)
	if !ok {
		return e.send(ctx, user.Phone, msgTimeNotText)
	}
	reportTime, ok := normalizeReportTime(text.Body)
	if !ok {
		return e.send(ctx, user.Phone, msgTimeInvalid)
	}

	if err := e.advance(ctx, user, repo.StepCompleted, repo.UserPatch{ReportTime: &reportTime}); err != nil {
		return err
	}
	return e.send(ctx, user.Phone, completeMessage(reportTime))
}

// normalizeReportTime accepts H:MM or HH:MM and returns zero-padded HH:MM.
func normalizeReportTime(input string) (string, bool) {
	m := reportTimeRegex.FindStringSubmatch(strings.TrimSpace(input))
	if m == nil {
		return "", false
	}
	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%02d:%s", hour, m[2]), true
}

func isPDF(d wa.Document) bool {
	mime := strings.ToLower(strings.TrimSpace(d.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime == "application/pdf" && d.Media != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
