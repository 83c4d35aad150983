// Package convo holds the conversation logic: onboarding, routing, meal
// registration, summaries and the daily report.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"nutri-de-bolso/internal/metrics"
	"nutri-de-bolso/internal/oracle"
	"nutri-de-bolso/internal/repo"
	"nutri-de-bolso/internal/wa"
)

// Deduper drops message ids that were already processed.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
}

// Locker serialises processing for one sender.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Deps lists the collaborators of an Engine. Deduper and Locker are optional.
type Deps struct {
	Store   repo.Store
	Oracle  oracle.Oracle
	Sender  wa.Sender
	Media   wa.MediaFetcher
	Deduper Deduper
	Locker  Locker
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// DefaultTimezone is given to new users and used when a stored zone is invalid.
	DefaultTimezone string
	// LockWait bounds how long a message waits for the sender lock.
	LockWait time.Duration
	Now      func() time.Time
}

// Engine turns inbound messages into replies.
type Engine struct {
	store    repo.Store
	oracle   oracle.Oracle
	sender   wa.Sender
	media    wa.MediaFetcher
	dedup    Deduper
	locker   Locker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timezone string
	location *time.Location
	lockWait time.Duration
	now      func() time.Time
}

var _ wa.Processor = (*Engine)(nil)

// NewEngine validates deps and builds an Engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Oracle == nil || deps.Sender == nil || deps.Media == nil {
		return nil, errors.New("convo engine requires store, oracle, sender and media fetcher")
	}
	tz := deps.DefaultTimezone
	if tz == "" {
		tz = repo.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", tz, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	lockWait := deps.LockWait
	if lockWait <= 0 {
		lockWait = 2 * time.Minute
	}

	return &Engine{
		store:    deps.Store,
		oracle:   deps.Oracle,
		sender:   deps.Sender,
		media:    deps.Media,
		dedup:    deps.Deduper,
		locker:   deps.Locker,
		logger:   logger.With("component", "convo"),
		metrics:  deps.Metrics,
		timezone: tz,
		location: loc,
		lockWait: lockWait,
		now:      now,
	}, nil
}

// Process handles one inbound message. It never returns an error: failures
// are logged and answered with a generic notice.
func (e *Engine) Process(ctx context.Context, msg wa.ParsedMessage) {
	logger := e.logger.With("from", msg.From, "message_id", msg.ID, "kind", msg.Kind())
	e.metrics.IncIncoming(msg.Kind())

	if msg.From == "" {
		logger.Warn("dropping message without sender")
		return
	}

	if e.dedup != nil {
		seen, err := e.dedup.Seen(ctx, msg.ID)
		switch {
		case err != nil:
			logger.Warn("dedup check failed", "error", err)
		case seen:
			e.metrics.IncDuplicate()
			logger.Debug("dropping redelivered message")
			return
		}
	}

	if e.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
		unlock, err := e.locker.Lock(lockCtx, msg.From)
		cancel()
		if err != nil {
			logger.Warn("sender lock unavailable, processing unlocked", "error", err)
		} else {
			defer unlock()
		}
	}

	if err := e.dispatch(ctx, msg); err != nil {
		logger.Error("process message", "error", err)
		e.metrics.IncError("router")
		if sendErr := e.send(ctx, msg.From, msgGenericFailure); sendErr != nil {
			logger.Error("send failure notice", "error", sendErr)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg wa.ParsedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	user, err := e.store.FindUserByPhone(ctx, msg.From)
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return e.startOnboarding(ctx, msg.From)
	}
	return e.route(ctx, user, msg)
}

func (e *Engine) route(ctx context.Context, user *repo.User, msg wa.ParsedMessage) error {
	if user.OnboardingStep != repo.StepCompleted {
		return e.continueOnboarding(ctx, user, msg)
	}

	switch c := msg.Content.(type) {
	case wa.Image:
		if c.Media != "" {
			return e.registerMeal(ctx, user, c)
		}
	case wa.Text:
		if body := strings.TrimSpace(c.Body); body != "" {
			return e.handleText(ctx, user, body)
		}
	case wa.Document:
		return e.send(ctx, user.Phone, msgDocumentReceived)
	}
	return e.send(ctx, user.Phone, msgFallback)
}

func (e *Engine) handleText(ctx context.Context, user *repo.User, body string) error {
	lowered := strings.ToLower(body)
	switch {
	case isHelpRequest(lowered):
		return e.send(ctx, user.Phone, msgHelp)
	case isSummaryRequest(lowered):
		return e.sendSummary(ctx, user)
	}

	diet, err := e.store.GetCurrentDiet(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load diet: %w", err)
	}
	if diet == nil {
		return e.send(ctx, user.Phone, msgQuestionNoDiet)
	}
	answer, err := e.oracle.AnswerQuestion(ctx, diet.Content, body)
	if err != nil {
		return fmt.Errorf("answer question: %w", err)
	}
	return e.send(ctx, user.Phone, answer)
}

func (e *Engine) send(ctx context.Context, to, text string) error {
	if err := e.sender.SendText(ctx, to, text); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, ref wa.MediaRef) (wa.Media, error) {
	media, err := e.media.FetchMedia(ctx, ref)
	if err != nil {
		return wa.Media{}, fmt.Errorf("fetch media: %w", err)
	}
	return media, nil
}
