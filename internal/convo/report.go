package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"nutri-de-bolso/internal/metrics"
	"nutri-de-bolso/internal/oracle"
	"nutri-de-bolso/internal/repo"
	"nutri-de-bolso/internal/wa"
)

// ReportJob sends the end-of-day report to users whose report time is now.
type ReportJob struct {
	store    repo.Store
	oracle   oracle.Oracle
	sender   wa.Sender
	logger   *slog.Logger
	metrics  *metrics.Metrics
	location *time.Location
}

// ReportRun counts what one invocation did.
type ReportRun struct {
	Slot    string `json:"slot"`
	Due     int    `json:"due"`
	Sent    int    `json:"sent"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// NewReportJob matches report times against the wall clock in timezone.
func NewReportJob(store repo.Store, o oracle.Oracle, sender wa.Sender, timezone string, logger *slog.Logger, m *metrics.Metrics) (*ReportJob, error) {
	if timezone == "" {
		timezone = repo.DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load report timezone %s: %w", timezone, err)
	}
	return &ReportJob{
		store:    store,
		oracle:   o,
		sender:   sender,
		logger:   logger.With("component", "daily_report"),
		metrics:  m,
		location: loc,
	}, nil
}

// Run delivers reports for the HH:MM slot of now. Only listing due users can
// fail the run; per-user failures are logged and counted.
func (j *ReportJob) Run(ctx context.Context, now time.Time) (ReportRun, error) {
	run := ReportRun{Slot: now.In(j.location).Format("15:04")}

	users, err := j.store.ListUsersDueForReport(ctx, run.Slot)
	if err != nil {
		j.metrics.IncError("daily_report")
		return run, fmt.Errorf("list users due at %s: %w", run.Slot, err)
	}
	run.Due = len(users)

	for i := range users {
		if ctx.Err() != nil {
			return run, ctx.Err()
		}
		user := &users[i]
		err := j.sendReport(ctx, user, now)
		switch {
		case errors.Is(err, errNoDiet):
			run.Skipped++
			j.metrics.IncReport("skipped")
			j.logger.Warn("skipping report, no diet", "user_id", user.ID)
		case err != nil:
			run.Failed++
			j.metrics.IncReport("failed")
			j.metrics.IncError("daily_report")
			j.logger.Error("send daily report", "user_id", user.ID, "error", err)
		default:
			run.Sent++
			j.metrics.IncReport("sent")
		}
	}

	if run.Due > 0 {
		j.logger.Info("daily reports processed", "slot", run.Slot, "due", run.Due, "sent", run.Sent, "skipped", run.Skipped, "failed", run.Failed)
	}
	return run, nil
}

func (j *ReportJob) sendReport(ctx context.Context, user *repo.User, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	diet, err := j.store.GetCurrentDiet(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load diet: %w", err)
	}
	if diet == nil {
		return errNoDiet
	}

	meals, err := j.store.GetTodaysMeals(ctx, user.ID, startOfDay(now, user.Timezone, j.location))
	if err != nil {
		return fmt.Errorf("load todays meals: %w", err)
	}

	report, err := j.oracle.DailyReport(ctx, diet.Content, repo.SumMeals(meals))
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}
	if err := j.sender.SendText(ctx, user.Phone, reportHeader+report); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}
