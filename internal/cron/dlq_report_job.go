package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/outbox"
)

type dlqCounter interface {
	CountByReason(ctx context.Context, since time.Time) ([]outbox.DLQCount, error)
}

type DLQReportJobParams struct {
	Logger     *logger.Logger
	Repository dlqCounter
	// Window is how far back each run looks. It should match the cron
	// interval so every entry is reported once.
	Window time.Duration
	Now    func() time.Time
}

// NewDLQReportJob logs a warning per kind and reason for records that were
// dead-lettered during the last window. Entries are only reported; replay is
// left to an operator.
func NewDLQReportJob(params DLQReportJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("dlq repository required")
	}
	window := params.Window
	if window <= 0 {
		window = defaultInterval
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &dlqReportJob{logg: params.Logger, repo: params.Repository, window: window, now: now}, nil
}

type dlqReportJob struct {
	logg   *logger.Logger
	repo   dlqCounter
	window time.Duration
	now    func() time.Time
}

func (j *dlqReportJob) Name() string { return "outbox-dlq-report" }

func (j *dlqReportJob) Run(ctx context.Context) error {
	since := j.now().UTC().Add(-j.window)
	counts, err := j.repo.CountByReason(ctx, since)
	if err != nil {
		return fmt.Errorf("dlq report: %w", err)
	}

	var total int64
	for _, c := range counts {
		total += c.Count
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"kind":         c.Kind,
			"error_reason": c.Reason,
			"count":        c.Count,
			"since":        since,
		}), "outbox records dead-lettered")
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"since": since,
		"total": total,
	}), "outbox dlq report complete")
	return nil
}
