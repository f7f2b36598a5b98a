package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/metrics"
	"github.com/Genocs/genocs-library-template/pkg/outbox"
	"github.com/Genocs/genocs-library-template/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultPublishTimeout = 15 * time.Second
	defaultLease          = 30 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type brokerClient interface {
	messaging.Publisher
	Ping(context.Context) error
}

type outboxRepository interface {
	ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]models.OutboxRecord, error)
	MarkSent(ctx context.Context, id uuid.UUID, owner string, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, owner string, cause error, nextAttemptAt time.Time) error
	MarkDeadTx(tx *gorm.DB, id uuid.UUID, cause error) error
	CountByStatus(ctx context.Context) (map[enums.OutboxStatus]int64, error)
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxRecord) (*registry.ResolvedEvent, error)
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Broker        brokerClient
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	Metrics       *metrics.RelayMetrics
	// Owner identifies this relay in record leases. Defaults to a random id.
	Owner string
	Now   func() time.Time
}

// Service relays committed outbox records to the broker. Records are claimed
// under a lease, so several relays can run side by side; a record is marked
// sent only after the broker confirmed it.
type Service struct {
	logg           *logger.Logger
	db             dbClient
	repo           outboxRepository
	broker         brokerClient
	registry       registryResolver
	dlq            dlqRepository
	metrics        *metrics.RelayMetrics
	owner          string
	now            func() time.Time
	batchSize      int
	pollInterval   time.Duration
	lease          time.Duration
	maxBackoff     time.Duration
	publishTimeout time.Duration

	jitterMu     sync.Mutex
	jitterSource *rand.Rand
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}

	cfg := params.Config
	batch := cfg.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := cfg.Outbox.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	lease := cfg.Outbox.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	maxBackoff := cfg.Outbox.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	publishTimeout := cfg.Broker.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	owner := strings.TrimSpace(params.Owner)
	if owner == "" {
		owner = "relay-" + uuid.NewString()
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		logg:           params.Logger,
		db:             params.DB,
		repo:           params.Repository,
		broker:         params.Broker,
		registry:       params.Registry,
		dlq:            params.DLQRepository,
		metrics:        params.Metrics,
		owner:          owner,
		now:            now,
		batchSize:      batch,
		pollInterval:   time.Duration(pollMs) * time.Millisecond,
		lease:          lease,
		maxBackoff:     maxBackoff,
		publishTimeout: publishTimeout,
		jitterSource:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "broker", s.broker.Ping); err != nil {
		return err
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run polls until ctx is canceled. It refuses to start when the database or
// the broker is unreachable.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	ctx = s.logg.WithField(ctx, "relay_owner", s.owner)
	s.logg.Info(ctx, "outbox relay ready")

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox relay context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logg.Error(ctx, "outbox relay batch error", err)
			backoff = nextBackoff(backoff, interval, s.maxBackoff)
			if err := s.sleep(ctx, s.withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed {
			continue
		}

		if err := s.sleep(ctx, s.withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch relays one claimed batch and reports whether anything was
// claimed. Errors are store failures; publish failures are recorded on the
// record and never abort the batch.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	records, err := s.repo.ClaimPending(ctx, s.owner, s.batchSize, s.lease, s.now())
	if err != nil {
		return false, fmt.Errorf("claim pending: %w", err)
	}
	if len(records) == 0 {
		s.refreshBacklog(ctx)
		return false, nil
	}

	for _, record := range records {
		if err := s.relay(ctx, record); err != nil {
			return true, err
		}
	}
	s.refreshBacklog(ctx)
	return true, nil
}

func (s *Service) relay(ctx context.Context, record models.OutboxRecord) error {
	resolved, err := s.registry.Resolve(record)
	if err != nil {
		return s.deadLetter(ctx, record, err)
	}

	fields := s.recordFields(record, resolved)
	msg := resolved.Message([]byte(record.Payload))

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	err = s.broker.Publish(publishCtx, msg)
	cancel()
	if err != nil {
		var nonRetry registry.NonRetryableError
		if errors.As(err, &nonRetry) {
			return s.deadLetter(ctx, record, err)
		}
		if ctx.Err() != nil {
			// shutting down; the lease expires and another pass retries
			return ctx.Err()
		}

		attempt := record.AttemptCount + 1
		delay := s.withJitter(recordBackoff(attempt, s.pollInterval, s.maxBackoff))
		fields["attempt_count"] = attempt
		fields["retry_in"] = delay.String()
		logCtx := s.logg.WithFields(s.logg.WithFields(ctx, fields), pkgerrors.Dump(err).Fields())
		logCtx = s.logg.WithField(logCtx, "error", err.Error())
		s.logg.Warn(logCtx, "outbox publish failed")
		s.metrics.IncFailed(record.Kind)

		if markErr := s.repo.MarkFailed(ctx, record.ID, s.owner, err, s.now().Add(delay)); markErr != nil {
			if errors.Is(markErr, outbox.ErrLeaseLost) {
				s.logg.Warn(logCtx, "outbox lease lost before recording failure")
				return nil
			}
			return fmt.Errorf("mark failure %s: %w", record.ID, markErr)
		}
		return nil
	}

	if err := s.repo.MarkSent(ctx, record.ID, s.owner, s.now()); err != nil {
		if errors.Is(err, outbox.ErrLeaseLost) {
			// another relay may publish it again; consumers dedupe on message id
			s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox lease lost after publish")
			return nil
		}
		return fmt.Errorf("mark sent %s: %w", record.ID, err)
	}
	s.metrics.IncPublished(record.Kind)
	s.logg.Info(s.logg.WithFields(ctx, fields), "outbox record published")
	return nil
}

// deadLetter parks a record that can never be published and copies it to the
// DLQ table in one transaction.
func (s *Service) deadLetter(ctx context.Context, record models.OutboxRecord, cause error) error {
	reason := enums.OutboxDLQReasonNonRetryable
	var nonRetry registry.NonRetryableError
	if errors.As(cause, &nonRetry) && nonRetry.Reason != "" {
		reason = nonRetry.Reason
	}

	fields := s.recordFields(record, nil)
	fields["error_reason"] = reason
	logCtx := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", cause.Error())
	s.logg.Warn(logCtx, "outbox record will not be retried")

	msg := cause.Error()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.dlq.InsertTx(tx, models.OutboxDLQ{
			RecordID:      record.ID,
			Kind:          record.Kind,
			AggregateType: record.AggregateType,
			AggregateID:   record.AggregateID,
			Payload:       record.Payload,
			ErrorReason:   reason,
			ErrorMessage:  &msg,
			AttemptCount:  record.AttemptCount + 1,
			FailedAt:      s.now(),
		}); err != nil {
			return fmt.Errorf("insert dlq %s: %w", record.ID, err)
		}
		if err := s.repo.MarkDeadTx(tx, record.ID, cause); err != nil {
			return fmt.Errorf("mark dead %s: %w", record.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.IncDead(record.Kind, reason)
	return nil
}

func (s *Service) refreshBacklog(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "outbox backlog count failed")
		return
	}
	s.metrics.SetBacklog(counts)
}

func (s *Service) recordFields(record models.OutboxRecord, resolved *registry.ResolvedEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":      record.ID.String(),
		"kind":           record.Kind,
		"aggregate_type": record.AggregateType,
		"aggregate_id":   record.AggregateID,
		"attempt_count":  record.AttemptCount,
	}
	if resolved != nil {
		fields["message_id"] = resolved.Envelope.MessageID
		fields["occurred_at"] = resolved.Envelope.OccurredAt.Format(time.RFC3339Nano)
		fields["destination"] = resolved.Descriptor.Destination
	}
	if record.LastError != nil {
		fields["last_error"] = *record.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// recordBackoff is base doubled per failed attempt, capped at max.
func recordBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Duration(defaultPollMs) * time.Millisecond
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (s *Service) withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	s.jitterMu.Lock()
	jitter := time.Duration(s.jitterSource.Int63n(int64(jitterWindow)))
	s.jitterMu.Unlock()
	return d + jitter
}
