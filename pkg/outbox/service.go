package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/Genocs/genocs-library-template/pkg/db"
	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/outbox/registry"
)

const emitSavepoint = "outbox_emit"

// DomainEvent is a state change to announce once the surrounding transaction
// commits.
type DomainEvent struct {
	Kind          enums.MessageKind
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	Data          any
	OccurredAt    time.Time
}

type Service struct {
	repo     *Repository
	registry *registry.EventRegistry
	logg     *logger.Logger
}

func NewService(repo *Repository, reg *registry.EventRegistry, logg *logger.Logger) *Service {
	if reg == nil {
		reg = registry.NewEventRegistry()
	}
	return &Service{repo: repo, registry: reg, logg: logg}
}

// Emit enqueues event in tx. The record id becomes the envelope message id so
// consumers can deduplicate relay retries.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) (*models.OutboxRecord, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.AggregateID == "" {
		return nil, errors.New("aggregate id required")
	}
	desc, ok := s.registry.Descriptor(event.Kind)
	if !ok {
		return nil, fmt.Errorf("no outbox descriptor for %q", event.Kind)
	}
	if event.AggregateType == "" {
		event.AggregateType = desc.AggregateType
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	id := uuid.New()
	envelope, err := messaging.NewEnvelopeWithID(id.String(), event.Kind, event.Data, event.OccurredAt)
	if err != nil {
		return nil, err
	}
	body, err := envelope.Marshal()
	if err != nil {
		return nil, err
	}
	record := &models.OutboxRecord{
		ID:            id,
		Kind:          event.Kind,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Destination:   string(desc.Destination),
		Payload:       string(body),
	}
	if err := s.repo.EnqueueTx(tx, record); err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"message_id":     envelope.MessageID,
			"kind":           event.Kind,
			"aggregate_id":   event.AggregateID,
			"aggregate_type": event.AggregateType,
			"destination":    desc.Destination,
		})
		s.logg.Info(logCtx, "outbox record queued")
	}
	return record, nil
}

// EmitIfNotExists enqueues event unless one with the same kind and aggregate
// is already present. It returns nil, nil when nothing was written.
func (s *Service) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event DomainEvent) (*models.OutboxRecord, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if event.AggregateType == "" {
		if desc, ok := s.registry.Descriptor(event.Kind); ok {
			event.AggregateType = desc.AggregateType
		}
	}
	exists, err := s.repo.ExistsTx(tx, event.Kind, event.AggregateType, event.AggregateID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	// a failed insert aborts the whole transaction on postgres
	if err := tx.SavePoint(emitSavepoint).Error; err != nil {
		return nil, err
	}
	record, err := s.Emit(ctx, tx, event)
	if err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_outbox_records_kind_aggregate") {
			if rbErr := tx.RollbackTo(emitSavepoint).Error; rbErr != nil {
				return nil, rbErr
			}
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
