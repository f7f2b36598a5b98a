package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/pkg/enums"
)

// OutboxRecord is a pending broker publication written in the same
// transaction as the state change it announces. ID doubles as the message id
// seen by consumers.
type OutboxRecord struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	Kind          enums.MessageKind         `gorm:"column:kind;not null;uniqueIndex:ux_outbox_records_kind_aggregate,priority:1"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;not null"`
	AggregateID   string                    `gorm:"column:aggregate_id;not null;uniqueIndex:ux_outbox_records_kind_aggregate,priority:2"`
	Destination   string                    `gorm:"column:destination;not null"`
	Payload       string                    `gorm:"column:payload;type:jsonb;not null"`
	Status        enums.OutboxStatus        `gorm:"column:status;not null;index:ix_outbox_records_claim,priority:1"`
	AttemptCount  int                       `gorm:"column:attempt_count;not null;default:0"`
	LastError     *string                   `gorm:"column:last_error"`
	NextAttemptAt time.Time                 `gorm:"column:next_attempt_at;not null;index:ix_outbox_records_claim,priority:2"`
	LockedBy      *string                   `gorm:"column:locked_by"`
	LockedUntil   *time.Time                `gorm:"column:locked_until"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime"`
	SentAt        *time.Time                `gorm:"column:sent_at"`
}

// BeforeCreate assigns the message id and initial relay state.
func (r *OutboxRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = enums.OutboxStatusPending
	}
	if r.NextAttemptAt.IsZero() {
		r.NextAttemptAt = time.Now().UTC()
	}
	return nil
}
