package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
)

const (
	defaultDLQListLimit = 50
	maxDLQListLimit     = 500
)

// DLQRepository stores outbox records the relay gave up on.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// DLQFilter narrows List. Zero values match everything.
type DLQFilter struct {
	Kind   enums.MessageKind
	Reason enums.OutboxDLQErrorReason
	Since  time.Time
	Limit  int
}

// DLQCount is the number of dead-lettered records per kind and reason.
type DLQCount struct {
	Kind   enums.MessageKind
	Reason enums.OutboxDLQErrorReason
	Count  int64
}

// InsertTx runs inside the transaction that marks the outbox row dead.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if !entry.ErrorReason.IsValid() {
		return fmt.Errorf("invalid dlq reason %q", entry.ErrorReason)
	}
	if entry.ErrorMessage != nil {
		msg := truncate(*entry.ErrorMessage, maxLastErrorLen)
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

// FindByRecordID returns nil when the record was never dead-lettered.
func (r *DLQRepository) FindByRecordID(ctx context.Context, recordID uuid.UUID) (*models.OutboxDLQ, error) {
	var dlq models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("record_id = ?", recordID).First(&dlq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dlq, nil
}

// List returns the newest entries first.
func (r *DLQRepository) List(ctx context.Context, filter DLQFilter) ([]models.OutboxDLQ, error) {
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultDLQListLimit
	case limit > maxDLQListLimit:
		limit = maxDLQListLimit
	}

	query := r.scoped(ctx, filter)
	var rows []models.OutboxDLQ
	err := query.Order("failed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// CountByReason groups entries failed at or after since. A zero since counts
// the whole table.
func (r *DLQRepository) CountByReason(ctx context.Context, since time.Time) ([]DLQCount, error) {
	var counts []DLQCount
	err := r.scoped(ctx, DLQFilter{Since: since}).
		Select("kind, error_reason AS reason, COUNT(*) AS count").
		Group("kind, error_reason").
		Order("kind, error_reason").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count dlq entries: %w", err)
	}
	return counts, nil
}

func (r *DLQRepository) scoped(ctx context.Context, filter DLQFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&models.OutboxDLQ{})
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Reason != "" {
		query = query.Where("error_reason = ?", filter.Reason)
	}
	if !filter.Since.IsZero() {
		query = query.Where("failed_at >= ?", filter.Since.UTC())
	}
	return query
}
