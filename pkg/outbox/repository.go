package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/Genocs/genocs-library-template/pkg/db"
	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
)

const maxLastErrorLen = 1024

// ErrLeaseLost is returned when a relay tries to settle a record it no longer holds.
var ErrLeaseLost = errors.New("outbox lease lost")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// EnqueueTx writes record inside the caller's transaction.
func (r *Repository) EnqueueTx(tx *gorm.DB, record *models.OutboxRecord) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(record).Error
}

// ExistsTx reports whether a record for the kind/aggregate pair was already enqueued.
func (r *Repository) ExistsTx(tx *gorm.DB, kind enums.MessageKind, aggregateType enums.OutboxAggregateType, aggregateID string) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	var count int64
	err := tx.Model(&models.OutboxRecord{}).
		Where("kind = ? AND aggregate_type = ? AND aggregate_id = ?", kind, aggregateType, aggregateID).
		Count(&count).Error
	return count > 0, err
}

// ClaimPending leases up to limit due records to owner, oldest first. A record
// is due when it is pending, its backoff has elapsed and no live lease exists.
// On Postgres the scan skips rows locked by concurrent relays.
func (r *Repository) ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]models.OutboxRecord, error) {
	if owner == "" {
		return nil, errors.New("lease owner required")
	}
	if limit <= 0 {
		return nil, nil
	}

	var rows []models.OutboxRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ?", enums.OutboxStatusPending).
			Where("next_attempt_at <= ?", now).
			Where("locked_until IS NULL OR locked_until < ?", now).
			Order("created_at ASC").
			Order("id ASC").
			Limit(limit)
		if dbpkg.IsPostgres(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		until := now.Add(lease)
		if err := tx.Model(&models.OutboxRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"locked_by":    owner,
				"locked_until": until,
			}).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].LockedBy = &owner
			rows[i].LockedUntil = &until
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkSent settles a record after the broker confirmed it.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, owner, enums.OutboxStatusPending).
		Updates(map[string]any{
			"status":       enums.OutboxStatusSent,
			"sent_at":      now,
			"locked_by":    nil,
			"locked_until": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one. The record
// stays pending.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, owner string, cause error, nextAttemptAt time.Time) error {
	msg := "unknown error"
	if cause != nil {
		msg = truncate(cause.Error(), maxLastErrorLen)
	}
	res := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ? AND locked_by = ?", id, owner).
		Updates(map[string]any{
			"last_error":      msg,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"next_attempt_at": nextAttemptAt,
			"locked_by":       nil,
			"locked_until":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkDeadTx parks a record that can never be published.
func (r *Repository) MarkDeadTx(tx *gorm.DB, id uuid.UUID, cause error) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	updates := map[string]any{
		"status":        enums.OutboxStatusDead,
		"attempt_count": gorm.Expr("attempt_count + 1"),
		"locked_by":     nil,
		"locked_until":  nil,
	}
	if cause != nil {
		updates["last_error"] = truncate(cause.Error(), maxLastErrorLen)
	}
	return tx.Model(&models.OutboxRecord{}).Where("id = ?", id).Updates(updates).Error
}

// FindByID loads a single record.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.OutboxRecord, error) {
	var row models.OutboxRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// FindByAggregate returns the records enqueued for an aggregate, oldest first.
func (r *Repository) FindByAggregate(ctx context.Context, aggregateType enums.OutboxAggregateType, aggregateID string) ([]models.OutboxRecord, error) {
	var rows []models.OutboxRecord
	err := r.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// CountByStatus returns the number of records in each status.
func (r *Repository) CountByStatus(ctx context.Context) (map[enums.OutboxStatus]int64, error) {
	type statusCount struct {
		Status enums.OutboxStatus
		Total  int64
	}
	var rows []statusCount
	err := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[enums.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// DeleteSentBefore removes settled records older than cutoff.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", enums.OutboxStatusSent, cutoff).
		Delete(&models.OutboxRecord{})
	return res.RowsAffected, res.Error
}

func truncate(message string, max int) string {
	if len(message) <= max {
		return message
	}
	return message[:max]
}
