package persistence

import (
	"context"
	"fmt"

	"github.com/IAlready8/RealMultiLLM-sub007/domain/analytics"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InvocationRepository implements analytics.InvocationRepository on GORM.
type InvocationRepository struct {
	db *gorm.DB
}

func NewInvocationRepository(db *gorm.DB) *InvocationRepository {
	return &InvocationRepository{db: db}
}

// Create inserts a new invocation record.
func (r *InvocationRepository) Create(ctx context.Context, record *analytics.InvocationRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create invocation record: %w", err)
	}
	return nil
}

// FindByID finds an invocation record by id.
func (r *InvocationRepository) FindByID(ctx context.Context, id uuid.UUID) (*analytics.InvocationRecord, error) {
	var record analytics.InvocationRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("invocation record not found: %w", err)
		}
		return nil, fmt.Errorf("failed to find invocation record: %w", err)
	}
	return &record, nil
}

// FindRecent returns the most recent records, newest first.
func (r *InvocationRepository) FindRecent(ctx context.Context, limit int) ([]*analytics.InvocationRecord, error) {
	var records []*analytics.InvocationRecord
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find recent invocation records: %w", err)
	}
	return records, nil
}

// Aggregate computes summary statistics across all recorded invocations.
func (r *InvocationRepository) Aggregate(ctx context.Context) (*analytics.AggregatedStats, error) {
	var stats analytics.AggregatedStats

	row := r.db.WithContext(ctx).
		Model(&analytics.InvocationRecord{}).
		Select(`
			COUNT(*) AS total_invocations,
			COUNT(*) FILTER (WHERE status = ?) AS succeeded_count,
			COUNT(*) FILTER (WHERE status = ?) AS failed_count,
			COALESCE(SUM(tokens_used), 0) AS total_tokens,
			COALESCE(AVG(latency_ms), 0) AS average_latency_ms
		`, analytics.StatusSucceeded, analytics.StatusFailed).
		Row()

	if err := row.Scan(
		&stats.TotalInvocations,
		&stats.SucceededCount,
		&stats.FailedCount,
		&stats.TotalTokens,
		&stats.AverageLatencyMs,
	); err != nil {
		return nil, fmt.Errorf("failed to aggregate invocation stats: %w", err)
	}

	return &stats, nil
}
