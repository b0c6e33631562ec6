package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kunleshipo/face-recognition-liveness/internal/retry"
)

// VerificationLog is the audit record of one verification request.
type VerificationLog struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	RequestID string `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	UserID    string `gorm:"column:user_id;index;size:64" json:"user_id"`
	Route     string `gorm:"column:route;size:32" json:"route"`
	Filename  string `gorm:"column:filename;size:255" json:"filename"`
	Status    string `gorm:"column:status;index;size:32" json:"status"`
	// Scores of the primary match; nil when the request produced none.
	MinScore      *float64  `gorm:"column:min_score" json:"min_sim_score"`
	MeanScore     *float64  `gorm:"column:mean_score" json:"mean_sim_score"`
	LivenessScore *float64  `gorm:"column:liveness_score" json:"liveness_score"`
	MatchCount    int       `gorm:"column:match_count" json:"match_count"`
	SHA1Hash      string    `gorm:"column:sha1_hash;index;size:40" json:"sha1_hash"`
	LatencyMs     int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation holds the totals computed over every stored log.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	AverageScore               float64
	AverageProcessingLatencyMs float64
}

// VerificationRepository provides persistence APIs for verification logs.
type VerificationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:     db,
		logger: logger.Named("verification_repository"),
		retry:  retry.Default(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "db.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{})
	})
}

// SaveLog persists a verification log entry.
func (r *VerificationRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "db.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a verification log matching the request and owner.
func (r *VerificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "db.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the owner's earlier requests that uploaded the same bytes, newest first.
func (r *VerificationRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*VerificationLog, error) {
	var logs []*VerificationLog
	err := r.executeWithRetry(ctx, "db.find_duplicates", excludeRequestID, func() error {
		return duplicatesQuery(r.db.WithContext(ctx), userID, hash, excludeRequestID).Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes request totals; only status "ok" counts as a success.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "db.aggregate_metrics", "", func() error {
		return aggregateQuery(r.db.WithContext(ctx)).Find(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func duplicatesQuery(tx *gorm.DB, userID, hash, excludeRequestID string) *gorm.DB {
	return tx.Model(&VerificationLog{}).
		Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
		Order("created_at DESC")
}

func aggregateQuery(tx *gorm.DB) *gorm.DB {
	return tx.Model(&VerificationLog{}).Select(
		"COUNT(*) AS total_count, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
			"COALESCE(AVG(mean_score), 0) AS average_score, "+
			"COALESCE(AVG(latency_ms), 0) AS average_processing_latency_ms",
		"ok",
	)
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.retry, operation, requestID, fn)
}
