package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/snapclassify/internal/logging"
)

// ClassificationLog is one persisted pass through the pipeline.
type ClassificationLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID     string    `gorm:"column:user_id;size:64;index"`
	Source     string    `gorm:"column:source;size:16"`
	TopIndex   int       `gorm:"column:top_index"`
	TopLabel   string    `gorm:"column:top_label;size:64"`
	Confidence float32   `gorm:"column:confidence"`
	Failed     bool      `gorm:"column:failed"`
	Details    string    `gorm:"column:details;type:text"`
	SHA1Hash   string    `gorm:"column:sha1_hash;size:40;index"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// MetricsAggregation holds raw totals computed in the database.
type MetricsAggregation struct {
	TotalCount        int64
	FailedCount       int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// LabelCount is the number of successful classifications won by a label.
type LabelCount struct {
	TopLabel string
	Count    int64
}

// ClassificationRepository provides persistence APIs for classification logs.
type ClassificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationRepository creates a new repository instance.
func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:             db,
		logger:         logger.Named("classification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
	})
}

// SaveLog persists a classification log entry.
func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a log matching the request and owner.
func (r *ClassificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ClassificationLog, error) {
	var log ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals across every stored classification.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0) AS failed_count, " +
				"COALESCE(AVG(CASE WHEN failed THEN NULL ELSE confidence END), 0) AS average_confidence, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// CountByLabel returns how often each label won, most frequent first.
func (r *ClassificationRepository) CountByLabel(ctx context.Context) ([]LabelCount, error) {
	var counts []LabelCount
	err := r.executeWithRetry(ctx, "repository.count_by_label", "", func() error {
		return r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("top_label, COUNT(*) AS count").
			Where("failed = ?", false).
			Group("top_label").
			Order("count DESC").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	backoff := r.initialBackoff

	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
