package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/retry"
)

// ErrNotFound is returned when no record matches the requested id.
var ErrNotFound = errors.New("prediction not found")

// PredictionRecord is a persisted classification result. Records are written
// once and never updated.
type PredictionRecord struct {
	ID         string    `gorm:"column:id;primaryKey;size:64"`
	Result     string    `gorm:"column:result;size:16;not null"`
	Suggestion string    `gorm:"column:suggestion;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index"`
}

// TableName overrides the default table name.
func (PredictionRecord) TableName() string {
	return "predictions"
}

// PredictionRepository stores prediction records in Postgres through gorm.
type PredictionRepository struct {
	db          *gorm.DB
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:          db,
		logger:      logger.Named("prediction_repository"),
		retryPolicy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionRecord{})
}

// Create inserts record. It is attempted once: a retried insert whose first
// attempt committed would fail on the primary key and hide a stored record.
func (r *PredictionRepository) Create(ctx context.Context, record *PredictionRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		wrapped := logging.NewOperationError("repository.create", record.ID, err)
		logging.WithOperation(r.logger, "repository.create", record.ID).Error("failed to insert prediction", zap.Error(err))
		return wrapped
	}
	return nil
}

// ListAll returns every stored record ordered by creation time.
func (r *PredictionRepository) ListAll(ctx context.Context) ([]*PredictionRecord, error) {
	var records []*PredictionRecord
	err := r.executeWithRetry(ctx, "repository.list_all", "", func() error {
		records = records[:0]
		return r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindByID retrieves a single record.
func (r *PredictionRepository) FindByID(ctx context.Context, id string) (*PredictionRecord, error) {
	var record PredictionRecord
	err := r.executeWithRetry(ctx, "repository.find_by_id", id, func() error {
		err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	attempts, err := retry.Do(ctx, r.retryPolicy, fn, func(err error, attempt int) {
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt))
	})
	if err == nil {
		if attempts > 1 {
			opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempts))
		}
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempts))
	return logging.NewOperationError(operation, requestID, err)
}
