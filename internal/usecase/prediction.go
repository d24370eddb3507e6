package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/config"
	"github.com/example/cancer-check/internal/imageprocessor"
	"github.com/example/cancer-check/internal/inference"
	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/modelloader"
	"github.com/example/cancer-check/internal/repository"
	"github.com/example/cancer-check/internal/retry"
)

var (
	// ErrNoFile means the request carried no image part.
	ErrNoFile = errors.New("no file uploaded")
	// ErrPayloadTooLarge means the image exceeded the upload ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrPersistence wraps any store failure; a prediction is not reported
	// until it has been stored.
	ErrPersistence = errors.New("persistence failure")
)

// Upload is one image submitted for prediction.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Preprocessor turns raw upload bytes into model input.
type Preprocessor interface {
	Preprocess(data []byte, contentHint string) (*imageprocessor.Tensor, error)
}

// Classifier runs inference on a preprocessed tensor.
type Classifier interface {
	Infer(ctx context.Context, tensor *imageprocessor.Tensor) (*inference.Outcome, error)
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	Create(ctx context.Context, record *repository.PredictionRecord) error
	ListAll(ctx context.Context) ([]*repository.PredictionRecord, error)
	FindByID(ctx context.Context, id string) (*repository.PredictionRecord, error)
}

// UploadArchiver keeps a copy of accepted uploads.
type UploadArchiver interface {
	Save(id, filename string, data []byte) (string, error)
}

// Options tunes a PredictionUseCase. Zero values fall back to defaults.
type Options struct {
	MaxUploadBytes int64
	IDScheme       string
	CacheTTL       time.Duration
	Archiver       UploadArchiver
	Metrics        *Metrics
}

// PredictionUseCase runs the prediction pipeline: validate, decode, infer,
// persist. Each stage completes before the next starts.
type PredictionUseCase struct {
	repo         PredictionRepository
	cache        Cache
	preprocessor Preprocessor
	classifier   Classifier
	archiver     UploadArchiver
	metrics      *Metrics
	logger       *zap.Logger

	maxUploadBytes int64
	cacheTTL       time.Duration
	newID          func() string
	now            func() time.Time

	retryPolicy retry.Policy
}

type cachedPrediction struct {
	ID         string    `json:"id"`
	Result     string    `json:"result"`
	Suggestion string    `json:"suggestion"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewPredictionUseCase constructs a new use case instance. cache may be nil.
func NewPredictionUseCase(repo PredictionRepository, cache Cache, preprocessor Preprocessor, classifier Classifier, logger *zap.Logger, opts Options) *PredictionUseCase {
	if cache == nil {
		cache = noopCache{}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 1000000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &PredictionUseCase{
		repo:           repo,
		cache:          cache,
		preprocessor:   preprocessor,
		classifier:     classifier,
		archiver:       opts.Archiver,
		metrics:        opts.Metrics,
		logger:         logger.Named("prediction_usecase"),
		maxUploadBytes: opts.MaxUploadBytes,
		cacheTTL:       opts.CacheTTL,
		newID:          NewIDGenerator(opts.IDScheme),
		now:            time.Now,
		retryPolicy:    retry.DefaultPolicy,
	}
}

// NewIDGenerator returns the id source for scheme. The time scheme keeps the
// millisecond prefix for readability but adds a random suffix, since two
// requests in the same millisecond would otherwise collide.
func NewIDGenerator(scheme string) func() string {
	if scheme == config.IDSchemeTime {
		return func() string {
			return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
		}
	}
	return uuid.NewString
}

// MaxUploadBytes returns the upload ceiling in bytes.
func (uc *PredictionUseCase) MaxUploadBytes() int64 {
	return uc.maxUploadBytes
}

// Predict classifies upload and stores the result. The record is returned
// only once the store has acknowledged it.
func (uc *PredictionUseCase) Predict(ctx context.Context, upload *Upload) (*repository.PredictionRecord, error) {
	if upload == nil {
		return nil, uc.fail("", "usecase.validate", ErrNoFile)
	}
	if int64(len(upload.Data)) > uc.maxUploadBytes {
		return nil, uc.fail("", "usecase.validate", ErrPayloadTooLarge)
	}

	id := uc.newID()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", id)

	start := time.Now()
	tensor, err := uc.preprocessor.Preprocess(upload.Data, upload.ContentType)
	uc.metrics.observeStage("decode", start)
	if err != nil {
		return nil, uc.fail(id, "usecase.decode", err)
	}

	start = time.Now()
	outcome, err := uc.classifier.Infer(ctx, tensor)
	uc.metrics.observeStage("inference", start)
	if err != nil {
		return nil, uc.fail(id, "usecase.infer", err)
	}

	record := &repository.PredictionRecord{
		ID:         id,
		Result:     string(outcome.Label),
		Suggestion: outcome.Suggestion,
		// Millisecond precision matches what every store round-trips exactly.
		CreatedAt: uc.now().UTC().Truncate(time.Millisecond),
	}

	start = time.Now()
	err = uc.repo.Create(ctx, record)
	uc.metrics.observeStage("persist", start)
	if err != nil {
		return nil, uc.fail(id, "usecase.persist", fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	uc.metrics.recordPrediction(record.Result)
	opLogger.Info("prediction stored",
		zap.String("result", record.Result),
		zap.Float32("probability", outcome.Probability),
		zap.Int("upload_bytes", len(upload.Data)))

	uc.cacheRecord(ctx, record)
	uc.archive(opLogger, id, upload)
	return record, nil
}

// ListHistories returns every stored prediction.
func (uc *PredictionUseCase) ListHistories(ctx context.Context) ([]*repository.PredictionRecord, error) {
	records, err := uc.repo.ListAll(ctx)
	if err != nil {
		return nil, uc.fail("", "usecase.list_histories", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	return records, nil
}

// GetHistory returns one prediction, preferring the cache over the store.
func (uc *PredictionUseCase) GetHistory(ctx context.Context, id string) (*repository.PredictionRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_history", id)
	cacheKey := cacheKeyFor(id)

	if cached, err := uc.withRedisGet(ctx, id, "cache.get.prediction", cacheKey); err == nil {
		var payload cachedPrediction
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached prediction", zap.Error(err))
		} else {
			return &repository.PredictionRecord{
				ID:         payload.ID,
				Result:     payload.Result,
				Suggestion: payload.Suggestion,
				CreatedAt:  payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.repo.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, uc.fail(id, "usecase.get_history", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	uc.cacheRecord(ctx, record)
	return record, nil
}

// fail wraps err with the failing operation, logs it once and counts it.
// Client faults log at warn level, everything else at error.
func (uc *PredictionUseCase) fail(id, operation string, err error) error {
	wrapped := logging.NewOperationError(operation, id, err)
	opLogger := logging.WithOperation(uc.logger, operation, id)
	switch {
	case errors.Is(err, ErrNoFile), errors.Is(err, ErrPayloadTooLarge), errors.Is(err, imageprocessor.ErrDecode):
		opLogger.Warn("prediction rejected", zap.Error(err))
	case errors.Is(err, modelloader.ErrNotReady):
		opLogger.Warn("model unavailable", zap.Error(err))
	default:
		opLogger.Error("prediction pipeline failed", zap.Error(err))
	}
	uc.metrics.recordFailure(operation)
	return wrapped
}

func (uc *PredictionUseCase) cacheRecord(ctx context.Context, record *repository.PredictionRecord) {
	serialized, err := json.Marshal(cachedPrediction{
		ID:         record.ID,
		Result:     record.Result,
		Suggestion: record.Suggestion,
		CreatedAt:  record.CreatedAt,
	})
	if err != nil {
		uc.logger.Error("failed to serialize prediction", zap.Error(err))
		return
	}
	// The record is already stored; a cache miss later only costs a query.
	if err := uc.withRedisRetry(ctx, record.ID, "cache.set.prediction", func() error {
		return uc.cache.Set(ctx, cacheKeyFor(record.ID), string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "cache.set.prediction", record.ID).Warn("failed to cache prediction", zap.Error(err))
	}
}

func (uc *PredictionUseCase) archive(opLogger *zap.Logger, id string, upload *Upload) {
	if uc.archiver == nil {
		return
	}
	path, err := uc.archiver.Save(id, upload.Filename, upload.Data)
	if err != nil {
		opLogger.Warn("failed to archive upload", zap.Error(err))
		return
	}
	opLogger.Debug("upload archived", zap.String("path", path))
}

func cacheKeyFor(id string) string {
	return fmt.Sprintf("prediction:%s", id)
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	attempts, err := retry.Do(ctx, uc.retryPolicy, fn, func(err error, attempt int) {
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt))
	})
	if err != nil {
		return logging.NewOperationError(operation, requestID, err)
	}
	if attempts > 1 {
		opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempts))
	}
	return nil
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
