package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/snapclassify/internal/acquire"
	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/labels"
	"github.com/example/snapclassify/internal/logging"
	"github.com/example/snapclassify/internal/preprocess"
	"github.com/example/snapclassify/internal/render"
	"github.com/example/snapclassify/internal/repository"
)

// SourceTensor marks classifications submitted as a ready-made tensor.
const SourceTensor acquire.Source = "tensor"

var (
	// ErrBusy is returned while another classification is still running.
	ErrBusy = errors.New("a classification is already in progress")
	// ErrHistoryDisabled is returned by history queries when no store is configured.
	ErrHistoryDisabled = errors.New("classification history is disabled")
	// ErrNotFound is returned when no stored result matches.
	ErrNotFound = errors.New("result not found")
	// ErrInvalidTensor is returned when a submitted tensor has the wrong length.
	ErrInvalidTensor = errors.New("invalid tensor")
)

// ClassificationRepository defines the persistence operations used for history.
type ClassificationRepository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	CountByLabel(ctx context.Context) ([]repository.LabelCount, error)
}

// Options tunes the pipeline.
type Options struct {
	ImageSize     int
	ThumbnailEdge int
	ResultTTL     time.Duration
	// MaxPixels bounds decoded image dimensions; zero uses acquire.DefaultMaxPixels.
	MaxPixels int64
}

// Outcome is the result of one pass through the pipeline.
type Outcome struct {
	RequestID string
	Source    acquire.Source
	State     render.State
	// Thumbnail is the square display crop; nil for tensor submissions.
	Thumbnail image.Image
}

// StoredResult is a previously computed outcome loaded from history.
type StoredResult struct {
	RequestID string         `json:"request_id"`
	UserID    string         `json:"user_id"`
	Source    acquire.Source `json:"source"`
	State     render.State   `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}

// ClassificationUseCase runs acquire, prepare, classify and render, one request at a time.
type ClassificationUseCase struct {
	repo           ClassificationRepository
	cache          Cache
	classifier     classifier.Classifier
	logger         *zap.Logger
	gate           *semaphore.Weighted
	labels         []string
	imageSize      int
	thumbnailEdge  int
	maxPixels      int64
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationUseCase constructs a use case. repo and cache may be nil to
// run without history.
func NewClassificationUseCase(repo ClassificationRepository, cache Cache, cls classifier.Classifier, logger *zap.Logger, opts Options) *ClassificationUseCase {
	if opts.ImageSize <= 0 {
		opts.ImageSize = preprocess.DefaultSize
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 5 * time.Minute
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = acquire.DefaultMaxPixels
	}
	return &ClassificationUseCase{
		repo:           repo,
		cache:          cache,
		classifier:     cls,
		logger:         logger.Named("classification_usecase"),
		gate:           semaphore.NewWeighted(1),
		labels:         labels.All(),
		imageSize:      opts.ImageSize,
		thumbnailEdge:  opts.ThumbnailEdge,
		maxPixels:      opts.MaxPixels,
		resultTTL:      opts.ResultTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ImageSize returns the square edge length images are resized to.
func (uc *ClassificationUseCase) ImageSize() int {
	return uc.imageSize
}

// Labels returns the ordered class names.
func (uc *ClassificationUseCase) Labels() []string {
	out := make([]string, len(uc.labels))
	copy(out, uc.labels)
	return out
}

// ClassifyImage decodes an image payload and classifies it. A classifier
// failure returns both the failure Outcome and an error wrapping *classifier.Error.
func (uc *ClassificationUseCase) ClassifyImage(ctx context.Context, userID string, source acquire.Source, data []byte) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify_image", requestID)

	if !uc.gate.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer uc.gate.Release(1)

	img, err := acquire.DecodeLimit(source, data, uc.maxPixels)
	if err != nil {
		opLogger.Info("image acquisition failed", zap.String("source", string(source)), zap.Error(err))
		return nil, logging.NewOperationError("usecase.acquire_image", requestID, err)
	}

	thumbnail := acquire.Thumbnail(img.Image, uc.thumbnailEdge)
	tensor, err := preprocess.Prepare(preprocess.Resize(img.Image, uc.imageSize), uc.imageSize)
	if err != nil {
		opLogger.Error("resize produced unexpected dimensions", zap.Error(err))
		return nil, logging.NewOperationError("usecase.prepare_tensor", requestID, err)
	}

	hash := sha1.Sum(data)
	outcome, err := uc.run(ctx, opLogger, requestID, userID, source, tensor, hex.EncodeToString(hash[:]))
	outcome.Thumbnail = thumbnail
	return outcome, err
}

// ClassifyTensor classifies a tensor that has already been prepared by the caller.
func (uc *ClassificationUseCase) ClassifyTensor(ctx context.Context, userID string, tensor []float32) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify_tensor", requestID)

	if want := preprocess.TensorLen(uc.imageSize); len(tensor) != want {
		return nil, logging.NewOperationError("usecase.classify_tensor", requestID,
			fmt.Errorf("%w: expected %d values, got %d", ErrInvalidTensor, want, len(tensor)))
	}

	if !uc.gate.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer uc.gate.Release(1)

	return uc.run(ctx, opLogger, requestID, userID, SourceTensor, tensor, "")
}

func (uc *ClassificationUseCase) run(ctx context.Context, opLogger *zap.Logger, requestID, userID string, source acquire.Source, tensor []float32, hash string) (*Outcome, error) {
	start := time.Now()
	outcome := &Outcome{RequestID: requestID, Source: source}

	confidences, err := uc.classifier.Classify(ctx, tensor)
	if err == nil {
		outcome.State, err = render.Render(confidences, uc.labels)
		if err != nil {
			err = &classifier.Error{Backend: "output", Err: err}
		}
	}
	latency := time.Since(start)

	if err != nil {
		wrapped := classifier.Wrap("classifier", err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		outcome.State = render.Failed("")
		uc.record(ctx, opLogger, outcome, userID, nil, hash, latency)
		return outcome, logging.NewOperationError("usecase.classify", requestID, wrapped)
	}

	opLogger.Info("classification complete",
		zap.String("source", string(source)),
		zap.String("top_label", outcome.State.TopLabel),
		zap.Bool("ambiguous", outcome.State.Ambiguous),
		zap.Duration("latency", latency),
	)
	uc.record(ctx, opLogger, outcome, userID, confidences, hash, latency)
	return outcome, nil
}

type cachedClassification struct {
	RequestID string         `json:"request_id"`
	UserID    string         `json:"user_id"`
	Source    acquire.Source `json:"source"`
	State     render.State   `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}

// record stores the outcome in history. Failures are logged and never reach the caller.
func (uc *ClassificationUseCase) record(ctx context.Context, opLogger *zap.Logger, outcome *Outcome, userID string, confidences []float32, hash string, latency time.Duration) {
	createdAt := time.Now().UTC()

	if uc.repo != nil {
		details, err := json.Marshal(confidences)
		if err != nil {
			opLogger.Warn("failed to encode confidences", zap.Error(err))
		}
		log := &repository.ClassificationLog{
			RequestID: outcome.RequestID,
			UserID:    userID,
			Source:    string(outcome.Source),
			TopIndex:  outcome.State.TopIndex,
			TopLabel:  outcome.State.TopLabel,
			Failed:    outcome.State.Failed,
			Details:   string(details),
			SHA1Hash:  hash,
			LatencyMs: latency.Milliseconds(),
			CreatedAt: createdAt,
		}
		if !outcome.State.Failed {
			log.Confidence = confidences[outcome.State.TopIndex]
		}
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Warn("failed to persist classification log", zap.Error(err))
		}
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(cachedClassification{
			RequestID: outcome.RequestID,
			UserID:    userID,
			Source:    outcome.Source,
			State:     outcome.State,
			CreatedAt: createdAt,
		})
		if err != nil {
			opLogger.Warn("failed to serialize classification result", zap.Error(err))
			return
		}
		if err := uc.withRedisRetry(ctx, outcome.RequestID, "cache.set.result", func() error {
			return uc.cache.Set(ctx, resultKey(outcome.RequestID), string(serialized), uc.resultTTL)
		}); err != nil {
			opLogger.Warn("failed to cache classification result", zap.Error(err))
		}
	}
}

// GetResult loads a stored outcome, preferring the cache over the database.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*StoredResult, error) {
	if uc.repo == nil && uc.cache == nil {
		return nil, ErrHistoryDisabled
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID))
		switch {
		case err == nil:
			var payload cachedClassification
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else if payload.UserID == userID {
				result := StoredResult(payload)
				return &result, nil
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrNotFound
	}
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return uc.fromLog(log)
}

func (uc *ClassificationUseCase) fromLog(log *repository.ClassificationLog) (*StoredResult, error) {
	result := &StoredResult{
		RequestID: log.RequestID,
		UserID:    log.UserID,
		Source:    acquire.Source(log.Source),
		CreatedAt: log.CreatedAt,
	}
	if log.Failed {
		result.State = render.Failed("")
		return result, nil
	}

	var confidences []float32
	if err := json.Unmarshal([]byte(log.Details), &confidences); err != nil {
		return nil, logging.NewOperationError("usecase.decode_log", log.RequestID, err)
	}
	state, err := render.Render(confidences, uc.labels)
	if err != nil {
		return nil, logging.NewOperationError("usecase.decode_log", log.RequestID, err)
	}
	result.State = state
	return result, nil
}

func (uc *ClassificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ClassificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
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
