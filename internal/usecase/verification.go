package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kunleshipo/face-recognition-liveness/internal/document"
	"github.com/kunleshipo/face-recognition-liveness/internal/logging"
	"github.com/kunleshipo/face-recognition-liveness/internal/pipeline"
	"github.com/kunleshipo/face-recognition-liveness/internal/repository"
	"github.com/kunleshipo/face-recognition-liveness/internal/retry"
)

// ErrPersistenceDisabled is returned by lookups when the service runs without a database.
var ErrPersistenceDisabled = errors.New("verification history is not enabled")

const resultTTL = 5 * time.Minute

// Pipeline runs one verification request.
type Pipeline interface {
	Run(ctx context.Context, route pipeline.Route, requestID string, doc document.Upload) (*pipeline.Report, error)
}

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// VerificationUseCase runs the face pipeline and keeps an audit trail of every request.
type VerificationUseCase struct {
	pipeline Pipeline
	repo     VerificationRepository
	cache    Cache
	logger   *zap.Logger
	retry    retry.Policy
}

type cachedVerification struct {
	RequestID     string    `json:"request_id"`
	UserID        string    `json:"user_id"`
	Route         string    `json:"route"`
	Filename      string    `json:"filename"`
	Status        string    `json:"status"`
	MinScore      *float64  `json:"min_score"`
	MeanScore     *float64  `json:"mean_score"`
	LivenessScore *float64  `json:"liveness_score"`
	MatchCount    int       `json:"match_count"`
	Hash          string    `json:"sha1_hash"`
	LatencyMs     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// DuplicateReport represents duplicate verification entries for a request.
type DuplicateReport struct {
	Request    *repository.VerificationLog
	Duplicates []*repository.VerificationLog
}

// NewVerificationUseCase constructs a new use case instance. repo and cache may be
// nil, in which case requests are verified but not recorded.
func NewVerificationUseCase(p Pipeline, repo VerificationRepository, cache Cache, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		pipeline: p,
		repo:     repo,
		cache:    cache,
		logger:   logger.Named("verification_usecase"),
		retry:    retry.Default(),
	}
}

// PersistenceEnabled reports whether requests are recorded.
func (uc *VerificationUseCase) PersistenceEnabled() bool {
	return uc.repo != nil && uc.cache != nil
}

// Verify runs the pipeline for one upload. The request id is returned even when
// verification fails so the caller can surface it.
func (uc *VerificationUseCase) Verify(ctx context.Context, userID string, route pipeline.Route, upload document.Upload) (string, *pipeline.Report, error) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)
	cacheKey := resultKey(requestID)

	if uc.PersistenceEnabled() {
		if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
			return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
		}); err != nil {
			opLogger.Error("failed to set processing flag", zap.Error(err))
			return requestID, nil, err
		}
	}

	start := time.Now()
	report, runErr := uc.pipeline.Run(ctx, route, requestID, upload)
	latency := time.Since(start)

	if !uc.PersistenceEnabled() {
		return requestID, report, runErr
	}

	log := newVerificationLog(requestID, userID, route, upload, report, runErr, latency)
	if err := uc.record(ctx, log); err != nil {
		opLogger.Error("failed to record verification", zap.Error(err))
		if runErr != nil {
			return requestID, nil, runErr
		}
		return requestID, nil, err
	}
	return requestID, report, runErr
}

func (uc *VerificationUseCase) record(ctx context.Context, log *repository.VerificationLog) error {
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		return logging.NewOperationError("usecase.save_log", log.RequestID, err)
	}

	serialized, err := json.Marshal(cachedVerification{
		RequestID:     log.RequestID,
		UserID:        log.UserID,
		Route:         log.Route,
		Filename:      log.Filename,
		Status:        log.Status,
		MinScore:      log.MinScore,
		MeanScore:     log.MeanScore,
		LivenessScore: log.LivenessScore,
		MatchCount:    log.MatchCount,
		Hash:          log.SHA1Hash,
		LatencyMs:     log.LatencyMs,
		CreatedAt:     log.CreatedAt,
	})
	if err != nil {
		return logging.NewOperationError("usecase.serialize_result", log.RequestID, err)
	}

	return uc.withRedisRetry(ctx, log.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(log.RequestID), string(serialized), resultTTL)
	})
}

func newVerificationLog(requestID, userID string, route pipeline.Route, upload document.Upload, report *pipeline.Report, runErr error, latency time.Duration) *repository.VerificationLog {
	hash := sha1.Sum(upload.Bytes)
	log := &repository.VerificationLog{
		RequestID: requestID,
		UserID:    userID,
		Route:     string(route),
		Filename:  upload.Filename,
		Status:    string(pipeline.StatusFor(report, runErr)),
		SHA1Hash:  hex.EncodeToString(hash[:]),
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if runErr != nil {
		return log
	}
	log.MatchCount = len(report.Matches)
	if primary, ok := report.Primary(); ok {
		minScore, meanScore := primary.IdentityMin, primary.IdentityMean
		log.MinScore = &minScore
		log.MeanScore = &meanScore
		log.LivenessScore = primary.Liveness
	}
	return log
}

// GetResult retrieves a cached verification outcome or loads from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationLog, error) {
	if !uc.PersistenceEnabled() {
		return nil, ErrPersistenceDisabled
	}

	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		var payload cachedVerification
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Debug("cached entry is not a result", zap.Error(err))
		} else if payload.UserID == userID {
			return &repository.VerificationLog{
				RequestID:     requestID,
				UserID:        payload.UserID,
				Route:         payload.Route,
				Filename:      payload.Filename,
				Status:        payload.Status,
				MinScore:      payload.MinScore,
				MeanScore:     payload.MeanScore,
				LivenessScore: payload.LivenessScore,
				MatchCount:    payload.MatchCount,
				SHA1Hash:      payload.Hash,
				LatencyMs:     payload.LatencyMs,
				CreatedAt:     payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// GetDuplicateReport lists the caller's earlier requests that uploaded the same file.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	if !uc.PersistenceEnabled() {
		return nil, ErrPersistenceDisabled
	}

	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, uc.logger, uc.retry, operation, requestID, fn)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
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

func resultKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}
