package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

// CacheRepository abstracts the redis-backed payload store.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CacheService fronts the cache repository with metrics and makes every
// operation a no-op when caching is disabled or unconfigured. All
// methods tolerate a nil receiver so callers never need a feature check.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get reports whether the key was found. Cache misses and backend
// failures both return false; only the latter also returns an error.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	if err == nil {
		s.observe(true, time.Since(start))
		return true, nil
	}
	s.observe(false, time.Since(start))
	if errors.Is(err, appErrors.ErrCacheMiss) {
		return false, nil
	}
	s.warn("cache get failed", key, err)
	return false, err
}

func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, ttl)
	if s.metrics != nil {
		s.metrics.ObserveCacheWrite(time.Since(start))
	}
	if err != nil {
		s.warn("cache set failed", key, err)
	}
	return err
}

// Invalidate drops every key matching the glob pattern, e.g. "fees:*"
// after a ledger mutation.
func (s *CacheService) Invalidate(ctx context.Context, pattern string) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.repo.DeleteByPattern(ctx, pattern); err != nil {
		s.warn("cache invalidate failed", pattern, err)
		return err
	}
	return nil
}

func (s *CacheService) observe(hit bool, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(hit, d)
	}
}

func (s *CacheService) warn(msg, key string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, zap.String("key", key), zap.Error(err))
	}
}
