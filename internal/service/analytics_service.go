package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

// AnalyticsRepository describes the persistence layer required by AnalyticsService.
type AnalyticsRepository interface {
	PipelineSummary(ctx context.Context, filter models.PipelineFilter) ([]models.PipelineSummary, error)
	OutcomeSummary(ctx context.Context, filter models.OutcomeFilter) ([]models.OutcomeSummary, error)
	ExpiringForms(ctx context.Context, within time.Duration) ([]models.ExpiringForm, error)
}

// AnalyticsService provides read-optimised access to workflow analytics with cache integration.
type AnalyticsService struct {
	repo    AnalyticsRepository
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
}

// NewAnalyticsService constructs an analytics service.
func NewAnalyticsService(repo AnalyticsRepository, cache *CacheService, metrics *MetricsService, logger *zap.Logger) *AnalyticsService {
	return &AnalyticsService{repo: repo, cache: cache, metrics: metrics, logger: logger}
}

// Pipeline returns case counts per workflow stage. The boolean indicates whether data originated from cache.
func (s *AnalyticsService) Pipeline(ctx context.Context, filter models.PipelineFilter) ([]models.PipelineSummary, bool, error) {
	cacheKey := makeAnalyticsCacheKey("pipeline", filter.Country, formatTime(filter.DateFrom), formatTime(filter.DateTo))
	var cached []models.PipelineSummary
	if s.cache != nil {
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err != nil {
			return nil, false, fmt.Errorf("get pipeline cache: %w", err)
		} else if hit {
			return cached, true, nil
		}
	}

	start := time.Now()
	summaries, err := s.repo.PipelineSummary(ctx, filter)
	if err != nil {
		return nil, false, err
	}
	if s.metrics != nil {
		s.metrics.ObserveDBQuery("analytics_pipeline", time.Since(start))
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, summaries, 0); err != nil && s.logger != nil {
			s.logger.Warn("cache pipeline", zap.Error(err))
		}
	}
	return summaries, false, nil
}

// Outcomes returns recorded interview outcome counts per consulate.
func (s *AnalyticsService) Outcomes(ctx context.Context, filter models.OutcomeFilter) ([]models.OutcomeSummary, bool, error) {
	cacheKey := makeAnalyticsCacheKey("outcomes", filter.Consulate, formatTime(filter.DateFrom), formatTime(filter.DateTo))
	var cached []models.OutcomeSummary
	if s.cache != nil {
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err != nil {
			return nil, false, fmt.Errorf("get outcome cache: %w", err)
		} else if hit {
			return cached, true, nil
		}
	}

	start := time.Now()
	summaries, err := s.repo.OutcomeSummary(ctx, filter)
	if err != nil {
		return nil, false, err
	}
	if s.metrics != nil {
		s.metrics.ObserveDBQuery("analytics_outcomes", time.Since(start))
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, summaries, 0); err != nil && s.logger != nil {
			s.logger.Warn("cache outcomes", zap.Error(err))
		}
	}
	return summaries, false, nil
}

// ExpiringForms lists DS-160 sessions expiring within the window. Not cached:
// the window moves with the clock.
func (s *AnalyticsService) ExpiringForms(ctx context.Context, within time.Duration) ([]models.ExpiringForm, error) {
	if within <= 0 {
		within = 72 * time.Hour
	}
	start := time.Now()
	forms, err := s.repo.ExpiringForms(ctx, within)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ObserveDBQuery("analytics_expiring", time.Since(start))
	}
	return forms, nil
}

// SystemMetrics returns system instrumentation snapshot.
func (s *AnalyticsService) SystemMetrics() models.AnalyticsSystemMetrics {
	if s.metrics == nil {
		return models.AnalyticsSystemMetrics{}
	}
	return s.metrics.Snapshot()
}

func makeAnalyticsCacheKey(parts ...string) string {
	var builder strings.Builder
	builder.Grow(len(parts) * 16)
	builder.WriteString("analytics")
	for _, part := range parts {
		if part == "" {
			continue
		}
		builder.WriteByte(':')
		builder.WriteString(strings.ReplaceAll(part, ":", "|"))
	}
	return builder.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
