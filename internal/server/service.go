package server

import (
	"context"

	"github.com/audiencelab/segmentz/internal/analytics"
	"github.com/audiencelab/segmentz/internal/core"
	"github.com/audiencelab/segmentz/internal/repository"
	"github.com/audiencelab/segmentz/internal/service"
)

// Service is the segment store surface the HTTP layer consumes.
type Service interface {
	CreateSegment(ctx context.Context, segment core.Segment) (core.Segment, error)
	UpdateSegment(ctx context.Context, segment core.Segment) (core.Segment, error)
	GetSegment(ctx context.Context, id string) (core.Segment, error)
	ListSegments(ctx context.Context) []core.Segment
	DeleteSegment(ctx context.Context, id string) error
	EvaluateUserSegments(context core.UserContext) []string
	IsInSegment(id string, context core.UserContext) bool
	GetSegmentSize(ctx context.Context, id string) (int64, error)
	GetSegmentOverlap(ctx context.Context, segmentIDs []string) (map[string]int, error)
	TestConditions(ctx context.Context, conditions []core.Condition, limit int) (service.TestResult, error)
}

// EventRecorder persists append-only experiment events.
type EventRecorder interface {
	InsertExposureEvent(ctx context.Context, event repository.ExposureEvent) (repository.ExposureEvent, error)
	InsertConversionEvent(ctx context.Context, event repository.ConversionEvent) (repository.ConversionEvent, error)
}

// Analyzer produces segment-scoped experiment performance reports.
type Analyzer interface {
	AnalyzeSegmentPerformance(ctx context.Context, experimentID, segmentID string) (analytics.SegmentResults, error)
}

var (
	_ Service       = (*service.Store)(nil)
	_ EventRecorder = (*repository.PostgresRepository)(nil)
	_ Analyzer      = (*analytics.Analyzer)(nil)
)
