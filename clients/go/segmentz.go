// Package segmentz provides client interfaces and domain types for the
// segmentz segmentation service.
//
// Use the sub-package to create a transport-specific client:
//
//	import segmentzhttp "github.com/audiencelab/segmentz/clients/go/http"
package segmentz

import "context"

// SegmentManager covers CRUD operations on segment definitions.
type SegmentManager interface {
	CreateSegment(ctx context.Context, segment Segment) (Segment, error)
	GetSegment(ctx context.Context, id string) (Segment, error)
	ListSegments(ctx context.Context) ([]Segment, error)
	UpdateSegment(ctx context.Context, segment Segment) (Segment, error)
	DeleteSegment(ctx context.Context, id string) error
}

// Evaluator covers segment membership resolution and audience sizing.
type Evaluator interface {
	EvaluateSegments(ctx context.Context, userCtx UserContext) ([]string, error)
	IsInSegment(ctx context.Context, segmentID string, userCtx UserContext) (bool, error)
	SegmentSize(ctx context.Context, segmentID string) (int64, error)
	SegmentOverlap(ctx context.Context, segmentIDs []string) (map[string]int, error)
	TestConditions(ctx context.Context, conditions []Condition, limit int) (TestResult, error)
}

// EventRecorder ingests experiment events. The server tags each event with
// the segments the context matched at record time; the returned value is the
// server-assigned event id.
type EventRecorder interface {
	RecordExposure(ctx context.Context, exposure Exposure) (int64, error)
	RecordConversion(ctx context.Context, conversion Conversion) (int64, error)
}

// Analyzer fetches segment-scoped experiment performance reports.
type Analyzer interface {
	SegmentPerformance(ctx context.Context, experimentID, segmentID string) (SegmentResults, error)
}

// Segment is a named, rule-defined audience.
type Segment struct {
	ID         string
	Name       string
	Conditions []Condition // may be nil
	Operator   string      // "AND" | "OR"; server defaults empty to "AND"
}

// Condition is one leaf predicate inside a segment. Field is a dotted and
// optionally indexed path resolved against the user context, e.g.
// "attributes.purchases[0].total".
type Condition struct {
	Field    string
	Operator string // "equals" | "not_equals" | "contains" | "gt" | "lt" | "gte" | "lte" | "in" | "not_in"
	Value    any
}

// UserContext is the attribute bag a segment is tested against.
type UserContext struct {
	UserID     string
	SessionID  string
	Attributes map[string]any
	Device     map[string]any
	Geo        map[string]any
	UTM        map[string]any
}

// Exposure records that a user context saw an experiment variant.
type Exposure struct {
	ExperimentID string
	VariantID    string
	Context      UserContext
}

// Conversion records that an exposed context achieved a metric.
type Conversion struct {
	ExperimentID string
	VariantID    string
	MetricID     string
	Value        float64
	Context      UserContext
}

// SampleSubscriber is one matching profile returned by TestConditions.
type SampleSubscriber struct {
	UserID     string
	Attributes map[string]any
}

// TestResult is the outcome of evaluating a raw condition list against the
// stored subscriber population.
type TestResult struct {
	Total  int
	Sample []SampleSubscriber
}

// MetricResult aggregates one conversion metric within a variant.
type MetricResult struct {
	Value          float64
	Conversions    int
	ConversionRate float64
}

// VariantResult is the per-variant breakdown of a performance report.
type VariantResult struct {
	VariantID   string
	VariantName string
	Exposures   int
	Conversions map[string]int
	Metrics     map[string]MetricResult
}

// SegmentResults is the segment-scoped performance report for one experiment.
type SegmentResults struct {
	SegmentID   string
	SegmentName string
	Exposures   int
	Variants    []VariantResult
}
