// Package analytics joins exposure and conversion event logs against
// experiment variant metadata to report how an experiment performed inside a
// single segment.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/audiencelab/segmentz/internal/core"
	"github.com/audiencelab/segmentz/internal/repository"
)

// Repository is the event and experiment read surface the analyzer consumes.
// Events are filtered by the repository on the segment tags recorded into the
// event context at write time; historical contexts are never re-evaluated
// against current segment rules.
type Repository interface {
	GetExperiment(ctx context.Context, id string) (repository.Experiment, error)
	ListExposureEvents(ctx context.Context, experimentID, segmentID string) ([]repository.ExposureEvent, error)
	ListConversionEvents(ctx context.Context, experimentID, segmentID string) ([]repository.ConversionEvent, error)
}

// SegmentCatalog resolves segment ids to definitions. Satisfied by
// service.Store.
type SegmentCatalog interface {
	GetSegment(ctx context.Context, id string) (core.Segment, error)
}

// MetricResult aggregates one conversion metric within a variant.
type MetricResult struct {
	Value          float64 `json:"value"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
}

// VariantResult is the per-variant breakdown. Conversions counts raw events
// per metric; Metrics carries the derived rates.
type VariantResult struct {
	VariantID   string                  `json:"variant_id"`
	VariantName string                  `json:"variant_name"`
	Exposures   int                     `json:"exposures"`
	Conversions map[string]int          `json:"conversions"`
	Metrics     map[string]MetricResult `json:"metrics"`
}

// SegmentResults is the segment-scoped performance report for one experiment.
type SegmentResults struct {
	SegmentID   string          `json:"segment_id"`
	SegmentName string          `json:"segment_name"`
	Exposures   int             `json:"exposures"`
	Variants    []VariantResult `json:"variants"`
}

// Analyzer computes segment-scoped experiment performance reports.
type Analyzer struct {
	segments SegmentCatalog
	repo     Repository
	log      *slog.Logger
}

// New constructs an analyzer over the given catalog and event source.
func New(segments SegmentCatalog, repo Repository, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{segments: segments, repo: repo, log: log}
}

// AnalyzeSegmentPerformance reports per-variant exposures, conversions, and
// conversion rates for one experiment, restricted to events whose recorded
// context carried the segment's tag. An unknown segment id is an error; an
// unknown variant id is reported under its raw id. Zero exposures yield a
// conversion rate of 0, never a division error.
func (a *Analyzer) AnalyzeSegmentPerformance(ctx context.Context, experimentID, segmentID string) (SegmentResults, error) {
	segment, err := a.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return SegmentResults{}, fmt.Errorf("analyze segment performance: %w", err)
	}

	variantNames, err := a.variantNames(ctx, experimentID)
	if err != nil {
		return SegmentResults{}, fmt.Errorf("analyze segment performance: %w", err)
	}

	exposures, err := a.repo.ListExposureEvents(ctx, experimentID, segmentID)
	if err != nil {
		return SegmentResults{}, fmt.Errorf("analyze segment performance: %w", err)
	}
	conversions, err := a.repo.ListConversionEvents(ctx, experimentID, segmentID)
	if err != nil {
		return SegmentResults{}, fmt.Errorf("analyze segment performance: %w", err)
	}

	variants := make(map[string]*VariantResult)
	variant := func(id string) *VariantResult {
		if v, ok := variants[id]; ok {
			return v
		}
		name, ok := variantNames[id]
		if !ok {
			name = id
		}
		v := &VariantResult{
			VariantID:   id,
			VariantName: name,
			Conversions: make(map[string]int),
			Metrics:     make(map[string]MetricResult),
		}
		variants[id] = v
		return v
	}

	results := SegmentResults{
		SegmentID:   segment.ID,
		SegmentName: segment.Name,
	}

	for _, event := range exposures {
		variant(event.VariantID).Exposures++
		results.Exposures++
	}

	for _, event := range conversions {
		v := variant(event.VariantID)
		v.Conversions[event.MetricID]++
		metric := v.Metrics[event.MetricID]
		metric.Conversions++
		metric.Value += event.Value
		v.Metrics[event.MetricID] = metric
	}

	for _, v := range variants {
		for metricID, metric := range v.Metrics {
			if v.Exposures > 0 {
				metric.ConversionRate = float64(metric.Conversions) / float64(v.Exposures)
			} else {
				metric.ConversionRate = 0
			}
			v.Metrics[metricID] = metric
		}
	}

	results.Variants = make([]VariantResult, 0, len(variants))
	for _, v := range variants {
		results.Variants = append(results.Variants, *v)
	}
	sort.Slice(results.Variants, func(i, j int) bool {
		return results.Variants[i].VariantID < results.Variants[j].VariantID
	})

	return results, nil
}

// variantNames loads the experiment's variant id to name mapping. A missing
// experiment row is tolerated; names then fall back to raw variant ids.
func (a *Analyzer) variantNames(ctx context.Context, experimentID string) (map[string]string, error) {
	experiment, err := a.repo.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			a.log.Warn("experiment metadata missing, reporting raw variant ids", "experiment_id", experimentID)
			return map[string]string{}, nil
		}
		return nil, err
	}

	var entries []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if len(experiment.Variants) > 0 {
		if err := json.Unmarshal(experiment.Variants, &entries); err != nil {
			return nil, fmt.Errorf("decode experiment variants: %w", err)
		}
	}

	names := make(map[string]string, len(entries))
	for _, entry := range entries {
		names[entry.ID] = entry.Name
	}
	return names, nil
}
