package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/audiencelab/segmentz/internal/core"
	"github.com/audiencelab/segmentz/internal/repository"
)

type fakeCatalog struct {
	segments map[string]core.Segment
}

func (f *fakeCatalog) GetSegment(_ context.Context, id string) (core.Segment, error) {
	segment, ok := f.segments[id]
	if !ok {
		return core.Segment{}, errors.New("segment not found")
	}
	return segment, nil
}

type fakeEventRepo struct {
	experiment  repository.Experiment
	expErr      error
	exposures   []repository.ExposureEvent
	conversions []repository.ConversionEvent
	listErr     error
}

func (f *fakeEventRepo) GetExperiment(context.Context, string) (repository.Experiment, error) {
	if f.expErr != nil {
		return repository.Experiment{}, f.expErr
	}
	return f.experiment, nil
}

func (f *fakeEventRepo) ListExposureEvents(context.Context, string, string) ([]repository.ExposureEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.exposures, nil
}

func (f *fakeEventRepo) ListConversionEvents(context.Context, string, string) ([]repository.ConversionEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.conversions, nil
}

func exposureEvents(counts map[string]int) []repository.ExposureEvent {
	var events []repository.ExposureEvent
	for variantID, n := range counts {
		for i := 0; i < n; i++ {
			events = append(events, repository.ExposureEvent{
				ExperimentID: "exp-1",
				VariantID:    variantID,
			})
		}
	}
	return events
}

func TestAnalyzeSegmentPerformance(t *testing.T) {
	variants, _ := json.Marshal([]map[string]string{
		{"id": "v1", "name": "Control"},
		{"id": "v2", "name": "Treatment"},
	})

	catalog := &fakeCatalog{segments: map[string]core.Segment{
		"seg-1": {ID: "seg-1", Name: "High value users"},
	}}
	repo := &fakeEventRepo{
		experiment: repository.Experiment{ID: "exp-1", Variants: variants},
		exposures:  exposureEvents(map[string]int{"v1": 3, "v2": 2}),
		conversions: []repository.ConversionEvent{
			{ExperimentID: "exp-1", VariantID: "v1", MetricID: "purchase", Value: 19.99},
		},
	}

	analyzer := New(catalog, repo, nil)
	results, err := analyzer.AnalyzeSegmentPerformance(context.Background(), "exp-1", "seg-1")
	if err != nil {
		t.Fatalf("AnalyzeSegmentPerformance() error = %v", err)
	}

	if results.SegmentID != "seg-1" || results.SegmentName != "High value users" {
		t.Fatalf("segment identity = %s/%s", results.SegmentID, results.SegmentName)
	}
	if results.Exposures != 5 {
		t.Fatalf("total exposures = %d, want 5", results.Exposures)
	}
	if len(results.Variants) != 2 {
		t.Fatalf("variants = %d, want 2", len(results.Variants))
	}

	v1 := results.Variants[0]
	if v1.VariantID != "v1" || v1.VariantName != "Control" {
		t.Fatalf("variants[0] = %s/%s, want v1/Control", v1.VariantID, v1.VariantName)
	}
	if v1.Exposures != 3 {
		t.Fatalf("v1 exposures = %d, want 3", v1.Exposures)
	}
	if v1.Conversions["purchase"] != 1 {
		t.Fatalf("v1 purchase conversions = %d, want 1", v1.Conversions["purchase"])
	}
	metric := v1.Metrics["purchase"]
	if math.Abs(metric.ConversionRate-1.0/3.0) > 1e-9 {
		t.Fatalf("v1 purchase rate = %v, want 1/3", metric.ConversionRate)
	}
	if metric.Value != 19.99 {
		t.Fatalf("v1 purchase value = %v, want 19.99", metric.Value)
	}

	v2 := results.Variants[1]
	if v2.VariantID != "v2" || v2.Exposures != 2 {
		t.Fatalf("variants[1] = %s exposures %d, want v2/2", v2.VariantID, v2.Exposures)
	}
	if len(v2.Metrics) != 0 {
		t.Fatalf("v2 metrics = %v, want empty", v2.Metrics)
	}
}

func TestAnalyzeUnknownSegmentFails(t *testing.T) {
	analyzer := New(&fakeCatalog{segments: map[string]core.Segment{}}, &fakeEventRepo{}, nil)

	if _, err := analyzer.AnalyzeSegmentPerformance(context.Background(), "exp-1", "nope"); err == nil {
		t.Fatal("AnalyzeSegmentPerformance() error = nil, want unknown-segment error")
	}
}

func TestAnalyzeZeroExposureConversion(t *testing.T) {
	catalog := &fakeCatalog{segments: map[string]core.Segment{
		"seg-1": {ID: "seg-1", Name: "s"},
	}}
	repo := &fakeEventRepo{
		conversions: []repository.ConversionEvent{
			{ExperimentID: "exp-1", VariantID: "ghost", MetricID: "signup"},
		},
	}

	analyzer := New(catalog, repo, nil)
	results, err := analyzer.AnalyzeSegmentPerformance(context.Background(), "exp-1", "seg-1")
	if err != nil {
		t.Fatalf("AnalyzeSegmentPerformance() error = %v", err)
	}

	if len(results.Variants) != 1 {
		t.Fatalf("variants = %d, want 1", len(results.Variants))
	}
	ghost := results.Variants[0]
	if ghost.Exposures != 0 {
		t.Fatalf("ghost exposures = %d, want 0", ghost.Exposures)
	}
	metric := ghost.Metrics["signup"]
	if metric.ConversionRate != 0 {
		t.Fatalf("rate with zero exposures = %v, want 0", metric.ConversionRate)
	}
	if metric.Conversions != 1 {
		t.Fatalf("conversions = %d, want 1", metric.Conversions)
	}
}

func TestAnalyzeUnmappedVariantFallsBackToID(t *testing.T) {
	catalog := &fakeCatalog{segments: map[string]core.Segment{
		"seg-1": {ID: "seg-1", Name: "s"},
	}}
	repo := &fakeEventRepo{
		expErr:    fmt.Errorf("get experiment: %w", pgx.ErrNoRows),
		exposures: exposureEvents(map[string]int{"v9": 1}),
	}

	analyzer := New(catalog, repo, nil)
	results, err := analyzer.AnalyzeSegmentPerformance(context.Background(), "exp-x", "seg-1")
	if err != nil {
		t.Fatalf("AnalyzeSegmentPerformance() error = %v", err)
	}
	if results.Variants[0].VariantName != "v9" {
		t.Fatalf("fallback name = %q, want raw id v9", results.Variants[0].VariantName)
	}
}

func TestAnalyzeQueryFailurePropagates(t *testing.T) {
	catalog := &fakeCatalog{segments: map[string]core.Segment{
		"seg-1": {ID: "seg-1", Name: "s"},
	}}
	repo := &fakeEventRepo{listErr: errors.New("connection reset")}

	analyzer := New(catalog, repo, nil)
	if _, err := analyzer.AnalyzeSegmentPerformance(context.Background(), "exp-1", "seg-1"); err == nil {
		t.Fatal("AnalyzeSegmentPerformance() error = nil, want query failure")
	}
}
