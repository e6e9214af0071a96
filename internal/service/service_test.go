package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/audiencelab/segmentz/internal/core"
	"github.com/audiencelab/segmentz/internal/repository"
)

type fakeRepository struct {
	mu          sync.RWMutex
	segments    map[string]repository.Segment
	memberships map[string][]string
	subscribers []repository.Subscriber

	listErr   error
	createErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		segments:    make(map[string]repository.Segment),
		memberships: make(map[string][]string),
	}
}

func (f *fakeRepository) CreateSegment(_ context.Context, segment repository.Segment) (repository.Segment, error) {
	if f.createErr != nil {
		return repository.Segment{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments[segment.ID] = segment
	return segment, nil
}

func (f *fakeRepository) UpdateSegment(_ context.Context, segment repository.Segment) (repository.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.segments[segment.ID]; !ok {
		return repository.Segment{}, fmt.Errorf("update segment: %w", pgx.ErrNoRows)
	}
	f.segments[segment.ID] = segment
	return segment, nil
}

func (f *fakeRepository) GetSegment(_ context.Context, id string) (repository.Segment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	segment, ok := f.segments[id]
	if !ok {
		return repository.Segment{}, fmt.Errorf("get segment: %w", pgx.ErrNoRows)
	}
	return segment, nil
}

func (f *fakeRepository) ListSegments(_ context.Context) ([]repository.Segment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	segments := make([]repository.Segment, 0, len(f.segments))
	for _, segment := range f.segments {
		segments = append(segments, segment)
	}
	return segments, nil
}

func (f *fakeRepository) DeleteSegment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.segments[id]; !ok {
		return fmt.Errorf("delete segment: %w", pgx.ErrNoRows)
	}
	delete(f.segments, id)
	return nil
}

func (f *fakeRepository) CountSegmentMembers(_ context.Context, segmentID string) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.memberships[segmentID])), nil
}

func (f *fakeRepository) ListSegmentMemberIDs(_ context.Context, segmentID string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.memberships[segmentID]...), nil
}

func (f *fakeRepository) ListSubscribers(_ context.Context) ([]repository.Subscriber, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]repository.Subscriber(nil), f.subscribers...), nil
}

func mobileSegment(t *testing.T) core.Segment {
	t.Helper()
	segment, err := core.NewBuilder().
		WithName("Mobile users").
		WhereEquals("device.type", "mobile").
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return segment
}

func TestStoreCRUDAndEvaluation(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()

	store, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	created, err := store.CreateSegment(ctx, mobileSegment(t))
	if err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("CreateSegment() did not assign an id")
	}

	mobileCtx := core.UserContext{UserID: "u-1", Device: map[string]any{"type": "mobile"}}
	if !store.IsInSegment(created.ID, mobileCtx) {
		t.Fatal("IsInSegment() = false for matching context")
	}
	if store.IsInSegment("unknown", mobileCtx) {
		t.Fatal("IsInSegment(unknown) = true, want false")
	}

	matched := store.EvaluateUserSegments(mobileCtx)
	if len(matched) != 1 || matched[0] != created.ID {
		t.Fatalf("EvaluateUserSegments() = %v, want [%s]", matched, created.ID)
	}

	created.Name = "Mobile-only users"
	updated, err := store.UpdateSegment(ctx, created)
	if err != nil {
		t.Fatalf("UpdateSegment() error = %v", err)
	}
	if updated.Name != "Mobile-only users" {
		t.Fatalf("UpdateSegment().Name = %q", updated.Name)
	}

	segments := store.ListSegments(ctx)
	if len(segments) != 1 || segments[0].Name != "Mobile-only users" {
		t.Fatalf("ListSegments() = %#v, want single updated segment", segments)
	}

	if err := store.DeleteSegment(ctx, created.ID); err != nil {
		t.Fatalf("DeleteSegment() error = %v", err)
	}
	if _, err := store.GetSegment(ctx, created.ID); !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("GetSegment() error = %v, want %v", err, ErrSegmentNotFound)
	}
	if err := store.DeleteSegment(ctx, created.ID); !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("DeleteSegment() second call error = %v, want %v", err, ErrSegmentNotFound)
	}
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, newFakeRepository())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = store.CreateSegment(ctx, core.Segment{Operator: core.CombineAnd})
	if !errors.Is(err, ErrNameRequired) {
		t.Fatalf("CreateSegment() error = %v, want %v", err, ErrNameRequired)
	}

	_, err = store.CreateSegment(ctx, core.Segment{Name: "x", Operator: core.CombineOperator("XOR")})
	if !errors.Is(err, ErrInvalidOperator) {
		t.Fatalf("CreateSegment() error = %v, want %v", err, ErrInvalidOperator)
	}

	created, err := store.CreateSegment(ctx, core.Segment{Name: "defaults"})
	if err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if created.Operator != core.CombineAnd {
		t.Fatalf("CreateSegment() operator = %q, want AND", created.Operator)
	}
}

func TestStoreMutationFailurePropagates(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	store, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	repo.createErr = errors.New("connection refused")
	if _, err := store.CreateSegment(ctx, mobileSegment(t)); err == nil {
		t.Fatal("CreateSegment() error = nil, want persistence failure")
	}
}

func TestStoreFailOpenOnInitialLoad(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	repo.listErr = errors.New("database unavailable")

	loadFailures := 0
	store, err := New(ctx, repo, WithHooks(Hooks{
		OnCatalogLoadFail: func() { loadFailures++ },
	}))
	if err != nil {
		t.Fatalf("New() error = %v, want fail-open construction", err)
	}
	if loadFailures != 1 {
		t.Fatalf("load failure hook calls = %d, want 1", loadFailures)
	}

	matched := store.EvaluateUserSegments(core.UserContext{UserID: "u-1"})
	if len(matched) != 0 {
		t.Fatalf("EvaluateUserSegments() with empty catalog = %v, want none", matched)
	}
}

func TestMembershipCaching(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()

	evaluations := 0
	hits := 0
	store, err := New(ctx, repo, WithHooks(Hooks{
		OnEvaluation: func(bool) { evaluations++ },
		OnCacheHit:   func() { hits++ },
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := store.CreateSegment(ctx, mobileSegment(t)); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}

	userCtx := core.UserContext{UserID: "u-1", Device: map[string]any{"type": "mobile"}}

	first := store.EvaluateUserSegments(userCtx)
	evaluationsAfterFirst := evaluations

	second := store.EvaluateUserSegments(userCtx)
	if evaluations != evaluationsAfterFirst {
		t.Fatalf("second call re-evaluated: evaluations = %d, want %d", evaluations, evaluationsAfterFirst)
	}
	if hits != 1 {
		t.Fatalf("cache hits = %d, want 1", hits)
	}
	if len(first) != len(second) || first[0] != second[0] {
		t.Fatalf("cached result %v differs from computed %v", second, first)
	}

	// Any catalog mutation forces re-evaluation for every cached context.
	seg := mobileSegment(t)
	seg.Name = "Another segment"
	if _, err := store.CreateSegment(ctx, seg); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}

	store.EvaluateUserSegments(userCtx)
	if evaluations == evaluationsAfterFirst {
		t.Fatal("post-mutation call did not re-evaluate")
	}
}

func TestMembershipCacheBypassWithoutIDs(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()

	evaluations := 0
	store, err := New(ctx, repo, WithHooks(Hooks{
		OnEvaluation: func(bool) { evaluations++ },
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := store.CreateSegment(ctx, mobileSegment(t)); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}

	anonymous := core.UserContext{Device: map[string]any{"type": "mobile"}}
	store.EvaluateUserSegments(anonymous)
	afterFirst := evaluations
	store.EvaluateUserSegments(anonymous)
	if evaluations != afterFirst*2 {
		t.Fatalf("anonymous context was cached: evaluations = %d, want %d", evaluations, afterFirst*2)
	}
}

func TestGetSegmentOverlap(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	repo.memberships["a"] = []string{"u1", "u2", "u3"}
	repo.memberships["b"] = []string{"u2", "u3", "u4"}
	repo.memberships["c"] = []string{"u9"}

	store, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	overlap, err := store.GetSegmentOverlap(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetSegmentOverlap() error = %v", err)
	}

	want := map[string]int{"a-b": 2, "a-c": 0, "b-c": 0}
	if len(overlap) != len(want) {
		t.Fatalf("GetSegmentOverlap() = %v, want %v", overlap, want)
	}
	for key, count := range want {
		if overlap[key] != count {
			t.Fatalf("overlap[%s] = %d, want %d", key, overlap[key], count)
		}
	}

	// Pairwise intersections can never exceed the smaller member set.
	sizeA, _ := store.GetSegmentSize(ctx, "a")
	sizeB, _ := store.GetSegmentSize(ctx, "b")
	if int64(overlap["a-b"]) > min(sizeA, sizeB) {
		t.Fatalf("overlap(a,b) = %d exceeds min(|a|,|b|) = %d", overlap["a-b"], min(sizeA, sizeB))
	}
}

func TestGetSegmentSize(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	repo.memberships["a"] = []string{"u1", "u2"}

	store, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	size, err := store.GetSegmentSize(ctx, "a")
	if err != nil {
		t.Fatalf("GetSegmentSize() error = %v", err)
	}
	if size != 2 {
		t.Fatalf("GetSegmentSize() = %d, want 2", size)
	}
}

func TestTestConditions(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	for i := 0; i < 60; i++ {
		attributes, _ := json.Marshal(map[string]any{"totalSpent": 100 + i})
		repo.subscribers = append(repo.subscribers, repository.Subscriber{
			ID:         fmt.Sprintf("s-%02d", i),
			UserID:     fmt.Sprintf("u-%02d", i),
			Attributes: attributes,
		})
	}
	attributes, _ := json.Marshal(map[string]any{"totalSpent": 5})
	repo.subscribers = append(repo.subscribers, repository.Subscriber{ID: "s-low", UserID: "u-low", Attributes: attributes})

	store, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	conditions := []core.Condition{
		{Field: "attributes.totalSpent", Operator: core.OperatorGTE, Value: 100},
	}

	result, err := store.TestConditions(ctx, conditions, 100)
	if err != nil {
		t.Fatalf("TestConditions() error = %v", err)
	}
	if result.Total != 60 {
		t.Fatalf("TestConditions().Total = %d, want 60", result.Total)
	}
	if len(result.Sample) != MaxSampleLimit {
		t.Fatalf("TestConditions() sample size = %d, want clamped to %d", len(result.Sample), MaxSampleLimit)
	}

	small, err := store.TestConditions(ctx, conditions, 5)
	if err != nil {
		t.Fatalf("TestConditions() error = %v", err)
	}
	if small.Total != 60 || len(small.Sample) != 5 {
		t.Fatalf("TestConditions(limit=5) = total %d sample %d, want 60/5", small.Total, len(small.Sample))
	}
}
