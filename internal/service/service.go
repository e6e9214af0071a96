// Package service implements the segment store: the in-memory segment
// catalog, membership evaluation with caching, catalog mutations with coarse
// cache invalidation, and the membership-set queries (size, overlap, sample).
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/audiencelab/segmentz/internal/cache"
	"github.com/audiencelab/segmentz/internal/core"
	"github.com/audiencelab/segmentz/internal/repository"
)

const (
	// MaxSampleLimit caps the segment-test sample size regardless of what the
	// caller asks for.
	MaxSampleLimit     = 50
	defaultSampleLimit = 10
)

var (
	ErrSegmentNotFound   = errors.New("segment not found")
	ErrNameRequired      = errors.New("segment name is required")
	ErrInvalidConditions = errors.New("invalid conditions")
	ErrInvalidOperator   = errors.New("invalid operator")
)

// Repository is the persistence surface the store consumes.
type Repository interface {
	CreateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	UpdateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	GetSegment(ctx context.Context, id string) (repository.Segment, error)
	ListSegments(ctx context.Context) ([]repository.Segment, error)
	DeleteSegment(ctx context.Context, id string) error
	CountSegmentMembers(ctx context.Context, segmentID string) (int64, error)
	ListSegmentMemberIDs(ctx context.Context, segmentID string) ([]string, error)
	ListSubscribers(ctx context.Context) ([]repository.Subscriber, error)
}

// Hooks are optional metric callbacks. Nil fields are ignored.
type Hooks struct {
	OnEvaluation      func(matched bool)
	OnCacheHit        func()
	OnCacheMiss       func()
	OnInvalidation    func()
	OnCatalogSize     func(size int)
	OnCatalogLoadFail func()
}

// SampleSubscriber is one matching profile returned by TestConditions.
type SampleSubscriber struct {
	UserID     string         `json:"user_id"`
	Attributes map[string]any `json:"attributes"`
}

// TestResult is the outcome of evaluating a raw condition list against the
// stored subscriber population.
type TestResult struct {
	Total  int                `json:"total"`
	Sample []SampleSubscriber `json:"sample"`
}

// Store owns the in-memory segment catalog and the membership cache. It is
// safe for concurrent use; catalog reads never observe a half-applied
// mutation, and a membership computation racing a catalog mutation cannot
// re-populate the cache with pre-mutation results.
type Store struct {
	repo        Repository
	log         *slog.Logger
	hooks       Hooks
	membership  *cache.TTLCache[string, []string]
	catalog     *catalogState
	sampleLimit int
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithHooks installs metric callbacks.
func WithHooks(hooks Hooks) Option {
	return func(s *Store) { s.hooks = hooks }
}

// WithMembershipTTL sets the expiry for cached membership results. Zero keeps
// entries until the next catalog mutation.
func WithMembershipTTL(ttl time.Duration) Option {
	return func(s *Store) { s.membership = cache.New[string, []string](ttl) }
}

// WithSampleLimit overrides the default segment-test sample size. Values
// above MaxSampleLimit are clamped.
func WithSampleLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.sampleLimit = min(limit, MaxSampleLimit)
		}
	}
}

// New constructs the store and loads the catalog from persistence. A failed
// initial load is logged and leaves the catalog empty rather than failing
// construction: evaluation degrades to "no segments match" until the next
// successful mutation or restart. Mutation failures, by contrast, always
// propagate.
func New(ctx context.Context, repo Repository, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	s := &Store{
		repo:        repo,
		log:         slog.Default(),
		membership:  cache.New[string, []string](0),
		catalog:     newCatalogState(),
		sampleLimit: defaultSampleLimit,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadCatalog(ctx); err != nil {
		s.log.Error("initial catalog load failed, starting with empty catalog", "error", err)
		call(s.hooks.OnCatalogLoadFail)
	}

	return s, nil
}

// loadCatalog rebuilds the in-memory catalog wholesale from persistence.
func (s *Store) loadCatalog(ctx context.Context) error {
	rows, err := s.repo.ListSegments(ctx)
	if err != nil {
		return fmt.Errorf("load segments: %w", err)
	}

	next := make(map[string]core.Segment, len(rows))
	for _, row := range rows {
		segment, err := repositorySegmentToCore(row)
		if err != nil {
			s.log.Warn("skipping segment with undecodable conditions", "segment_id", row.ID, "error", err)
			continue
		}
		next[segment.ID] = segment
	}

	s.catalog.replace(next)
	s.reportCatalogSize()

	return nil
}

// CreateSegment validates and persists a new segment, assigns it an id,
// installs it in the catalog, and invalidates all cached memberships.
func (s *Store) CreateSegment(ctx context.Context, segment core.Segment) (core.Segment, error) {
	if err := validateSegment(&segment); err != nil {
		return core.Segment{}, err
	}
	if segment.ID == "" {
		segment.ID = uuid.NewString()
	}

	row, err := coreSegmentToRepository(segment)
	if err != nil {
		return core.Segment{}, err
	}

	created, err := s.repo.CreateSegment(ctx, row)
	if err != nil {
		return core.Segment{}, fmt.Errorf("create segment: %w", err)
	}

	stored, err := repositorySegmentToCore(created)
	if err != nil {
		return core.Segment{}, err
	}

	s.catalog.set(stored)
	s.invalidateMemberships()
	s.reportCatalogSize()
	s.log.Info("segment created", "segment_id", stored.ID, "name", stored.Name)

	return stored, nil
}

// UpdateSegment persists a changed definition and invalidates all cached
// memberships.
func (s *Store) UpdateSegment(ctx context.Context, segment core.Segment) (core.Segment, error) {
	if segment.ID == "" {
		return core.Segment{}, ErrSegmentNotFound
	}
	if err := validateSegment(&segment); err != nil {
		return core.Segment{}, err
	}

	row, err := coreSegmentToRepository(segment)
	if err != nil {
		return core.Segment{}, err
	}

	updated, err := s.repo.UpdateSegment(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.catalog.delete(segment.ID)
			s.invalidateMemberships()
			return core.Segment{}, ErrSegmentNotFound
		}
		return core.Segment{}, fmt.Errorf("update segment: %w", err)
	}

	stored, err := repositorySegmentToCore(updated)
	if err != nil {
		return core.Segment{}, err
	}

	s.catalog.set(stored)
	s.invalidateMemberships()
	s.log.Info("segment updated", "segment_id", stored.ID)

	return stored, nil
}

// DeleteSegment removes a segment and invalidates all cached memberships.
func (s *Store) DeleteSegment(ctx context.Context, id string) error {
	if err := s.repo.DeleteSegment(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.catalog.delete(id)
			s.invalidateMemberships()
			return ErrSegmentNotFound
		}
		return fmt.Errorf("delete segment: %w", err)
	}

	s.catalog.delete(id)
	s.invalidateMemberships()
	s.reportCatalogSize()
	s.log.Info("segment deleted", "segment_id", id)

	return nil
}

// GetSegment returns a segment from the catalog, falling back to persistence
// for definitions created outside this process.
func (s *Store) GetSegment(ctx context.Context, id string) (core.Segment, error) {
	if segment, ok := s.catalog.get(id); ok {
		return segment, nil
	}

	row, err := s.repo.GetSegment(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Segment{}, ErrSegmentNotFound
		}
		return core.Segment{}, fmt.Errorf("get segment: %w", err)
	}

	segment, err := repositorySegmentToCore(row)
	if err != nil {
		return core.Segment{}, err
	}

	s.catalog.set(segment)
	return segment, nil
}

// ListSegments returns the catalog ordered by name then id.
func (s *Store) ListSegments(_ context.Context) []core.Segment {
	segments := s.catalog.list()
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].Name != segments[j].Name {
			return segments[i].Name < segments[j].Name
		}
		return segments[i].ID < segments[j].ID
	})
	return segments
}

// EvaluateSegment evaluates a single segment definition against a context.
func (s *Store) EvaluateSegment(segment core.Segment, context core.UserContext) bool {
	matched := core.EvaluateSegment(segment, context)
	if s.hooks.OnEvaluation != nil {
		s.hooks.OnEvaluation(matched)
	}
	return matched
}

// IsInSegment reports whether the context belongs to the identified segment.
// An unknown id is false, not an error.
func (s *Store) IsInSegment(id string, context core.UserContext) bool {
	segment, ok := s.catalog.get(id)
	if !ok {
		return false
	}
	return s.EvaluateSegment(segment, context)
}

// EvaluateUserSegments returns the sorted ids of every catalog segment the
// context belongs to. Results are memoized per context fingerprint; contexts
// without a user or session id are evaluated per call and never cached.
func (s *Store) EvaluateUserSegments(context core.UserContext) []string {
	key, cacheable := membershipCacheKey(context)
	if cacheable {
		if cached, ok := s.membership.Get(key); ok {
			call(s.hooks.OnCacheHit)
			return append([]string(nil), cached...)
		}
		call(s.hooks.OnCacheMiss)
	}

	// The generation is snapshotted before evaluation so a catalog mutation
	// in flight during the computation prevents the stale result from being
	// cached.
	generation := s.membership.Generation()
	matched := s.evaluateAll(context)

	if cacheable {
		s.membership.Set(generation, key, matched)
	}

	return append([]string(nil), matched...)
}

func (s *Store) evaluateAll(context core.UserContext) []string {
	matched := make([]string, 0)
	for _, segment := range s.catalog.list() {
		if s.EvaluateSegment(segment, context) {
			matched = append(matched, segment.ID)
		}
	}
	sort.Strings(matched)
	return matched
}

// GetSegmentSize returns the size of a segment's materialized member set.
func (s *Store) GetSegmentSize(ctx context.Context, id string) (int64, error) {
	count, err := s.repo.CountSegmentMembers(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("segment size: %w", err)
	}
	return count, nil
}

// GetSegmentOverlap computes pairwise intersection sizes over the
// materialized member sets of the given segments, keyed "idA-idB" in request
// order. Member sets are fully materialized in memory, so cost grows with
// both the number of segments (quadratic in pairs) and their sizes.
func (s *Store) GetSegmentOverlap(ctx context.Context, segmentIDs []string) (map[string]int, error) {
	members := make(map[string]map[string]struct{}, len(segmentIDs))
	for _, id := range segmentIDs {
		if _, done := members[id]; done {
			continue
		}
		ids, err := s.repo.ListSegmentMemberIDs(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("segment overlap: %w", err)
		}
		set := make(map[string]struct{}, len(ids))
		for _, userID := range ids {
			set[userID] = struct{}{}
		}
		members[id] = set
	}

	overlap := make(map[string]int)
	for i := 0; i < len(segmentIDs); i++ {
		for j := i + 1; j < len(segmentIDs); j++ {
			a, b := segmentIDs[i], segmentIDs[j]
			if a == b {
				continue
			}
			smaller, larger := members[a], members[b]
			if len(larger) < len(smaller) {
				smaller, larger = larger, smaller
			}
			count := 0
			for userID := range smaller {
				if _, ok := larger[userID]; ok {
					count++
				}
			}
			overlap[a+"-"+b] = count
		}
	}

	return overlap, nil
}

// TestConditions evaluates a raw condition list against the stored subscriber
// population and returns the total match count plus a sample of at most limit
// matches (clamped to MaxSampleLimit).
func (s *Store) TestConditions(ctx context.Context, conditions []core.Condition, limit int) (TestResult, error) {
	if limit <= 0 {
		limit = s.sampleLimit
	}
	limit = min(limit, MaxSampleLimit)

	subscribers, err := s.repo.ListSubscribers(ctx)
	if err != nil {
		return TestResult{}, fmt.Errorf("test conditions: %w", err)
	}

	probe := core.Segment{Operator: core.CombineAnd, Conditions: conditions}
	result := TestResult{Sample: make([]SampleSubscriber, 0, limit)}

	for _, subscriber := range subscribers {
		var attributes map[string]any
		if len(subscriber.Attributes) > 0 {
			if err := json.Unmarshal(subscriber.Attributes, &attributes); err != nil {
				s.log.Warn("skipping subscriber with undecodable attributes", "user_id", subscriber.UserID, "error", err)
				continue
			}
		}

		context := core.UserContext{UserID: subscriber.UserID, Attributes: attributes}
		if !core.EvaluateSegment(probe, context) {
			continue
		}

		result.Total++
		if len(result.Sample) < limit {
			result.Sample = append(result.Sample, SampleSubscriber{
				UserID:     subscriber.UserID,
				Attributes: attributes,
			})
		}
	}

	return result, nil
}

// CatalogSize returns the number of segments currently loaded.
func (s *Store) CatalogSize() int {
	return len(s.catalog.list())
}

func (s *Store) invalidateMemberships() {
	s.membership.Clear()
	call(s.hooks.OnInvalidation)
}

func (s *Store) reportCatalogSize() {
	if s.hooks.OnCatalogSize != nil {
		s.hooks.OnCatalogSize(s.CatalogSize())
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

// membershipCacheKey derives the cache fingerprint from the user or session
// id plus the serialized context. cacheable=false when neither id is present.
func membershipCacheKey(context core.UserContext) (string, bool) {
	id := context.UserID
	if id == "" {
		id = context.SessionID
	}
	if id == "" {
		return "", false
	}

	serialized, err := json.Marshal(context)
	if err != nil {
		return "", false
	}

	return id + ":" + string(serialized), true
}

func validateSegment(segment *core.Segment) error {
	if segment.Name == "" {
		return ErrNameRequired
	}
	switch segment.Operator {
	case core.CombineAnd, core.CombineOr:
	case "":
		segment.Operator = core.CombineAnd
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperator, segment.Operator)
	}
	return nil
}

func repositorySegmentToCore(row repository.Segment) (core.Segment, error) {
	conditions, err := parseConditionsJSON(row.Conditions)
	if err != nil {
		return core.Segment{}, err
	}

	return core.Segment{
		ID:         row.ID,
		Name:       row.Name,
		Conditions: conditions,
		Operator:   core.CombineOperator(row.Operator),
	}, nil
}

func coreSegmentToRepository(segment core.Segment) (repository.Segment, error) {
	conditions, err := json.Marshal(segment.Conditions)
	if err != nil {
		return repository.Segment{}, fmt.Errorf("%w: %v", ErrInvalidConditions, err)
	}

	return repository.Segment{
		ID:         segment.ID,
		Name:       segment.Name,
		Conditions: conditions,
		Operator:   string(segment.Operator),
	}, nil
}

func parseConditionsJSON(payload json.RawMessage) ([]core.Condition, error) {
	conditions := make([]core.Condition, 0)
	if len(payload) == 0 {
		return conditions, nil
	}

	if err := json.Unmarshal(payload, &conditions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConditions, err)
	}

	return conditions, nil
}
