// Package repository provides PostgreSQL-backed persistence for segment
// definitions, subscriber profiles, materialized segment memberships,
// experiments, exposure/conversion event logs, and API keys.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Segment is the repository-level representation of a segment row. Conditions
// is stored as a JSON array; the service layer decodes it into core types.
type Segment struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions json.RawMessage `json:"conditions"`
	Operator   string          `json:"operator"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Subscriber is one stored audience profile, used by the segment test
// endpoint to sample matching contexts.
type Subscriber struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Attributes json.RawMessage `json:"attributes"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Experiment carries the variant id to name metadata the performance analyzer
// resolves names through. Variants is a JSON array of {id, name}.
type Experiment struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Variants  json.RawMessage `json:"variants"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExposureEvent records that a variant was shown to a context. Context is the
// full JSON user context including the "segments" tag list baked in at record
// time.
type ExposureEvent struct {
	ID           int64           `json:"id"`
	ExperimentID string          `json:"experiment_id"`
	VariantID    string          `json:"variant_id"`
	Context      json.RawMessage `json:"context"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ConversionEvent records that an exposed context achieved a metric.
type ConversionEvent struct {
	ID           int64           `json:"id"`
	ExperimentID string          `json:"experiment_id"`
	VariantID    string          `json:"variant_id"`
	MetricID     string          `json:"metric_id"`
	Value        float64         `json:"value"`
	Context      json.RawMessage `json:"context"`
	CreatedAt    time.Time       `json:"created_at"`
}

// APIKey metadata, suitable for listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresRepository implements persistence backed by a pgxpool connection
// pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository over the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateSegment inserts a new segment row and returns the created record with
// server-generated timestamps.
func (r *PostgresRepository) CreateSegment(ctx context.Context, segment Segment) (Segment, error) {
	var created Segment
	err := r.pool.QueryRow(ctx, `
		INSERT INTO segments (id, name, conditions, operator)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, conditions, operator, created_at, updated_at
	`,
		segment.ID,
		segment.Name,
		ensureJSON(segment.Conditions, "[]"),
		segment.Operator,
	).Scan(
		&created.ID,
		&created.Name,
		&created.Conditions,
		&created.Operator,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return Segment{}, fmt.Errorf("create segment: %w", err)
	}

	return created, nil
}

// UpdateSegment updates an existing segment row and returns the updated
// record. Returns pgx.ErrNoRows (wrapped) if the segment does not exist.
func (r *PostgresRepository) UpdateSegment(ctx context.Context, segment Segment) (Segment, error) {
	var updated Segment
	err := r.pool.QueryRow(ctx, `
		UPDATE segments
		SET name = $2,
		    conditions = $3,
		    operator = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, conditions, operator, created_at, updated_at
	`,
		segment.ID,
		segment.Name,
		ensureJSON(segment.Conditions, "[]"),
		segment.Operator,
	).Scan(
		&updated.ID,
		&updated.Name,
		&updated.Conditions,
		&updated.Operator,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		return Segment{}, fmt.Errorf("update segment: %w", err)
	}

	return updated, nil
}

// GetSegment retrieves a single segment by id. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetSegment(ctx context.Context, id string) (Segment, error) {
	var segment Segment
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, conditions, operator, created_at, updated_at
		FROM segments
		WHERE id = $1
	`, id).Scan(
		&segment.ID,
		&segment.Name,
		&segment.Conditions,
		&segment.Operator,
		&segment.CreatedAt,
		&segment.UpdatedAt,
	)
	if err != nil {
		return Segment{}, fmt.Errorf("get segment: %w", err)
	}

	return segment, nil
}

// ListSegments returns all segments ordered by name.
func (r *PostgresRepository) ListSegments(ctx context.Context) ([]Segment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, conditions, operator, created_at, updated_at
		FROM segments
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]Segment, 0)
	for rows.Next() {
		var segment Segment
		if err := rows.Scan(
			&segment.ID,
			&segment.Name,
			&segment.Conditions,
			&segment.Operator,
			&segment.CreatedAt,
			&segment.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}

		segments = append(segments, segment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments rows: %w", err)
	}

	return segments, nil
}

// DeleteSegment removes a segment by id. Returns pgx.ErrNoRows (wrapped) if
// the segment does not exist. Materialized memberships cascade in the schema.
func (r *PostgresRepository) DeleteSegment(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM segments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete segment: %w", pgx.ErrNoRows)
	}

	return nil
}

// CountSegmentMembers returns the size of a segment's materialized member
// set.
func (r *PostgresRepository) CountSegmentMembers(ctx context.Context, segmentID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM segment_memberships WHERE segment_id = $1
	`, segmentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count segment members: %w", err)
	}

	return count, nil
}

// ListSegmentMemberIDs returns the full materialized member-id set for a
// segment. The set is loaded into memory wholesale; overlap computation over
// very large segments is bounded by this.
func (r *PostgresRepository) ListSegmentMemberIDs(ctx context.Context, segmentID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM segment_memberships WHERE segment_id = $1
	`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("list segment members: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan segment member: %w", err)
		}
		members = append(members, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segment members rows: %w", err)
	}

	return members, nil
}

// ReplaceSegmentMembers rewrites a segment's materialized member set in a
// single transaction. Used by the membership refresh path and by tests.
func (r *PostgresRepository) ReplaceSegmentMembers(ctx context.Context, segmentID string, userIDs []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace members tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM segment_memberships WHERE segment_id = $1`, segmentID); err != nil {
		return fmt.Errorf("clear segment members: %w", err)
	}

	for _, userID := range userIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO segment_memberships (segment_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, segmentID, userID); err != nil {
			return fmt.Errorf("insert segment member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace members tx: %w", err)
	}

	return nil
}

// ListSubscribers returns all stored subscriber profiles ordered by creation
// time.
func (r *PostgresRepository) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, attributes, created_at
		FROM subscribers
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	subscribers := make([]Subscriber, 0)
	for rows.Next() {
		var subscriber Subscriber
		if err := rows.Scan(
			&subscriber.ID,
			&subscriber.UserID,
			&subscriber.Attributes,
			&subscriber.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subscribers = append(subscribers, subscriber)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscribers rows: %w", err)
	}

	return subscribers, nil
}

// UpsertSubscriber inserts or replaces a subscriber profile keyed by user id.
func (r *PostgresRepository) UpsertSubscriber(ctx context.Context, subscriber Subscriber) (Subscriber, error) {
	var stored Subscriber
	err := r.pool.QueryRow(ctx, `
		INSERT INTO subscribers (id, user_id, attributes)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET attributes = EXCLUDED.attributes
		RETURNING id, user_id, attributes, created_at
	`,
		subscriber.ID,
		subscriber.UserID,
		ensureJSON(subscriber.Attributes, "{}"),
	).Scan(&stored.ID, &stored.UserID, &stored.Attributes, &stored.CreatedAt)
	if err != nil {
		return Subscriber{}, fmt.Errorf("upsert subscriber: %w", err)
	}

	return stored, nil
}

// GetExperiment retrieves an experiment by id. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetExperiment(ctx context.Context, id string) (Experiment, error) {
	var experiment Experiment
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, variants, created_at
		FROM experiments
		WHERE id = $1
	`, id).Scan(
		&experiment.ID,
		&experiment.Name,
		&experiment.Variants,
		&experiment.CreatedAt,
	)
	if err != nil {
		return Experiment{}, fmt.Errorf("get experiment: %w", err)
	}

	return experiment, nil
}

// UpsertExperiment inserts or replaces experiment metadata.
func (r *PostgresRepository) UpsertExperiment(ctx context.Context, experiment Experiment) (Experiment, error) {
	var stored Experiment
	err := r.pool.QueryRow(ctx, `
		INSERT INTO experiments (id, name, variants)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, variants = EXCLUDED.variants
		RETURNING id, name, variants, created_at
	`,
		experiment.ID,
		experiment.Name,
		ensureJSON(experiment.Variants, "[]"),
	).Scan(&stored.ID, &stored.Name, &stored.Variants, &stored.CreatedAt)
	if err != nil {
		return Experiment{}, fmt.Errorf("upsert experiment: %w", err)
	}

	return stored, nil
}

// InsertExposureEvent appends an exposure record. Events are append-only; the
// context must already carry its segment tags.
func (r *PostgresRepository) InsertExposureEvent(ctx context.Context, event ExposureEvent) (ExposureEvent, error) {
	var created ExposureEvent
	err := r.pool.QueryRow(ctx, `
		INSERT INTO exposure_events (experiment_id, variant_id, context)
		VALUES ($1, $2, $3)
		RETURNING id, experiment_id, variant_id, context, created_at
	`,
		event.ExperimentID,
		event.VariantID,
		ensureJSON(event.Context, "{}"),
	).Scan(
		&created.ID,
		&created.ExperimentID,
		&created.VariantID,
		&created.Context,
		&created.CreatedAt,
	)
	if err != nil {
		return ExposureEvent{}, fmt.Errorf("insert exposure event: %w", err)
	}

	return created, nil
}

// InsertConversionEvent appends a conversion record.
func (r *PostgresRepository) InsertConversionEvent(ctx context.Context, event ConversionEvent) (ConversionEvent, error) {
	var created ConversionEvent
	err := r.pool.QueryRow(ctx, `
		INSERT INTO conversion_events (experiment_id, variant_id, metric_id, value, context)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, experiment_id, variant_id, metric_id, value, context, created_at
	`,
		event.ExperimentID,
		event.VariantID,
		event.MetricID,
		event.Value,
		ensureJSON(event.Context, "{}"),
	).Scan(
		&created.ID,
		&created.ExperimentID,
		&created.VariantID,
		&created.MetricID,
		&created.Value,
		&created.Context,
		&created.CreatedAt,
	)
	if err != nil {
		return ConversionEvent{}, fmt.Errorf("insert conversion event: %w", err)
	}

	return created, nil
}

// ListExposureEvents returns the exposure events for an experiment whose
// recorded context tags include segmentID. The join is on the tags baked in
// at record time, not on current segment rules.
func (r *PostgresRepository) ListExposureEvents(ctx context.Context, experimentID, segmentID string) ([]ExposureEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, experiment_id, variant_id, context, created_at
		FROM exposure_events
		WHERE experiment_id = $1
		  AND context->'segments' @> to_jsonb($2::text)
		ORDER BY id
	`, experimentID, segmentID)
	if err != nil {
		return nil, fmt.Errorf("list exposure events: %w", err)
	}
	defer rows.Close()

	events := make([]ExposureEvent, 0)
	for rows.Next() {
		var event ExposureEvent
		if err := rows.Scan(
			&event.ID,
			&event.ExperimentID,
			&event.VariantID,
			&event.Context,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan exposure event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list exposure events rows: %w", err)
	}

	return events, nil
}

// ListConversionEvents returns the conversion events for an experiment whose
// recorded context tags include segmentID.
func (r *PostgresRepository) ListConversionEvents(ctx context.Context, experimentID, segmentID string) ([]ConversionEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, experiment_id, variant_id, metric_id, value, context, created_at
		FROM conversion_events
		WHERE experiment_id = $1
		  AND context->'segments' @> to_jsonb($2::text)
		ORDER BY id
	`, experimentID, segmentID)
	if err != nil {
		return nil, fmt.Errorf("list conversion events: %w", err)
	}
	defer rows.Close()

	events := make([]ConversionEvent, 0)
	for rows.Next() {
		var event ConversionEvent
		if err := rows.Scan(
			&event.ID,
			&event.ExperimentID,
			&event.VariantID,
			&event.MetricID,
			&event.Value,
			&event.Context,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversion event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversion events rows: %w", err)
	}

	return events, nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// compare outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}
	return nil
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
