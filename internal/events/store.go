package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed usage event ledger. Idempotency is enforced
// by a partial unique index on idempotency_key, so concurrent inserts of the
// same key race inside the database and exactly one wins.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const eventColumns = `id, ts, agent_id, execution_id, event_type, kpi_key, value,
	unit, duration_ms, COALESCE(idempotency_key, ''), metadata, created_at`

func scanEvent(row pgx.Row) (*UsageEvent, error) {
	var e UsageEvent
	var metaJSON []byte
	err := row.Scan(
		&e.ID, &e.Timestamp, &e.AgentID, &e.ExecutionID, &e.EventType, &e.KPIKey,
		&e.Value, &e.Unit, &e.DurationMs, &e.IdempotencyKey, &metaJSON, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Metadata = map[string]any{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	return &e, nil
}

// Append inserts ev. When ev carries an idempotency key that was already
// stored, nothing is written and the previously stored event is returned with
// AlreadyProcessed.
func (s *Store) Append(ctx context.Context, ev *UsageEvent) (*UsageEvent, Outcome, error) {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, Stored, fmt.Errorf("marshalling metadata: %w", err)
	}

	var idemKey *string
	if ev.IdempotencyKey != "" {
		idemKey = &ev.IdempotencyKey
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO usage_events
			(ts, agent_id, execution_id, event_type, kpi_key, value, unit,
			 duration_ms, idempotency_key, synthesized, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		 RETURNING `+eventColumns,
		ev.Timestamp.UTC(), ev.AgentID, ev.ExecutionID, ev.EventType, ev.KPIKey, ev.Value,
		ev.Unit, ev.DurationMs, idemKey, ev.Synthesized(), metaJSON,
	)
	stored, err := scanEvent(row)
	if err == nil {
		return stored, Stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, Stored, fmt.Errorf("appending usage event: %w", err)
	}

	prior, err := s.GetByIdempotencyKey(ctx, ev.IdempotencyKey)
	if err != nil {
		return nil, AlreadyProcessed, err
	}
	return prior, AlreadyProcessed, nil
}

// GetByIdempotencyKey returns the event stored under key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*UsageEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM usage_events WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, fmt.Errorf("getting event by idempotency key: %w", err)
	}
	return e, nil
}

// List returns a page of events matching q, newest first, and the cursor for
// the next page (empty when exhausted).
func (s *Store) List(ctx context.Context, q EventQuery) ([]*UsageEvent, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "ts|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid cursor: %v", apperr.ErrValidation, err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (ts, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT ` + eventColumns + ` FROM usage_events` + where +
		` ORDER BY ts DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	evs, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing events: %w", err)
	}

	var nextCursor string
	if len(evs) > limit {
		last := evs[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		evs = evs[:limit]
	}
	return evs, nextCursor, nil
}

// PendingStarts returns job.started events with from <= ts < to for which no
// job.completed (live or synthesized) exists yet, oldest first.
func (s *Store) PendingStarts(ctx context.Context, from, to time.Time, limit int) ([]*UsageEvent, error) {
	evs, err := s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM usage_events s
		 WHERE s.event_type = $1 AND s.ts >= $2 AND s.ts < $3
		   AND NOT EXISTS (
			SELECT 1 FROM usage_events c
			WHERE c.event_type = $4 AND c.agent_id = s.agent_id
			  AND c.execution_id = s.execution_id AND c.kpi_key = s.kpi_key
			  AND c.ts >= s.ts)
		 ORDER BY s.ts ASC
		 LIMIT $5`,
		JobStarted, from, to, JobCompleted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending job starts: %w", err)
	}
	return evs, nil
}

// Completions returns job.completed events for the tuple with ts >= after.
func (s *Store) Completions(ctx context.Context, t JobTuple, after time.Time) ([]*UsageEvent, error) {
	evs, err := s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM usage_events
		 WHERE agent_id = $1 AND execution_id = $2 AND kpi_key = $3
		   AND event_type = $4 AND ts >= $5
		 ORDER BY ts ASC`,
		t.AgentID, t.ExecutionID, t.KPIKey, JobCompleted, after,
	)
	if err != nil {
		return nil, fmt.Errorf("querying job completions: %w", err)
	}
	return evs, nil
}

// SynthesizedCompletion returns the reconciler-produced completion for the
// tuple, or nil when there is none.
func (s *Store) SynthesizedCompletion(ctx context.Context, t JobTuple) (*UsageEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM usage_events
		 WHERE agent_id = $1 AND execution_id = $2 AND kpi_key = $3
		   AND event_type = $4 AND synthesized
		 ORDER BY ts ASC LIMIT 1`,
		t.AgentID, t.ExecutionID, t.KPIKey, JobCompleted,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying synthesized completion: %w", err)
	}
	return e, nil
}

// AverageValue returns the mean value and sample count of live job.completed
// events for the agent's KPI since the given time.
func (s *Store) AverageValue(ctx context.Context, agentID, kpiKey string, since time.Time) (float64, int, error) {
	var avg float64
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(value), 0), COUNT(value)
		 FROM usage_events
		 WHERE agent_id = $1 AND kpi_key = $2 AND event_type = $3
		   AND NOT synthesized AND value IS NOT NULL AND ts >= $4`,
		agentID, kpiKey, JobCompleted, since,
	).Scan(&avg, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("averaging kpi values: %w", err)
	}
	return avg, n, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*UsageEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []*UsageEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		evs = append(evs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return evs, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from an
// EventQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q EventQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.AgentID != "" {
		args = append(args, q.AgentID)
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if q.EventType != "" {
		args = append(args, q.EventType)
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("ts <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}

// EncodeCursor and DecodeCursor expose the cursor format to alternate stores.
func EncodeCursor(ts time.Time, id string) string { return encodeCursor(ts, id) }

func DecodeCursor(cursor string) (time.Time, string, error) { return decodeCursor(cursor) }
