package kpi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the KPI registry.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const kpiColumns = `agent_id, key, title, unit, type, fields, created_at, updated_at`

func scanDescriptor(row pgx.Row) (*Descriptor, error) {
	var d Descriptor
	var t Type
	var fields []byte
	if err := row.Scan(&d.AgentID, &d.Key, &d.Title, &d.Unit, &t, &fields, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	spec, err := DecodeSpec(t, fields)
	if err != nil {
		return nil, err
	}
	d.Spec = spec
	return &d, nil
}

// Create inserts d, allocating its key when d.Key is zero. A per-agent
// advisory lock serializes allocation so concurrent creates never collide.
func (s *Store) Create(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	t, fields, err := EncodeSpec(d.Spec)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning kpi tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('kpi:' || $1))`, d.AgentID); err != nil {
		return nil, fmt.Errorf("locking kpi registry: %w", err)
	}

	var titleTaken bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM kpis WHERE agent_id = $1 AND lower(title) = lower($2))`,
		d.AgentID, d.Title,
	).Scan(&titleTaken); err != nil {
		return nil, fmt.Errorf("checking kpi title: %w", err)
	}
	if titleTaken {
		return nil, fmt.Errorf("%w: kpi %q already exists for agent %s", apperr.ErrConflict, d.Title, d.AgentID)
	}

	key := d.Key
	if key == 0 {
		rows, err := tx.Query(ctx, `SELECT key FROM kpis WHERE agent_id = $1`, d.AgentID)
		if err != nil {
			return nil, fmt.Errorf("listing kpi keys: %w", err)
		}
		keys, err := pgx.CollectRows(rows, pgx.RowTo[int])
		if err != nil {
			return nil, fmt.Errorf("scanning kpi keys: %w", err)
		}
		key = NextKey(keys)
	}

	created, err := scanDescriptor(tx.QueryRow(ctx,
		`INSERT INTO kpis (agent_id, key, title, unit, type, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+kpiColumns,
		d.AgentID, key, d.Title, d.Unit, t, fields, d.CreatedAt, d.UpdatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: kpi key %d already exists for agent %s", apperr.ErrConflict, key, d.AgentID)
		}
		return nil, fmt.Errorf("creating kpi: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing kpi tx: %w", err)
	}
	return created, nil
}

// Get returns one descriptor or an ErrNotFound error.
func (s *Store) Get(ctx context.Context, agentID string, key int) (*Descriptor, error) {
	d, err := scanDescriptor(s.pool.QueryRow(ctx,
		`SELECT `+kpiColumns+` FROM kpis WHERE agent_id = $1 AND key = $2`, agentID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: kpi %d for agent %s", apperr.ErrNotFound, key, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting kpi: %w", err)
	}
	return d, nil
}

// ListByAgent returns an agent's KPIs ordered by key.
func (s *Store) ListByAgent(ctx context.Context, agentID string) ([]*Descriptor, error) {
	return s.list(ctx, `SELECT `+kpiColumns+` FROM kpis WHERE agent_id = $1 ORDER BY key`, agentID)
}

// ListAll returns all KPIs ordered by agent and key.
func (s *Store) ListAll(ctx context.Context) ([]*Descriptor, error) {
	return s.list(ctx, `SELECT `+kpiColumns+` FROM kpis ORDER BY agent_id, key`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Descriptor, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing kpis: %w", err)
	}
	defer rows.Close()

	out := []*Descriptor{}
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning kpi row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating kpi rows: %w", err)
	}
	return out, nil
}

// UpdateSpec replaces the type and type-specific fields of a descriptor.
func (s *Store) UpdateSpec(ctx context.Context, agentID string, key int, spec Spec) (*Descriptor, error) {
	t, fields, err := EncodeSpec(spec)
	if err != nil {
		return nil, err
	}
	d, err := scanDescriptor(s.pool.QueryRow(ctx,
		`UPDATE kpis SET type = $3, fields = $4, updated_at = now()
		 WHERE agent_id = $1 AND key = $2
		 RETURNING `+kpiColumns,
		agentID, key, t, fields,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: kpi %d for agent %s", apperr.ErrNotFound, key, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("updating kpi: %w", err)
	}
	return d, nil
}

// AppendPoint stores one graph sample.
func (s *Store) AppendPoint(ctx context.Context, agentID string, key int, p DataPoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kpi_graph_points (agent_id, kpi_key, x, y, label) VALUES ($1, $2, $3, $4, $5)`,
		agentID, key, p.X.UTC(), p.Y, p.Label,
	)
	if err != nil {
		return fmt.Errorf("appending graph point: %w", err)
	}
	return nil
}

// ListPoints returns graph samples ordered by x.
func (s *Store) ListPoints(ctx context.Context, agentID string, key int, from, to time.Time, limit int) ([]DataPoint, error) {
	conditions := []string{"agent_id = $1", "kpi_key = $2"}
	args := []any{agentID, key}
	if !from.IsZero() {
		args = append(args, from)
		conditions = append(conditions, fmt.Sprintf("x >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conditions = append(conditions, fmt.Sprintf("x <= $%d", len(args)))
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx,
		`SELECT x, y, label FROM kpi_graph_points WHERE `+strings.Join(conditions, " AND ")+
			` ORDER BY x ASC, id ASC LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing graph points: %w", err)
	}
	defer rows.Close()

	points := []DataPoint{}
	for rows.Next() {
		var p DataPoint
		if err := rows.Scan(&p.X, &p.Y, &p.Label); err != nil {
			return nil, fmt.Errorf("scanning graph point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
