package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for agent rate cards.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanPricing(row pgx.Row) (*AgentPricing, error) {
	var p AgentPricing
	var ratesJSON []byte
	if err := row.Scan(&p.AgentID, &p.Version, &p.FixedPerMinRate, &ratesJSON, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Rates = []Rate{}
	if len(ratesJSON) > 0 {
		if err := json.Unmarshal(ratesJSON, &p.Rates); err != nil {
			return nil, fmt.Errorf("unmarshalling rates: %w", err)
		}
	}
	return &p, nil
}

// Publish inserts a new version numbered one above the agent's latest.
func (s *Store) Publish(ctx context.Context, in PublishInput) (*AgentPricing, error) {
	ratesJSON, err := json.Marshal(in.Rates)
	if err != nil {
		return nil, fmt.Errorf("marshalling rates: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning pricing tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('pricing:' || $1))`, in.AgentID); err != nil {
		return nil, fmt.Errorf("locking agent pricing: %w", err)
	}

	p, err := scanPricing(tx.QueryRow(ctx,
		`INSERT INTO agent_pricing (agent_id, version, fixed_per_min_rate, rates)
		 SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3
		 FROM agent_pricing WHERE agent_id = $1
		 RETURNING agent_id, version, fixed_per_min_rate, rates, created_at`,
		in.AgentID, in.FixedPerMinRate, ratesJSON,
	))
	if err != nil {
		return nil, fmt.Errorf("publishing pricing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing pricing tx: %w", err)
	}
	return p, nil
}

// Latest returns the highest version for the agent.
func (s *Store) Latest(ctx context.Context, agentID string) (*AgentPricing, error) {
	p, err := scanPricing(s.pool.QueryRow(ctx,
		`SELECT agent_id, version, fixed_per_min_rate, rates, created_at
		 FROM agent_pricing WHERE agent_id = $1
		 ORDER BY version DESC LIMIT 1`,
		agentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving pricing: %w", err)
	}
	return p, nil
}

// Versions returns all versions for the agent, newest first.
func (s *Store) Versions(ctx context.Context, agentID string) ([]*AgentPricing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, version, fixed_per_min_rate, rates, created_at
		 FROM agent_pricing WHERE agent_id = $1
		 ORDER BY version DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pricing versions: %w", err)
	}
	defer rows.Close()

	out := []*AgentPricing{}
	for rows.Next() {
		p, err := scanPricing(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pricing row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
