package rollup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists daily rollups in PostgreSQL. Totals are only changed with
// "col = col + EXCLUDED.col" upserts, and every delta is recorded under its
// application key in the same transaction so retries never double count.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Increment applies d unless applicationKey was applied before.
func (s *Store) Increment(ctx context.Context, applicationKey string, d Delta) (bool, error) {
	day, err := ParseDate(d.Date)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning rollup tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO rollup_applications (application_key, agent_id, date)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (application_key) DO NOTHING`,
		applicationKey, d.AgentID, day,
	)
	if err != nil {
		return false, fmt.Errorf("recording rollup application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO daily_agent_usage (agent_id, date, runtime_minutes, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (agent_id, date) DO UPDATE
		 SET runtime_minutes = daily_agent_usage.runtime_minutes + EXCLUDED.runtime_minutes,
		     updated_at = now()`,
		d.AgentID, day, d.RuntimeMinutes,
	)
	for key, v := range d.KPIs {
		batch.Queue(
			`INSERT INTO daily_agent_kpi_usage (agent_id, date, kpi_key, total)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (agent_id, date, kpi_key) DO UPDATE
			 SET total = daily_agent_kpi_usage.total + EXCLUDED.total`,
			d.AgentID, day, key, v,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, fmt.Errorf("incrementing rollup totals: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing rollup tx: %w", err)
	}
	return true, nil
}

// Range returns the agent's rollups with from <= date <= to, ordered by date.
func (s *Store) Range(ctx context.Context, agentID, from, to string) ([]*DailyAgentUsage, error) {
	fromDay, err := ParseDate(from)
	if err != nil {
		return nil, err
	}
	toDay, err := ParseDate(to)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]*DailyAgentUsage)

	rows, err := s.pool.Query(ctx,
		`SELECT date, runtime_minutes, updated_at FROM daily_agent_usage
		 WHERE agent_id = $1 AND date BETWEEN $2 AND $3`,
		agentID, fromDay, toDay,
	)
	if err != nil {
		return nil, fmt.Errorf("querying daily usage: %w", err)
	}
	for rows.Next() {
		var day time.Time
		u := &DailyAgentUsage{AgentID: agentID, Totals: Totals{KPIs: map[string]float64{}}}
		if err := rows.Scan(&day, &u.Totals.RuntimeMinutes, &u.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning daily usage row: %w", err)
		}
		u.Date = day.Format(DateLayout)
		byDate[u.Date] = u
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daily usage rows: %w", err)
	}

	kpiRows, err := s.pool.Query(ctx,
		`SELECT date, kpi_key, total FROM daily_agent_kpi_usage
		 WHERE agent_id = $1 AND date BETWEEN $2 AND $3`,
		agentID, fromDay, toDay,
	)
	if err != nil {
		return nil, fmt.Errorf("querying daily kpi usage: %w", err)
	}
	defer kpiRows.Close()
	for kpiRows.Next() {
		var day time.Time
		var key string
		var total float64
		if err := kpiRows.Scan(&day, &key, &total); err != nil {
			return nil, fmt.Errorf("scanning daily kpi row: %w", err)
		}
		date := day.Format(DateLayout)
		u, ok := byDate[date]
		if !ok {
			u = &DailyAgentUsage{AgentID: agentID, Date: date, Totals: Totals{KPIs: map[string]float64{}}}
			byDate[date] = u
		}
		u.Totals.KPIs[key] = total
	}
	if err := kpiRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daily kpi rows: %w", err)
	}

	return SortByDate(byDate), nil
}

// SortByDate flattens a date-keyed set of rollups in ascending date order.
func SortByDate(byDate map[string]*DailyAgentUsage) []*DailyAgentUsage {
	out := make([]*DailyAgentUsage, 0, len(byDate))
	for _, u := range byDate {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
