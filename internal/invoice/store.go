package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/rollup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for invoices.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const invoiceColumns = `id::text, agent_id, period_start, period_end, pricing_version,
	line_items, subtotal, tax, total, status, created_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var itemsJSON []byte
	var start, end time.Time
	if err := row.Scan(
		&inv.ID, &inv.AgentID, &start, &end, &inv.PricingVersion,
		&itemsJSON, &inv.Subtotal, &inv.Tax, &inv.Total, &inv.Status, &inv.CreatedAt,
	); err != nil {
		return nil, err
	}
	inv.PeriodStart = start.Format(rollup.DateLayout)
	inv.PeriodEnd = end.Format(rollup.DateLayout)
	inv.LineItems = []LineItem{}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &inv.LineItems); err != nil {
			return nil, fmt.Errorf("unmarshalling line items: %w", err)
		}
	}
	return &inv, nil
}

// Create inserts inv as a new row.
func (s *Store) Create(ctx context.Context, inv *Invoice) (*Invoice, error) {
	itemsJSON, err := json.Marshal(inv.LineItems)
	if err != nil {
		return nil, fmt.Errorf("marshalling line items: %w", err)
	}
	created, err := scanInvoice(s.pool.QueryRow(ctx,
		`INSERT INTO invoices
			(agent_id, period_start, period_end, pricing_version, line_items,
			 subtotal, tax, total, status, created_at)
		 VALUES ($1, $2::date, $3::date, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+invoiceColumns,
		inv.AgentID, inv.PeriodStart, inv.PeriodEnd, inv.PricingVersion, itemsJSON,
		inv.Subtotal, inv.Tax, inv.Total, inv.Status, inv.CreatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("creating invoice: %w", err)
	}
	return created, nil
}

// Get returns an invoice by id.
func (s *Store) Get(ctx context.Context, id string) (*Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: invoice %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return inv, nil
}

// ListByAgent returns the agent's invoices, newest first.
func (s *Store) ListByAgent(ctx context.Context, agentID string) ([]*Invoice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE agent_id = $1 ORDER BY created_at DESC, id DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	out := []*Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invoice row: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
