package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/invoice"
	"github.com/alecgard/agentmeter/internal/pricing"
	"github.com/google/uuid"
)

// Pricing is an in-memory rate card history.
type Pricing struct {
	mu       sync.Mutex
	versions map[string][]*pricing.AgentPricing
}

// NewPricing creates an empty rate card history.
func NewPricing() *Pricing {
	return &Pricing{versions: make(map[string][]*pricing.AgentPricing)}
}

func clonePricing(p *pricing.AgentPricing) *pricing.AgentPricing {
	c := *p
	c.Rates = append([]pricing.Rate{}, p.Rates...)
	return &c
}

// Publish appends a version numbered one above the agent's latest.
func (s *Pricing) Publish(_ context.Context, in pricing.PublishInput) (*pricing.AgentPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.versions[in.AgentID]
	p := &pricing.AgentPricing{
		AgentID:         in.AgentID,
		Version:         len(list) + 1,
		FixedPerMinRate: in.FixedPerMinRate,
		Rates:           append([]pricing.Rate{}, in.Rates...),
		CreatedAt:       time.Now().UTC(),
	}
	s.versions[in.AgentID] = append(list, p)
	return clonePricing(p), nil
}

// Latest returns the highest version.
func (s *Pricing) Latest(_ context.Context, agentID string) (*pricing.AgentPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.versions[agentID]
	if len(list) == 0 {
		return nil, fmt.Errorf("agent %s: %w", agentID, pricing.ErrNotConfigured)
	}
	return clonePricing(list[len(list)-1]), nil
}

// Versions returns every version, newest first.
func (s *Pricing) Versions(_ context.Context, agentID string) ([]*pricing.AgentPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.versions[agentID]
	out := make([]*pricing.AgentPricing, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, clonePricing(list[i]))
	}
	return out, nil
}

// Invoices is an in-memory invoice table.
type Invoices struct {
	mu       sync.Mutex
	invoices []*invoice.Invoice
}

// NewInvoices creates an empty invoice table.
func NewInvoices() *Invoices {
	return &Invoices{}
}

func cloneInvoice(inv *invoice.Invoice) *invoice.Invoice {
	c := *inv
	c.LineItems = append([]invoice.LineItem{}, inv.LineItems...)
	return &c
}

// Create stores inv under a fresh id.
func (s *Invoices) Create(_ context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneInvoice(inv)
	stored.ID = uuid.NewString()
	s.invoices = append(s.invoices, stored)
	return cloneInvoice(stored), nil
}

// Get returns an invoice by id.
func (s *Invoices) Get(_ context.Context, id string) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.ID == id {
			return cloneInvoice(inv), nil
		}
	}
	return nil, fmt.Errorf("%w: invoice %s", apperr.ErrNotFound, id)
}

// ListByAgent returns the agent's invoices, newest first.
func (s *Invoices) ListByAgent(_ context.Context, agentID string) ([]*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*invoice.Invoice{}
	for i := len(s.invoices) - 1; i >= 0; i-- {
		if s.invoices[i].AgentID == agentID {
			out = append(out, cloneInvoice(s.invoices[i]))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
