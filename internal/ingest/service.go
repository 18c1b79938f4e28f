// Package ingest runs accepted usage deliveries through the event ledger and
// into the daily rollups.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/directory"
	"github.com/alecgard/agentmeter/internal/events"
	"github.com/alecgard/agentmeter/internal/kpi"
	"github.com/alecgard/agentmeter/internal/metrics"
	"github.com/alecgard/agentmeter/internal/ratelimit"
	"github.com/alecgard/agentmeter/internal/webhook"
)

// EventStore is the subset of the ledger ingestion needs.
type EventStore interface {
	Append(ctx context.Context, ev *events.UsageEvent) (*events.UsageEvent, events.Outcome, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*events.UsageEvent, error)
	SynthesizedCompletion(ctx context.Context, t events.JobTuple) (*events.UsageEvent, error)
}

// Aggregator folds events into rollups, once per event.
type Aggregator interface {
	Apply(ctx context.Context, ev *events.UsageEvent) (bool, error)
	Revert(ctx context.Context, ev *events.UsageEvent) (bool, error)
}

// Validator authenticates raw deliveries.
type Validator interface {
	Validate(ctx context.Context, h http.Header, body []byte) (*webhook.Delivery, error)
}

// GraphRecorder stores graph KPI samples.
type GraphRecorder interface {
	AppendGraphDataPoint(ctx context.Context, agentID string, key int, p kpi.DataPoint) error
}

// Receipt is returned to the webhook caller.
type Receipt struct {
	Status           string `json:"status"`
	Outcome          string `json:"outcome"`
	EventID          string `json:"event_id"`
	PricingVersion   *int   `json:"pricing_version"`
	Billable         bool   `json:"billable"`
	TraceID          string `json:"trace_id"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// Service is the ingestion pipeline.
type Service struct {
	validator Validator
	events    EventStore
	rollups   Aggregator
	graphs    GraphRecorder
	directory directory.Checker
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDirectory consults dir for agent existence and pricing eligibility.
func WithDirectory(dir directory.Checker) Option {
	return func(s *Service) { s.directory = dir }
}

// WithMetrics records ingestion metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLimiter throttles authenticated deliveries per agent. Only requests
// that pass signature validation spend tokens.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// NewService wires an ingestion pipeline.
func NewService(v Validator, store EventStore, agg Aggregator, graphs GraphRecorder, opts ...Option) *Service {
	s := &Service{
		validator: v,
		events:    store,
		rollups:   agg,
		graphs:    graphs,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates a raw delivery, stores it at most once and folds it into
// the rollups. Validation failures never reach the ledger.
func (s *Service) Ingest(ctx context.Context, h http.Header, body []byte) (*Receipt, error) {
	start := s.now()

	d, err := s.validator.Validate(ctx, h, body)
	if err != nil {
		s.metrics.IncWebhookEvent("rejected", apperr.Label(err))
		return nil, err
	}
	ev := d.Event
	receipt := &Receipt{Status: "ok", TraceID: d.TraceID}

	if s.limiter != nil && !s.limiter.Allow(ev.AgentID) {
		s.metrics.IncWebhookEvent("rejected", "rate_limited")
		return nil, fmt.Errorf("%w: agent %s", apperr.ErrRateLimited, ev.AgentID)
	}

	replay := s.seen(ctx, ev.IdempotencyKey)

	if s.directory != nil {
		verdict, err := s.directory.Check(ctx, ev.AgentID)
		switch {
		case err != nil:
			// Metering never waits on billing eligibility.
			slog.Warn("agent directory check failed", "agent_id", ev.AgentID, "trace_id", d.TraceID, "error", err)
		case !verdict.Exists && !replay:
			s.metrics.IncWebhookEvent("rejected", "not_found")
			return nil, fmt.Errorf("%w: agent %s: %s", apperr.ErrNotFound, ev.AgentID, verdict.Reason)
		case !verdict.Exists:
			// An accepted delivery keeps its answer after the agent is removed.
			slog.Info("replay for agent missing from directory", "agent_id", ev.AgentID, "trace_id", d.TraceID)
		default:
			receipt.Billable = verdict.Valid
			receipt.PricingVersion = verdict.PricingVersion
		}
	}

	// Samples are written before the event so a failed write is retried by
	// the sender instead of being masked by AlreadyProcessed.
	if !replay && len(d.GraphPoints) > 0 {
		if err := s.recordGraphPoints(ctx, ev.AgentID, d); err != nil {
			s.metrics.IncWebhookEvent("rejected", "internal")
			slog.Error("recording graph points", "agent_id", ev.AgentID, "kpi_key", d.GraphKey, "trace_id", d.TraceID, "error", err)
			return nil, fmt.Errorf("%w: trace %s: %v", apperr.ErrInternal, d.TraceID, err)
		}
	}

	stored, outcome, err := s.Record(ctx, ev)
	if err != nil {
		s.metrics.IncWebhookEvent("rejected", "internal")
		slog.Error("ingesting usage event", "agent_id", ev.AgentID, "trace_id", d.TraceID, "error", err)
		return nil, fmt.Errorf("%w: trace %s: %v", apperr.ErrInternal, d.TraceID, err)
	}

	s.metrics.IncWebhookEvent(outcome.String(), "none")
	elapsed := s.now().Sub(start)
	s.metrics.ObserveWebhookProcessing(elapsed)

	receipt.Outcome = outcome.String()
	receipt.EventID = stored.ID
	receipt.ProcessingTimeMs = elapsed.Milliseconds()
	return receipt, nil
}

// Limiter returns the per-agent throttle, or nil when none is configured.
func (s *Service) Limiter() *ratelimit.Limiter { return s.limiter }

// seen reports whether a delivery with key is already in the ledger. Lookup
// errors count as unseen; Append still deduplicates.
func (s *Service) seen(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	prior, err := s.events.GetByIdempotencyKey(ctx, key)
	return err == nil && prior != nil
}

func (s *Service) recordGraphPoints(ctx context.Context, agentID string, d *webhook.Delivery) error {
	for i, p := range d.GraphPoints {
		if err := s.graphs.AppendGraphDataPoint(ctx, agentID, d.GraphKey, p); err != nil {
			s.metrics.AddGraphPoints(i)
			return fmt.Errorf("graph point %d of %d: %w", i+1, len(d.GraphPoints), err)
		}
	}
	s.metrics.AddGraphPoints(len(d.GraphPoints))
	return nil
}

// Record appends ev to the ledger and applies it to the rollups. Used by both
// the webhook path and the reconciler.
//
// Rollup application is keyed per event, so a duplicate delivery re-applies
// the previously stored event to heal a crash between append and apply; if
// the first attempt succeeded this is a no-op.
//
// A live job.completed voids any synthesized completion for the same job:
// the synthesized event is applied (no-op if already applied) and then
// reverted, each at most once, so the pair nets to zero in any order.
func (s *Service) Record(ctx context.Context, ev *events.UsageEvent) (*events.UsageEvent, events.Outcome, error) {
	stored, outcome, err := s.events.Append(ctx, ev)
	if err != nil {
		return nil, outcome, err
	}

	if stored.EventType == events.JobCompleted && !stored.Synthesized() {
		if err := s.voidSynthesized(ctx, stored.Tuple()); err != nil {
			return nil, outcome, err
		}
	}

	applied, err := s.rollups.Apply(ctx, stored)
	if err != nil {
		return nil, outcome, err
	}
	s.metrics.IncRollup("apply", applied)
	return stored, outcome, nil
}

func (s *Service) voidSynthesized(ctx context.Context, t events.JobTuple) error {
	synth, err := s.events.SynthesizedCompletion(ctx, t)
	if err != nil {
		return err
	}
	if synth == nil {
		return nil
	}
	return s.Void(ctx, synth)
}

// Void cancels a synthesized completion's effect on the rollups.
func (s *Service) Void(ctx context.Context, synth *events.UsageEvent) error {
	if !synth.Synthesized() {
		return errors.New("only synthesized completions can be voided")
	}
	applied, err := s.rollups.Apply(ctx, synth)
	if err != nil {
		return err
	}
	s.metrics.IncRollup("apply", applied)

	reverted, err := s.rollups.Revert(ctx, synth)
	if err != nil {
		return err
	}
	s.metrics.IncRollup("revert", reverted)
	if reverted {
		slog.Info("voided synthesized completion",
			"agent_id", synth.AgentID, "execution_id", synth.ExecutionID, "kpi_key", synth.KPIKey, "event_id", synth.ID)
	}
	return nil
}
