// Package webhook authenticates inbound usage deliveries and turns their
// bodies into normalized usage events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/events"
	"github.com/alecgard/agentmeter/internal/kpi"
)

// Header names carried by every delivery.
const (
	HeaderAgentID        = "X-Agent-Id"
	HeaderTimestamp      = "X-Timestamp"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderSignature      = "X-Signature"
)

const signaturePrefix = "sha256="

// DefaultReplayWindow bounds how far a delivery's timestamp may drift from
// the receiver's clock.
const DefaultReplayWindow = 5 * time.Minute

// KPITypes resolves the declared type of an agent's KPI.
type KPITypes interface {
	GetKPIType(ctx context.Context, agentID, kpiKey string) (kpi.TypeInfo, error)
}

// Delivery is a validated, normalized webhook delivery.
type Delivery struct {
	Event   *events.UsageEvent
	TraceID string
	// GraphPoints are samples for a graph-typed KPI, keyed by GraphKey.
	GraphKey    int
	GraphPoints []kpi.DataPoint
}

// Validator checks authenticity and freshness, then dispatches the body to
// the validator for its event type.
type Validator struct {
	secret       []byte
	replayWindow time.Duration
	kpis         KPITypes
	now          func() time.Time
}

// NewValidator creates a Validator. An empty secret disables signature
// enforcement.
func NewValidator(secret string, replayWindow time.Duration, kpis KPITypes) *Validator {
	if replayWindow <= 0 {
		replayWindow = DefaultReplayWindow
	}
	return &Validator{
		secret:       []byte(secret),
		replayWindow: replayWindow,
		kpis:         kpis,
		now:          time.Now,
	}
}

// Sign returns the X-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Validate authenticates the delivery and returns the event to store.
func (v *Validator) Validate(ctx context.Context, h http.Header, body []byte) (*Delivery, error) {
	now := v.now()

	agentID := strings.TrimSpace(h.Get(HeaderAgentID))
	rawTS := strings.TrimSpace(h.Get(HeaderTimestamp))
	idemKey := strings.TrimSpace(h.Get(HeaderIdempotencyKey))
	if idemKey == "" {
		idemKey = bodyIdempotencyKey(body)
	}
	var missing []string
	if agentID == "" {
		missing = append(missing, HeaderAgentID)
	}
	if rawTS == "" {
		missing = append(missing, HeaderTimestamp)
	}
	if idemKey == "" {
		missing = append(missing, HeaderIdempotencyKey)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", apperr.ErrValidation, strings.Join(missing, ", "))
	}

	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be ISO-8601", apperr.ErrValidation, HeaderTimestamp)
	}
	if skew := now.Sub(ts); skew > v.replayWindow || skew < -v.replayWindow {
		return nil, fmt.Errorf("%w: timestamp outside the %s replay window", apperr.ErrValidation, v.replayWindow)
	}

	if err := v.verifySignature(h.Get(HeaderSignature), body); err != nil {
		return nil, err
	}

	p, err := decodePayload(body)
	if err != nil {
		return nil, err
	}
	if p.AgentID != "" && p.AgentID != agentID {
		return nil, fmt.Errorf("%w: body agent_id does not match %s", apperr.ErrValidation, HeaderAgentID)
	}

	d := &Delivery{
		TraceID: fmt.Sprintf("%s-%d", agentID, now.UnixMilli()),
		Event: &events.UsageEvent{
			Timestamp:      ts.UTC(),
			AgentID:        agentID,
			ExecutionID:    p.ExecutionID,
			EventType:      events.EventType(p.EventType),
			Unit:           strings.TrimSpace(p.Unit),
			IdempotencyKey: idemKey,
		},
	}
	if err := v.dispatch(ctx, p, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (v *Validator) verifySignature(header string, body []byte) error {
	if len(v.secret) == 0 {
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing %s", apperr.ErrAuth, HeaderSignature)
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: signature must start with %s", apperr.ErrAuth, signaturePrefix)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", apperr.ErrAuth)
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", apperr.ErrAuth)
	}
	return nil
}

func (v *Validator) dispatch(ctx context.Context, p *payload, d *Delivery) error {
	ev := d.Event
	switch ev.EventType {
	case events.ExecutionStarted:
		if err := requireField(p.ExecutionID != "", "execution_id"); err != nil {
			return err
		}
		ev.Metadata = p.runMetadata()
		return nil

	case events.ExecutionCompleted:
		if err := requireField(p.ExecutionID != "", "execution_id"); err != nil {
			return err
		}
		if err := p.checkDuration(); err != nil {
			return err
		}
		ev.DurationMs = p.DurationMs
		ev.Metadata = p.runMetadata()
		return nil

	case events.JobStarted, events.JobCompleted:
		return v.validateJob(ctx, p, d)

	default:
		// Legacy and unknown types are stored as-is; only execution_id is
		// required.
		if err := requireField(p.EventType != "", "event_type"); err != nil {
			return err
		}
		if err := requireField(p.ExecutionID != "", "execution_id"); err != nil {
			return err
		}
		if err := p.checkDuration(); err != nil {
			return err
		}
		ev.KPIKey = string(p.KPIKey)
		ev.Value = p.Value
		ev.DurationMs = p.DurationMs
		ev.Metadata = p.runMetadata()
		return nil
	}
}

// validateJob checks job.* payloads against the KPI's declared type:
// count completions carry {value, value_type}, graph completions carry
// {date_time, events}. Starts only need a known KPI.
func (v *Validator) validateJob(ctx context.Context, p *payload, d *Delivery) error {
	ev := d.Event
	if err := requireField(p.ExecutionID != "", "execution_id"); err != nil {
		return err
	}
	if err := requireField(p.KPIKey != "", "kpi_key"); err != nil {
		return err
	}
	if err := p.checkDuration(); err != nil {
		return err
	}

	info, err := v.kpis.GetKPIType(ctx, ev.AgentID, string(p.KPIKey))
	if err != nil {
		return err
	}

	ev.KPIKey = string(p.KPIKey)
	ev.Metadata = p.runMetadata()
	ev.Metadata["kpi_type"] = string(info.Type)
	if ev.EventType == events.JobCompleted {
		ev.DurationMs = p.DurationMs
	}
	if ev.EventType == events.JobStarted {
		return nil
	}

	switch info.Type {
	case kpi.TypeCount:
		if err := requireField(p.Value != nil, "value"); err != nil {
			return err
		}
		if err := requireField(strings.TrimSpace(p.ValueType) != "", "value_type"); err != nil {
			return err
		}
		ev.Value = p.Value
		ev.Metadata["value_type"] = strings.TrimSpace(p.ValueType)

	case kpi.TypeGraph:
		if err := requireField(p.DateTime != "", "date_time"); err != nil {
			return err
		}
		if err := requireField(len(p.Events) > 0, "events"); err != nil {
			return err
		}
		x, err := parseDateTime(p.DateTime)
		if err != nil {
			return err
		}
		key, err := kpi.ParseKey(ev.KPIKey)
		if err != nil {
			return err
		}
		d.GraphKey = key
		for i, ge := range p.Events {
			if ge.Value == nil {
				return fmt.Errorf("%w: events[%d].value is required", apperr.ErrValidation, i)
			}
			d.GraphPoints = append(d.GraphPoints, kpi.DataPoint{X: x, Y: *ge.Value, Label: strings.TrimSpace(ge.Label)})
		}
		ev.Metadata["graph_type"] = info.GraphType
		ev.Metadata["date_time"] = x.Format(time.RFC3339Nano)

	default:
		// Image KPIs carry no per-job payload; an optional value is kept.
		ev.Value = p.Value
	}
	return nil
}
