// Package directory is the boundary to the external agent directory, which
// owns agent existence and billing eligibility.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alecgard/agentmeter/internal/pricing"
)

// Verdict answers "may usage for this agent be billed?".
type Verdict struct {
	Exists         bool   `json:"exists"`
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
	PricingVersion *int   `json:"pricing_version,omitempty"`
}

// Checker looks up an agent's verdict.
type Checker interface {
	Check(ctx context.Context, agentID string) (Verdict, error)
}

// Reasons reported in verdicts.
const (
	ReasonOK        = "ok"
	ReasonNotFound  = "agent_not_found"
	ReasonDeleted   = "agent_deleted"
	ReasonNoPricing = "pricing_not_configured"
)

// HTTPChecker asks a remote directory service at
// GET {base}/agents/{id}/billing-eligibility.
type HTTPChecker struct {
	base   string
	client *http.Client
}

// NewHTTPChecker creates a checker for the directory at baseURL.
func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPChecker{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type eligibilityResponse struct {
	Exists         *bool  `json:"exists"`
	Deleted        bool   `json:"deleted"`
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason"`
	PricingVersion *int   `json:"pricing_version"`
}

// Check calls the directory. A 404 is a verdict, not an error.
func (c *HTTPChecker) Check(ctx context.Context, agentID string) (Verdict, error) {
	endpoint := c.base + "/agents/" + url.PathEscape(agentID) + "/billing-eligibility"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("building directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("calling agent directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Verdict{Reason: ReasonNotFound}, nil
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("agent directory returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var body eligibilityResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Verdict{}, fmt.Errorf("decoding directory response: %w", err)
	}

	v := Verdict{Exists: true, Valid: body.Valid, Reason: body.Reason, PricingVersion: body.PricingVersion}
	if body.Exists != nil {
		v.Exists = *body.Exists
	}
	if body.Deleted {
		v.Exists, v.Valid = false, false
		v.Reason = ReasonDeleted
	}
	if v.Reason == "" {
		if v.Valid {
			v.Reason = ReasonOK
		} else {
			v.Reason = ReasonNoPricing
		}
	}
	return v, nil
}

// PricingResolver returns an agent's authoritative rate card.
type PricingResolver interface {
	Resolve(ctx context.Context, agentID string) (*pricing.AgentPricing, error)
}

// PricingChecker derives verdicts from the local rate cards when no remote
// directory is configured. Every agent is assumed to exist.
type PricingChecker struct {
	pricing PricingResolver
}

// NewPricingChecker creates a checker over local pricing.
func NewPricingChecker(p PricingResolver) *PricingChecker {
	return &PricingChecker{pricing: p}
}

// Check reports the agent as valid when it has a rate card.
func (c *PricingChecker) Check(ctx context.Context, agentID string) (Verdict, error) {
	card, err := c.pricing.Resolve(ctx, agentID)
	if errors.Is(err, pricing.ErrNotConfigured) {
		return Verdict{Exists: true, Reason: ReasonNoPricing}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	version := card.Version
	return Verdict{Exists: true, Valid: true, Reason: ReasonOK, PricingVersion: &version}, nil
}
