package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecgard/agentmeter/internal/memstore"
	"github.com/alecgard/agentmeter/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/agents/priced/billing-eligibility":
			_, _ = w.Write([]byte(`{"valid":true,"pricing_version":3}`))
		case "/agents/unpriced/billing-eligibility":
			_, _ = w.Write([]byte(`{"valid":false}`))
		case "/agents/gone/billing-eligibility":
			_, _ = w.Write([]byte(`{"valid":true,"deleted":true}`))
		case "/agents/broken/billing-eligibility":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPChecker(srv.URL+"/", time.Second)
	ctx := context.Background()

	v, err := c.Check(ctx, "priced")
	require.NoError(t, err)
	assert.True(t, v.Exists)
	assert.True(t, v.Valid)
	require.NotNil(t, v.PricingVersion)
	assert.Equal(t, 3, *v.PricingVersion)
	assert.Equal(t, ReasonOK, v.Reason)

	v, err = c.Check(ctx, "unpriced")
	require.NoError(t, err)
	assert.True(t, v.Exists)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonNoPricing, v.Reason)

	v, err = c.Check(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, v.Exists)
	assert.Equal(t, ReasonDeleted, v.Reason)

	v, err = c.Check(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, v.Exists)
	assert.Equal(t, ReasonNotFound, v.Reason)

	_, err = c.Check(ctx, "broken")
	assert.Error(t, err)
}

func TestPricingChecker(t *testing.T) {
	ctx := context.Background()
	resolver := pricing.NewResolver(memstore.NewPricing())
	c := NewPricingChecker(resolver)

	v, err := c.Check(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, v.Exists)
	assert.False(t, v.Valid)
	assert.Nil(t, v.PricingVersion)

	_, err = resolver.Publish(ctx, pricing.PublishInput{AgentID: "agent-a", FixedPerMinRate: 0.01})
	require.NoError(t, err)

	v, err = c.Check(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	require.NotNil(t, v.PricingVersion)
	assert.Equal(t, 1, *v.PricingVersion)
}
