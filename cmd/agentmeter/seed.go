package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/auth"
	"github.com/alecgard/agentmeter/internal/kpi"
	"github.com/alecgard/agentmeter/internal/pricing"
	"github.com/spf13/cobra"
)

var seedAgentID string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo KPIs and a rate card for a test agent",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedAgentID, "agent", "demo-agent", "agent id to seed")
	rootCmd.AddCommand(seedCmd)
}

var demoKPIs = []kpi.CreateInput{
	{Title: "Documents Processed", Unit: "document", Type: kpi.TypeCount, Fields: kpi.Fields{ValueType: "integer"}},
	{Title: "Tokens Generated", Unit: "token", Type: kpi.TypeCount, Fields: kpi.Fields{ValueType: "integer"}},
	{Title: "Latency", Unit: "ms", Type: kpi.TypeGraph, Fields: kpi.Fields{GraphType: "line"}},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	existing, err := a.kpis.List(ctx, seedAgentID)
	if err != nil {
		return err
	}
	byTitle := make(map[string]*kpi.Descriptor, len(existing))
	for _, d := range existing {
		byTitle[d.Title] = d
	}

	var rates []pricing.Rate
	for i, in := range demoKPIs {
		d, ok := byTitle[in.Title]
		if !ok {
			in.AgentID = seedAgentID
			d, err = a.kpis.CreateKPI(ctx, in)
			if errors.Is(err, apperr.ErrConflict) {
				slog.Info("kpi already exists, skipping", "title", in.Title)
				continue
			}
			if err != nil {
				return fmt.Errorf("seeding kpi %q: %w", in.Title, err)
			}
			slog.Info("seeded kpi", "agent_id", seedAgentID, "key", d.Key, "title", d.Title)
		}
		if in.Type == kpi.TypeCount {
			rates = append(rates, pricing.Rate{
				KPIKey:   strconv.Itoa(d.Key),
				UnitCost: 0.01 * float64(i+1),
				Unit:     d.Unit,
			})
		}
	}

	card, err := a.pricing.Publish(ctx, pricing.PublishInput{
		AgentID:         seedAgentID,
		FixedPerMinRate: 0.05,
		Rates:           rates,
	})
	if err != nil {
		return fmt.Errorf("seeding pricing: %w", err)
	}
	slog.Info("published rate card", "agent_id", seedAgentID, "version", card.Version)

	fmt.Println()
	fmt.Printf("  Agent:           %s\n", seedAgentID)
	fmt.Printf("  Pricing version: %d\n", card.Version)
	if cfg.Webhook.Secret == "" {
		secret, err := auth.GenerateSecret(auth.WebhookSecretPrefix)
		if err != nil {
			return err
		}
		fmt.Printf("  Webhook secret:  %s  (set AGENTMETER_WEBHOOK_SECRET)\n", secret)
	}
	if cfg.Auth.AdminKey == "" {
		key, err := auth.GenerateSecret(auth.AdminKeyPrefix)
		if err != nil {
			return err
		}
		fmt.Printf("  Admin key:       %s  (set AGENTMETER_ADMIN_KEY)\n", key)
	}
	fmt.Println()

	return nil
}
