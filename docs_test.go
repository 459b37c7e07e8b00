package billing_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/slateboard/billing"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/store/memory"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/types"
	"github.com/slateboard/billing/webhook"
)

// TestDocumentationExamples verifies that all examples in the documentation compile
func TestDocumentationExamples(t *testing.T) {
	// Test Quick Start example from README
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()

		// Initialize the engine
		eng := billing.New(store,
			billing.WithLogger(slog.Default()),
			billing.WithSweepInterval(0), // sweep manually in tests
			billing.WithQueueWorkers(1),
		)

		// Start the engine
		ctx := context.Background()
		if err := eng.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer eng.Stop()

		// Create a plan mirroring the provider's price catalog
		p := &plan.Plan{
			Name:            "Pro Plan",
			Slug:            "pro",
			Status:          plan.StatusActive,
			Price:           types.USD(2900), // $29.00
			BillingPeriod:   plan.PeriodMonthly,
			TrialDays:       14,
			ProviderPriceID: "price_pro_monthly",
		}

		if err := eng.CreatePlan(ctx, p); err != nil {
			t.Fatal(err)
		}

		// Provider webhook: a customer subscribed
		data, _ := json.Marshal(map[string]any{
			"id":       "provsub_1",
			"customer": "cus_123",
			"price":    "price_pro_monthly",
			"status":   "active",
		})
		out, err := eng.ProcessWebhook(ctx, &webhook.Envelope{
			ID:       "evt_doc_1",
			Provider: "stripe",
			Type:     "customer.subscription.created",
			Data:     data,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !out.Applied {
			t.Fatalf("expected the creation event to apply, got %+v", out)
		}

		// Redelivery of the same event is detected and skipped
		out, err = eng.ProcessWebhook(ctx, &webhook.Envelope{
			ID:       "evt_doc_1",
			Provider: "stripe",
			Type:     "customer.subscription.created",
			Data:     data,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !out.Duplicate {
			t.Fatalf("expected a duplicate outcome, got %+v", out)
		}

		// The subscription is now queryable by the provider's id
		sub, err := eng.GetSubscriptionByProviderSubID(ctx, "provsub_1")
		if err != nil {
			t.Fatal(err)
		}
		if sub.Status != subscription.StatusActive {
			t.Fatalf("expected active status, got %s", sub.Status)
		}

		// The sweep handles grace periods; with nothing past due it is a no-op
		summary, err := eng.SweepGracePeriods(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if summary.Expired != 0 {
			t.Fatalf("expected no expirations, got %d", summary.Expired)
		}
	})

	// Test Money type examples
	t.Run("MoneyExamples", func(t *testing.T) {
		// Constructors
		_ = types.USD(2900)   // $29.00
		_ = types.EUR(9900)   // 99.00 EUR
		_ = types.Zero("usd") // $0.00

		// Arithmetic
		m1 := types.USD(100)
		m2 := types.USD(200)
		_ = m1.Add(m2)     // $3.00
		_ = m1.Multiply(3) // $3.00

		// Comparison
		if m1.LessThan(m2) {
			// m1 is less than m2
		}

		// Formatting
		_ = m1.String()      // "$1.00"
		_ = m1.FormatMajor() // "1.00"
	})
}
