// Package billing provides a composable subscription lifecycle core for Go applications.
//
// Billing is designed as a library, not a service. Import it directly into your Go
// application and wire it to your payment provider's webhook endpoint. It provides:
//
//   - Exactly-once webhook ingestion with a durable processed-event ledger
//   - A guarded subscription state machine (trialing, active, past_due, canceled, expired)
//   - An append-only subscription event log for audit and debugging
//   - Grace-period escalation with a configurable warning-day ladder
//   - A retrying job envelope with bounded backoff and poison-message capture
//   - Bulk mutation jobs with per-target fault isolation
//
// # Quick Start
//
// Create an engine with your preferred store:
//
//	import (
//	    "github.com/slateboard/billing"
//	    "github.com/slateboard/billing/store/postgres"
//	)
//
//	// Initialize store
//	store, err := postgres.New(databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create engine
//	eng := billing.New(store)
//
//	// Start the engine (begins queue workers and the scheduled sweep)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Core Concepts
//
// Plans mirror the provider's price catalog and carry trial configuration:
//
//	p := &plan.Plan{
//	    Name:            "Pro",
//	    Slug:            "pro",
//	    ProviderPriceID: "price_1abc",
//	    Price:           billing.USD(2900),
//	    TrialDays:       14,
//	}
//
// Webhook events from the provider drive the subscription state machine:
//
//	jobID, err := eng.EnqueueWebhook(&webhook.Envelope{
//	    ID:       r.Header.Get("Webhook-Id"),
//	    Provider: "stripe",
//	    Type:     eventType,
//	    Data:     payload,
//	})
//
// Redelivered events are detected by (provider, event id) and skipped without
// side effects, so the endpoint can acknowledge aggressively and let the
// provider retry freely.
//
// Subscriptions that fall past due or cancel retain access until their grace
// boundary. The sweep sends countdown notifications on the configured warning
// days and expires subscriptions whose boundary has passed:
//
//	summary, err := eng.SweepGracePeriods(ctx)
//
// # Reliability
//
// Every queued job runs inside the same retry envelope: a fixed attempt
// budget with bounded backoff between attempts. Webhook events that exhaust
// the budget land in a failed-event table for operator review instead of
// blocking the queue. Bulk jobs isolate per-target failures and persist a
// result summary retrievable by job id.
//
// All monetary amounts use integer arithmetic in the smallest currency unit
// (cents for USD, pence for GBP, etc).
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	plan_01h2xcejqtf2nbrexx3vqjhp41  // Plan ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	job_01h455vb4pex5vsknk084sn02q   // Job ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package billing
