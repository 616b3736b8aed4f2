package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/storyloom/storyloom/internal/clock"
	"github.com/storyloom/storyloom/internal/config"
	entitlementdomain "github.com/storyloom/storyloom/internal/entitlement/domain"
	entitlementrepo "github.com/storyloom/storyloom/internal/entitlement/repository"
	"github.com/storyloom/storyloom/internal/payment/adapters"
	"github.com/storyloom/storyloom/internal/payment/adapters/stripe"
	paymentdomain "github.com/storyloom/storyloom/internal/payment/domain"
	paymentrepo "github.com/storyloom/storyloom/internal/payment/repository"
	paymentservice "github.com/storyloom/storyloom/internal/payment/service"
	paymentwebhook "github.com/storyloom/storyloom/internal/payment/webhook"
	"github.com/storyloom/storyloom/pkg/db/pagination"
)

const stripeSecret = "whsec_test"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE entitlements (
			account_id BIGINT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'none',
			customer_ref TEXT,
			subscription_ref TEXT,
			current_period_end DATETIME,
			narration_used INTEGER NOT NULL DEFAULT 0,
			story_used INTEGER NOT NULL DEFAULT 0,
			credit_balance INTEGER NOT NULL DEFAULT 0,
			last_event_type TEXT,
			last_event_at DATETIME,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_entitlements_customer_ref ON entitlements(customer_ref) WHERE customer_ref IS NOT NULL`,
		`CREATE TABLE payment_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			account_id BIGINT,
			customer_ref TEXT,
			payload TEXT NOT NULL,
			status TEXT,
			failure_reason TEXT,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_payment_events_provider_event_id ON payment_events(provider, provider_event_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	clk        *clock.FakeClock
	paymentSvc *paymentservice.Service
	webhookSvc paymentdomain.IngestService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))

	limits := config.NewStaticEntitlementConfigHolder(config.EntitlementConfig{
		AuthorizeTimeoutMs: 250,
		MonthlyAllowances:  map[string]int{"narration": 20, "story": 10},
		CreditGrants:       map[string]int{"credits_20": 20, "credits_50": 50},
	})

	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		Repo:            paymentrepo.Provide(),
		EntitlementRepo: entitlementrepo.Provide(),
		Limits:          limits,
	})

	webhookSvc := paymentwebhook.NewService(paymentwebhook.Params{
		Log:        zap.NewNop(),
		PaymentSvc: paymentSvc,
		Adapters:   adapters.NewRegistry(stripe.NewFactory(clk)),
		Cfg:        config.Config{StripeWebhookSecret: stripeSecret},
	})

	return &fixture{db: db, node: node, clk: clk, paymentSvc: paymentSvc, webhookSvc: webhookSvc}
}

func (f *fixture) seedAccount(t *testing.T, status entitlementdomain.SubscriptionStatus, customerRef, subscriptionRef string, periodEnd *time.Time) snowflake.ID {
	t.Helper()

	accountID := f.node.Generate()
	now := f.clk.Now()
	var custRef, subRef *string
	if customerRef != "" {
		custRef = &customerRef
	}
	if subscriptionRef != "" {
		subRef = &subscriptionRef
	}
	if err := f.db.Exec(
		`INSERT INTO entitlements (
			account_id, status, customer_ref, subscription_ref, current_period_end,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, status, custRef, subRef, periodEnd, now, now,
	).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return accountID
}

func (f *fixture) entitlement(t *testing.T, accountID snowflake.ID) entitlementdomain.Entitlement {
	t.Helper()

	var ent entitlementdomain.Entitlement
	if err := f.db.Raw(`SELECT * FROM entitlements WHERE account_id = ?`, accountID).Scan(&ent).Error; err != nil {
		t.Fatalf("load entitlement: %v", err)
	}
	return ent
}

func assertCount(t *testing.T, db *gorm.DB, query string, expected int64) {
	t.Helper()

	var count int64
	if err := db.Raw(query).Scan(&count).Error; err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != expected {
		t.Fatalf("expected count %d, got %d", expected, count)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

func TestCreditPurchaseAppliedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	accountID := f.seedAccount(t, entitlementdomain.SubscriptionStatusNone, "", "", nil)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_credits_1",
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {
			"id": "cs_1",
			"mode": "payment",
			"customer": "cus_100",
			"metadata": {"account_id": "%s", "item": "credits_20"}
		}}
	}`, f.clk.Now().Unix(), accountID))

	header := http.Header{}
	header.Set("Stripe-Signature", buildStripeSignatureHeader(stripeSecret, payload, f.clk.Now().Unix()))

	outcome, err := f.webhookSvc.IngestWebhook(ctx, "stripe", payload, header)
	if err != nil {
		t.Fatalf("ingest webhook: %v", err)
	}
	if outcome != paymentdomain.OutcomeApplied {
		t.Fatalf("expected applied, got %q", outcome)
	}

	// The gateway redelivers the identical event.
	outcome, err = f.webhookSvc.IngestWebhook(ctx, "stripe", payload, header)
	if err != nil {
		t.Fatalf("redelivered webhook: %v", err)
	}
	if outcome != paymentdomain.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %q", outcome)
	}

	assertCount(t, f.db, "SELECT COUNT(1) FROM payment_events", 1)

	ent := f.entitlement(t, accountID)
	if ent.CreditBalance != 20 {
		t.Fatalf("expected exactly one 20-credit grant, balance=%d", ent.CreditBalance)
	}
	if ent.CustomerRef == nil || *ent.CustomerRef != "cus_100" {
		t.Fatalf("expected customer_ref recorded, got %v", ent.CustomerRef)
	}
}

func TestInvoicePaidResetsAllowanceCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	oldEnd := f.clk.Now().Add(-time.Hour)
	accountID := f.seedAccount(t, entitlementdomain.SubscriptionStatusActive, "cus_200", "sub_200", &oldEnd)
	if err := f.db.Exec(
		`UPDATE entitlements SET narration_used = 20, story_used = 10 WHERE account_id = ?`, accountID,
	).Error; err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	newEnd := f.clk.Now().Add(30 * 24 * time.Hour)
	outcome, err := f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:         "stripe",
		ProviderEventID:  "evt_invoice_1",
		Type:             paymentdomain.EventTypeInvoicePaid,
		CustomerRef:      "cus_200",
		SubscriptionRef:  "sub_200",
		CurrentPeriodEnd: &newEnd,
		OccurredAt:       f.clk.Now(),
	}, []byte(`{"id":"evt_invoice_1"}`))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeApplied {
		t.Fatalf("expected applied, got %q", outcome)
	}

	ent := f.entitlement(t, accountID)
	if ent.NarrationUsed != 0 || ent.StoryUsed != 0 {
		t.Fatalf("expected counters reset, got narration=%d story=%d", ent.NarrationUsed, ent.StoryUsed)
	}
	if ent.CurrentPeriodEnd == nil || !ent.CurrentPeriodEnd.Equal(newEnd) {
		t.Fatalf("expected period end advanced, got %v", ent.CurrentPeriodEnd)
	}
	if ent.Status != entitlementdomain.SubscriptionStatusActive {
		t.Fatalf("expected active, got %q", ent.Status)
	}
}

func TestUpdateAfterDeleteIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	periodEnd := f.clk.Now().Add(10 * 24 * time.Hour)
	accountID := f.seedAccount(t, entitlementdomain.SubscriptionStatusActive, "cus_300", "sub_300", &periodEnd)

	deletedAt := f.clk.Now()
	outcome, err := f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_sub_deleted",
		Type:            paymentdomain.EventTypeSubscriptionDeleted,
		CustomerRef:     "cus_300",
		SubscriptionRef: "sub_300",
		Status:          entitlementdomain.SubscriptionStatusCanceled,
		OccurredAt:      deletedAt,
	}, []byte(`{"id":"evt_sub_deleted"}`))
	if err != nil {
		t.Fatalf("process delete: %v", err)
	}
	if outcome != paymentdomain.OutcomeApplied {
		t.Fatalf("expected applied, got %q", outcome)
	}

	// A reordered earlier update for the same subscription arrives late.
	outcome, err = f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:         "stripe",
		ProviderEventID:  "evt_sub_updated_late",
		Type:             paymentdomain.EventTypeSubscriptionUpdated,
		CustomerRef:      "cus_300",
		SubscriptionRef:  "sub_300",
		Status:           entitlementdomain.SubscriptionStatusActive,
		CurrentPeriodEnd: &periodEnd,
		OccurredAt:       deletedAt.Add(-time.Minute),
	}, []byte(`{"id":"evt_sub_updated_late"}`))
	if err != nil {
		t.Fatalf("process stale update: %v", err)
	}
	if outcome != paymentdomain.OutcomeStale {
		t.Fatalf("expected stale, got %q", outcome)
	}

	ent := f.entitlement(t, accountID)
	if ent.Status != entitlementdomain.SubscriptionStatusCanceled {
		t.Fatalf("deleted subscription must stay canceled, got %q", ent.Status)
	}
	if ent.CurrentPeriodEnd != nil {
		t.Fatalf("expected period end cleared, got %v", ent.CurrentPeriodEnd)
	}

	var status string
	if err := f.db.Raw(
		`SELECT status FROM payment_events WHERE provider_event_id = 'evt_sub_updated_late'`,
	).Scan(&status).Error; err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != string(paymentdomain.EventStatusStale) {
		t.Fatalf("expected stale record, got %q", status)
	}
}

func TestUnmappedCustomerIsPersistedUnresolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	newEnd := f.clk.Now().Add(30 * 24 * time.Hour)
	outcome, err := f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:         "stripe",
		ProviderEventID:  "evt_orphan_invoice",
		Type:             paymentdomain.EventTypeInvoicePaid,
		CustomerRef:      "cus_unknown",
		CurrentPeriodEnd: &newEnd,
		OccurredAt:       f.clk.Now(),
	}, []byte(`{"id":"evt_orphan_invoice"}`))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeUnresolved {
		t.Fatalf("expected unresolved, got %q", outcome)
	}

	var status string
	if err := f.db.Raw(
		`SELECT status FROM payment_events WHERE provider_event_id = 'evt_orphan_invoice'`,
	).Scan(&status).Error; err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != string(paymentdomain.EventStatusUnresolved) {
		t.Fatalf("expected unresolved record, got %q", status)
	}

	// Redelivery after the account maps retries the reconciliation.
	accountID := f.seedAccount(t, entitlementdomain.SubscriptionStatusActive, "cus_unknown", "sub_x", nil)
	outcome, err = f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:         "stripe",
		ProviderEventID:  "evt_orphan_invoice",
		Type:             paymentdomain.EventTypeInvoicePaid,
		CustomerRef:      "cus_unknown",
		CurrentPeriodEnd: &newEnd,
		OccurredAt:       f.clk.Now(),
	}, []byte(`{"id":"evt_orphan_invoice"}`))
	if err != nil {
		t.Fatalf("reprocess event: %v", err)
	}
	if outcome != paymentdomain.OutcomeApplied {
		t.Fatalf("expected applied on redelivery, got %q", outcome)
	}

	ent := f.entitlement(t, accountID)
	if ent.CurrentPeriodEnd == nil || !ent.CurrentPeriodEnd.Equal(newEnd) {
		t.Fatalf("expected period end applied, got %v", ent.CurrentPeriodEnd)
	}
}

func TestUnknownCreditItemDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	accountID := f.seedAccount(t, entitlementdomain.SubscriptionStatusNone, "", "", nil)

	outcome, err := f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_bad_item",
		Type:            paymentdomain.EventTypeCheckoutCreditsCompleted,
		AccountID:       accountID,
		CustomerRef:     "cus_400",
		ItemCode:        "credits_9999",
		OccurredAt:      f.clk.Now(),
	}, []byte(`{"id":"evt_bad_item"}`))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeDeadLetter {
		t.Fatalf("expected dead_letter, got %q", outcome)
	}

	ent := f.entitlement(t, accountID)
	if ent.CreditBalance != 0 {
		t.Fatalf("dead-lettered purchase must not grant credits, balance=%d", ent.CreditBalance)
	}

	var reason string
	if err := f.db.Raw(
		`SELECT failure_reason FROM payment_events WHERE provider_event_id = 'evt_bad_item'`,
	).Scan(&reason).Error; err != nil {
		t.Fatalf("scan failure_reason: %v", err)
	}
	if reason != "unknown_credit_item" {
		t.Fatalf("expected unknown_credit_item, got %q", reason)
	}
}

func TestSubscriptionCheckoutCreatesLedgerRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	accountID := f.node.Generate()
	outcome, err := f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_checkout_sub",
		Type:            paymentdomain.EventTypeCheckoutSubscriptionCompleted,
		AccountID:       accountID,
		CustomerRef:     "cus_500",
		SubscriptionRef: "sub_500",
		Status:          entitlementdomain.SubscriptionStatusActive,
		OccurredAt:      f.clk.Now(),
	}, []byte(`{"id":"evt_checkout_sub"}`))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeApplied {
		t.Fatalf("expected applied, got %q", outcome)
	}

	ent := f.entitlement(t, accountID)
	if ent.Status != entitlementdomain.SubscriptionStatusActive {
		t.Fatalf("expected active, got %q", ent.Status)
	}
	if ent.SubscriptionRef == nil || *ent.SubscriptionRef != "sub_500" {
		t.Fatalf("expected subscription_ref recorded, got %v", ent.SubscriptionRef)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload := []byte(`{"id":"evt_forged","type":"checkout.session.completed"}`)
	header := http.Header{}
	header.Set("Stripe-Signature", buildStripeSignatureHeader("wrong_secret", payload, f.clk.Now().Unix()))

	if _, err := f.webhookSvc.IngestWebhook(ctx, "stripe", payload, header); err == nil {
		t.Fatal("expected signature rejection")
	}

	assertCount(t, f.db, "SELECT COUNT(1) FROM payment_events", 0)
}

func TestListEventsPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	accountID := f.seedAccount(t, entitlementdomain.SubscriptionStatusNone, "cus_900", "", nil)

	for i := 0; i < 3; i++ {
		event := &paymentdomain.PaymentEvent{
			Provider:        "stripe",
			ProviderEventID: fmt.Sprintf("evt_page_%d", i),
			Type:            paymentdomain.EventTypeCheckoutCreditsCompleted,
			AccountID:       accountID,
			CustomerRef:     "cus_900",
			ItemCode:        "credits_20",
			OccurredAt:      f.clk.Now(),
		}
		if _, err := f.paymentSvc.ProcessEvent(ctx, event, []byte(`{}`)); err != nil {
			t.Fatalf("process event %d: %v", i, err)
		}
		f.clk.Advance(time.Minute)
	}

	first, err := f.paymentSvc.ListEvents(ctx, paymentdomain.ListEventsRequest{
		Pagination: pagination.Pagination{PageSize: 2},
	})
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first.Events) != 2 {
		t.Fatalf("expected 2 events on first page, got %d", len(first.Events))
	}
	if first.Events[0].ProviderEventID != "evt_page_2" || first.Events[1].ProviderEventID != "evt_page_1" {
		t.Fatalf("expected newest first, got %q then %q",
			first.Events[0].ProviderEventID, first.Events[1].ProviderEventID)
	}
	if !first.PageInfo.HasMore || first.PageInfo.NextPageToken == "" {
		t.Fatalf("expected a next page, got %+v", first.PageInfo)
	}

	second, err := f.paymentSvc.ListEvents(ctx, paymentdomain.ListEventsRequest{
		Pagination: pagination.Pagination{PageToken: first.PageInfo.NextPageToken, PageSize: 2},
	})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.Events) != 1 || second.Events[0].ProviderEventID != "evt_page_0" {
		t.Fatalf("expected the oldest event alone on the second page, got %d events", len(second.Events))
	}
	if second.PageInfo.HasMore {
		t.Fatalf("expected the final page, got %+v", second.PageInfo)
	}

	processed, err := f.paymentSvc.ListEvents(ctx, paymentdomain.ListEventsRequest{
		Status:     paymentdomain.EventStatusProcessed,
		Pagination: pagination.Pagination{PageSize: 10},
	})
	if err != nil {
		t.Fatalf("list processed: %v", err)
	}
	if len(processed.Events) != 3 {
		t.Fatalf("expected 3 processed events, got %d", len(processed.Events))
	}

	if _, err := f.paymentSvc.ListEvents(ctx, paymentdomain.ListEventsRequest{Status: "bogus"}); err != paymentdomain.ErrInvalidEvent {
		t.Fatalf("expected invalid_event for unknown status, got %v", err)
	}
}

func TestEventFinishedOnceUnderRedeliveryRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	repo := paymentrepo.Provide()

	now := f.clk.Now()
	record := &paymentdomain.EventRecord{
		ID:              f.node.Generate(),
		Provider:        "stripe",
		ProviderEventID: "evt_race",
		EventType:       paymentdomain.EventTypeInvoicePaid,
		Payload:         datatypes.JSON(`{}`),
		Status:          paymentdomain.EventStatusReceived,
		ReceivedAt:      now,
	}
	if inserted, err := repo.InsertEvent(ctx, f.db, record); err != nil || !inserted {
		t.Fatalf("insert event: inserted=%v err=%v", inserted, err)
	}

	finished, err := repo.UpdateEventStatus(ctx, f.db, record.ID, paymentdomain.EventStatusProcessed, nil, &now)
	if err != nil {
		t.Fatalf("finish event: %v", err)
	}
	if !finished {
		t.Fatal("expected the first finishing write to win")
	}

	// A delivery that read the row before the first finisher committed must
	// see its own finishing write rejected, not overwrite the final status.
	reason := "out_of_order_event"
	finished, err = repo.UpdateEventStatus(ctx, f.db, record.ID, paymentdomain.EventStatusStale, &reason, &now)
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if finished {
		t.Fatal("expected the losing finisher to be rejected")
	}

	var status string
	if err := f.db.Raw(`SELECT status FROM payment_events WHERE id = ?`, record.ID).Scan(&status).Error; err != nil {
		t.Fatalf("load status: %v", err)
	}
	if status != string(paymentdomain.EventStatusProcessed) {
		t.Fatalf("expected the first writer's status to stand, got %q", status)
	}
}

func TestInvoiceAfterDeleteIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	periodEnd := f.clk.Now().Add(10 * 24 * time.Hour)
	accountID := f.seedAccount(t, entitlementdomain.SubscriptionStatusActive, "cus_310", "sub_310", &periodEnd)

	deletedAt := f.clk.Now()
	outcome, err := f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_sub_deleted_310",
		Type:            paymentdomain.EventTypeSubscriptionDeleted,
		CustomerRef:     "cus_310",
		SubscriptionRef: "sub_310",
		Status:          entitlementdomain.SubscriptionStatusCanceled,
		OccurredAt:      deletedAt,
	}, []byte(`{"id":"evt_sub_deleted_310"}`))
	if err != nil {
		t.Fatalf("process delete: %v", err)
	}
	if outcome != paymentdomain.OutcomeApplied {
		t.Fatalf("expected applied, got %q", outcome)
	}

	// The final renewal invoice is delivered after the termination. It must
	// not reactivate the subscription or reopen a billing period.
	nextPeriodEnd := periodEnd.Add(30 * 24 * time.Hour)
	outcome, err = f.paymentSvc.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:         "stripe",
		ProviderEventID:  "evt_invoice_late_310",
		Type:             paymentdomain.EventTypeInvoicePaid,
		CustomerRef:      "cus_310",
		SubscriptionRef:  "sub_310",
		CurrentPeriodEnd: &nextPeriodEnd,
		OccurredAt:       deletedAt.Add(-time.Minute),
	}, []byte(`{"id":"evt_invoice_late_310"}`))
	if err != nil {
		t.Fatalf("process late invoice: %v", err)
	}
	if outcome != paymentdomain.OutcomeStale {
		t.Fatalf("expected stale, got %q", outcome)
	}

	ent := f.entitlement(t, accountID)
	if ent.Status != entitlementdomain.SubscriptionStatusCanceled {
		t.Fatalf("deleted subscription must stay canceled, got %q", ent.Status)
	}
	if ent.CurrentPeriodEnd != nil {
		t.Fatalf("expected period end to stay cleared, got %v", ent.CurrentPeriodEnd)
	}
	if ent.NarrationUsed != 0 || ent.StoryUsed != 0 {
		t.Fatalf("expected counters untouched, got narration=%d story=%d", ent.NarrationUsed, ent.StoryUsed)
	}
}
