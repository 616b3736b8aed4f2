package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/storyloom/storyloom/internal/clock"
	entitlementdomain "github.com/storyloom/storyloom/internal/entitlement/domain"
	paymentdomain "github.com/storyloom/storyloom/internal/payment/domain"
)

type Factory struct {
	clock clock.Clock
}

func NewFactory(clk clock.Clock) *Factory {
	return &Factory{clock: clk}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Adapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrProviderNotFound
	}
	return &Adapter{webhookSecret: secret, clock: f.clock}, nil
}

type Adapter struct {
	webhookSecret string
	clock         clock.Clock
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	case "invoice.paid":
		return a.parseInvoice(event, payload)
	case "customer.subscription.updated":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionUpdated)
	case "customer.subscription.deleted":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionDeleted)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Created      int64             `json:"created"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	PeriodEnd    int64  `json:"period_end"`
	Created      int64  `json:"created"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.Customer) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	accountID := metadataAccountID(session.Metadata)
	occurredAt := a.timestamp(session.Created, event.Created)

	switch strings.TrimSpace(session.Mode) {
	case "subscription":
		if strings.TrimSpace(session.Subscription) == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		return &paymentdomain.PaymentEvent{
			Provider:        "stripe",
			ProviderEventID: event.ID,
			Type:            paymentdomain.EventTypeCheckoutSubscriptionCompleted,
			AccountID:       accountID,
			CustomerRef:     strings.TrimSpace(session.Customer),
			SubscriptionRef: strings.TrimSpace(session.Subscription),
			Status:          entitlementdomain.SubscriptionStatusActive,
			OccurredAt:      occurredAt,
			RawPayload:      payload,
		}, nil
	case "payment":
		item := strings.TrimSpace(session.Metadata["item"])
		if item == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		return &paymentdomain.PaymentEvent{
			Provider:        "stripe",
			ProviderEventID: event.ID,
			Type:            paymentdomain.EventTypeCheckoutCreditsCompleted,
			AccountID:       accountID,
			CustomerRef:     strings.TrimSpace(session.Customer),
			ItemCode:        item,
			OccurredAt:      occurredAt,
			RawPayload:      payload,
		}, nil
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.Customer) == "" || invoice.PeriodEnd == 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}

	periodEnd := time.Unix(invoice.PeriodEnd, 0).UTC()
	return &paymentdomain.PaymentEvent{
		Provider:         "stripe",
		ProviderEventID:  event.ID,
		Type:             paymentdomain.EventTypeInvoicePaid,
		CustomerRef:      strings.TrimSpace(invoice.Customer),
		SubscriptionRef:  strings.TrimSpace(invoice.Subscription),
		CurrentPeriodEnd: &periodEnd,
		OccurredAt:       a.timestamp(invoice.Created, event.Created),
		RawPayload:       payload,
	}, nil
}

func (a *Adapter) parseSubscription(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" || strings.TrimSpace(sub.Customer) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Type:            eventType,
		AccountID:       metadataAccountID(sub.Metadata),
		CustomerRef:     strings.TrimSpace(sub.Customer),
		SubscriptionRef: strings.TrimSpace(sub.ID),
		OccurredAt:      a.timestamp(sub.Created, event.Created),
		RawPayload:      payload,
	}
	if sub.CurrentPeriodEnd > 0 {
		periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		out.CurrentPeriodEnd = &periodEnd
	}
	if eventType == paymentdomain.EventTypeSubscriptionDeleted {
		out.Status = entitlementdomain.SubscriptionStatusCanceled
		return out, nil
	}
	out.Status = mapSubscriptionStatus(sub.Status, sub.CancelAtPeriodEnd)
	return out, nil
}

// mapSubscriptionStatus folds Stripe's lifecycle onto the ledger's. A live
// subscription flagged to end at the period boundary is "canceling": still
// entitled, but churning.
func mapSubscriptionStatus(status string, cancelAtPeriodEnd bool) entitlementdomain.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing":
		if cancelAtPeriodEnd {
			return entitlementdomain.SubscriptionStatusCanceling
		}
		return entitlementdomain.SubscriptionStatusTrialing
	case "active":
		if cancelAtPeriodEnd {
			return entitlementdomain.SubscriptionStatusCanceling
		}
		return entitlementdomain.SubscriptionStatusActive
	case "past_due", "unpaid":
		return entitlementdomain.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return entitlementdomain.SubscriptionStatusCanceled
	default:
		return entitlementdomain.SubscriptionStatusPastDue
	}
}

func metadataAccountID(metadata map[string]string) snowflake.ID {
	raw := strings.TrimSpace(metadata["account_id"])
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return snowflake.ID(id)
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

// timestamp prefers the object's own creation time over the envelope's,
// and pins events missing both to the receiving instant.
func (a *Adapter) timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return a.clock.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
