// Package billing turns billing-provider events into entitlement updates
// and applies them to a tenant's workers.
package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jrepp/botfleet/pkg/fleet"
)

// Provider event types understood by the handler.
const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypeSubscriptionCreated = "customer.subscription.created"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
	TypePaymentFailed       = "invoice.payment_failed"
	// TypeEntitlementChanged is a provider-neutral event carrying the status
	// directly.
	TypeEntitlementChanged = "entitlement.changed"
)

// Event is one billing notification for a tenant.
type Event struct {
	ID       string
	Type     string
	TenantID string
	// RawStatus is the provider's own status string, if any.
	RawStatus string
	Refs      fleet.ExternalRefs
	Payload   []byte
}

type envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TenantID string `json:"tenant_id"`
	Data     struct {
		Object struct {
			ID               string            `json:"id"`
			Object           string            `json:"object"`
			Customer         string            `json:"customer"`
			Subscription     string            `json:"subscription"`
			Status           string            `json:"status"`
			CurrentPeriodEnd int64             `json:"current_period_end"`
			Metadata         map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a provider envelope. The tenant comes from
// metadata.discordId, metadata.tenantId or a top-level tenant_id.
func ParseEvent(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fleet.InvalidArgument("event", "malformed JSON").WithCause(err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return nil, fleet.InvalidArgument("event.id", "must not be empty")
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fleet.InvalidArgument("event.type", "must not be empty")
	}

	obj := env.Data.Object
	ev := &Event{
		ID:        env.ID,
		Type:      env.Type,
		TenantID:  firstNonEmpty(obj.Metadata["discordId"], obj.Metadata["tenantId"], env.TenantID),
		RawStatus: obj.Status,
		Payload:   raw,
		Refs: fleet.ExternalRefs{
			CustomerRef:     obj.Customer,
			SubscriptionRef: obj.Subscription,
			EventID:         env.ID,
		},
	}
	if ev.Refs.SubscriptionRef == "" && strings.HasPrefix(env.Type, "customer.subscription.") {
		ev.Refs.SubscriptionRef = obj.ID
	}
	if obj.CurrentPeriodEnd > 0 {
		end := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		ev.Refs.PeriodEnd = &end
	}
	return ev, nil
}

// StatusFor maps an event onto the entitlement status it implies. ok is
// false for event types that carry no entitlement change.
func StatusFor(ev *Event) (status fleet.EntitlementStatus, ok bool) {
	switch ev.Type {
	case TypeCheckoutCompleted:
		return fleet.StatusActive, true
	case TypeSubscriptionCreated, TypeSubscriptionUpdated:
		if ev.RawStatus == "" {
			return fleet.StatusActive, true
		}
		return fleet.NormalizeStatus(ev.RawStatus), true
	case TypePaymentFailed:
		return fleet.StatusPastDue, true
	case TypeSubscriptionDeleted:
		return fleet.StatusCancelled, true
	case TypeEntitlementChanged:
		return fleet.NormalizeStatus(ev.RawStatus), true
	default:
		return "", false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
