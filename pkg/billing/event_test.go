package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/botfleet/pkg/fleet"
)

func TestParseEvent_Checkout(t *testing.T) {
	raw := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"customer": "cus_9",
			"subscription": "sub_9",
			"metadata": {"discordId": "123456789"}
		}}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "123456789", ev.TenantID)
	assert.Equal(t, "cus_9", ev.Refs.CustomerRef)
	assert.Equal(t, "sub_9", ev.Refs.SubscriptionRef)
	assert.Equal(t, "evt_1", ev.Refs.EventID)
	assert.Nil(t, ev.Refs.PeriodEnd)
	assert.Equal(t, raw, ev.Payload)

	status, ok := StatusFor(ev)
	require.True(t, ok)
	assert.Equal(t, fleet.StatusActive, status)
}

func TestParseEvent_Subscription(t *testing.T) {
	ev, err := ParseEvent([]byte(`{
		"id": "evt_2",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_7",
			"customer": "cus_7",
			"status": "past_due",
			"current_period_end": 1767225600,
			"metadata": {"tenantId": "team-a"}
		}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "team-a", ev.TenantID)
	assert.Equal(t, "sub_7", ev.Refs.SubscriptionRef)
	require.NotNil(t, ev.Refs.PeriodEnd)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *ev.Refs.PeriodEnd)

	status, ok := StatusFor(ev)
	require.True(t, ok)
	assert.Equal(t, fleet.StatusPastDue, status)
}

func TestParseEvent_Invalid(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     `{`,
		"missing id":   `{"type": "invoice.payment_failed"}`,
		"missing type": `{"id": "evt_1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(raw))
			assert.ErrorIs(t, err, fleet.ErrInvalidArgument)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		eventType string
		raw       string
		want      fleet.EntitlementStatus
		ok        bool
	}{
		{TypeCheckoutCompleted, "", fleet.StatusActive, true},
		{TypeSubscriptionCreated, "", fleet.StatusActive, true},
		{TypeSubscriptionCreated, "trialing", fleet.StatusActive, true},
		{TypeSubscriptionUpdated, "canceled", fleet.StatusCancelled, true},
		{TypeSubscriptionUpdated, "unpaid", fleet.StatusPastDue, true},
		{TypePaymentFailed, "", fleet.StatusPastDue, true},
		{TypeSubscriptionDeleted, "", fleet.StatusCancelled, true},
		{TypeEntitlementChanged, "active", fleet.StatusActive, true},
		{TypeEntitlementChanged, "", fleet.StatusNone, true},
		{"invoice.paid", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.eventType+"/"+tt.raw, func(t *testing.T) {
			got, ok := StatusFor(&Event{Type: tt.eventType, RawStatus: tt.raw})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
