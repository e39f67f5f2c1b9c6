package fleet

import (
	"sort"
	"strings"
	"time"
)

// WorkerState is the lifecycle state persisted for a worker.
type WorkerState string

const (
	StateStopped WorkerState = "stopped"
	StateRunning WorkerState = "running"
	// StateUnknown is only written when a background reconcile could not
	// confirm the process. It counts as not running for quota purposes.
	StateUnknown WorkerState = "unknown"
)

// Valid reports whether s is one of the persisted states.
func (s WorkerState) Valid() bool {
	switch s {
	case StateStopped, StateRunning, StateUnknown:
		return true
	}
	return false
}

// Worker is one managed bot process owned by a tenant.
type Worker struct {
	ID            int64       `json:"id"`
	TenantID      string      `json:"tenant_id"`
	Name          string      `json:"name"`
	Credential    string      `json:"-"`
	DesiredState  WorkerState `json:"desired_state"`
	ObservedState WorkerState `json:"observed_state"`
	Handle        string      `json:"handle"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HasCredential reports whether a token has been set.
func (w *Worker) HasCredential() bool {
	return strings.TrimSpace(w.Credential) != ""
}

// EntitlementStatus is the billing status of a tenant.
type EntitlementStatus string

const (
	StatusNone      EntitlementStatus = "none"
	StatusActive    EntitlementStatus = "active"
	StatusPastDue   EntitlementStatus = "past_due"
	StatusCancelled EntitlementStatus = "cancelled"
)

// NormalizeStatus maps provider subscription statuses onto the four
// statuses the orchestrator enforces on.
func NormalizeStatus(raw string) EntitlementStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "trialing":
		return StatusActive
	case "past_due", "unpaid", "incomplete":
		return StatusPastDue
	case "cancelled", "canceled", "incomplete_expired", "paused":
		return StatusCancelled
	case "", "none":
		return StatusNone
	default:
		return StatusNone
	}
}

// Plan is the tier derived from an entitlement status.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPaid Plan = "paid"
)

// PlanFor returns the plan tier implied by status.
func PlanFor(status EntitlementStatus) Plan {
	if status == StatusActive {
		return PlanPaid
	}
	return PlanFree
}

// ExternalRefs are billing-provider identifiers kept with an entitlement.
type ExternalRefs struct {
	CustomerRef     string     `json:"customer_ref,omitempty"`
	SubscriptionRef string     `json:"subscription_ref,omitempty"`
	EventID         string     `json:"event_id,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
}

// Entitlement is one row of a tenant's entitlement history.
type Entitlement struct {
	ID       int64             `json:"id"`
	TenantID string            `json:"tenant_id"`
	Plan     Plan              `json:"plan"`
	Status   EntitlementStatus `json:"status"`
	Quota    int               `json:"quota"`
	ExternalRefs
	CreatedAt time.Time `json:"created_at"`
}

// Default feature toggles enabled for every new worker.
var DefaultFeatures = []string{
	"moderation",
	"utilitaire",
	"antiraid",
	"logs",
	"backup",
	"gestion",
	"botcontrol",
}

// Settings is the per-worker configuration blob.
type Settings struct {
	WorkerID  int64           `json:"worker_id"`
	Prefix    *string         `json:"prefix"`
	Features  map[string]bool `json:"features"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DefaultSettings returns the settings applied when none are stored.
func DefaultSettings(workerID int64) *Settings {
	features := make(map[string]bool, len(DefaultFeatures))
	for _, f := range DefaultFeatures {
		features[f] = true
	}
	return &Settings{WorkerID: workerID, Features: features}
}

// EnabledFeatures returns the enabled toggles in sorted order.
func (s *Settings) EnabledFeatures() []string {
	var out []string
	for name, on := range s.Features {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SettingsPatch is a partial settings update. Nil fields are left as stored.
type SettingsPatch struct {
	Prefix   *string         `json:"prefix,omitempty"`
	Features map[string]bool `json:"features,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p.Prefix == nil && len(p.Features) == 0
}
