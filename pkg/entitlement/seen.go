package entitlement

import (
	"context"
	"time"

	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/storage"
)

// SeenEvents is the deduplication set for billing event ids.
type SeenEvents interface {
	// MarkSeen records eventID and reports whether this call was the first
	// to see it.
	MarkSeen(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)

	// Forget removes eventID so a redelivery is processed again.
	Forget(ctx context.Context, eventID string) error
}

// SQLiteSeenEvents stores processed event ids in the seen_events table.
type SQLiteSeenEvents struct {
	db  *storage.DB
	now func() time.Time
}

// NewSQLiteSeenEvents creates a seen-event set over db.
func NewSQLiteSeenEvents(db *storage.DB) *SQLiteSeenEvents {
	return &SQLiteSeenEvents{db: db, now: time.Now}
}

// MarkSeen implements SeenEvents.
func (s *SQLiteSeenEvents) MarkSeen(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	if eventID == "" {
		return false, fleet.InvalidArgument("event_id", "must not be empty")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_events (event_id, event_type, payload, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, eventID, eventType, nullString(string(payload)), storage.Millis(s.now()))
	if err != nil {
		return false, fleet.StoreError("mark_event_seen", err).WithContext("event_id", eventID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fleet.StoreError("mark_event_seen", err).WithContext("event_id", eventID)
	}
	return n == 1, nil
}

// Forget implements SeenEvents.
func (s *SQLiteSeenEvents) Forget(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM seen_events WHERE event_id = ?`, eventID); err != nil {
		return fleet.StoreError("forget_event", err).WithContext("event_id", eventID)
	}
	return nil
}

var _ SeenEvents = (*SQLiteSeenEvents)(nil)
