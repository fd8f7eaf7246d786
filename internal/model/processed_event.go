package model

import "time"

// ProcessedEvent marks one provider webhook event as handled.  The row is
// inserted in the same database transaction as the ledger effect it
// produced, which turns the provider's at-least-once delivery into an
// exactly-once effect.  Presence of the row means "already processed".
//
// Fields:
//  EventID    – provider event id; primary key.
//  ReceivedAt – when the event was first processed.
type ProcessedEvent struct {
	EventID    string    // processed_events.event_id
	ReceivedAt time.Time // processed_events.received_at
}
