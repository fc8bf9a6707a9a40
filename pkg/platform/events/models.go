// Package events carries operational events out of the resolution pipeline:
// every decision, entity creation, merge, and flagged duplicate is emitted so
// downstream reporting can follow the entity graph without polling the store.
package events

import (
	"context"
	"time"
)

// Type names an operational event.
type Type string

const (
	TypeDecisionMade      Type = "decision_made"
	TypeEntityCreated     Type = "entity_created"
	TypeEntityMerged      Type = "entity_merged"
	TypeDuplicateFlagged  Type = "duplicate_flagged"
	TypeAuditRunCompleted Type = "audit_run_completed"
)

// Event is emitted from domain logic. Keep it transport-agnostic so stores
// and sinks can fan out.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// EntityID is the canonical entity the event concerns, when there is one.
	EntityID string `json:"entity_id,omitempty"`
	// RelatedID carries the second party: merge source, flagged duplicate.
	RelatedID    string `json:"related_id,omitempty"`
	Decision     string `json:"decision,omitempty"`
	Reason       string `json:"reason,omitempty"`
	SourceSystem string `json:"source_system,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// Store persists emitted events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
