// Package types defines the canonical data model for the sync core.
// All components MUST use these types for event and operation processing.
package types

import (
	"time"
)

// System identifies one of the two synced record stores.
type System string

const (
	// SystemDoc is the ERP-style document store ("system A").
	SystemDoc System = "doc"
	// SystemTable is the relational table store ("system B").
	SystemTable System = "table"
)

// IsValid checks if the system is one of the two known sides.
func (s System) IsValid() bool {
	return s == SystemDoc || s == SystemTable
}

// Other returns the opposite side.
func (s System) Other() System {
	if s == SystemDoc {
		return SystemTable
	}
	return SystemDoc
}

// OpKind represents the type of change operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// IsValid checks if the operation kind is a known valid kind.
func (o OpKind) IsValid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// ChangeEvent is the normalized representation of one webhook delivery.
// It is created on webhook receipt, consumed once, and never mutated.
type ChangeEvent struct {
	ID         string    `json:"id"`
	Origin     System    `json:"origin"`
	EntityType string    `json:"entityType"`
	Key        string    `json:"key"`
	Op         OpKind    `json:"op"`
	Payload    Record    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
	// DeliveryID identifies the webhook delivery itself, for
	// literal-duplicate detection. Empty when the transport has none.
	DeliveryID string `json:"deliveryId,omitempty"`
}

// OpStatus is the lifecycle state of a SyncOperation.
type OpStatus string

const (
	StatusPending       OpStatus = "pending"
	StatusInProgress    OpStatus = "in_progress"
	StatusSucceeded     OpStatus = "succeeded"
	StatusFailed        OpStatus = "failed"
	StatusDead          OpStatus = "dead"
	StatusPendingManual OpStatus = "pending_manual"
	StatusCancelled     OpStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state. pending_manual is
// parked, not terminal: it exits via an explicit external resolution.
func (s OpStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDead, StatusCancelled:
		return true
	default:
		return false
	}
}

// ConflictNote is the audit record of a conflict decision attached to an
// operation. The losing payload is retained, never reapplied.
type ConflictNote struct {
	Strategy      string    `json:"strategy" bson:"strategy"`
	Winner        System    `json:"winner" bson:"winner"`
	WinnerModTime time.Time `json:"winnerModTime" bson:"winner_mod_time"`
	LosingPayload Record    `json:"losingPayload,omitempty" bson:"losing_payload,omitempty"`
}

// SyncOperation is the unit of work placed on the queue. It is created by
// the engine after mapping and mutated only by the queue.
type SyncOperation struct {
	ID           string `json:"id" bson:"_id"`
	EventID      string `json:"eventId" bson:"event_id"`
	Source       System `json:"source" bson:"source"`
	Target       System `json:"target" bson:"target"`
	SourceEntity string `json:"sourceEntity" bson:"source_entity"`
	TargetEntity string `json:"targetEntity" bson:"target_entity"`
	TargetKey    string `json:"targetKey" bson:"target_key"`
	Op           OpKind `json:"op" bson:"op"`

	// Payload is already mapped to the target schema. It is empty when
	// mapping itself failed; SourcePayload then allows a re-map on retry.
	Payload Record `json:"payload,omitempty" bson:"payload,omitempty"`

	// SourcePayload is the payload as received from the origin system.
	SourcePayload Record `json:"sourcePayload,omitempty" bson:"source_payload,omitempty"`

	Status    OpStatus      `json:"status" bson:"status"`
	Attempts  int           `json:"attempts" bson:"attempts"`
	LastError string        `json:"lastError,omitempty" bson:"last_error,omitempty"`
	Conflict  *ConflictNote `json:"conflict,omitempty" bson:"conflict,omitempty"`

	// Seq is assigned by the operation store and orders operations that
	// share an ordering key.
	Seq       int64     `json:"seq" bson:"seq"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// OrderingKey returns the key under which operations are strictly ordered.
// Operations with distinct ordering keys may run concurrently.
func (o *SyncOperation) OrderingKey() string {
	return string(o.Target) + "/" + o.TargetEntity + "/" + o.TargetKey
}
