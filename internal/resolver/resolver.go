// Package resolver decides which side of a concurrent edit wins.
// Resolution is a pure function of the two sides' timestamps and the
// configured strategy so the same input always yields the same decision.
package resolver

import (
	"time"

	"syncbridge/internal/sync/types"
)

// Strategy selects the conflict resolution rule for a mapping.
type Strategy string

const (
	// SourceWins always picks the document-store side.
	SourceWins Strategy = "source_wins"
	// TargetWins always picks the table-store side.
	TargetWins Strategy = "target_wins"
	// LastModifiedWins picks the side with the higher modification
	// timestamp. An exact tie resolves to the source side so the rule
	// stays total.
	LastModifiedWins Strategy = "last_modified_wins"
	// Manual parks the operation for an external decision.
	Manual Strategy = "manual"
)

// IsValid checks if the strategy is one of the known rules.
func (s Strategy) IsValid() bool {
	switch s {
	case SourceWins, TargetWins, LastModifiedWins, Manual:
		return true
	default:
		return false
	}
}

// Side holds one system's version of the contested record.
type Side struct {
	System     types.System
	ModifiedAt time.Time
	Payload    types.Record
}

// Input carries both sides of a detected overlap to Resolve.
// Source is always the document-store side, Target the table-store side,
// regardless of which side's event triggered resolution.
type Input struct {
	Strategy Strategy
	Source   Side
	Target   Side
}

// Decision is the outcome of conflict resolution. When Manual is true no
// winner is chosen and the operation must be parked.
type Decision struct {
	Strategy       Strategy
	Winner         types.System
	WinnerModTime  time.Time
	WinningPayload types.Record
	LosingPayload  types.Record
	Manual         bool
}

// Resolve applies the strategy to the two sides. The losing payload is
// retained in the decision for audit, never reapplied.
func Resolve(in Input) Decision {
	if in.Strategy == Manual {
		return Decision{Strategy: Manual, Manual: true}
	}

	winner, loser := in.Source, in.Target
	switch in.Strategy {
	case TargetWins:
		winner, loser = in.Target, in.Source
	case LastModifiedWins:
		if in.Target.ModifiedAt.After(in.Source.ModifiedAt) {
			winner, loser = in.Target, in.Source
		}
	}

	return Decision{
		Strategy:       in.Strategy,
		Winner:         winner.System,
		WinnerModTime:  winner.ModifiedAt,
		WinningPayload: winner.Payload,
		LosingPayload:  loser.Payload,
	}
}

// Note converts the decision into the audit record stored on an operation.
func (d Decision) Note() *types.ConflictNote {
	return &types.ConflictNote{
		Strategy:      string(d.Strategy),
		Winner:        d.Winner,
		WinnerModTime: d.WinnerModTime,
		LosingPayload: d.LosingPayload,
	}
}
