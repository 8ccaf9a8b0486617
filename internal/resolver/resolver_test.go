package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"syncbridge/internal/sync/types"
)

func sides(srcTS, tgtTS time.Time) (Side, Side) {
	src := Side{
		System:     types.SystemDoc,
		ModifiedAt: srcTS,
		Payload:    types.Record{"email": types.String("doc@x.com")},
	}
	tgt := Side{
		System:     types.SystemTable,
		ModifiedAt: tgtTS,
		Payload:    types.Record{"email": types.String("table@x.com")},
	}
	return src, tgt
}

func TestResolveStrategies(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Second)

	tests := []struct {
		name       string
		strategy   Strategy
		sourceTS   time.Time
		targetTS   time.Time
		wantWinner types.System
	}{
		{"source wins regardless of timestamps", SourceWins, t1, t2, types.SystemDoc},
		{"target wins regardless of timestamps", TargetWins, t2, t1, types.SystemTable},
		{"last modified picks newer target", LastModifiedWins, t1, t2, types.SystemTable},
		{"last modified picks newer source", LastModifiedWins, t2, t1, types.SystemDoc},
		{"exact tie resolves to source", LastModifiedWins, t1, t1, types.SystemDoc},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src, tgt := sides(tt.sourceTS, tt.targetTS)
			d := Resolve(Input{Strategy: tt.strategy, Source: src, Target: tgt})

			assert.False(t, d.Manual)
			assert.Equal(t, tt.wantWinner, d.Winner)
			if tt.wantWinner == types.SystemDoc {
				assert.Equal(t, src.Payload, d.WinningPayload)
				assert.Equal(t, tgt.Payload, d.LosingPayload)
				assert.Equal(t, tt.sourceTS, d.WinnerModTime)
			} else {
				assert.Equal(t, tgt.Payload, d.WinningPayload)
				assert.Equal(t, src.Payload, d.LosingPayload)
				assert.Equal(t, tt.targetTS, d.WinnerModTime)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()

	t1 := time.Now().UTC()
	src, tgt := sides(t1, t1.Add(time.Millisecond))
	in := Input{Strategy: LastModifiedWins, Source: src, Target: tgt}

	first := Resolve(in)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Resolve(in))
	}
}

func TestResolveManual(t *testing.T) {
	t.Parallel()

	src, tgt := sides(time.Now(), time.Now())
	d := Resolve(Input{Strategy: Manual, Source: src, Target: tgt})

	assert.True(t, d.Manual)
	assert.Empty(t, d.Winner)
	assert.Nil(t, d.WinningPayload)
}

func TestDecisionNote(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src, tgt := sides(t1.Add(time.Hour), t1)
	d := Resolve(Input{Strategy: LastModifiedWins, Source: src, Target: tgt})

	note := d.Note()
	assert.Equal(t, string(LastModifiedWins), note.Strategy)
	assert.Equal(t, types.SystemDoc, note.Winner)
	assert.Equal(t, tgt.Payload, note.LosingPayload)
}

func TestStrategyIsValid(t *testing.T) {
	t.Parallel()

	for _, s := range []Strategy{SourceWins, TargetWins, LastModifiedWins, Manual} {
		assert.True(t, s.IsValid())
	}
	assert.False(t, Strategy("newest_wins").IsValid())
	assert.False(t, Strategy("").IsValid())
}
