package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJSONRoundTrip(t *testing.T) {
	t.Parallel()

	r := Record{
		"email":  String("a@x.com"),
		"age":    Number(42),
		"active": Boolean(true),
		"note":   Null(),
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))

	assert.True(t, back["email"].Equal(r["email"]))
	assert.True(t, back["age"].Equal(r["age"]))
	assert.True(t, back["active"].Equal(r["active"]))
	assert.True(t, back["note"].IsNull())
}

func TestFromNative(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   any
		want ValueKind
	}{
		{"nil", nil, KindNull},
		{"string", "x", KindString},
		{"float", 1.5, KindNumber},
		{"int", 7, KindNumber},
		{"int64", int64(7), KindNumber},
		{"bool", true, KindBool},
		{"time", time.Now(), KindTime},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromNative(tc.in).Kind)
		})
	}
}

func TestFromNativeNestedFlattensToJSON(t *testing.T) {
	t.Parallel()

	v := FromNative(map[string]any{"a": 1})
	assert.Equal(t, KindString, v.Kind)
	assert.JSONEq(t, `{"a":1}`, v.Str)
}

func TestRecordHashStable(t *testing.T) {
	t.Parallel()

	a := Record{"x": String("1"), "y": Number(2)}
	b := Record{"y": Number(2), "x": String("1")}
	c := Record{"x": String("1"), "y": Number(3)}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestValueEqualAcrossKinds(t *testing.T) {
	t.Parallel()

	assert.False(t, String("1").Equal(Number(1)))
	assert.True(t, Null().Equal(Null()))

	now := time.Now()
	assert.True(t, Timestamp(now).Equal(Timestamp(now.UTC())))
}

func TestOpStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusDead.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.False(t, StatusPendingManual.Terminal())
}

func TestDurationUnmarshal(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"750ms"`), &d))
	assert.Equal(t, 750*time.Millisecond, time.Duration(d))

	require.NoError(t, json.Unmarshal([]byte(`1000000`), &d))
	assert.Equal(t, time.Millisecond, time.Duration(d))

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}
