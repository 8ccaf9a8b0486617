package types

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"
)

// ValueKind discriminates the payload value variant.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindTime
)

// Value is a tagged variant for a single payload field. Keeping the variant
// closed keeps transform dispatch exhaustive.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
}

func Null() Value                { return Value{Kind: KindNull} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value     { return Value{Kind: KindNumber, Num: n} }
func Boolean(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func Timestamp(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Native converts the value to its plain Go representation for JSON, BSON
// and CEL boundaries. Timestamps become RFC 3339 strings.
func (v Value) Native() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindTime:
		return v.Time.UTC().Format(time.RFC3339Nano)
	default:
		return nil
	}
}

// FromNative converts a decoded JSON/BSON value into a tagged Value.
// Unknown shapes (arrays, nested objects) are flattened to their JSON text;
// the mapper only ever passes through declared fields.
func FromNative(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Boolean(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case time.Time:
		return Timestamp(t)
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return String(fmt.Sprintf("%v", raw))
		}
		return String(string(b))
	}
}

// Equal compares two values. Numbers compare numerically, times by instant.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindTime:
		return v.Time.Equal(o.Time)
	default:
		return true
	}
}

// Record is a payload: field name to tagged value.
type Record map[string]Value

// Native converts the record to a plain map for JSON/BSON/CEL boundaries.
func (r Record) Native() map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Native()
	}
	return out
}

// RecordFromNative converts a decoded map into a Record.
func RecordFromNative(raw map[string]any) Record {
	if raw == nil {
		return nil
	}
	out := make(Record, len(raw))
	for k, v := range raw {
		out[k] = FromNative(v)
	}
	return out
}

// Clone returns a copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// MarshalJSON emits the record as a plain JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Native())
}

// UnmarshalJSON decodes a plain JSON object into tagged values.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = RecordFromNative(raw)
	return nil
}

// Hash returns a stable FNV-64a hash over the record's sorted fields,
// used for content-based suppression fingerprints.
func (r Record) Hash() uint64 {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		v := r[k]
		switch v.Kind {
		case KindString:
			h.Write([]byte(v.Str))
		case KindNumber:
			h.Write([]byte(strconv.FormatFloat(v.Num, 'g', -1, 64)))
		case KindBool:
			h.Write([]byte(strconv.FormatBool(v.Bool)))
		case KindTime:
			h.Write([]byte(v.Time.UTC().Format(time.RFC3339Nano)))
		}
		h.Write([]byte{0})
	}
	return h.Sum64()
}
