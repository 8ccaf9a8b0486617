package mapping

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"syncbridge/internal/sync/types"
)

// applyTransform converts one doc-side value into the table-side
// representation for the rule. Dispatch is exhaustive over the closed
// transform set; Validate guarantees kind is known.
func (m *Mapper) applyTransform(ctx context.Context, rule *FieldRule, v types.Value) (types.Value, error) {
	switch rule.kind() {
	case TransformIdentity:
		return v, nil
	case TransformCoerce:
		return coerceValue(rule.Source, v, rule.Coerce, rule.SourceLayout)
	case TransformDateFormat:
		return convertDate(rule.Source, v, rule.SourceLayout, rule.TargetLayout)
	case TransformEnumRemap:
		return remapEnum(rule.Source, v, rule.Values, rule.ValueDefault)
	case TransformLookupByName:
		return m.resolveKey(ctx, rule, v)
	default:
		return types.Null(), &types.MappingError{
			Field: rule.Source, Reason: fmt.Sprintf("transform %q has no forward form", rule.kind()), Permanent: true,
		}
	}
}

// reverseTransform converts one table-side value back into the doc-side
// representation. lookup_by_name is not reversible; the key passes through
// unchanged.
func (m *Mapper) reverseTransform(rule *FieldRule, v types.Value) (types.Value, error) {
	switch rule.kind() {
	case TransformIdentity, TransformLookupByName:
		return v, nil
	case TransformCoerce:
		if rule.SourceType == "" {
			return v, nil
		}
		return coerceValue(rule.Target, v, rule.SourceType, rule.TargetLayout)
	case TransformDateFormat:
		return convertDate(rule.Target, v, rule.TargetLayout, rule.SourceLayout)
	case TransformEnumRemap:
		return reverseEnum(rule.Target, v, rule.Values)
	default:
		return types.Null(), &types.MappingError{
			Field: rule.Target, Reason: fmt.Sprintf("transform %q has no reverse form", rule.kind()), Permanent: true,
		}
	}
}

func coerceValue(field string, v types.Value, to CoerceType, layout string) (types.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch to {
	case CoerceString:
		return coerceToString(v), nil
	case CoerceNumber:
		return coerceToNumber(field, v)
	case CoerceBoolean:
		return coerceToBoolean(field, v)
	case CoerceTimestamp:
		return coerceToTimestamp(field, v, layout)
	default:
		return types.Null(), &types.MappingError{Field: field, Reason: fmt.Sprintf("unknown coerce type %q", to), Permanent: true}
	}
}

func coerceToString(v types.Value) types.Value {
	switch v.Kind {
	case types.KindString:
		return v
	case types.KindNumber:
		return types.String(strconv.FormatFloat(v.Num, 'g', -1, 64))
	case types.KindBool:
		return types.String(strconv.FormatBool(v.Bool))
	case types.KindTime:
		return types.String(v.Time.UTC().Format(time.RFC3339Nano))
	default:
		return types.String("")
	}
}

func coerceToNumber(field string, v types.Value) (types.Value, error) {
	switch v.Kind {
	case types.KindNumber:
		return v, nil
	case types.KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return types.Null(), &types.MappingError{Field: field, Reason: fmt.Sprintf("cannot coerce %q to number", v.Str), Permanent: true}
		}
		return types.Number(f), nil
	case types.KindBool:
		if v.Bool {
			return types.Number(1), nil
		}
		return types.Number(0), nil
	default:
		return types.Null(), &types.MappingError{Field: field, Reason: "cannot coerce value to number", Permanent: true}
	}
}

func coerceToBoolean(field string, v types.Value) (types.Value, error) {
	switch v.Kind {
	case types.KindBool:
		return v, nil
	case types.KindNumber:
		return types.Boolean(v.Num != 0), nil
	case types.KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Str))
		if err != nil {
			return types.Null(), &types.MappingError{Field: field, Reason: fmt.Sprintf("cannot coerce %q to boolean", v.Str), Permanent: true}
		}
		return types.Boolean(b), nil
	default:
		return types.Null(), &types.MappingError{Field: field, Reason: "cannot coerce value to boolean", Permanent: true}
	}
}

func coerceToTimestamp(field string, v types.Value, layout string) (types.Value, error) {
	switch v.Kind {
	case types.KindTime:
		return v, nil
	case types.KindString:
		if layout == "" {
			layout = time.RFC3339
		}
		t, err := time.Parse(layout, v.Str)
		if err != nil {
			return types.Null(), &types.MappingError{Field: field, Reason: fmt.Sprintf("cannot parse %q as timestamp", v.Str), Permanent: true}
		}
		return types.Timestamp(t), nil
	case types.KindNumber:
		// Numeric timestamps are unix seconds.
		return types.Timestamp(time.Unix(int64(v.Num), 0)), nil
	default:
		return types.Null(), &types.MappingError{Field: field, Reason: "cannot coerce value to timestamp", Permanent: true}
	}
}

// convertDate converts between a timestamp representation (empty layout) and
// a formatted string (non-empty layout). Formatting to a coarser layout,
// date-only for example, is deliberately lossy.
func convertDate(field string, v types.Value, fromLayout, toLayout string) (types.Value, error) {
	if v.IsNull() {
		return v, nil
	}

	var t time.Time
	switch v.Kind {
	case types.KindTime:
		t = v.Time
	case types.KindString:
		layout := fromLayout
		if layout == "" {
			layout = time.RFC3339
		}
		parsed, err := time.Parse(layout, v.Str)
		if err != nil {
			return types.Null(), &types.MappingError{Field: field, Reason: fmt.Sprintf("cannot parse %q with layout %q", v.Str, layout), Permanent: true}
		}
		t = parsed
	default:
		return types.Null(), &types.MappingError{Field: field, Reason: "date_format requires a timestamp or string value", Permanent: true}
	}

	if toLayout == "" {
		return types.Timestamp(t), nil
	}
	return types.String(t.UTC().Format(toLayout)), nil
}

func remapEnum(field string, v types.Value, values map[string]string, fallback *string) (types.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	key := coerceToString(v).Str
	if mapped, ok := values[key]; ok {
		return types.String(mapped), nil
	}
	if fallback != nil {
		return types.String(*fallback), nil
	}
	return types.Null(), &types.MappingError{Field: field, Reason: fmt.Sprintf("enum value %q has no mapping and no default", key), Permanent: true}
}

func reverseEnum(field string, v types.Value, values map[string]string) (types.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	key := coerceToString(v).Str
	for src, dst := range values {
		if dst == key {
			return types.String(src), nil
		}
	}
	return types.Null(), &types.MappingError{Field: field, Reason: fmt.Sprintf("enum value %q has no reverse mapping", key), Permanent: true}
}

func (m *Mapper) resolveKey(ctx context.Context, rule *FieldRule, v types.Value) (types.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	name := coerceToString(v).Str

	key, err := m.lookup.ResolveKeyByName(ctx, rule.LookupEntity, name)
	if err == nil {
		return types.String(key), nil
	}
	if errors.Is(err, types.ErrNotFound) {
		if rule.LookupDefault != "" {
			return types.String(rule.LookupDefault), nil
		}
		return types.Null(), &types.LookupError{EntityType: rule.LookupEntity, Name: name, Err: err, Permanent: true}
	}
	// Transport or timeout failures are transient and worth a retry.
	return types.Null(), &types.LookupError{EntityType: rule.LookupEntity, Name: name, Err: err}
}

// splitName breaks a full name into a leading part and the remainder.
func splitName(full, sep string) (string, string) {
	if sep == "" {
		sep = " "
	}
	full = strings.TrimSpace(full)
	first, rest, found := strings.Cut(full, sep)
	if !found {
		return full, ""
	}
	return first, rest
}

// joinName combines two name parts, skipping empties.
func joinName(first, last, sep string) string {
	if sep == "" {
		sep = " "
	}
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + sep + last
	}
}
