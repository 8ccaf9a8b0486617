package mapping

import (
	"context"

	"syncbridge/internal/sync/types"
)

// KeyLookup resolves a related entity's primary key from its display name.
// Implementations sit in front of the remote table store.
type KeyLookup interface {
	ResolveKeyByName(ctx context.Context, entityType, name string) (string, error)
}

// Mapper converts records between the two schemas per a SyncMapping. It is
// stateless apart from the injected lookup collaborator and safe for
// concurrent use.
type Mapper struct {
	lookup KeyLookup
}

// NewMapper creates a mapper. lookup may be nil when no mapping declares a
// lookup_by_name rule.
func NewMapper(lookup KeyLookup) *Mapper {
	return &Mapper{lookup: lookup}
}

// MapForward converts a doc-store record into the table-store schema.
// Rules apply in declaration order; source fields without a rule are
// dropped. A required rule with no source value and no default fails with
// a permanent MappingError.
func (m *Mapper) MapForward(ctx context.Context, mp *SyncMapping, record types.Record) (types.Record, error) {
	out := make(types.Record, len(mp.Fields))

	for i := range mp.Fields {
		rule := &mp.Fields[i]

		switch rule.kind() {
		case TransformNameSplit:
			v, ok, err := sourceValue(record, rule.Source, rule)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			first, last := splitName(coerceToString(v).Str, rule.Separator)
			out[rule.Parts[0]] = types.String(first)
			out[rule.Parts[1]] = types.String(last)

		case TransformNameJoin:
			first := stringField(record, rule.Parts[0])
			last := stringField(record, rule.Parts[1])
			if first == "" && last == "" {
				if err := requireOrDefault(rule, rule.Target, out); err != nil {
					return nil, err
				}
				continue
			}
			out[rule.Target] = types.String(joinName(first, last, rule.Separator))

		default:
			v, ok, err := sourceValue(record, rule.Source, rule)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			mapped, err := m.applyTransform(ctx, rule, v)
			if err != nil {
				return nil, err
			}
			out[rule.Target] = mapped
		}
	}
	return out, nil
}

// MapBackward converts a table-store record back into the doc-store schema.
func (m *Mapper) MapBackward(_ context.Context, mp *SyncMapping, record types.Record) (types.Record, error) {
	out := make(types.Record, len(mp.Fields))

	for i := range mp.Fields {
		rule := &mp.Fields[i]

		switch rule.kind() {
		case TransformNameSplit:
			// Reverse of a split is a join of the part fields.
			first := stringField(record, rule.Parts[0])
			last := stringField(record, rule.Parts[1])
			if first == "" && last == "" {
				if err := requireOrDefault(rule, rule.Source, out); err != nil {
					return nil, err
				}
				continue
			}
			out[rule.Source] = types.String(joinName(first, last, rule.Separator))

		case TransformNameJoin:
			v, ok, err := sourceValue(record, rule.Target, rule)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			first, last := splitName(coerceToString(v).Str, rule.Separator)
			out[rule.Parts[0]] = types.String(first)
			out[rule.Parts[1]] = types.String(last)

		default:
			v, ok, err := sourceValue(record, rule.Target, rule)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			mapped, err := m.reverseTransform(rule, v)
			if err != nil {
				return nil, err
			}
			out[rule.Source] = mapped
		}
	}
	return out, nil
}

// MapFrom maps a record from the given origin toward the other side.
func (m *Mapper) MapFrom(ctx context.Context, mp *SyncMapping, origin types.System, record types.Record) (types.Record, error) {
	if origin == types.SystemDoc {
		return m.MapForward(ctx, mp, record)
	}
	return m.MapBackward(ctx, mp, record)
}

// sourceValue fetches the value for a rule's input field, substituting the
// declared default when absent or null. ok is false when the rule should be
// skipped for this record.
func sourceValue(record types.Record, field string, rule *FieldRule) (types.Value, bool, error) {
	v, present := record[field]
	if present && !v.IsNull() {
		return v, true, nil
	}
	if rule.Default != nil {
		return types.FromNative(rule.Default), true, nil
	}
	if rule.Required {
		return types.Null(), false, &types.MappingError{
			Field:     field,
			Reason:    "required field has no value and no default",
			Permanent: true,
		}
	}
	return types.Null(), false, nil
}

// requireOrDefault handles a missing grouped-name input: fill the default,
// fail when required, otherwise skip.
func requireOrDefault(rule *FieldRule, outField string, out types.Record) error {
	if rule.Default != nil {
		out[outField] = types.FromNative(rule.Default)
		return nil
	}
	if rule.Required {
		return &types.MappingError{
			Field:     outField,
			Reason:    "required field has no value and no default",
			Permanent: true,
		}
	}
	return nil
}

func stringField(record types.Record, field string) string {
	v, ok := record[field]
	if !ok || v.IsNull() {
		return ""
	}
	return coerceToString(v).Str
}
