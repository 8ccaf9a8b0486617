// Package mapping implements the declarative field mapping layer: loading
// and validating sync mappings, transforming records between the two
// schemas, and filtering events with CEL expressions.
//
// Mappings are declared, never discovered: any ambiguity is a configuration
// error surfaced at load time, not a runtime heuristic.
package mapping

import (
	"fmt"

	"syncbridge/internal/resolver"
	"syncbridge/internal/sync/types"
)

// Direction declares which way records flow for a mapping.
type Direction string

const (
	DirectionDocToTable    Direction = "doc_to_table"
	DirectionTableToDoc    Direction = "table_to_doc"
	DirectionBidirectional Direction = "bidirectional"
)

// IsValid checks if the direction is a known value.
func (d Direction) IsValid() bool {
	switch d {
	case DirectionDocToTable, DirectionTableToDoc, DirectionBidirectional:
		return true
	default:
		return false
	}
}

// AcceptsFrom reports whether events originating at the given system flow
// through a mapping with this direction.
func (d Direction) AcceptsFrom(origin types.System) bool {
	switch d {
	case DirectionDocToTable:
		return origin == types.SystemDoc
	case DirectionTableToDoc:
		return origin == types.SystemTable
	case DirectionBidirectional:
		return true
	default:
		return false
	}
}

// TransformKind selects the per-field conversion rule.
type TransformKind string

const (
	// TransformIdentity copies the value unchanged. The zero value of a
	// rule's transform field means identity.
	TransformIdentity TransformKind = "identity"
	// TransformCoerce converts the value to a declared type.
	TransformCoerce TransformKind = "coerce"
	// TransformDateFormat converts between timestamp and formatted string
	// representations using Go reference layouts.
	TransformDateFormat TransformKind = "date_format"
	// TransformNameSplit splits a single full-name field on the doc side
	// into a pair of fields on the table side.
	TransformNameSplit TransformKind = "name_split"
	// TransformNameJoin joins a pair of fields on the doc side into a
	// single field on the table side.
	TransformNameJoin TransformKind = "name_join"
	// TransformEnumRemap maps enumerated values through a declared table.
	TransformEnumRemap TransformKind = "enum_remap"
	// TransformLookupByName resolves a related entity's key from its
	// display name through the injected lookup collaborator.
	TransformLookupByName TransformKind = "lookup_by_name"
)

// IsValid checks if the transform kind is a known built-in.
func (t TransformKind) IsValid() bool {
	switch t {
	case TransformIdentity, TransformCoerce, TransformDateFormat,
		TransformNameSplit, TransformNameJoin, TransformEnumRemap,
		TransformLookupByName:
		return true
	default:
		return false
	}
}

// CoerceType names the target type of a coerce transform.
type CoerceType string

const (
	CoerceString    CoerceType = "string"
	CoerceNumber    CoerceType = "number"
	CoerceBoolean   CoerceType = "boolean"
	CoerceTimestamp CoerceType = "timestamp"
)

// IsValid checks if the coerce type is a known value.
func (c CoerceType) IsValid() bool {
	switch c {
	case CoerceString, CoerceNumber, CoerceBoolean, CoerceTimestamp:
		return true
	default:
		return false
	}
}

// FieldRule maps one doc-side field (or field group) to one table-side
// field (or field group). Rules apply in declaration order; source fields
// without a rule are dropped.
type FieldRule struct {
	// Source is the doc-side field name. For name_join it is unused and
	// Parts holds the doc-side fields instead.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Target is the table-side field name. For name_split it is unused
	// and Parts holds the table-side fields instead.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	Transform TransformKind `json:"transform,omitempty" yaml:"transform,omitempty"`

	// Required rejects the event when no source value and no default is
	// available for this rule.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`
	// Default is substituted when the source value is absent or null.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`

	// Coerce names the target type for the coerce transform. SourceType,
	// when set, restores the original type on the reverse direction.
	Coerce     CoerceType `json:"coerce,omitempty" yaml:"coerce,omitempty"`
	SourceType CoerceType `json:"source_type,omitempty" yaml:"source_type,omitempty"`

	// Layouts for date_format, as Go reference layouts. SourceLayout
	// empty means the doc side carries a timestamp value; TargetLayout
	// empty means the table side does.
	SourceLayout string `json:"source_layout,omitempty" yaml:"source_layout,omitempty"`
	TargetLayout string `json:"target_layout,omitempty" yaml:"target_layout,omitempty"`

	// Parts are the grouped fields for name_split (table side) and
	// name_join (doc side). Exactly two entries.
	Parts []string `json:"parts,omitempty" yaml:"parts,omitempty"`
	// Separator joins and splits name parts. Defaults to a single space.
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`

	// Values is the enum remap table, doc-side value to table-side value.
	// ValueDefault substitutes for values missing from the table; without
	// it an unmapped value is a permanent mapping error.
	Values       map[string]string `json:"values,omitempty" yaml:"values,omitempty"`
	ValueDefault *string           `json:"value_default,omitempty" yaml:"value_default,omitempty"`

	// LookupEntity is the related entity type for lookup_by_name.
	// LookupDefault is the key used when the name cannot be resolved.
	LookupEntity  string `json:"lookup_entity,omitempty" yaml:"lookup_entity,omitempty"`
	LookupDefault string `json:"lookup_default,omitempty" yaml:"lookup_default,omitempty"`
}

// kind returns the effective transform, treating empty as identity.
func (r *FieldRule) kind() TransformKind {
	if r.Transform == "" {
		return TransformIdentity
	}
	return r.Transform
}

// SyncMapping is the static configuration for one entity pair. Immutable at
// runtime; reloads swap a whole new mapping set.
type SyncMapping struct {
	Name string `json:"name" yaml:"name"`

	// SourceEntity is the entity type in the document store, TargetEntity
	// its counterpart in the table store.
	SourceEntity string `json:"source_entity" yaml:"source_entity"`
	TargetEntity string `json:"target_entity" yaml:"target_entity"`

	// SourceKey and TargetKey name the primary-key field on each side.
	SourceKey string `json:"source_key" yaml:"source_key"`
	TargetKey string `json:"target_key" yaml:"target_key"`

	Direction Direction         `json:"direction" yaml:"direction"`
	Strategy  resolver.Strategy `json:"conflict_strategy" yaml:"conflict_strategy"`

	// Modified-time field names per side, used for overlap detection.
	SourceModifiedField string `json:"source_modified_field,omitempty" yaml:"source_modified_field,omitempty"`
	TargetModifiedField string `json:"target_modified_field,omitempty" yaml:"target_modified_field,omitempty"`

	// Filter is an optional CEL expression over the incoming event.
	// Events it rejects are acknowledged and ignored.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`

	Fields []FieldRule `json:"fields" yaml:"fields"`
}

// Validate checks the mapping for configuration errors. All failures wrap
// types.ErrConfig so a reload can be rejected wholesale.
func (m *SyncMapping) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: mapping name is required", types.ErrConfig)
	}
	if m.SourceEntity == "" || m.TargetEntity == "" {
		return fmt.Errorf("%w: mapping %q: source_entity and target_entity are required", types.ErrConfig, m.Name)
	}
	if m.SourceKey == "" || m.TargetKey == "" {
		return fmt.Errorf("%w: mapping %q: source_key and target_key are required", types.ErrConfig, m.Name)
	}
	if !m.Direction.IsValid() {
		return fmt.Errorf("%w: mapping %q: invalid direction %q", types.ErrConfig, m.Name, m.Direction)
	}
	if m.Strategy == "" {
		m.Strategy = resolver.LastModifiedWins
	}
	if !m.Strategy.IsValid() {
		return fmt.Errorf("%w: mapping %q: invalid conflict_strategy %q", types.ErrConfig, m.Name, m.Strategy)
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("%w: mapping %q: at least one field rule is required", types.ErrConfig, m.Name)
	}

	targets := make(map[string]bool)
	for i := range m.Fields {
		rule := &m.Fields[i]
		if err := m.validateRule(rule); err != nil {
			return err
		}
		for _, tf := range ruleTargetFields(rule) {
			if targets[tf] {
				return fmt.Errorf("%w: mapping %q: duplicate target field %q", types.ErrConfig, m.Name, tf)
			}
			targets[tf] = true
		}
	}
	return nil
}

func (m *SyncMapping) validateRule(r *FieldRule) error {
	kind := r.kind()
	if !kind.IsValid() {
		return fmt.Errorf("%w: mapping %q: unknown transform %q", types.ErrConfig, m.Name, r.Transform)
	}

	switch kind {
	case TransformNameSplit:
		if r.Source == "" {
			return fmt.Errorf("%w: mapping %q: name_split requires source", types.ErrConfig, m.Name)
		}
		if len(r.Parts) != 2 {
			return fmt.Errorf("%w: mapping %q: name_split requires exactly two parts", types.ErrConfig, m.Name)
		}
	case TransformNameJoin:
		if r.Target == "" {
			return fmt.Errorf("%w: mapping %q: name_join requires target", types.ErrConfig, m.Name)
		}
		if len(r.Parts) != 2 {
			return fmt.Errorf("%w: mapping %q: name_join requires exactly two parts", types.ErrConfig, m.Name)
		}
	default:
		if r.Source == "" || r.Target == "" {
			return fmt.Errorf("%w: mapping %q: field rule requires source and target", types.ErrConfig, m.Name)
		}
	}

	switch kind {
	case TransformCoerce:
		if !r.Coerce.IsValid() {
			return fmt.Errorf("%w: mapping %q: field %q: invalid coerce type %q", types.ErrConfig, m.Name, r.Source, r.Coerce)
		}
		if r.SourceType != "" && !r.SourceType.IsValid() {
			return fmt.Errorf("%w: mapping %q: field %q: invalid source_type %q", types.ErrConfig, m.Name, r.Source, r.SourceType)
		}
	case TransformEnumRemap:
		if len(r.Values) == 0 {
			return fmt.Errorf("%w: mapping %q: field %q: enum_remap requires a values table", types.ErrConfig, m.Name, r.Source)
		}
		if m.Direction == DirectionBidirectional {
			seen := make(map[string]string, len(r.Values))
			for src, dst := range r.Values {
				if prev, dup := seen[dst]; dup {
					return fmt.Errorf("%w: mapping %q: field %q: enum values %q and %q both map to %q, table must be invertible for a bidirectional mapping",
						types.ErrConfig, m.Name, r.Source, prev, src, dst)
				}
				seen[dst] = src
			}
		}
	case TransformLookupByName:
		if r.LookupEntity == "" {
			return fmt.Errorf("%w: mapping %q: field %q: lookup_by_name requires lookup_entity", types.ErrConfig, m.Name, r.Source)
		}
	case TransformDateFormat:
		if r.SourceLayout == "" && r.TargetLayout == "" {
			return fmt.Errorf("%w: mapping %q: field %q: date_format requires source_layout or target_layout", types.ErrConfig, m.Name, r.Source)
		}
	}
	return nil
}

// ruleTargetFields lists the table-side fields a rule writes, for duplicate
// detection.
func ruleTargetFields(r *FieldRule) []string {
	if r.kind() == TransformNameSplit {
		return r.Parts
	}
	return []string{r.Target}
}

// EntityFor returns the entity type as named by the given system.
func (m *SyncMapping) EntityFor(s types.System) string {
	if s == types.SystemDoc {
		return m.SourceEntity
	}
	return m.TargetEntity
}

// KeyFieldFor returns the primary-key field name on the given side.
func (m *SyncMapping) KeyFieldFor(s types.System) string {
	if s == types.SystemDoc {
		return m.SourceKey
	}
	return m.TargetKey
}

// ModifiedFieldFor returns the modified-time field name on the given side,
// or empty when the side declares none.
func (m *SyncMapping) ModifiedFieldFor(s types.System) string {
	if s == types.SystemDoc {
		return m.SourceModifiedField
	}
	return m.TargetModifiedField
}

// Bidirectional reports whether changes flow both ways, which is the
// precondition for conflict resolution.
func (m *SyncMapping) Bidirectional() bool {
	return m.Direction == DirectionBidirectional
}
