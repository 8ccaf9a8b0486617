package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/sync/types"
)

const validMappingsYAML = `
- name: employees
  source_entity: Employee
  target_entity: employees
  source_key: name
  target_key: id
  direction: bidirectional
  conflict_strategy: last_modified_wins
  source_modified_field: modified
  target_modified_field: updated_at
  fields:
    - source: personal_email
      target: email
      required: true
    - source: status
      target: is_active
      transform: enum_remap
      values:
        Active: "true"
        Left: "false"
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMappingsFromYAML(t *testing.T) {
	t.Parallel()

	mappings, err := LoadMappingsFromFile(writeTemp(t, "mappings.yml", validMappingsYAML))
	require.NoError(t, err)
	require.Len(t, mappings, 1)

	m := mappings[0]
	assert.Equal(t, "Employee", m.SourceEntity)
	assert.Equal(t, DirectionBidirectional, m.Direction)
	assert.Len(t, m.Fields, 2)
	assert.Equal(t, TransformEnumRemap, m.Fields[1].Transform)
}

func TestLoadMappingsFromJSON(t *testing.T) {
	t.Parallel()

	content := `[{
		"name": "departments",
		"source_entity": "Department",
		"target_entity": "departments",
		"source_key": "name",
		"target_key": "id",
		"direction": "doc_to_table",
		"fields": [{"source": "department_name", "target": "title"}]
	}]`

	mappings, err := LoadMappingsFromFile(writeTemp(t, "mappings.json", content))
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, DirectionDocToTable, mappings[0].Direction)
}

func TestLoadMappingsRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{
			"missing key fields",
			`[{"name":"x","source_entity":"A","target_entity":"b","direction":"bidirectional","fields":[{"source":"a","target":"b"}]}]`,
		},
		{
			"unknown transform",
			`[{"name":"x","source_entity":"A","target_entity":"b","source_key":"k","target_key":"k","direction":"bidirectional","fields":[{"source":"a","target":"b","transform":"rot13"}]}]`,
		},
		{
			"non invertible enum on bidirectional",
			`[{"name":"x","source_entity":"A","target_entity":"b","source_key":"k","target_key":"k","direction":"bidirectional","fields":[{"source":"a","target":"b","transform":"enum_remap","values":{"x":"same","y":"same"}}]}]`,
		},
		{
			"duplicate target field",
			`[{"name":"x","source_entity":"A","target_entity":"b","source_key":"k","target_key":"k","direction":"doc_to_table","fields":[{"source":"a","target":"b"},{"source":"c","target":"b"}]}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadMappingsFromFile(writeTemp(t, "bad.json", tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfig)
		})
	}
}

func TestLoadMappingsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadMappingsFromFile(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestSetForOrigin(t *testing.T) {
	t.Parallel()

	oneWay := &SyncMapping{
		Name: "departments", SourceEntity: "Department", TargetEntity: "departments",
		SourceKey: "name", TargetKey: "id", Direction: DirectionDocToTable,
		Fields: []FieldRule{{Source: "department_name", Target: "title"}},
	}
	both := &SyncMapping{
		Name: "employees", SourceEntity: "Employee", TargetEntity: "employees",
		SourceKey: "name", TargetKey: "id", Direction: DirectionBidirectional,
		Fields: []FieldRule{{Source: "personal_email", Target: "email"}},
	}

	set, err := NewSet([]*SyncMapping{oneWay, both})
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	m, ok := set.ForOrigin(types.SystemDoc, "Employee")
	require.True(t, ok)
	assert.Equal(t, "employees", m.Name)

	m, ok = set.ForOrigin(types.SystemTable, "employees")
	require.True(t, ok)
	assert.Equal(t, "employees", m.Name)

	// Direction excludes table-side events for a one-way mapping.
	_, ok = set.ForOrigin(types.SystemTable, "departments")
	assert.False(t, ok)

	// Unknown entity type has no mapping.
	_, ok = set.ForOrigin(types.SystemDoc, "Invoice")
	assert.False(t, ok)
}

func TestSetRejectsDuplicateEntities(t *testing.T) {
	t.Parallel()

	a := &SyncMapping{
		Name: "a", SourceEntity: "Employee", TargetEntity: "employees",
		SourceKey: "name", TargetKey: "id", Direction: DirectionDocToTable,
		Fields: []FieldRule{{Source: "x", Target: "y"}},
	}
	b := &SyncMapping{
		Name: "b", SourceEntity: "Employee", TargetEntity: "staff",
		SourceKey: "name", TargetKey: "id", Direction: DirectionDocToTable,
		Fields: []FieldRule{{Source: "x", Target: "y"}},
	}

	_, err := NewSet([]*SyncMapping{a, b})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestRegistryReloadKeepsPreviousOnError(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "mappings.yml", validMappingsYAML)
	reg, err := NewRegistry(path)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Snapshot().Len())

	// Corrupt the file; reload must fail and keep the old snapshot.
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	before := reg.Snapshot()
	err = reg.Reload()
	require.Error(t, err)
	assert.Same(t, before, reg.Snapshot())
}
