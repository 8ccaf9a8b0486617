package mapping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/resolver"
	"syncbridge/internal/sync/types"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) ResolveKeyByName(ctx context.Context, entityType, name string) (string, error) {
	args := m.Called(ctx, entityType, name)
	return args.String(0), args.Error(1)
}

func employeeMapping() *SyncMapping {
	return &SyncMapping{
		Name:         "employees",
		SourceEntity: "Employee",
		TargetEntity: "employees",
		SourceKey:    "name",
		TargetKey:    "id",
		Direction:    DirectionBidirectional,
		Strategy:     resolver.LastModifiedWins,
		Fields: []FieldRule{
			{Source: "employee_name", Transform: TransformNameSplit, Parts: []string{"first_name", "last_name"}},
			{Source: "personal_email", Target: "email", Required: true},
			{Source: "status", Target: "is_active", Transform: TransformEnumRemap,
				Values: map[string]string{"Active": "true", "Left": "false"}},
			{Source: "date_of_joining", Target: "hired_on", Transform: TransformDateFormat,
				TargetLayout: "2006-01-02"},
			{Source: "department", Target: "department_id", Transform: TransformLookupByName,
				LookupEntity: "departments"},
		},
	}
}

func TestMapForward(t *testing.T) {
	t.Parallel()

	lookup := &mockLookup{}
	lookup.On("ResolveKeyByName", mock.Anything, "departments", "Engineering").Return("dep-42", nil)
	m := NewMapper(lookup)

	rec := types.Record{
		"employee_name":   types.String("Ada Lovelace"),
		"personal_email":  types.String("ada@x.com"),
		"status":          types.String("Active"),
		"date_of_joining": types.Timestamp(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)),
		"department":      types.String("Engineering"),
		"internal_note":   types.String("dropped, no rule"),
	}

	out, err := m.MapForward(context.Background(), employeeMapping(), rec)
	require.NoError(t, err)

	assert.Equal(t, types.String("Ada"), out["first_name"])
	assert.Equal(t, types.String("Lovelace"), out["last_name"])
	assert.Equal(t, types.String("ada@x.com"), out["email"])
	assert.Equal(t, types.String("true"), out["is_active"])
	assert.Equal(t, types.String("2024-03-01"), out["hired_on"])
	assert.Equal(t, types.String("dep-42"), out["department_id"])

	// Unmapped source fields are dropped.
	_, leaked := out["internal_note"]
	assert.False(t, leaked)

	lookup.AssertExpectations(t)
}

func TestMapForwardMissingRequired(t *testing.T) {
	t.Parallel()

	m := NewMapper(nil)
	mp := &SyncMapping{
		Name:         "m",
		SourceEntity: "Employee",
		TargetEntity: "employees",
		SourceKey:    "name",
		TargetKey:    "id",
		Direction:    DirectionDocToTable,
		Fields: []FieldRule{
			{Source: "personal_email", Target: "email", Required: true},
		},
	}
	require.NoError(t, mp.Validate())

	_, err := m.MapForward(context.Background(), mp, types.Record{})
	require.Error(t, err)

	var me *types.MappingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "personal_email", me.Field)
	assert.True(t, me.Permanent)
	assert.True(t, types.IsPermanent(err))
}

func TestMapForwardDefaultSubstitution(t *testing.T) {
	t.Parallel()

	m := NewMapper(nil)
	mp := &SyncMapping{
		Name:         "m",
		SourceEntity: "Employee",
		TargetEntity: "employees",
		SourceKey:    "name",
		TargetKey:    "id",
		Direction:    DirectionDocToTable,
		Fields: []FieldRule{
			{Source: "country", Target: "country", Required: true, Default: "NL"},
		},
	}

	out, err := m.MapForward(context.Background(), mp, types.Record{})
	require.NoError(t, err)
	assert.Equal(t, types.String("NL"), out["country"])
}

func TestMapForwardLookupNotFound(t *testing.T) {
	t.Parallel()

	lookup := &mockLookup{}
	lookup.On("ResolveKeyByName", mock.Anything, "departments", "Ghosts").
		Return("", types.ErrNotFound)
	m := NewMapper(lookup)

	mp := employeeMapping()
	rec := types.Record{
		"personal_email": types.String("x@x.com"),
		"department":     types.String("Ghosts"),
	}

	_, err := m.MapForward(context.Background(), mp, rec)
	require.Error(t, err)

	var le *types.LookupError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.Permanent)
}

func TestMapForwardLookupDefaultKey(t *testing.T) {
	t.Parallel()

	lookup := &mockLookup{}
	lookup.On("ResolveKeyByName", mock.Anything, "departments", "Ghosts").
		Return("", types.ErrNotFound)
	m := NewMapper(lookup)

	mp := employeeMapping()
	mp.Fields[4].LookupDefault = "dep-default"
	rec := types.Record{
		"personal_email": types.String("x@x.com"),
		"department":     types.String("Ghosts"),
	}

	out, err := m.MapForward(context.Background(), mp, rec)
	require.NoError(t, err)
	assert.Equal(t, types.String("dep-default"), out["department_id"])
}

func TestMapBackward(t *testing.T) {
	t.Parallel()

	m := NewMapper(nil)
	rec := types.Record{
		"first_name": types.String("Ada"),
		"last_name":  types.String("Lovelace"),
		"email":      types.String("ada@x.com"),
		"is_active":  types.String("false"),
		"hired_on":   types.String("2024-03-01"),
	}

	out, err := m.MapBackward(context.Background(), employeeMapping(), rec)
	require.NoError(t, err)

	assert.Equal(t, types.String("Ada Lovelace"), out["employee_name"])
	assert.Equal(t, types.String("ada@x.com"), out["personal_email"])
	assert.Equal(t, types.String("Left"), out["status"])
	assert.Equal(t, types.Timestamp(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), out["date_of_joining"])
}

// Round trip over a mapping with no lossy transforms restores every mapped
// field exactly.
func TestMapRoundTripLossless(t *testing.T) {
	t.Parallel()

	mp := &SyncMapping{
		Name:         "rt",
		SourceEntity: "Employee",
		TargetEntity: "employees",
		SourceKey:    "name",
		TargetKey:    "id",
		Direction:    DirectionBidirectional,
		Fields: []FieldRule{
			{Source: "employee_name", Transform: TransformNameSplit, Parts: []string{"first_name", "last_name"}},
			{Source: "personal_email", Target: "email"},
			{Source: "status", Target: "employment_status", Transform: TransformEnumRemap,
				Values: map[string]string{"Active": "active", "Left": "terminated"}},
			{Source: "vacation_days", Target: "vacation_days"},
		},
	}
	require.NoError(t, mp.Validate())

	m := NewMapper(nil)
	rec := types.Record{
		"employee_name":  types.String("Grace Brewster Hopper"),
		"personal_email": types.String("grace@x.com"),
		"status":         types.String("Active"),
		"vacation_days":  types.Number(25),
	}

	forward, err := m.MapForward(context.Background(), mp, rec)
	require.NoError(t, err)
	back, err := m.MapBackward(context.Background(), mp, forward)
	require.NoError(t, err)

	assert.Equal(t, rec, back)
}

func TestMapFromDispatchesOnOrigin(t *testing.T) {
	t.Parallel()

	mp := &SyncMapping{
		Name:         "m",
		SourceEntity: "Employee",
		TargetEntity: "employees",
		SourceKey:    "name",
		TargetKey:    "id",
		Direction:    DirectionBidirectional,
		Fields:       []FieldRule{{Source: "personal_email", Target: "email"}},
	}
	m := NewMapper(nil)

	out, err := m.MapFrom(context.Background(), mp, types.SystemDoc,
		types.Record{"personal_email": types.String("a@x.com")})
	require.NoError(t, err)
	assert.Equal(t, types.String("a@x.com"), out["email"])

	out, err = m.MapFrom(context.Background(), mp, types.SystemTable,
		types.Record{"email": types.String("b@x.com")})
	require.NoError(t, err)
	assert.Equal(t, types.String("b@x.com"), out["personal_email"])
}
