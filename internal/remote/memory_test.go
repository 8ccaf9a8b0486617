package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/sync/types"
)

func TestMemoryStoreCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(types.SystemTable, "title")

	key, err := s.Create(ctx, "employees", types.Record{
		"id":    types.String("emp-1"),
		"email": types.String("a@x.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, "emp-1", key)

	rec, err := s.Get(ctx, "employees", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, types.String("a@x.com"), rec["email"])

	// Update merges fields.
	require.NoError(t, s.Update(ctx, "employees", "emp-1", types.Record{
		"email": types.String("b@x.com"),
	}))
	rec, err = s.Get(ctx, "employees", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, types.String("b@x.com"), rec["email"])
	assert.Equal(t, types.String("emp-1"), rec["id"])

	require.NoError(t, s.Delete(ctx, "employees", "emp-1"))
	_, err = s.Get(ctx, "employees", "emp-1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Deleting again stays a no-op.
	assert.NoError(t, s.Delete(ctx, "employees", "emp-1"))
}

func TestMemoryStoreGeneratedKey(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(types.SystemTable, "title")
	key, err := s.Create(context.Background(), "departments", types.Record{
		"title": types.String("Engineering"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, key)
}

func TestMemoryStoreResolveKeyByName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(types.SystemTable, "title")

	key, err := s.Create(ctx, "departments", types.Record{
		"title": types.String("Engineering"),
	})
	require.NoError(t, err)

	got, err := s.ResolveKeyByName(ctx, "departments", "Engineering")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = s.ResolveKeyByName(ctx, "departments", "Ghosts")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(types.SystemDoc, "employee_name")
	_, err := s.Create(ctx, "Employee", types.Record{
		"id":    types.String("HR-001"),
		"email": types.String("a@x.com"),
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "Employee", "HR-001")
	require.NoError(t, err)
	rec["email"] = types.String("mutated@x.com")

	fresh, err := s.Get(ctx, "Employee", "HR-001")
	require.NoError(t, err)
	assert.Equal(t, types.String("a@x.com"), fresh["email"])
}
