package redirect

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRules(t *testing.T) {
	db, err := NewSQLiteRules(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutAll([]Rule{
		{OldPath: "/Old-Page", NewTarget: "/new-page"},
		{OldPath: "/removed", State: Gone},
	}))

	rule, ok, err := db.FindExact("/old-page")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/new-page", rule.NewTarget)
	assert.Equal(t, Active, rule.State)

	require.NoError(t, db.Put(Rule{OldPath: "/old page", NewTarget: "/new-page"}))
	rule, ok, err = db.FindExact("/Old%20Page")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/old page", rule.OldPath)
	require.NoError(t, db.Delete("/old%20page"))

	_, ok, err = db.FindExact("/nothing")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := db.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	table, err := NewTable(all)
	require.NoError(t, err)
	gone, _ := table.Lookup("/removed")
	assert.Equal(t, Gone, gone.State)

	require.NoError(t, db.Delete("/removed"))
	all, err = db.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLitePutAllIsAtomic(t *testing.T) {
	db, err := NewSQLiteRules(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	defer db.Close()

	err = db.PutAll([]Rule{
		{OldPath: "/a", NewTarget: "/b"},
		{OldPath: "/c"},
	})
	require.ErrorIs(t, err, ErrInvalidRule)
	all, err := db.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}
