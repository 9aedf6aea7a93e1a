package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndListReportsPreservesOrder(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.AppendReport(ctx, map[string]string{"op": "key-in-memory", "key": "a"}))
	require.NoError(t, st.AppendReport(ctx, map[string]string{"op": "key-in-memory", "key": "b"}))

	reports, err := st.ListReports(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Contains(t, string(reports[0]), `"a"`)
	assert.Contains(t, string(reports[1]), `"b"`)
}

func TestPutHeldAndLoadHeldRoundTrips(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.PutHeld(ctx, "a", true))
	require.NoError(t, st.PutHeld(ctx, "b", true))
	require.NoError(t, st.PutHeld(ctx, "a", false))

	held, err := st.LoadHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held["a"])
	assert.True(t, held["b"])
}

func TestPutRestrictionPersists(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.PutRestriction(context.Background(), "leaf", []string{"w1", "w2"}))
}
