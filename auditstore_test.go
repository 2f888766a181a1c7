package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteAuditStore_AppendAndListRoundTrip(t *testing.T) {
	store, err := NewSQLiteAuditStore(":memory:")
	require.NoError(t, err)

	actor := int64(42)
	entry := &AuditLog{Component: "service", Action: "register_participant", Level: "info", ActorID: &actor}
	require.NoError(t, store.AppendAudit(entry))
	assert.NotZero(t, entry.ID)

	logs, err := store.ListAuditLogs(AuditFilter{Component: "service"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "register_participant", logs[0].Action)
	require.NotNil(t, logs[0].ActorID)
	assert.Equal(t, int64(42), *logs[0].ActorID)
}

func TestSQLiteAuditStore_ListFiltersByComponent(t *testing.T) {
	store, err := NewSQLiteAuditStore(":memory:")
	require.NoError(t, err)

	require.NoError(t, store.AppendAudit(&AuditLog{Component: "service", Action: "a", Level: "info"}))
	require.NoError(t, store.AppendAudit(&AuditLog{Component: "negotiation", Action: "b", Level: "info"}))

	logs, err := store.ListAuditLogs(AuditFilter{Component: "negotiation"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "b", logs[0].Action)
}
