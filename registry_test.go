package schedule

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantRegistry_ReplaysLogOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participants.log")

	db1 := NewDatabase()
	reg1, err := OpenParticipantRegistry(path, db1)
	require.NoError(t, err)

	id, _, err := reg1.RegisterParticipant(ParticipantDescription{Name: "truck-1", Owner: "depot-a"})
	require.NoError(t, err)
	_, _, err = reg1.RegisterParticipant(ParticipantDescription{Name: "truck-2", Owner: "depot-a"})
	require.NoError(t, err)
	require.NoError(t, reg1.Close())

	db2 := NewDatabase()
	reg2, err := OpenParticipantRegistry(path, db2)
	require.NoError(t, err)
	defer reg2.Close()

	desc, err := db2.Description(id)
	require.NoError(t, err)
	assert.Equal(t, "truck-1", desc.Name)
	assert.Len(t, db2.Participants(), 2)
}

func TestParticipantRegistry_ReplaysUnregisterAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participants.log")

	db1 := NewDatabase()
	reg1, err := OpenParticipantRegistry(path, db1)
	require.NoError(t, err)

	id, _, err := reg1.RegisterParticipant(ParticipantDescription{Name: "truck-1"})
	require.NoError(t, err)
	require.NoError(t, reg1.UnregisterParticipant(id))
	require.NoError(t, reg1.Close())

	db2 := NewDatabase()
	reg2, err := OpenParticipantRegistry(path, db2)
	require.NoError(t, err)
	defer reg2.Close()

	assert.Empty(t, db2.Participants())
}

func TestOpenParticipantRegistry_SecondOpenFailsWhileLockHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participants.log")

	db1 := NewDatabase()
	reg1, err := OpenParticipantRegistry(path, db1)
	require.NoError(t, err)
	defer reg1.Close()

	db2 := NewDatabase()
	_, err = OpenParticipantRegistry(path, db2)
	require.Error(t, err)
}
