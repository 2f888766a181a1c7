package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictChecker_DetectsCollisionAgainstPreUpdateSnapshot(t *testing.T) {
	db := NewDatabase()
	idA, _, err := db.Register(ParticipantDescription{Name: "a", Profile: Profile{Footprint: 1}})
	require.NoError(t, err)
	idB, _, err := db.Register(ParticipantDescription{Name: "b", Profile: Profile{Footprint: 1}})
	require.NoError(t, err)

	now := time.Now()
	_, err = db.Set(idB, 1, []Route{route("north", now)})
	require.NoError(t, err)

	transport := &recordingTransport{}
	queries := NewQueryRegistry(transport)
	mirror := NewMirror(db, queries, transport)
	negot := NewNegotiationManager(db, NewDefaultCollisionChecker(), transport)
	checker := NewConflictChecker(mirror, db, NewDefaultCollisionChecker(), negot, transport)

	// First round: mirror has nothing yet, so b's route alone can't conflict.
	checker.checkOnce()
	assert.NotContains(t, transport.topics, TopicNegotiationNotice)

	// a now overlaps b's already-mirrored route.
	_, err = db.Set(idA, 1, []Route{route("north", now)})
	require.NoError(t, err)
	checker.checkOnce()

	assert.Contains(t, transport.topics, TopicNegotiationNotice)
	_, opened := negot.Insert(Conflict{P: idA, Q: idB})
	assert.False(t, opened, "conflict should already be open from checkOnce")
}

func TestWaitOnCondWithTimeout_ReturnsAfterTimeout(t *testing.T) {
	m := NewMirror(NewDatabase(), NewQueryRegistry(noopTransport{}), noopTransport{})

	start := time.Now()
	waitOnCondWithTimeout(m.cond, 20*time.Millisecond, nil)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
