package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRegister(t *testing.T, db *Database, name string) ParticipantId {
	t.Helper()
	id, _, err := db.Register(ParticipantDescription{Name: name})
	require.NoError(t, err)
	return id
}

func route(mapName string, t time.Time) Route {
	return Route{Map: mapName, Trajectory: Trajectory{Waypoints: []Waypoint{{X: 0, Y: 0, T: t}}}}
}

// S1: a mutation arriving with client_version equal to next_expected is
// applied, not dropped as stale.
func TestApply_ExactNextExpectedIsAccepted(t *testing.T) {
	db := NewDatabase()
	id := mustRegister(t, db, "truck-1")

	version, err := db.Set(id, 1, []Route{route("A", time.Now())})
	require.NoError(t, err)
	assert.Equal(t, db.LatestVersion(), version)

	itin, err := db.Itinerary(id)
	require.NoError(t, err)
	assert.Len(t, itin, 1)
}

func TestApply_BelowNextExpectedIsStale(t *testing.T) {
	db := NewDatabase()
	id := mustRegister(t, db, "truck-1")

	_, err := db.Set(id, 1, []Route{route("A", time.Now())})
	require.NoError(t, err)

	_, err = db.Extend(id, 1, []Route{route("A", time.Now())})
	var staleErr *StaleVersionError
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, Version(1), staleErr.ClientVersion)
}

// S2: a mutation arriving ahead of next_expected is buffered and the gap
// is recorded as a single closed-inclusive VersionRange; once the
// missing version arrives, both mutations apply in order and the gap
// closes.
func TestApply_OutOfOrderBuffersAndRecordsGap(t *testing.T) {
	db := NewDatabase()
	id := mustRegister(t, db, "truck-1")

	_, err := db.Extend(id, 2, []Route{route("A", time.Now())})
	var oooErr *OutOfOrderVersionError
	require.ErrorAs(t, err, &oooErr)

	inc, err := db.Inconsistencies(id)
	require.NoError(t, err)
	require.Len(t, inc.Ranges, 1)
	assert.Equal(t, VersionRange{Lower: 1, Upper: 1}, inc.Ranges[0])

	_, err = db.Extend(id, 1, []Route{route("A", time.Now())})
	require.NoError(t, err)

	inc, err = db.Inconsistencies(id)
	require.NoError(t, err)
	assert.Empty(t, inc.Ranges)

	itin, err := db.Itinerary(id)
	require.NoError(t, err)
	assert.Len(t, itin, 2)
}

func TestRegister_IsIdempotentForIdenticalDescription(t *testing.T) {
	db := NewDatabase()
	desc := ParticipantDescription{Name: "truck-1", Owner: "depot-a"}

	id1, _, err := db.Register(desc)
	require.NoError(t, err)
	id2, _, err := db.Register(desc)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestChanges_SinceNilReplaysFullHistory(t *testing.T) {
	db := NewDatabase()
	id := mustRegister(t, db, "truck-1")
	_, err := db.Set(id, 1, []Route{route("A", time.Now())})
	require.NoError(t, err)

	patch := db.Changes(Query{}, nil)
	assert.Equal(t, db.LatestVersion(), patch.LatestVersion)
	assert.NotEmpty(t, patch.Changes)

	mirror := NewMirror(db, NewQueryRegistry(noopTransport{}), noopTransport{})
	for _, rc := range patch.Changes {
		routes, ok := mirror.state[rc.Participant]
		if !ok {
			routes = make(map[RouteId]Route)
			mirror.state[rc.Participant] = routes
		}
		routes[rc.RouteID] = rc.Route
	}
	itin, err := db.Itinerary(id)
	require.NoError(t, err)
	assert.Equal(t, itin, mirror.state[id])
}

type noopTransport struct{}

func (noopTransport) Publish(string, any) {}
func (noopTransport) Subscriber(string) int { return 0 }
