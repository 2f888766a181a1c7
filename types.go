// types.go
package schedule

import "time"

// ParticipantId is a stable 64-bit identifier assigned by the registry.
// Never reused within the lifetime of a database.
type ParticipantId int64

// RouteId is a 64-bit identifier, unique within a participant's itinerary.
type RouteId int64

// Version is the monotonically non-decreasing per-participant or global
// sequence number used throughout the schedule database.
type Version int64

// MutationKind classifies the change recorded for a single database
// mutation.
type MutationKind string

const (
	MutationSet        MutationKind = "set"
	MutationExtend     MutationKind = "extend"
	MutationDelay      MutationKind = "delay"
	MutationErase      MutationKind = "erase"
	MutationClear      MutationKind = "clear"
	MutationRegister   MutationKind = "register"
	MutationUnregister MutationKind = "unregister"
)

// Profile describes a participant's footprint for collision checking.
// Shape is left opaque (a string tag) since the real geometry library is
// an external collaborator; Footprint is the radius used by the default
// DetectConflict implementation in trajectory.go.
type Profile struct {
	Shape     string  `json:"shape"`
	Footprint float64 `json:"footprint"`
}

// ParticipantDescription is immutable after registration; replaceable
// only by unregister+register.
type ParticipantDescription struct {
	Name          string  `json:"name"`
	Owner         string  `json:"owner"`
	Profile       Profile `json:"profile"`
	Responsivenes string  `json:"responsiveness"`
}

// Equal reports whether two descriptions are recorded-identical, used by
// the registry to decide idempotent re-registration.
func (d ParticipantDescription) Equal(o ParticipantDescription) bool {
	return d.Name == o.Name && d.Owner == o.Owner &&
		d.Profile == o.Profile && d.Responsivenes == o.Responsivenes
}

// Waypoint is one point of a trajectory: a position (kept abstract as a
// 2D coordinate, sufficient for the reference DetectConflict
// implementation) and the time the participant occupies it.
type Waypoint struct {
	X, Y float64
	T    time.Time
}

// Trajectory is an external collaborator's output: an ordered sequence of
// waypoints a participant will traverse. See trajectory.go.
type Trajectory struct {
	Waypoints []Waypoint
}

// Shift returns a copy of the trajectory with every waypoint's time moved
// by d; used by Database.Delay.
func (t Trajectory) Shift(d time.Duration) Trajectory {
	out := Trajectory{Waypoints: make([]Waypoint, len(t.Waypoints))}
	for i, w := range t.Waypoints {
		w.T = w.T.Add(d)
		out.Waypoints[i] = w
	}
	return out
}

// Route pairs a trajectory with the opaque map namespace it runs on.
// Collisions are only checked between routes sharing a map.
type Route struct {
	Map        string     `json:"map"`
	Trajectory Trajectory `json:"trajectory"`
}

// itineraryEntry is one (RouteId, Route) pair inside a participant's
// itinerary.
type itineraryEntry struct {
	ID    RouteId
	Route Route
}

// VersionRange is a closed-inclusive [Lower, Upper] range of missing
// per-participant versions, recorded while a participant's mutations are
// buffered out of order.
type VersionRange struct {
	Lower Version `json:"lower"`
	Upper Version `json:"upper"`
}

// Inconsistencies tracks the gaps in a participant's per-participant
// version sequence while buffered mutations await the missing versions.
type Inconsistencies struct {
	Ranges []VersionRange `json:"ranges"`
}

// RouteChange describes one route's state as seen in a Patch or View,
// used by the Conflict Checker to re-test routes pairwise.
type RouteChange struct {
	Participant ParticipantId `json:"participant"`
	RouteID     RouteId       `json:"route_id"`
	Route       Route         `json:"route"`
	Erased      bool          `json:"erased"`
}

// Patch is a diff covering (SinceVersion, LatestVersion], filtered by a
// Query. Cull marks that some trajectories expired (not otherwise
// implemented; carried only as a boolean per spec §4.1).
type Patch struct {
	SinceVersion  Version       `json:"since_version"`
	LatestVersion Version       `json:"latest_version"`
	Changes       []RouteChange `json:"changes"`
	Cull          bool          `json:"cull"`
}

// Empty reports whether the patch carries no information worth
// publishing.
func (p Patch) Empty() bool {
	return len(p.Changes) == 0 && !p.Cull
}

// View is a query's current-state snapshot (not a diff).
type View struct {
	Version Version       `json:"version"`
	Routes  []RouteChange `json:"routes"`
}

// Query selects a subset of the schedule: a set of maps (nil meaning
// "all"), a time window, and a set of participants (nil meaning "all").
// Two queries compare equal iff their fields are structurally equal.
type Query struct {
	Maps         map[string]struct{}        `json:"-"`
	Participants map[ParticipantId]struct{} `json:"-"`
	T0, T1       *time.Time                 `json:"-"`
}

// Equal implements the structural-equality rule used for query
// deduplication (spec §4.3, invariant 4).
func (q Query) Equal(o Query) bool {
	if !equalStringSet(q.Maps, o.Maps) {
		return false
	}
	if !equalParticipantSet(q.Participants, o.Participants) {
		return false
	}
	return equalTimePtr(q.T0, o.T0) && equalTimePtr(q.T1, o.T1)
}

func equalStringSet(a, b map[string]struct{}) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func equalParticipantSet(a, b map[ParticipantId]struct{}) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// matchesMap reports whether m is selected by the query (nil = all).
func (q Query) matchesMap(m string) bool {
	if q.Maps == nil {
		return true
	}
	_, ok := q.Maps[m]
	return ok
}

// matchesParticipant reports whether p is selected by the query (nil = all).
func (q Query) matchesParticipant(p ParticipantId) bool {
	if q.Participants == nil {
		return true
	}
	_, ok := q.Participants[p]
	return ok
}

// QueryId is the Query Registry's handle for a registered query.
type QueryId uint64

// Conflict is an unordered pair of participants sharing a detected
// trajectory collision.
type Conflict struct {
	P, Q ParticipantId
}

// Normalize returns the pair with the lower id first, so Conflict values
// can be used as map keys regardless of discovery order.
func (c Conflict) Normalize() Conflict {
	if c.P <= c.Q {
		return c
	}
	return Conflict{P: c.Q, Q: c.P}
}

// NegotiationVersion is a per-conflict monotonically-incrementing id used
// in all negotiation messages.
type NegotiationVersion int64

// Proposal is a proposed itinerary for one participant, accommodating all
// of its table's ancestors.
type Proposal struct {
	Version   int64         `json:"version"`
	ForID     ParticipantId `json:"for"`
	Itinerary []Route       `json:"itinerary"`
	// FinishTime is the time the proposing participant finishes its
	// itinerary under this proposal; used by QuickestFinishEvaluator.
	FinishTime time.Time `json:"finish_time"`
}

// Rejection carries alternative finish windows the rejecting participant
// could accept instead of the rejected proposal.
type Rejection struct {
	Version      int64         `json:"version"`
	RejectedBy   ParticipantId `json:"rejected_by"`
	Alternatives []Proposal    `json:"alternatives"`
}

// Forfeit marks that a participant gives up on a table without a
// proposal.
type Forfeit struct {
	Version int64 `json:"version"`
}

// ConflictConclusion is published on negotiation/conclusion once a room
// stops being open: Resolved is true when some accommodating chain
// covered both participants (Table names that chain in proposal order),
// and false when every branch was exhausted by forfeit/refusal or the
// database mutation made the conflict moot on its own (spec §6/§8).
type ConflictConclusion struct {
	Conflict Conflict           `json:"conflict"`
	Version  NegotiationVersion `json:"version"`
	Resolved bool               `json:"resolved"`
	Table    []ParticipantId    `json:"table,omitempty"`
}

// Config holds the service's runtime configuration (spec §6).
type Config struct {
	HeartbeatPeriod time.Duration
	LogFileLocation string
	HTTPAddr        string
	AuditDBPath     string
}
