// database.go
package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// participantRecord holds one registered participant's itinerary and the
// per-participant version bookkeeping used to detect stale/out-of-order
// mutations (spec §4.1, §8 S1/S2).
type participantRecord struct {
	description  ParticipantDescription
	itinerary    []itineraryEntry
	nextRouteID  RouteId
	nextExpected Version
	lastVersion  Version
	inconsist    Inconsistencies
	pending      map[Version]pendingMutation
}

// pendingMutation is a buffered out-of-order mutation awaiting the
// versions that precede it.
type pendingMutation struct {
	kind    MutationKind
	routes  []Route
	routeID []RouteId
	delay   time.Duration
}

// changeRecord is one append-only entry in the Database's global change
// log; Patch/View generation is a filtered replay of this log.
type changeRecord struct {
	globalVersion Version
	participant   ParticipantId
	kind          MutationKind
	changes       []RouteChange
}

// Database is the in-memory, mutex-guarded, versioned itinerary store
// described in spec §4.1. All mutation methods serialize through one
// lock (database_lock in §5); reads (Changes/Query) take the same lock
// for a consistent snapshot.
type Database struct {
	mu           sync.Mutex
	latest       Version
	nextID       ParticipantId
	participants map[ParticipantId]*participantRecord
	log          []changeRecord
}

// NewDatabase constructs an empty Database.
func NewDatabase() *Database {
	return &Database{
		participants: make(map[ParticipantId]*participantRecord),
	}
}

// LatestVersion returns the current global version.
func (db *Database) LatestVersion() Version {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.latest
}

// Register adds a new participant, or returns the existing id if an
// identically-described participant is already registered (idempotent
// re-registration, spec §4.2). The returned version is the new global
// version produced by a fresh registration, or the participant's current
// last-mutated version if it already existed.
func (db *Database) Register(desc ParticipantDescription) (ParticipantId, Version, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for id, rec := range db.participants {
		if rec.description.Equal(desc) {
			return id, rec.lastVersion, nil
		}
	}

	db.nextID++
	id := db.nextID
	db.latest++
	rec := &participantRecord{
		description:  desc,
		nextExpected: 1,
		lastVersion:  db.latest,
		pending:      make(map[Version]pendingMutation),
	}
	db.participants[id] = rec
	db.log = append(db.log, changeRecord{
		globalVersion: db.latest,
		participant:   id,
		kind:          MutationRegister,
	})
	return id, db.latest, nil
}

// Unregister erases a participant's itinerary and removes it from the
// set of registered participants. Past log entries naming it are
// retained so existing patches remain replayable.
func (db *Database) Unregister(id ParticipantId) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := db.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	changes := eraseAllRoutes(id, rec)
	db.latest++
	db.log = append(db.log, changeRecord{
		globalVersion: db.latest,
		participant:   id,
		kind:          MutationUnregister,
		changes:       changes,
	})
	delete(db.participants, id)
	return nil
}

// Set replaces a participant's entire itinerary with newRoutes, each
// assigned a fresh RouteId.
func (db *Database) Set(id ParticipantId, clientVersion Version, newRoutes []Route) (Version, error) {
	return db.apply(id, clientVersion, pendingMutation{kind: MutationSet, routes: newRoutes})
}

// Extend appends newRoutes to a participant's itinerary, each assigned a
// fresh RouteId.
func (db *Database) Extend(id ParticipantId, clientVersion Version, newRoutes []Route) (Version, error) {
	return db.apply(id, clientVersion, pendingMutation{kind: MutationExtend, routes: newRoutes})
}

// Delay shifts every waypoint of a participant's current itinerary by d.
func (db *Database) Delay(id ParticipantId, clientVersion Version, d time.Duration) (Version, error) {
	return db.apply(id, clientVersion, pendingMutation{kind: MutationDelay, delay: d})
}

// Erase removes the named routes from a participant's itinerary.
func (db *Database) Erase(id ParticipantId, clientVersion Version, routeIDs []RouteId) (Version, error) {
	return db.apply(id, clientVersion, pendingMutation{kind: MutationErase, routeID: routeIDs})
}

// Clear erases a participant's entire itinerary.
func (db *Database) Clear(id ParticipantId, clientVersion Version) (Version, error) {
	return db.apply(id, clientVersion, pendingMutation{kind: MutationClear})
}

// apply is the single entry point implementing the stale/accept/buffer
// decision from spec §4.1/§8: a clientVersion below the participant's
// next-expected version is dropped as stale; exactly next-expected is
// applied immediately (and drains any now-contiguous buffered
// mutations); above next-expected is buffered and recorded as a gap in
// Inconsistencies.
func (db *Database) apply(id ParticipantId, clientVersion Version, m pendingMutation) (Version, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := db.participants[id]
	if !ok {
		return 0, ErrUnknownParticipant
	}

	if clientVersion < rec.nextExpected {
		return db.latest, &StaleVersionError{
			Participant:   id,
			ClientVersion: clientVersion,
			NextExpected:  rec.nextExpected,
		}
	}

	if clientVersion > rec.nextExpected {
		rec.pending[clientVersion] = m
		recordGap(rec, rec.nextExpected, clientVersion-1)
		return db.latest, &OutOfOrderVersionError{
			Participant:  id,
			NextExpected: rec.nextExpected,
			Got:          clientVersion,
		}
	}

	closeGap(rec, clientVersion)
	db.commit(id, rec, m)
	for {
		next, ok := rec.pending[rec.nextExpected]
		if !ok {
			break
		}
		delete(rec.pending, rec.nextExpected)
		closeGap(rec, rec.nextExpected)
		db.commit(id, rec, next)
	}
	return db.latest, nil
}

// commit applies one mutation to rec, bumps the global version, and
// appends the resulting route-level diff to the change log. Caller must
// hold db.mu.
func (db *Database) commit(id ParticipantId, rec *participantRecord, m pendingMutation) {
	var changes []RouteChange
	switch m.kind {
	case MutationSet:
		changes = append(changes, eraseAllRoutes(id, rec)...)
		changes = append(changes, appendRoutes(id, rec, m.routes)...)
	case MutationExtend:
		changes = append(changes, appendRoutes(id, rec, m.routes)...)
	case MutationDelay:
		for i := range rec.itinerary {
			rec.itinerary[i].Route.Trajectory = rec.itinerary[i].Route.Trajectory.Shift(m.delay)
			changes = append(changes, RouteChange{
				Participant: id,
				RouteID:     rec.itinerary[i].ID,
				Route:       rec.itinerary[i].Route,
			})
		}
	case MutationErase:
		changes = append(changes, eraseRoutes(id, rec, m.routeID)...)
	case MutationClear:
		changes = append(changes, eraseAllRoutes(id, rec)...)
	}

	db.latest++
	rec.nextExpected++
	rec.lastVersion = db.latest
	db.log = append(db.log, changeRecord{
		globalVersion: db.latest,
		participant:   id,
		kind:          m.kind,
		changes:       changes,
	})
}

func appendRoutes(id ParticipantId, rec *participantRecord, routes []Route) []RouteChange {
	changes := make([]RouteChange, 0, len(routes))
	for _, r := range routes {
		rec.nextRouteID++
		entry := itineraryEntry{ID: rec.nextRouteID, Route: r}
		rec.itinerary = append(rec.itinerary, entry)
		changes = append(changes, RouteChange{
			Participant: id,
			RouteID:     entry.ID,
			Route:       r,
		})
	}
	return changes
}

func eraseRoutes(id ParticipantId, rec *participantRecord, ids []RouteId) []RouteChange {
	want := make(map[RouteId]struct{}, len(ids))
	for _, rid := range ids {
		want[rid] = struct{}{}
	}
	var changes []RouteChange
	kept := rec.itinerary[:0:0]
	for _, entry := range rec.itinerary {
		if _, match := want[entry.ID]; match {
			changes = append(changes, RouteChange{Participant: id, RouteID: entry.ID, Route: entry.Route, Erased: true})
			continue
		}
		kept = append(kept, entry)
	}
	rec.itinerary = kept
	return changes
}

func eraseAllRoutes(id ParticipantId, rec *participantRecord) []RouteChange {
	changes := make([]RouteChange, 0, len(rec.itinerary))
	for _, entry := range rec.itinerary {
		changes = append(changes, RouteChange{Participant: id, RouteID: entry.ID, Route: entry.Route, Erased: true})
	}
	rec.itinerary = nil
	return changes
}

// recordGap adds the closed-inclusive range [lower, upper] of missing
// version numbers to rec's Inconsistencies, merging with any adjacent or
// overlapping range already recorded (spec §8 S2).
func recordGap(rec *participantRecord, lower, upper Version) {
	if lower > upper {
		return
	}
	ranges := append(rec.inconsist.Ranges, VersionRange{Lower: lower, Upper: upper})
	rec.inconsist.Ranges = mergeRanges(ranges)
}

// closeGap removes v from rec's recorded gaps once it has been filled.
func closeGap(rec *participantRecord, v Version) {
	var out []VersionRange
	for _, r := range rec.inconsist.Ranges {
		switch {
		case v < r.Lower || v > r.Upper:
			out = append(out, r)
		case v == r.Lower && v == r.Upper:
			// fully closed, drop
		case v == r.Lower:
			out = append(out, VersionRange{Lower: v + 1, Upper: r.Upper})
		case v == r.Upper:
			out = append(out, VersionRange{Lower: r.Lower, Upper: v - 1})
		default:
			out = append(out, VersionRange{Lower: r.Lower, Upper: v - 1})
			out = append(out, VersionRange{Lower: v + 1, Upper: r.Upper})
		}
	}
	rec.inconsist.Ranges = out
}

func mergeRanges(ranges []VersionRange) []VersionRange {
	if len(ranges) < 2 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Lower < ranges[j].Lower })
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Lower <= last.Upper+1 {
			if r.Upper > last.Upper {
				last.Upper = r.Upper
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Inconsistencies returns a copy of id's currently recorded version gaps.
func (db *Database) Inconsistencies(id ParticipantId) (Inconsistencies, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.participants[id]
	if !ok {
		return Inconsistencies{}, ErrUnknownParticipant
	}
	out := Inconsistencies{Ranges: append([]VersionRange(nil), rec.inconsist.Ranges...)}
	return out, nil
}

// Changes returns a Patch covering every change in (since, latest]
// matching query. since == nil means "from the beginning", producing a
// full-history patch that, replayed onto an empty Mirror, reconstructs
// the current state (spec §4.4 round-trip invariant).
func (db *Database) Changes(q Query, since *Version) Patch {
	db.mu.Lock()
	defer db.mu.Unlock()

	lower := Version(0)
	if since != nil {
		lower = *since
	}
	patch := Patch{SinceVersion: lower, LatestVersion: db.latest}
	for _, rec := range db.log {
		if rec.globalVersion <= lower {
			continue
		}
		if !q.matchesParticipant(rec.participant) {
			continue
		}
		for _, rc := range rec.changes {
			if !q.matchesMap(rc.Route.Map) {
				continue
			}
			if !inTimeWindow(rc.Route.Trajectory, q.T0, q.T1) {
				continue
			}
			patch.Changes = append(patch.Changes, rc)
		}
	}
	return patch
}

// Query returns the current itinerary state (not a diff) of every
// participant matching q. since is carried through only as a
// client-supplied hint; the database always answers with its latest
// state.
func (db *Database) Query(q Query, since Version) View {
	db.mu.Lock()
	defer db.mu.Unlock()

	view := View{Version: db.latest}
	ids := make([]ParticipantId, 0, len(db.participants))
	for id := range db.participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if !q.matchesParticipant(id) {
			continue
		}
		rec := db.participants[id]
		for _, entry := range rec.itinerary {
			if !q.matchesMap(entry.Route.Map) {
				continue
			}
			if !inTimeWindow(entry.Route.Trajectory, q.T0, q.T1) {
				continue
			}
			view.Routes = append(view.Routes, RouteChange{
				Participant: id,
				RouteID:     entry.ID,
				Route:       entry.Route,
			})
		}
	}
	return view
}

// Itinerary returns a copy of id's current itinerary keyed by RouteId,
// used by the Conflict Checker to re-test a participant's full schedule
// against a newly-changed peer.
func (db *Database) Itinerary(id ParticipantId) (map[RouteId]Route, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.participants[id]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	out := make(map[RouteId]Route, len(rec.itinerary))
	for _, entry := range rec.itinerary {
		out[entry.ID] = entry.Route
	}
	return out, nil
}

// Participants returns the ids currently registered, in ascending order.
func (db *Database) Participants() []ParticipantId {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]ParticipantId, 0, len(db.participants))
	for id := range db.participants {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Description returns id's registered description.
func (db *Database) Description(id ParticipantId) (ParticipantDescription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.participants[id]
	if !ok {
		return ParticipantDescription{}, ErrUnknownParticipant
	}
	return rec.description, nil
}

func inTimeWindow(t Trajectory, t0, t1 *time.Time) bool {
	if t0 == nil && t1 == nil {
		return true
	}
	for _, w := range t.Waypoints {
		if t0 != nil && w.T.Before(*t0) {
			continue
		}
		if t1 != nil && w.T.After(*t1) {
			continue
		}
		return true
	}
	return false
}

func (db *Database) String() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fmt.Sprintf("Database{participants=%d, latest=%d}", len(db.participants), db.latest)
}
