// mirror.go
package schedule

import "sync"

// Mirror is the read-only, eventually-consistent replica described in
// spec §4.4: its state is built exclusively by replaying Patches, never
// by reading the Database's itinerary tables directly, so it stays
// faithful to a deployment where Mirror and Database are decoupled
// processes. update_mirrors both advances this replica and pushes a
// per-query patch to every registered query's topic.
type Mirror struct {
	mu       sync.Mutex
	version  Version
	state    map[ParticipantId]map[RouteId]Route
	db       *Database
	registry *QueryRegistry
	transport Transport
	lastSent map[QueryId]Version
	cond     *sync.Cond
}

// NewMirror constructs an empty Mirror tied to db/registry/transport.
func NewMirror(db *Database, registry *QueryRegistry, transport Transport) *Mirror {
	m := &Mirror{
		state:    make(map[ParticipantId]map[RouteId]Route),
		db:       db,
		registry: registry,
		transport: transport,
		lastSent: make(map[QueryId]Version),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Snapshot returns a deep copy of the mirror's current per-participant
// route state, used by the Conflict Checker to test against the
// pre-update view (see DESIGN.md's Open Question decision).
func (m *Mirror) Snapshot() map[ParticipantId]map[RouteId]Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ParticipantId]map[RouteId]Route, len(m.state))
	for p, routes := range m.state {
		cp := make(map[RouteId]Route, len(routes))
		for id, r := range routes {
			cp[id] = r
		}
		out[p] = cp
	}
	return out
}

// UpdateMirrors advances the replica to the Database's latest version,
// then pushes a filtered patch to every registered query whose matching
// changes are non-empty. It returns the unfiltered set of changes just
// applied, so a caller (the Conflict Checker) can tell which
// participants moved in this round. Callers need hold no lock:
// UpdateMirrors takes the database lock only inside each Database.Changes
// call, and never takes the negotiations lock.
func (m *Mirror) UpdateMirrors() []RouteChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := m.version
	full := m.db.Changes(Query{}, &since)
	for _, rc := range full.Changes {
		routes, ok := m.state[rc.Participant]
		if !ok {
			routes = make(map[RouteId]Route)
			m.state[rc.Participant] = routes
		}
		if rc.Erased {
			delete(routes, rc.RouteID)
		} else {
			routes[rc.RouteID] = rc.Route
		}
	}
	if len(full.Changes) > 0 {
		m.version = full.LatestVersion
	}

	for _, id := range m.registry.IDs() {
		q, ok := m.registry.Lookup(id)
		if !ok {
			continue
		}
		qSince := m.lastSent[id]
		patch := m.db.Changes(q, &qSince)
		if patch.Empty() {
			continue
		}
		m.lastSent[id] = patch.LatestVersion
		m.transport.Publish(TopicQueryUpdate(id), patch)
	}

	m.cond.Broadcast()
	return full.Changes
}

// Wait blocks until the next UpdateMirrors call, used by the Conflict
// Checker's poll loop as a wakeup hint alongside its timeout.
func (m *Mirror) Wait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cond.Wait()
}

// SendNow answers a one-off request_changes call for id without waiting
// for the next background update_mirrors round.
func (m *Mirror) SendNow(id QueryId) (Patch, error) {
	q, ok := m.registry.Lookup(id)
	if !ok {
		return Patch{}, ErrUnknownQuery
	}
	m.mu.Lock()
	since := m.lastSent[id]
	m.mu.Unlock()
	patch := m.db.Changes(q, &since)
	m.mu.Lock()
	if !patch.Empty() {
		m.lastSent[id] = patch.LatestVersion
	}
	m.mu.Unlock()
	return patch, nil
}
