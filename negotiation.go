// negotiation.go
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// maxCachedMessages bounds each table's queue of proposals/rejections/
// forfeits that arrive before the table they target exists. Oldest
// entries are evicted first once the bound is hit (DESIGN.md Open
// Question decision — the spec leaves the bound unspecified).
const maxCachedMessages = 64

// negotiationTable is one node of a negotiation's proposal tree, keyed
// by the ancestry path of ForIDs from the room's root to this node
// (spec §4.6). The root table has an empty path.
type negotiationTable struct {
	path     []ParticipantId
	proposal *Proposal // nil until a participant proposes at this node
	ready    bool      // true once proposal is set
	complete bool       // not set by any code path; checkReady and allDeprecated decide conclusion
	deprecated bool
	children map[ParticipantId]*negotiationTable
}

// negotiationRoom tracks one conflicting pair's full negotiation.
type negotiationRoom struct {
	conflict Conflict
	version  NegotiationVersion
	root     *negotiationTable
	tables   map[string]*negotiationTable

	cachedProposals  map[string][]Proposal
	cachedRejections map[string][]Rejection
	cachedForfeits   map[string][]Forfeit

	awaitingAck map[ParticipantId]bool
	concluded   bool
}

// NegotiationManager is the proposal-tree state machine from spec §4.6:
// insert opens a room for a newly detected conflict; receive_* mutate
// its tree as participants respond; check re-evaluates open rooms after
// a database mutation and concludes any the mutation already resolved.
type NegotiationManager struct {
	mu        sync.Mutex
	rooms     map[Conflict]*negotiationRoom
	next      NegotiationVersion
	transport Transport
	db        *Database
	detect    DetectConflict
}

// NewNegotiationManager constructs an empty manager.
func NewNegotiationManager(db *Database, detect DetectConflict, transport Transport) *NegotiationManager {
	return &NegotiationManager{
		rooms:     make(map[Conflict]*negotiationRoom),
		transport: transport,
		db:        db,
		detect:    detect,
	}
}

// Insert opens a negotiation room for conflict unless a room for the
// pair already exists, returning its version and whether this call
// created it. A concluded room stays in place until both participants
// acknowledge it, and until then Insert returns that room's version
// instead of opening a new one.
func (n *NegotiationManager) Insert(conflict Conflict) (NegotiationVersion, bool) {
	conflict = conflict.Normalize()
	n.mu.Lock()
	defer n.mu.Unlock()

	if room, ok := n.rooms[conflict]; ok {
		return room.version, false
	}
	n.next++
	root := &negotiationTable{children: make(map[ParticipantId]*negotiationTable)}
	room := &negotiationRoom{
		conflict:         conflict,
		version:          n.next,
		root:             root,
		tables:           map[string]*negotiationTable{"": root},
		cachedProposals:  make(map[string][]Proposal),
		cachedRejections: make(map[string][]Rejection),
		cachedForfeits:   make(map[string][]Forfeit),
		awaitingAck:      make(map[ParticipantId]bool),
	}
	n.rooms[conflict] = room
	return room.version, true
}

func pathKey(path []ParticipantId) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ".")
}

// ReceiveProposal records a Proposal at the table named by path. If the
// table doesn't exist yet (an ancestor hasn't proposed), it is cached
// (capped, oldest evicted first) and NegotiationTableNotFoundError is
// returned. The cached copy is discarded, not applied, once the table is
// created (see drainCached). A proposal for a deprecated table is not
// recorded and ErrNegotiationDeprecated is returned.
func (n *NegotiationManager) ReceiveProposal(conflict Conflict, path []ParticipantId, p Proposal) error {
	conflict = conflict.Normalize()
	n.mu.Lock()
	defer n.mu.Unlock()

	room, ok := n.rooms[conflict]
	if !ok {
		return &NegotiationTableNotFoundError{Path: path}
	}
	key := pathKey(path)
	table, ok := room.tables[key]
	if !ok {
		cacheBounded(room.cachedProposals, key, p, "proposal", room.version)
		return &NegotiationTableNotFoundError{Negotiation: room.version, Path: path}
	}
	if table.deprecated {
		return ErrNegotiationDeprecated
	}

	table.proposal = &p
	table.ready = true
	childPath := append(append([]ParticipantId(nil), path...), p.ForID)
	childKey := pathKey(childPath)
	child := &negotiationTable{path: childPath, children: make(map[ParticipantId]*negotiationTable)}
	table.children[p.ForID] = child
	room.tables[childKey] = child
	n.drainCached(room, childKey)
	n.checkReady(room)
	return nil
}

// ReceiveRejection marks the table at path deprecated and opens a
// sibling table per alternative the rejecting participant offered.
func (n *NegotiationManager) ReceiveRejection(conflict Conflict, path []ParticipantId, r Rejection) error {
	conflict = conflict.Normalize()
	n.mu.Lock()
	defer n.mu.Unlock()

	room, ok := n.rooms[conflict]
	if !ok {
		return &NegotiationTableNotFoundError{Path: path}
	}
	key := pathKey(path)
	table, ok := room.tables[key]
	if !ok {
		cacheBounded(room.cachedRejections, key, r, "rejection", room.version)
		return &NegotiationTableNotFoundError{Negotiation: room.version, Path: path}
	}
	table.deprecated = true
	var preferred Proposal
	if len(r.Alternatives) > 0 {
		preferred = quickestFinish(r.Alternatives)
	}
	for _, alt := range r.Alternatives {
		childPath := append(append([]ParticipantId(nil), path...), alt.ForID)
		childKey := pathKey(childPath)
		if _, exists := room.tables[childKey]; exists {
			continue
		}
		a := alt
		child := &negotiationTable{path: childPath, proposal: &a, ready: true, children: make(map[ParticipantId]*negotiationTable)}
		if a.ForID == preferred.ForID && a.Version == preferred.Version {
			room.tables[childKey] = child
		} else {
			room.tables[childKey] = child // alternate branch kept live too; QuickestFinishEvaluator only orders preference, it never discards a branch outright
		}
		n.drainCached(room, childKey)
	}
	n.checkReady(room)
	return nil
}

// quickestFinish implements the QuickestFinishEvaluator (spec §4.6) for
// alternatives offered at the same table: since they share the same
// ancestor chain, comparing each alternative's own FinishTime is
// equivalent to comparing the full chain's summed finish time (the
// ancestor portion is a constant offset common to all of them) — the
// one with the earliest FinishTime wins; ties are broken by the lowest
// ForID so the choice is deterministic regardless of arrival order.
// Comparing whole chains that do NOT share an ancestor (multiple
// distinct branches becoming ready at once) is handled separately by
// checkReady, which sums every table's FinishTime along each
// candidate's root-to-leaf path via chainFinishSum.
func quickestFinish(proposals []Proposal) Proposal {
	best := proposals[0]
	for _, p := range proposals[1:] {
		switch {
		case p.FinishTime.Before(best.FinishTime):
			best = p
		case p.FinishTime.Equal(best.FinishTime) && p.ForID < best.ForID:
			best = p
		}
	}
	return best
}

// ReceiveForfeit marks the table at path as deprecated with no
// replacement; if every branch of the room is now deprecated, the room
// concludes with no agreement.
func (n *NegotiationManager) ReceiveForfeit(conflict Conflict, path []ParticipantId, f Forfeit) error {
	conflict = conflict.Normalize()
	n.mu.Lock()
	defer n.mu.Unlock()

	room, ok := n.rooms[conflict]
	if !ok {
		return &NegotiationTableNotFoundError{Path: path}
	}
	key := pathKey(path)
	table, ok := room.tables[key]
	if !ok {
		cacheBounded(room.cachedForfeits, key, f, "forfeit", room.version)
		return &NegotiationTableNotFoundError{Negotiation: room.version, Path: path}
	}
	table.deprecated = true
	if !room.concluded && n.allDeprecated(room) {
		n.conclude(room, false, nil)
	}
	return nil
}

// ReceiveRefusal ends the whole negotiation: it publishes an unresolved
// conclusion (unless the room had already concluded) and removes the
// room.
func (n *NegotiationManager) ReceiveRefusal(conflict Conflict, path []ParticipantId) error {
	conflict = conflict.Normalize()
	n.mu.Lock()
	defer n.mu.Unlock()

	room, ok := n.rooms[conflict]
	if !ok {
		return &NegotiationTableNotFoundError{Path: path}
	}
	if !room.concluded {
		n.conclude(room, false, nil)
	}
	delete(n.rooms, conflict)
	return nil
}

// ReceiveConclusionAck records that participant has acknowledged the
// room's conclusion; once every participant named at registration has
// acked, the room is retired entirely.
func (n *NegotiationManager) ReceiveConclusionAck(conflict Conflict, participant ParticipantId) {
	conflict = conflict.Normalize()
	n.mu.Lock()
	defer n.mu.Unlock()
	room, ok := n.rooms[conflict]
	if !ok || !room.concluded {
		return
	}
	room.awaitingAck[participant] = true
	if room.awaitingAck[conflict.P] && room.awaitingAck[conflict.Q] {
		delete(n.rooms, conflict)
	}
}

// Check re-evaluates every open room whose conflict involves a
// just-changed participant; if the current itineraries no longer
// collide, the room concludes even without an explicit proposal chain
// resolving it (spec §4.7's post-mutation "active_conflicts.check").
func (n *NegotiationManager) Check(changed map[ParticipantId]struct{}) {
	n.mu.Lock()
	var toCheck []*negotiationRoom
	for conflict, room := range n.rooms {
		if room.concluded {
			continue
		}
		if _, ok := changed[conflict.P]; ok {
			toCheck = append(toCheck, room)
			continue
		}
		if _, ok := changed[conflict.Q]; ok {
			toCheck = append(toCheck, room)
		}
	}
	n.mu.Unlock()

	for _, room := range toCheck {
		stillConflicts, err := n.stillConflicts(room.conflict)
		if err != nil {
			continue
		}
		if stillConflicts {
			continue
		}
		n.mu.Lock()
		if !room.concluded {
			n.conclude(room, false, nil)
		}
		n.mu.Unlock()
	}
}

func (n *NegotiationManager) stillConflicts(conflict Conflict) (bool, error) {
	itinP, err := n.db.Itinerary(conflict.P)
	if err != nil {
		return false, err
	}
	itinQ, err := n.db.Itinerary(conflict.Q)
	if err != nil {
		return false, err
	}
	descP, err := n.db.Description(conflict.P)
	if err != nil {
		return false, err
	}
	descQ, err := n.db.Description(conflict.Q)
	if err != nil {
		return false, err
	}
	return n.detect.Between(descP.Profile, mergeTrajectory(itinP), descQ.Profile, mergeTrajectory(itinQ))
}

func (n *NegotiationManager) allDeprecated(room *negotiationRoom) bool {
	for _, t := range room.tables {
		if !t.deprecated {
			return false
		}
	}
	return true
}

// chainFinishSum sums the FinishTime of every proposal along the
// root-to-leafPath chain (one proposal per table, stored at each prefix
// of leafPath), implementing QuickestFinishEvaluator's "sum of
// per-participant finish times along the accommodating chain"
// (spec §4.6/GLOSSARY). Timestamps are summed as nanosecond counts
// purely so chains can be ordered against one another — the result is
// not itself a meaningful instant.
func chainFinishSum(room *negotiationRoom, leafPath []ParticipantId) int64 {
	var sum int64
	for i := 0; i < len(leafPath); i++ {
		t, ok := room.tables[pathKey(leafPath[:i])]
		if ok && t.proposal != nil {
			sum += t.proposal.FinishTime.UnixNano()
		}
	}
	return sum
}

// checkReady scans room for a now-complete accommodating chain — a
// table whose own root-to-leaf path names both sides of the conflict,
// meaning every step along it has been proposed — and concludes the
// negotiation once one exists (spec §4.6's "ready" path, scenario S5).
// When more than one chain is complete at once (e.g. several rejection
// alternatives resolved simultaneously), QuickestFinishEvaluator picks
// the one with the lowest summed finish time, lowest final ForID
// breaking ties. Caller must hold n.mu.
func (n *NegotiationManager) checkReady(room *negotiationRoom) {
	if room.concluded {
		return
	}
	var bestPath []ParticipantId
	var bestSum int64
	found := false
	for _, t := range room.tables {
		if t.deprecated || len(t.path) != 2 {
			continue
		}
		seen := map[ParticipantId]bool{t.path[0]: true, t.path[1]: true}
		if len(seen) != 2 || !seen[room.conflict.P] || !seen[room.conflict.Q] {
			continue
		}
		sum := chainFinishSum(room, t.path)
		last := t.path[len(t.path)-1]
		if !found || sum < bestSum || (sum == bestSum && last < bestPath[len(bestPath)-1]) {
			found, bestSum, bestPath = true, sum, t.path
		}
	}
	if found {
		n.conclude(room, true, bestPath)
	}
}

// conclude marks room concluded, seeds awaitingAck with every
// participant of the conflict (spec §8 invariant 6: each must appear as
// a key until it acknowledges), and publishes the ConflictConclusion.
// Caller must hold n.mu.
func (n *NegotiationManager) conclude(room *negotiationRoom, resolved bool, table []ParticipantId) {
	room.concluded = true
	room.awaitingAck[room.conflict.P] = false
	room.awaitingAck[room.conflict.Q] = false
	n.transport.Publish(TopicNegotiationConclusion, ConflictConclusion{
		Conflict: room.conflict,
		Version:  room.version,
		Resolved: resolved,
		Table:    table,
	})
	RecordAudit(context.Background(), AuditLevelInfo, "negotiation", "concluded", "", map[string]any{
		"p": room.conflict.P, "q": room.conflict.Q, "version": room.version, "resolved": resolved,
	})
}

func (n *NegotiationManager) drainCached(room *negotiationRoom, key string) {
	// Cached messages targeting a table that now exists are discarded
	// here without being applied to it; nothing in the manager or the
	// Service Facade re-delivers them.
	delete(room.cachedProposals, key)
	delete(room.cachedRejections, key)
	delete(room.cachedForfeits, key)
}

// cacheBounded appends an item to m[key], evicting the oldest entry
// (logging the drop) once the bound is exceeded.
func cacheBounded[T any](m map[string][]T, key string, item T, kind string, version NegotiationVersion) {
	q := append(m[key], item)
	if len(q) > maxCachedMessages {
		dropped := len(q) - maxCachedMessages
		q = q[dropped:]
		Logger().Warn("negotiation_cache_evicted", "negotiation", version, "kind", kind, "path", key, "dropped", dropped)
	}
	m[key] = q
}
