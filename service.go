// service.go
package schedule

import (
	"context"
	"time"
)

// InconsistencyMsg is published on schedule/inconsistency whenever a
// mutation is buffered out of order (spec §4.1/§6).
type InconsistencyMsg struct {
	Participant ParticipantId   `json:"participant"`
	Ranges      []VersionRange  `json:"ranges"`
}

// ParticipantsInfoMsg is published on schedule/participants_info after
// register/unregister.
type ParticipantsInfoMsg struct {
	Participants []ParticipantId `json:"participants"`
}

// Service is the Service Facade from spec §4.7: it owns the Database,
// Participant Registry, Query Registry, Mirror, Negotiation Manager and
// Transport, and enforces the two-lock acquisition order from §5 —
// database_lock is always taken (implicitly, inside Database's own
// methods) before negotiations_lock (implicitly, inside
// NegotiationManager's methods) — by never calling into the
// NegotiationManager from a code path that still holds a Database
// method's lock.
type Service struct {
	db       *Database
	registry *ParticipantRegistry
	queries  *QueryRegistry
	mirror   *Mirror
	negot    *NegotiationManager
	checker  *ConflictChecker
	transport Transport
}

// NewService wires every component together. detect is the
// DetectConflict collaborator (trajectory.go's reference
// implementation, or a replacement).
func NewService(logPath string, transport Transport, detect DetectConflict) (*Service, error) {
	db := NewDatabase()
	registry, err := OpenParticipantRegistry(logPath, db)
	if err != nil {
		return nil, err
	}
	queries := NewQueryRegistry(transport)
	mirror := NewMirror(db, queries, transport)
	negot := NewNegotiationManager(db, detect, transport)
	checker := NewConflictChecker(mirror, db, detect, negot, transport)

	return &Service{
		db:        db,
		registry:  registry,
		queries:   queries,
		mirror:    mirror,
		negot:     negot,
		checker:   checker,
		transport: transport,
	}, nil
}

// DB exposes the underlying Database, used by cmd/server to wire the
// heartbeat publisher.
func (s *Service) DB() *Database {
	return s.db
}

// Start launches the background Conflict Checker goroutine.
func (s *Service) Start() {
	go s.checker.Run()
}

// Stop halts the background Conflict Checker and closes the registry
// log.
func (s *Service) Stop() {
	s.checker.Stop()
	_ = s.registry.Close()
}

// RegisterParticipant durably registers a new participant (or returns
// an existing matching one) and announces the updated roster.
func (s *Service) RegisterParticipant(ctx context.Context, desc ParticipantDescription) (ParticipantId, Version, error) {
	id, version, err := s.registry.RegisterParticipant(desc)
	if err != nil {
		return 0, 0, err
	}
	RecordAudit(ctx, AuditLevelInfo, "service", "register_participant", "", map[string]any{"id": id})
	s.publishParticipants()
	return id, version, nil
}

// UnregisterParticipant durably removes id and announces the updated
// roster.
func (s *Service) UnregisterParticipant(ctx context.Context, id ParticipantId) error {
	if err := s.registry.UnregisterParticipant(id); err != nil {
		return err
	}
	RecordAudit(ctx, AuditLevelInfo, "service", "unregister_participant", "", map[string]any{"id": id})
	s.publishParticipants()
	return nil
}

func (s *Service) publishParticipants() {
	s.transport.Publish(TopicParticipantInfo, ParticipantsInfoMsg{Participants: s.db.Participants()})
}

// RegisterQuery registers q and returns its id plus the initial
// full-history patch.
func (s *Service) RegisterQuery(q Query) (QueryId, Patch) {
	id := s.queries.RegisterQuery(q)
	patch := s.db.Changes(q, nil)
	return id, patch
}

// UnregisterQuery retires a reference to id.
func (s *Service) UnregisterQuery(id QueryId) error {
	return s.queries.UnregisterQuery(id)
}

// RequestChanges answers an immediate pull for id's pending patch.
func (s *Service) RequestChanges(id QueryId) (Patch, error) {
	return s.mirror.SendNow(id)
}

// mutationResult is what every itinerary-mutating endpoint returns: the
// database's response plus whatever publishing the Service Facade did
// on its behalf.
type mutationResult struct {
	Version Version
	Err     error
}

// applyMutation runs the §4.7 sequence for any single-participant
// itinerary mutation: apply it against the Database (which internally
// holds database_lock only for its own duration), publish any
// resulting inconsistency, then acquire the Negotiation Manager to
// re-check open conflicts touching this participant, and finally
// trigger a Mirror update so the change becomes visible to subscribers.
func (s *Service) applyMutation(ctx context.Context, id ParticipantId, topic string, op func() (Version, error)) mutationResult {
	version, err := op()

	var outOfOrder *OutOfOrderVersionError
	switch e := err.(type) {
	case *OutOfOrderVersionError:
		outOfOrder = e
	}
	if outOfOrder != nil {
		if inc, incErr := s.db.Inconsistencies(id); incErr == nil {
			s.transport.Publish(TopicInconsistency, InconsistencyMsg{Participant: id, Ranges: inc.Ranges})
		}
		return mutationResult{Version: version, Err: err}
	}
	if err != nil {
		return mutationResult{Version: version, Err: err}
	}

	s.transport.Publish(topic, RouteChange{Participant: id})
	s.negot.Check(map[ParticipantId]struct{}{id: {}})
	s.checker.checkOnce()
	RecordAudit(ctx, AuditLevelInfo, "service", topic, "", map[string]any{"participant": id, "version": version})
	return mutationResult{Version: version, Err: nil}
}

// Set replaces id's entire itinerary.
func (s *Service) Set(ctx context.Context, id ParticipantId, clientVersion Version, routes []Route) (Version, error) {
	r := s.applyMutation(ctx, id, TopicItinerarySet, func() (Version, error) {
		return s.db.Set(id, clientVersion, routes)
	})
	return r.Version, r.Err
}

// Extend appends to id's itinerary.
func (s *Service) Extend(ctx context.Context, id ParticipantId, clientVersion Version, routes []Route) (Version, error) {
	r := s.applyMutation(ctx, id, TopicItineraryExtend, func() (Version, error) {
		return s.db.Extend(id, clientVersion, routes)
	})
	return r.Version, r.Err
}

// Delay shifts id's itinerary by d.
func (s *Service) Delay(ctx context.Context, id ParticipantId, clientVersion Version, d time.Duration) (Version, error) {
	r := s.applyMutation(ctx, id, TopicItineraryDelay, func() (Version, error) {
		return s.db.Delay(id, clientVersion, d)
	})
	return r.Version, r.Err
}

// Erase removes the named routes from id's itinerary.
func (s *Service) Erase(ctx context.Context, id ParticipantId, clientVersion Version, routeIDs []RouteId) (Version, error) {
	r := s.applyMutation(ctx, id, TopicItineraryErase, func() (Version, error) {
		return s.db.Erase(id, clientVersion, routeIDs)
	})
	return r.Version, r.Err
}

// Clear erases id's entire itinerary.
func (s *Service) Clear(ctx context.Context, id ParticipantId, clientVersion Version) (Version, error) {
	r := s.applyMutation(ctx, id, TopicItineraryClear, func() (Version, error) {
		return s.db.Clear(id, clientVersion)
	})
	return r.Version, r.Err
}

// ReceiveProposal forwards a negotiation proposal to the Negotiation
// Manager and republishes it on negotiation/proposal.
func (s *Service) ReceiveProposal(conflict Conflict, path []ParticipantId, p Proposal) error {
	if err := s.negot.ReceiveProposal(conflict, path, p); err != nil {
		return err
	}
	s.transport.Publish(TopicNegotiationProposal, p)
	return nil
}

// ReceiveRejection forwards a negotiation rejection.
func (s *Service) ReceiveRejection(conflict Conflict, path []ParticipantId, r Rejection) error {
	if err := s.negot.ReceiveRejection(conflict, path, r); err != nil {
		return err
	}
	s.transport.Publish(TopicNegotiationRejection, r)
	return nil
}

// ReceiveForfeit forwards a negotiation forfeit.
func (s *Service) ReceiveForfeit(conflict Conflict, path []ParticipantId, f Forfeit) error {
	if err := s.negot.ReceiveForfeit(conflict, path, f); err != nil {
		return err
	}
	s.transport.Publish(TopicNegotiationForfeit, f)
	return nil
}

// ReceiveRefusal forwards a negotiation refusal — clears the room
// outright and republishes on negotiation/refusal (spec §4.6 S6).
func (s *Service) ReceiveRefusal(conflict Conflict, path []ParticipantId) error {
	if err := s.negot.ReceiveRefusal(conflict, path); err != nil {
		return err
	}
	s.transport.Publish(TopicNegotiationRefusal, struct {
		Conflict Conflict `json:"conflict"`
	}{conflict})
	return nil
}

// ReceiveConclusionAck forwards a participant's acknowledgment of a
// negotiation's conclusion and republishes it on negotiation/ack.
func (s *Service) ReceiveConclusionAck(conflict Conflict, participant ParticipantId) {
	s.negot.ReceiveConclusionAck(conflict, participant)
	s.transport.Publish(TopicNegotiationAck, struct {
		Conflict    Conflict      `json:"conflict"`
		Participant ParticipantId `json:"participant"`
	}{conflict, participant})
}
