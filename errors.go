// errors.go
package schedule

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when the input fails validation.
var ErrInvalidInput = errors.New("invalid input")

// ErrUnknownParticipant is returned when an operation references a
// ParticipantId the database has no record of.
var ErrUnknownParticipant = errors.New("unknown participant")

// ErrUnknownQuery is the typed result for request_changes against an id
// the Query Registry no longer holds (spec §4.3).
var ErrUnknownQuery = errors.New("unknown query id")

// ErrNegotiationDeprecated is returned by NegotiationManager.ReceiveProposal,
// which then does not record the proposal, when the target table has been
// deprecated by a rejection or forfeit.
var ErrNegotiationDeprecated = errors.New("negotiation table deprecated")

// RegistryIOError wraps a failure to lock, open, replay or durably
// append to the registry log. cmd/server exits when one is raised while
// the service starts; one raised by a later append is returned to the
// caller and the service keeps running.
type RegistryIOError struct {
	Op  string
	Err error
}

func (e *RegistryIOError) Error() string {
	return fmt.Sprintf("registry io error during %s: %v", e.Op, e.Err)
}

func (e *RegistryIOError) Unwrap() error { return e.Err }

// StaleVersionError is returned (and dropped, not applied) when a
// mutation's client_version is below the participant's next-expected
// version.
type StaleVersionError struct {
	Participant   ParticipantId
	ClientVersion Version
	NextExpected  Version
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version %d for participant %d (next expected %d)",
		e.ClientVersion, e.Participant, e.NextExpected)
}

// OutOfOrderVersionError is returned when a mutation's client_version is
// greater than next-expected; the mutation is buffered and the gap is
// recorded as an inconsistency range rather than rejected.
type OutOfOrderVersionError struct {
	Participant  ParticipantId
	NextExpected Version
	Got          Version
}

func (e *OutOfOrderVersionError) Error() string {
	return fmt.Sprintf("out of order version for participant %d: expected %d, got %d",
		e.Participant, e.NextExpected, e.Got)
}

// NegotiationTableNotFoundError is returned when a message names an
// unknown negotiation, or a to_accommodate path with no matching table
// yet. In the second case the manager caches the message until the table
// is created and then discards it without applying it.
type NegotiationTableNotFoundError struct {
	Negotiation NegotiationVersion
	Path        []ParticipantId
}

func (e *NegotiationTableNotFoundError) Error() string {
	return fmt.Sprintf("negotiation %d: no table for path %v", e.Negotiation, e.Path)
}

// CollisionCheckError wraps a failure from the external DetectConflict
// collaborator. The conflict-check loop logs and continues (spec §4.5/§7).
type CollisionCheckError struct {
	A, B ParticipantId
	Err  error
}

func (e *CollisionCheckError) Error() string {
	return fmt.Sprintf("collision check failed between %d and %d: %v", e.A, e.B, e.Err)
}

func (e *CollisionCheckError) Unwrap() error { return e.Err }
