// transport.go
package schedule

import "fmt"

// Topic names published over Transport (spec §6). Topics parameterized
// by an id are built with a helper (TopicQueryUpdate).
const (
	TopicHeartbeat       = "schedule/heartbeat"
	TopicParticipantInfo = "schedule/participants_info"
	TopicQueriesInfo     = "schedule/queries_info"
	TopicInconsistency   = "schedule/inconsistency"

	TopicItinerarySet    = "itinerary/set"
	TopicItineraryExtend = "itinerary/extend"
	TopicItineraryDelay  = "itinerary/delay"
	TopicItineraryErase  = "itinerary/erase"
	TopicItineraryClear  = "itinerary/clear"

	TopicNegotiationNotice     = "negotiation/notice"
	TopicNegotiationAck        = "negotiation/ack"
	TopicNegotiationRefusal    = "negotiation/refusal"
	TopicNegotiationProposal   = "negotiation/proposal"
	TopicNegotiationRejection  = "negotiation/rejection"
	TopicNegotiationForfeit    = "negotiation/forfeit"
	TopicNegotiationConclusion = "negotiation/conclusion"
)

// TopicQueryUpdate is the per-query patch topic: schedule/query_update/{id}.
func TopicQueryUpdate(id QueryId) string {
	return fmt.Sprintf("schedule/query_update/%d", id)
}
