package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuickestFinish_EarliestFinishTimeWinsTiesByLowestForID(t *testing.T) {
	base := time.Now()
	proposals := []Proposal{
		{ForID: 3, FinishTime: base.Add(2 * time.Minute)},
		{ForID: 2, FinishTime: base.Add(1 * time.Minute)},
		{ForID: 1, FinishTime: base.Add(1 * time.Minute)}, // ties with ForID 2, lower wins
	}
	best := quickestFinish(proposals)
	assert.Equal(t, ParticipantId(1), best.ForID)
}

func TestNegotiationManager_InsertOpensRoomOnceNormalizedRegardlessOfOrder(t *testing.T) {
	db := NewDatabase()
	n := NewNegotiationManager(db, NewDefaultCollisionChecker(), noopTransport{})

	v1, opened1 := n.Insert(Conflict{P: 5, Q: 2})
	v2, opened2 := n.Insert(Conflict{P: 2, Q: 5})

	assert.True(t, opened1)
	assert.False(t, opened2)
	assert.Equal(t, v1, v2)
}

func TestNegotiationManager_ReceiveProposalGrowsTreeAndDrainsCache(t *testing.T) {
	db := NewDatabase()
	n := NewNegotiationManager(db, NewDefaultCollisionChecker(), noopTransport{})
	conflict, _ := n.Insert(Conflict{P: 1, Q: 2})
	_ = conflict

	// A proposal targeting a not-yet-existing table is cached.
	err := n.ReceiveProposal(Conflict{P: 1, Q: 2}, []ParticipantId{1}, Proposal{ForID: 2, FinishTime: time.Now()})
	var notFound *NegotiationTableNotFoundError
	require.ErrorAs(t, err, &notFound)

	room := n.rooms[Conflict{P: 1, Q: 2}]
	require.NotNil(t, room)
	assert.Len(t, room.cachedProposals[pathKey([]ParticipantId{1})], 1)

	// Root proposal opens the [1] table; drainCached then drops the message
	// cached above for that key without applying it.
	err = n.ReceiveProposal(Conflict{P: 1, Q: 2}, nil, Proposal{ForID: 1, FinishTime: time.Now()})
	require.NoError(t, err)

	_, ok := room.tables[pathKey([]ParticipantId{1})]
	assert.True(t, ok)
	assert.Empty(t, room.cachedProposals[pathKey([]ParticipantId{1})])
}

func TestCacheBounded_EvictsOldestBeyondLimit(t *testing.T) {
	m := make(map[string][]Proposal)
	for i := 0; i < maxCachedMessages+10; i++ {
		cacheBounded(m, "k", Proposal{Version: int64(i)}, "proposal", 1)
	}
	assert.Len(t, m["k"], maxCachedMessages)
	assert.Equal(t, int64(10), m["k"][0].Version, "the oldest 10 entries should have been evicted")
}

func TestNegotiationManager_ProposalChainConcludesResolvedOnceBothSidesPropose(t *testing.T) {
	db := NewDatabase()
	transport := &recordingTransport{}
	n := NewNegotiationManager(db, NewDefaultCollisionChecker(), transport)
	n.Insert(Conflict{P: 1, Q: 2})

	base := time.Now()
	err := n.ReceiveProposal(Conflict{P: 1, Q: 2}, nil, Proposal{ForID: 1, FinishTime: base})
	require.NoError(t, err)

	room := n.rooms[Conflict{P: 1, Q: 2}]
	assert.False(t, room.concluded, "one-sided chain must not conclude yet")

	err = n.ReceiveProposal(Conflict{P: 1, Q: 2}, []ParticipantId{1}, Proposal{ForID: 2, FinishTime: base.Add(time.Minute)})
	require.NoError(t, err)

	assert.True(t, room.concluded)
	assert.Contains(t, room.awaitingAck, ParticipantId(1), "every participant must key awaiting before acking")
	assert.Contains(t, room.awaitingAck, ParticipantId(2))

	require.NotEmpty(t, transport.payloads)
	conclusion, ok := transport.payloads[len(transport.payloads)-1].(ConflictConclusion)
	require.True(t, ok)
	assert.True(t, conclusion.Resolved)
	assert.Equal(t, []ParticipantId{1, 2}, conclusion.Table)
}

func TestNegotiationManager_ForfeitConcludesRoomWhenAllBranchesDeprecated(t *testing.T) {
	db := NewDatabase()
	transport := &recordingTransport{}
	n := NewNegotiationManager(db, NewDefaultCollisionChecker(), transport)
	n.Insert(Conflict{P: 1, Q: 2})

	err := n.ReceiveForfeit(Conflict{P: 1, Q: 2}, nil, Forfeit{})
	require.NoError(t, err)

	room := n.rooms[Conflict{P: 1, Q: 2}]
	assert.True(t, room.concluded)
	assert.Contains(t, transport.topics, TopicNegotiationConclusion)
}

type recordingTransport struct {
	topics   []string
	payloads []any
}

func (r *recordingTransport) Publish(topic string, payload any) {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
}
func (r *recordingTransport) Subscriber(string) int { return 0 }
