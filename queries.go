// queries.go
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// registeredQuery is one entry in the Query Registry: the structural
// query plus how many callers currently reference it.
type registeredQuery struct {
	id       QueryId
	query    Query
	refcount int
}

// QueryRegistry deduplicates structurally-equal queries (spec §4.3,
// invariant 4): concurrent register_query calls for the same Query
// collapse onto one QueryId via singleflight, and the registry tracks a
// reference count so the last unregister_query actually retires it.
type QueryRegistry struct {
	mu        sync.Mutex
	nextID    QueryId
	queries   map[QueryId]*registeredQuery
	byKey     map[string]QueryId
	group     singleflight.Group
	transport Transport
}

// NewQueryRegistry constructs an empty registry publishing
// schedule/queries_info updates through transport.
func NewQueryRegistry(transport Transport) *QueryRegistry {
	return &QueryRegistry{
		queries:   make(map[QueryId]*registeredQuery),
		byKey:     make(map[string]QueryId),
		transport: transport,
	}
}

// RegisterQuery returns the QueryId for q, reusing an existing
// registration if q is structurally equal to one already registered.
func (qr *QueryRegistry) RegisterQuery(q Query) QueryId {
	key := canonicalQueryKey(q)

	qr.mu.Lock()
	if id, ok := qr.byKey[key]; ok {
		qr.queries[id].refcount++
		qr.mu.Unlock()
		qr.publishInfo()
		return id
	}
	qr.mu.Unlock()

	ran := false
	result, _, _ := qr.group.Do(key, func() (any, error) {
		ran = true
		qr.mu.Lock()
		defer qr.mu.Unlock()
		if id, ok := qr.byKey[key]; ok {
			qr.queries[id].refcount++
			return id, nil
		}
		qr.nextID++
		id := qr.nextID
		qr.queries[id] = &registeredQuery{id: id, query: q, refcount: 1}
		qr.byKey[key] = id
		return id, nil
	})

	id := result.(QueryId)
	if !ran {
		// This caller shared another caller's result, which counted
		// only one reference; count this registration too.
		qr.mu.Lock()
		if rec, ok := qr.queries[id]; ok {
			rec.refcount++
		}
		qr.mu.Unlock()
	}
	qr.publishInfo()
	return id
}

// UnregisterQuery drops one reference to id; the query is retired once
// its reference count reaches zero.
func (qr *QueryRegistry) UnregisterQuery(id QueryId) error {
	qr.mu.Lock()
	rec, ok := qr.queries[id]
	if !ok {
		qr.mu.Unlock()
		return ErrUnknownQuery
	}
	rec.refcount--
	retired := rec.refcount <= 0
	if retired {
		delete(qr.queries, id)
		delete(qr.byKey, canonicalQueryKey(rec.query))
	}
	qr.mu.Unlock()
	qr.publishInfo()
	return nil
}

// Lookup returns the Query registered under id.
func (qr *QueryRegistry) Lookup(id QueryId) (Query, bool) {
	qr.mu.Lock()
	defer qr.mu.Unlock()
	rec, ok := qr.queries[id]
	if !ok {
		return Query{}, false
	}
	return rec.query, true
}

// IDs returns every currently-registered QueryId, ascending.
func (qr *QueryRegistry) IDs() []QueryId {
	qr.mu.Lock()
	defer qr.mu.Unlock()
	out := make([]QueryId, 0, len(qr.queries))
	for id := range qr.queries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// QueriesInfoMsg is the payload published on schedule/queries_info.
type QueriesInfoMsg struct {
	Count int `json:"count"`
}

func (qr *QueryRegistry) publishInfo() {
	if qr.transport == nil {
		return
	}
	qr.mu.Lock()
	count := len(qr.queries)
	qr.mu.Unlock()
	qr.transport.Publish(TopicQueriesInfo, QueriesInfoMsg{Count: count})
}

// canonicalQueryKey produces a deterministic string for a Query so
// structurally-equal queries (regardless of map/participant iteration
// order) hash to the same singleflight/dedup key.
func canonicalQueryKey(q Query) string {
	var sb strings.Builder

	maps := make([]string, 0, len(q.Maps))
	for m := range q.Maps {
		maps = append(maps, m)
	}
	sort.Strings(maps)
	sb.WriteString("maps:")
	sb.WriteString(strings.Join(maps, ","))

	parts := make([]ParticipantId, 0, len(q.Participants))
	for p := range q.Participants {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	sb.WriteString("|participants:")
	for i, p := range parts {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", p)
	}

	sb.WriteString("|t0:")
	if q.T0 != nil {
		sb.WriteString(q.T0.UTC().Format("20060102T150405.000000000"))
	}
	sb.WriteString("|t1:")
	if q.T1 != nil {
		sb.WriteString(q.T1.UTC().Format("20060102T150405.000000000"))
	}
	return sb.String()
}
