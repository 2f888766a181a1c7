package schedule

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterQuery_StructurallyEqualQueriesDedup(t *testing.T) {
	qr := NewQueryRegistry(noopTransport{})

	a := Query{Maps: map[string]struct{}{"north": {}, "south": {}}}
	b := Query{Maps: map[string]struct{}{"south": {}, "north": {}}} // same set, different build order

	id1 := qr.RegisterQuery(a)
	id2 := qr.RegisterQuery(b)
	assert.Equal(t, id1, id2)
	assert.Len(t, qr.IDs(), 1)
}

func TestRegisterQuery_ConcurrentIdenticalRegistrationsCollapse(t *testing.T) {
	qr := NewQueryRegistry(noopTransport{})
	q := Query{Maps: map[string]struct{}{"north": {}}}

	const n = 32
	ids := make([]QueryId, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ids[i] = qr.RegisterQuery(q)
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, qr.IDs(), 1)
}

func TestUnregisterQuery_RetiresOnlyAfterLastReference(t *testing.T) {
	qr := NewQueryRegistry(noopTransport{})
	q := Query{}

	id1 := qr.RegisterQuery(q)
	id2 := qr.RegisterQuery(q)
	require.Equal(t, id1, id2)

	require.NoError(t, qr.UnregisterQuery(id1))
	_, ok := qr.Lookup(id1)
	assert.True(t, ok, "query should still be registered: one reference remains")

	require.NoError(t, qr.UnregisterQuery(id1))
	_, ok = qr.Lookup(id1)
	assert.False(t, ok, "query should be retired once every reference is dropped")
}

func TestUnregisterQuery_UnknownIDErrors(t *testing.T) {
	qr := NewQueryRegistry(noopTransport{})
	err := qr.UnregisterQuery(QueryId(999))
	assert.ErrorIs(t, err, ErrUnknownQuery)
}
