package singlemaster

import (
	"testing"
	"time"

	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	srvA = cluster.Server{Name: "a", Addr: "a:1"}
	srvB = cluster.Server{Name: "b", Addr: "b:1"}
	srvC = cluster.Server{Name: "c", Addr: "c:1"}
	srvD = cluster.Server{Name: "d", Addr: "d:1"}
)

func TestStateBuilder_FromConfig(t *testing.T) {
	st := NewStateBuilderFromConfig(cluster.NewConfiguration(srvA, srvB, srvC)).Build()

	assert.Equal(t, []cluster.Server{srvA, srvB, srvC}, st.Servers())
	assert.Equal(t, 3, st.Size())
	assert.Nil(t, st.MasterNode())
	for _, n := range st.Nodes() {
		assert.Equal(t, Unknown, n.Status)
		assert.False(t, n.Master)
	}
}

func TestStateBuilder_SingleMaster(t *testing.T) {
	base := NewStateBuilderFromConfig(cluster.NewConfiguration(srvA, srvB, srvC)).Build()

	st := NewStateBuilder(base).SetMaster(srvA).SetMaster(srvB).Build()
	m, ok := st.Master()
	require.True(t, ok)
	assert.Equal(t, srvB, m)
	assert.False(t, st.IsMaster(srvA))

	masters := 0
	for _, n := range st.Nodes() {
		if n.Master {
			masters++
		}
	}
	assert.Equal(t, 1, masters)

	cleared := NewStateBuilder(st).ClearMaster().Build()
	_, ok = cleared.Master()
	assert.False(t, ok)
}

func TestStateBuilder_UpdateServerState(t *testing.T) {
	base := NewStateBuilderFromConfig(cluster.NewConfiguration(srvA, srvB)).Build()

	st := NewStateBuilder(base).
		UpdateServerState(srvA, 12).
		UpdateServerState(srvB, -1).
		UpdateServerState(srvC, 0).
		Build()

	a, _ := st.Node(srvA)
	assert.Equal(t, Available, a.Status)
	assert.Equal(t, 12*time.Millisecond, a.Latency)
	assert.True(t, st.IsAvailable(srvA))
	assert.False(t, st.IsAvailable(srvB))

	b, _ := st.Node(srvB)
	assert.Equal(t, Down, b.Status)

	assert.Equal(t, []cluster.Server{srvA, srvB, srvC}, st.Servers(), "Unknown servers are appended")
}

func TestStateBuilder_BuildIsImmutable(t *testing.T) {
	b := NewStateBuilderFromConfig(cluster.NewConfiguration(srvA, srvB))
	first := b.Build()
	b.SetMaster(srvA).UpdateServerState(srvB, 3)
	second := b.Build()

	assert.Nil(t, first.MasterNode())
	n, _ := first.Node(srvB)
	assert.Equal(t, Unknown, n.Status)
	assert.NotEqual(t, first.Version(), second.Version())
}

func TestSameTopology(t *testing.T) {
	base := NewStateBuilderFromConfig(cluster.NewConfiguration(srvA, srvB)).
		SetMaster(srvA).
		UpdateServerState(srvA, 0).
		UpdateServerState(srvB, 4).
		Build()

	latencyOnly := NewStateBuilder(base).UpdateServerState(srvB, 9).Build()
	assert.True(t, sameTopology(base, latencyOnly))

	down := NewStateBuilder(base).UpdateServerState(srvB, -1).Build()
	assert.False(t, sameTopology(base, down))

	otherMaster := NewStateBuilder(base).SetMaster(srvB).Build()
	assert.False(t, sameTopology(base, otherMaster))

	grown := NewStateBuilder(base).UpdateServerState(srvC, 1).Build()
	assert.False(t, sameTopology(base, grown))
}

func TestStateRequestRoundTrip(t *testing.T) {
	st := NewStateBuilderFromConfig(cluster.NewConfiguration(srvA, srvB, srvC)).
		SetMaster(srvB).
		UpdateServerState(srvB, 7).
		UpdateServerState(srvC, -1).
		Build()

	back := requestToState(stateToRequest(srvB, st))
	assert.Equal(t, st.Version(), back.Version())
	assert.Equal(t, st.Nodes(), back.Nodes())
}

func TestRequestToState_Sanitizes(t *testing.T) {
	req := &ClusterStateRequest{
		From:    srvA,
		Version: "not a uuid",
		Nodes: []NodeStateMessage{
			{Server: srvA, Master: true, Status: Available},
			{Server: srvB, Master: true, Status: Available},
			{Server: srvA, Status: Down},
		},
	}

	st := requestToState(req)
	assert.Equal(t, 2, st.Size(), "Duplicate servers are dropped")
	m, ok := st.Master()
	require.True(t, ok)
	assert.Equal(t, srvA, m, "Only the first master is kept")
	assert.False(t, st.IsMaster(srvB))
}

func TestClusterAvailable(t *testing.T) {
	tests := []struct {
		name    string
		counter int
		size    int
		factor  float64
		want    bool
	}{
		{"Single server", 1, 1, 0.66, true},
		{"Four of four", 4, 4, 0.66, true},
		{"Two of four", 2, 4, 0.66, true},
		{"One of four", 1, 4, 0.66, false},
		{"Two of five", 2, 5, 0.66, false},
		{"Three of five", 3, 5, 0.66, true},
		{"Factor one needs every server", 3, 4, 1, false},
		{"Factor one with every server", 4, 4, 1, true},
		{"Factor zero", 1, 10, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clusterAvailable(tt.counter, tt.size, tt.factor))
		})
	}
}

func TestStoreKey_Encoding(t *testing.T) {
	keys := []StoreKey{
		NewStoreKey("string"),
		NewStoreKey("map[string]string", "kv"),
		NewStoreKey("int", "a,b", "c]", `"quoted"`),
	}
	for _, k := range keys {
		back, err := DecodeStoreKey(k.Encode())
		require.NoError(t, err)
		assert.True(t, k.Equal(back), "%v decoded as %v", k, back)
	}

	assert.NotEqual(t,
		NewStoreKey("int", "a,b").Encode(),
		NewStoreKey("int", "a", "b").Encode(),
		"Qualifiers containing separators stay distinct")

	_, err := DecodeStoreKey([]byte("[]"))
	assert.ErrorIs(t, err, ErrInvalidStoreKey)
	_, err = DecodeStoreKey([]byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidStoreKey)
}
