package hub_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchtower/hub"
	"github.com/watchmesh/watchtower/wire"
)

func TestCorrelatorFiresAtMostOnce(t *testing.T) {
	t.Parallel()
	c := hub.NewCorrelator()
	var fired int
	c.Register("t1", func(*wire.ValidateReply) { fired++ })

	require.True(t, c.Fire("t1", &wire.ValidateReply{Token: "t1"}))
	require.False(t, c.Fire("t1", &wire.ValidateReply{Token: "t1"}))
	require.Equal(t, 1, fired)
	require.Equal(t, 0, c.Len())
}

func TestCorrelatorIgnoresUnknownToken(t *testing.T) {
	t.Parallel()
	c := hub.NewCorrelator()
	require.False(t, c.Fire("never-issued", &wire.ValidateReply{}))
}

func TestCorrelatorSweep(t *testing.T) {
	t.Parallel()
	c := hub.NewCorrelator()
	var fired bool
	c.Register("t1", func(*wire.ValidateReply) { fired = true })
	time.Sleep(20 * time.Millisecond)
	c.Register("t2", func(*wire.ValidateReply) {})

	require.Equal(t, 1, c.Sweep(10*time.Millisecond))
	require.Equal(t, 1, c.Len())

	// A late reply to the evicted token is a silent miss.
	require.False(t, c.Fire("t1", &wire.ValidateReply{}))
	require.False(t, fired)
	require.True(t, c.Fire("t2", &wire.ValidateReply{}))
}

func TestRegistrySnapshot(t *testing.T) {
	t.Parallel()
	r := hub.NewRegistry()
	c1, c2 := &hub.Conn{}, &hub.Conn{}
	r.Register(hub.Member{Conn: c1, ValidatorID: "v1", PubKey: "k1"})
	r.Register(hub.Member{Conn: c2, ValidatorID: "v2", PubKey: "k2"})
	require.Equal(t, 2, r.Len())

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)

	require.True(t, r.Deregister(c1))
	require.False(t, r.Deregister(c1), "second deregister is a no-op")
	require.Equal(t, 1, r.Len())

	// The snapshot taken before the removal is unaffected.
	require.Len(t, snapshot, 2)
}

func TestRegistryDeregisterUnknownConn(t *testing.T) {
	t.Parallel()
	r := hub.NewRegistry()
	// A connection that never authenticated still disconnects cleanly.
	require.False(t, r.Deregister(&hub.Conn{}))
}
