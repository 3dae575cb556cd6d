package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	target := gridaddr.ParseAddress("host1/nodeA")

	r.RegisterAs("worker", target, Features{Public: true}, 0)

	got, ok := r.Resolve("worker")
	require.True(t, ok)
	assert.True(t, got.Equal(target, false))
}

func TestResolveMissingReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Resolve("nothing-here")
	assert.False(t, ok)
}

func TestResolvePrefersPublicEntries(t *testing.T) {
	r := New()
	priv := gridaddr.ParseAddress("host1/private")
	pub := gridaddr.ParseAddress("host1/public")

	r.RegisterAs("worker", priv, Features{Public: false}, 0)
	r.RegisterAs("worker", pub, Features{Public: true}, 0)

	for i := 0; i < 20; i++ {
		got, ok := r.Resolve("worker")
		require.True(t, ok)
		assert.True(t, got.Equal(pub, false), "should always pick the public entry when one exists")
	}
}

func TestRegisterAsUpdatesInPlace(t *testing.T) {
	r := New()
	target := gridaddr.ParseAddress("host1/nodeA")

	r.RegisterAs("worker", target, Features{Public: false}, 0)
	r.RegisterAs("worker", target, Features{Public: true}, time.Minute)

	entries := r.Lookup("worker")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Features.Public)
	assert.False(t, entries[0].EndTime.IsZero())
}

func TestGCRemovesExpiredEntries(t *testing.T) {
	r := New()
	target := gridaddr.ParseAddress("host1/nodeA")
	r.RegisterAs("worker", target, Features{Public: true}, time.Millisecond)

	removed := r.GC(time.Now().Add(time.Second))
	assert.Equal(t, 1, removed)
	assert.False(t, r.HasNode("worker"))
}

func TestGCKeepsUnexpiredEntries(t *testing.T) {
	r := New()
	target := gridaddr.ParseAddress("host1/nodeA")
	r.RegisterAs("worker", target, Features{Public: true}, time.Hour)

	removed := r.GC(time.Now())
	assert.Equal(t, 0, removed)
	assert.True(t, r.HasNode("worker"))
}

func TestUnregisterRemovesAllEntries(t *testing.T) {
	r := New()
	r.RegisterAs("worker", gridaddr.ParseAddress("host1/a"), Features{}, 0)
	r.RegisterAs("worker", gridaddr.ParseAddress("host1/b"), Features{}, 0)

	r.Unregister("worker")
	assert.False(t, r.HasNode("worker"))
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := New()
	r.RegisterAs("worker", gridaddr.ParseAddress("host1/a"), Features{}, 0)

	snap := r.Snapshot()
	r.RegisterAs("worker", gridaddr.ParseAddress("host1/b"), Features{}, 0)

	assert.Len(t, snap["worker"], 1, "snapshot must not see later mutations")
	assert.Len(t, r.Lookup("worker"), 2)
}
