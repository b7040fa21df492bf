package crdtdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextInsertAndSyncTwoReplicas(t *testing.T) {
	a := New("replica-a")
	b := New("replica-b")

	a.Text("body").Insert(0, "hello")

	diff := a.Diff(b.State())
	require.False(t, IsSentinel(diff))
	require.NoError(t, b.Apply(diff))

	assert.Equal(t, "hello", b.Text("body").Value())
	assert.Equal(t, a.State(), b.State())
}

func TestApplyIsIdempotent(t *testing.T) {
	a := New("replica-a")
	b := New("replica-b")

	a.Text("body").Insert(0, "hi")
	update := a.Diff(nil)

	require.NoError(t, b.Apply(update))
	require.NoError(t, b.Apply(update)) // second application is a no-op

	assert.Equal(t, "hi", b.Text("body").Value())
}

func TestSentinelNeverApplied(t *testing.T) {
	b := New("replica-b")
	require.NoError(t, b.Apply(Sentinel))
	assert.Equal(t, "", b.Text("body").Value())

	diff := b.Diff(b.State())
	assert.True(t, IsSentinel(diff))
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := New("replica-a")
	b := New("replica-b")

	a.Text("body").Insert(0, "ab")
	diff := a.Diff(nil)
	require.NoError(t, b.Apply(diff))

	// Both replicas now concurrently insert at the same position.
	a.Text("body").Insert(1, "X")
	b.Text("body").Insert(1, "Y")

	aUpdate := a.Diff(b.State())
	bUpdate := b.Diff(a.State())

	require.NoError(t, b.Apply(aUpdate))
	require.NoError(t, a.Apply(bUpdate))

	assert.Equal(t, a.Text("body").Value(), b.Text("body").Value())
	assert.Len(t, a.Text("body").Value(), 4)
}

func TestDeleteConvergesWithConcurrentInsert(t *testing.T) {
	a := New("replica-a")
	b := New("replica-b")

	a.Text("body").Insert(0, "abc")
	require.NoError(t, b.Apply(a.Diff(nil)))

	a.Text("body").Delete(1, 1) // removes "b"
	b.Text("body").Insert(3, "!")

	require.NoError(t, b.Apply(a.Diff(b.State())))
	require.NoError(t, a.Apply(b.Diff(a.State())))

	assert.Equal(t, a.Text("body").Value(), b.Text("body").Value())
	assert.Equal(t, "ac!", a.Text("body").Value())
}

func TestMapLastWriterWins(t *testing.T) {
	a := New("replica-a")
	b := New("replica-b")

	require.NoError(t, a.Map("meta").Set("title", "draft"))
	require.NoError(t, b.Apply(a.Diff(nil)))

	require.NoError(t, a.Map("meta").Set("title", "final"))
	require.NoError(t, b.Apply(a.Diff(b.State())))

	var title string
	ok, err := b.Map("meta").Get("title", &title)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "final", title)
}

func TestCounterConvergesAcrossReplicas(t *testing.T) {
	a := New("replica-a")
	b := New("replica-b")

	a.Counter("likes").Add(3)
	b.Counter("likes").Add(2)

	require.NoError(t, b.Apply(a.Diff(b.State())))
	require.NoError(t, a.Apply(b.Diff(a.State())))

	assert.EqualValues(t, 5, a.Counter("likes").Value())
	assert.EqualValues(t, 5, b.Counter("likes").Value())
}

func TestTransactionBatchesIntoOneObservedUpdate(t *testing.T) {
	a := New("replica-a")
	var updates int
	var lastOrigin Origin
	a.Observe(func(update []byte, origin Origin) {
		updates++
		lastOrigin = origin
	})

	a.Transaction("editor-local", func() {
		a.Text("body").Insert(0, "a")
		a.Text("body").Insert(1, "b")
		a.Counter("edits").Add(1)
	})

	assert.Equal(t, 1, updates)
	assert.Equal(t, Origin("editor-local"), lastOrigin)
}

func TestApplyTagsObserverWithRemoteApplyOrigin(t *testing.T) {
	a := New("replica-a")
	b := New("replica-b")

	var seenOrigin Origin
	b.Observe(func(update []byte, origin Origin) {
		seenOrigin = origin
	})

	a.Text("body").Insert(0, "x")
	require.NoError(t, b.Apply(a.Diff(nil)))

	assert.Equal(t, OriginRemoteApply, seenOrigin)
}

func TestProviderEchoFilterPattern(t *testing.T) {
	// Mirrors how a Provider's observer would filter: forward everything
	// except transactions it produced by applying a remote update.
	a := New("replica-a")
	var forwarded int
	a.Observe(func(update []byte, origin Origin) {
		if origin == OriginRemoteApply {
			return
		}
		forwarded++
	})

	a.Text("body").Insert(0, "local edit")
	assert.Equal(t, 1, forwarded)

	b := New("replica-b")
	b.Text("body").Insert(0, "remote edit")
	require.NoError(t, a.Apply(b.Diff(a.State())))
	assert.Equal(t, 1, forwarded, "remote-applied transaction must not be forwarded again")
}

func TestObserveUnsubscribe(t *testing.T) {
	a := New("replica-a")
	calls := 0
	unsub := a.Observe(func(update []byte, origin Origin) { calls++ })

	a.Text("body").Insert(0, "a")
	unsub()
	a.Text("body").Insert(1, "b")

	assert.Equal(t, 1, calls)
}
