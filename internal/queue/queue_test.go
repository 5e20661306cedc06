package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justchokingaround/playcore/pkg/media"
)

func makeItems(refs ...string) []media.QueueItem {
	items := make([]media.QueueItem, len(refs))
	for i, ref := range refs {
		items[i] = media.QueueItem{ID: ref, Ref: ref, Type: media.TypeAudio}
	}
	return items
}

func TestSet(t *testing.T) {
	t.Run("clamps start index", func(t *testing.T) {
		q := New()
		q.Set(makeItems("a", "b", "c"), 10)
		assert.Equal(t, 2, q.CurrentIndex())

		q.Set(makeItems("a", "b", "c"), -3)
		assert.Equal(t, 0, q.CurrentIndex())
	})

	t.Run("empty queue has index -1", func(t *testing.T) {
		q := New()
		q.Set(nil, 0)
		assert.Equal(t, -1, q.CurrentIndex())
		assert.Nil(t, q.Current())
	})

	t.Run("resets shuffle order", func(t *testing.T) {
		q := New()
		q.Set(makeItems("a", "b", "c"), 0)
		q.SetShuffle(true)
		require.True(t, q.Shuffled())

		q.Set(makeItems("x", "y"), 0)
		assert.False(t, q.Shuffled())
	})
}

func TestAdvance(t *testing.T) {
	t.Run("repeat off stops at the end", func(t *testing.T) {
		q := New()
		q.Set(makeItems("a", "b"), 1)

		assert.Nil(t, q.Advance())
		assert.Equal(t, 1, q.CurrentIndex())

		// Repeated calls keep returning nil without moving the pointer.
		assert.Nil(t, q.Advance())
		assert.Equal(t, 1, q.CurrentIndex())
	})

	t.Run("repeat all wraps in order", func(t *testing.T) {
		q := New()
		q.Set(makeItems("a", "b", "c"), 0)
		q.SetRepeat(media.RepeatAll)

		got := []string{q.Advance().Ref, q.Advance().Ref, q.Advance().Ref}
		assert.Equal(t, []string{"b", "c", "a"}, got)
	})

	t.Run("repeat one returns the same item without moving", func(t *testing.T) {
		q := New()
		q.Set(makeItems("a", "b"), 0)
		q.SetRepeat(media.RepeatOne)

		item := q.Advance()
		require.NotNil(t, item)
		assert.Equal(t, "a", item.Ref)
		assert.Equal(t, 0, q.CurrentIndex())
	})

	t.Run("empty queue returns nil", func(t *testing.T) {
		q := New()
		assert.Nil(t, q.Advance())
	})
}

func TestRetreat(t *testing.T) {
	t.Run("stops at the start with repeat off", func(t *testing.T) {
		q := New()
		q.Set(makeItems("a", "b"), 0)
		assert.Nil(t, q.Retreat())
		assert.Equal(t, 0, q.CurrentIndex())
	})

	t.Run("wraps to the end with repeat all", func(t *testing.T) {
		q := New()
		q.Set(makeItems("a", "b", "c"), 0)
		q.SetRepeat(media.RepeatAll)

		item := q.Retreat()
		require.NotNil(t, item)
		assert.Equal(t, "c", item.Ref)
	})
}

func TestStep(t *testing.T) {
	// Explicit skips move even under repeat one.
	q := New()
	q.Set(makeItems("a", "b"), 0)
	q.SetRepeat(media.RepeatOne)

	item := q.Step(1)
	require.NotNil(t, item)
	assert.Equal(t, "b", item.Ref)
	assert.Equal(t, 1, q.CurrentIndex())

	assert.Nil(t, q.Step(1))
	assert.Equal(t, 1, q.CurrentIndex())
}

func TestJump(t *testing.T) {
	q := New()
	q.Set(makeItems("a", "b", "c"), 0)

	item := q.Jump(2)
	require.NotNil(t, item)
	assert.Equal(t, "c", item.Ref)

	// Out of range clamps rather than failing.
	item = q.Jump(99)
	assert.Equal(t, "c", item.Ref)
	item = q.Jump(-1)
	assert.Equal(t, "a", item.Ref)
}

func TestShuffle(t *testing.T) {
	t.Run("enabling keeps the current item in place", func(t *testing.T) {
		for seed := int64(0); seed < 20; seed++ {
			q := NewSeeded(seed)
			q.Set(makeItems("a", "b", "c", "d", "e"), 2)

			q.SetShuffle(true)
			require.NotNil(t, q.Current())
			assert.Equal(t, "c", q.Current().Ref, "seed %d", seed)
			assert.Equal(t, 2, q.CurrentIndex(), "seed %d", seed)
		}
	})

	t.Run("permutation covers all items", func(t *testing.T) {
		q := NewSeeded(7)
		q.Set(makeItems("a", "b", "c", "d"), 0)
		q.SetShuffle(true)

		seen := map[string]bool{}
		for _, it := range q.Items() {
			seen[it.Ref] = true
		}
		assert.Len(t, seen, 4)
	})

	t.Run("toggle round trip restores the identity index", func(t *testing.T) {
		for seed := int64(0); seed < 20; seed++ {
			q := NewSeeded(seed)
			q.Set(makeItems("a", "b", "c", "d", "e"), 3)

			q.SetShuffle(true)
			current := q.Current().Ref

			// Move around while shuffled so the pointer is somewhere new.
			q.SetRepeat(media.RepeatAll)
			q.Advance()
			moved := q.Current().Ref

			q.SetShuffle(false)
			assert.False(t, q.Shuffled())
			assert.Equal(t, moved, q.Current().Ref, "seed %d", seed)
			_ = current
		}
	})

	t.Run("wrap under repeat all reshuffles without immediate repeat", func(t *testing.T) {
		for seed := int64(0); seed < 20; seed++ {
			q := NewSeeded(seed)
			q.Set(makeItems("a", "b", "c", "d"), 0)
			q.SetRepeat(media.RepeatAll)
			q.SetShuffle(true)

			// Walk to the last slot, remember what played there.
			q.Jump(q.Len() - 1)
			last := q.Current().Ref

			next := q.Advance()
			require.NotNil(t, next)
			assert.Equal(t, 0, q.CurrentIndex())
			assert.NotEqual(t, last, next.Ref, "seed %d", seed)
		}
	})
}

func TestSnapshotRestore(t *testing.T) {
	q := NewSeeded(11)
	q.Set(makeItems("a", "b", "c"), 1)
	q.SetRepeat(media.RepeatAll)
	q.SetShuffle(true)
	playing := q.Current().Ref

	snap := q.Snapshot()

	restored := New()
	restored.Restore(snap)
	assert.Equal(t, q.Len(), restored.Len())
	assert.Equal(t, media.RepeatAll, restored.Repeat())
	assert.True(t, restored.Shuffled())
	require.NotNil(t, restored.Current())
	assert.Equal(t, playing, restored.Current().Ref)
}

func TestCycleRepeatMode(t *testing.T) {
	assert.Equal(t, media.RepeatAll, media.CycleRepeatMode(media.RepeatOff))
	assert.Equal(t, media.RepeatOne, media.CycleRepeatMode(media.RepeatAll))
	assert.Equal(t, media.RepeatOff, media.CycleRepeatMode(media.RepeatOne))
}
