// Package queue implements the ordered playback queue: a mutable list of
// items, a current pointer into the effective order, and the shuffle/repeat
// transformations applied when advancing through it.
//
// The queue is not safe for concurrent use on its own; the session serializes
// every mutation.
package queue

import (
	"math/rand"

	"github.com/justchokingaround/playcore/pkg/media"
)

// Queue is the ordered playback list. The current pointer always indexes the
// effective order (the shuffle permutation when shuffle is on, identity
// otherwise), or is -1 while the queue is empty.
type Queue struct {
	items   []media.QueueItem
	current int
	order   []int // permutation of item indices, nil when shuffle is off
	repeat  media.RepeatMode
	rng     *rand.Rand
}

// New creates an empty queue with repeat off.
func New() *Queue {
	return &Queue{
		current: -1,
		repeat:  media.RepeatOff,
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
}

// NewSeeded creates a queue whose shuffle permutations are deterministic.
func NewSeeded(seed int64) *Queue {
	q := New()
	q.rng = rand.New(rand.NewSource(seed))
	return q
}

// Set replaces the queue wholesale, clears any shuffle order and points the
// queue at startIndex (clamped into range). An empty slice empties the queue.
func (q *Queue) Set(items []media.QueueItem, startIndex int) {
	q.items = make([]media.QueueItem, len(items))
	copy(q.items, items)
	q.order = nil
	if len(q.items) == 0 {
		q.current = -1
		return
	}
	q.current = clamp(startIndex, 0, len(q.items)-1)
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.items = nil
	q.order = nil
	q.current = -1
}

// Len returns the number of items in the queue.
func (q *Queue) Len() int {
	return len(q.items)
}

// CurrentIndex returns the current position in the effective order, or -1
// when the queue is empty.
func (q *Queue) CurrentIndex() int {
	return q.current
}

// Current returns the item at the current pointer, or nil when empty.
func (q *Queue) Current() *media.QueueItem {
	return q.at(q.current)
}

// Items returns a copy of the queue in effective order.
func (q *Queue) Items() []media.QueueItem {
	out := make([]media.QueueItem, 0, len(q.items))
	for i := range q.items {
		out = append(out, *q.at(i))
	}
	return out
}

// Repeat returns the current repeat mode.
func (q *Queue) Repeat() media.RepeatMode {
	return q.repeat
}

// SetRepeat sets the repeat mode.
func (q *Queue) SetRepeat(mode media.RepeatMode) {
	q.repeat = mode
}

// Shuffled reports whether shuffle is enabled.
func (q *Queue) Shuffled() bool {
	return q.order != nil
}

// Advance moves to the next item in effective order, honoring the repeat
// mode. With repeat one it returns the current item without moving. At the
// end of the queue it wraps when repeat is all (reshuffling a shuffled queue
// so the next pass is fresh) and returns nil otherwise, leaving the pointer
// untouched so the session can go idle.
func (q *Queue) Advance() *media.QueueItem {
	if len(q.items) == 0 {
		return nil
	}
	if q.repeat == media.RepeatOne {
		return q.at(q.current)
	}
	return q.step(1)
}

// Retreat is the symmetric counterpart of Advance: it moves to the previous
// item, wrapping only when repeat is all.
func (q *Queue) Retreat() *media.QueueItem {
	if len(q.items) == 0 {
		return nil
	}
	if q.repeat == media.RepeatOne {
		return q.at(q.current)
	}
	return q.step(-1)
}

// Step moves the pointer by delta regardless of repeat one. It is the
// user-initiated skip: an explicit next/previous should move even when the
// natural advance would replay the current item. Wraps when repeat is all,
// returns nil at the boundary otherwise.
func (q *Queue) Step(delta int) *media.QueueItem {
	if len(q.items) == 0 {
		return nil
	}
	return q.step(delta)
}

func (q *Queue) step(delta int) *media.QueueItem {
	next := q.current + delta
	switch {
	case next >= len(q.items):
		if q.repeat != media.RepeatAll {
			return nil
		}
		if q.order != nil {
			q.reshuffleForWrap()
		}
		next = 0
	case next < 0:
		if q.repeat != media.RepeatAll {
			return nil
		}
		next = len(q.items) - 1
	}
	q.current = next
	return q.at(q.current)
}

// Jump forces the pointer to the given effective-order index (clamped) and
// returns the item there.
func (q *Queue) Jump(index int) *media.QueueItem {
	if len(q.items) == 0 {
		return nil
	}
	q.current = clamp(index, 0, len(q.items)-1)
	return q.at(q.current)
}

// SetShuffle enables or disables shuffle. Enabling generates a fresh random
// permutation but keeps the currently playing item at its current effective
// position, so toggling shuffle mid-playback never jumps the user. Disabling
// translates the pointer back to the item's identity-order index.
func (q *Queue) SetShuffle(on bool) {
	if on == q.Shuffled() {
		return
	}
	if !on {
		if q.current >= 0 {
			q.current = q.order[q.current]
		}
		q.order = nil
		return
	}
	if len(q.items) == 0 {
		q.order = []int{}
		return
	}

	q.order = q.rng.Perm(len(q.items))
	// The current pointer indexes identity order right now; pin the playing
	// item to the same slot in the new permutation.
	for pos, idx := range q.order {
		if idx == q.current {
			q.order[pos], q.order[q.current] = q.order[q.current], q.order[pos]
			break
		}
	}
}

// ShuffleOrder returns a copy of the active permutation, or nil.
func (q *Queue) ShuffleOrder() []int {
	if q.order == nil {
		return nil
	}
	out := make([]int, len(q.order))
	copy(out, q.order)
	return out
}

// Restore rebuilds the queue from a persisted snapshot.
func (q *Queue) Restore(snap media.QueueSnapshot) {
	q.Set(snap.Items, 0)
	q.repeat = snap.Repeat
	if snap.Repeat == "" {
		q.repeat = media.RepeatOff
	}
	if snap.Shuffle && len(snap.ShuffleOrder) == len(q.items) {
		q.order = make([]int, len(snap.ShuffleOrder))
		copy(q.order, snap.ShuffleOrder)
	}
	if len(q.items) > 0 {
		q.current = clamp(snap.CurrentIndex, 0, len(q.items)-1)
	}
}

// Snapshot captures the queue for persistence. Items are stored in identity
// order alongside the permutation, mirroring how they were set.
func (q *Queue) Snapshot() media.QueueSnapshot {
	items := make([]media.QueueItem, len(q.items))
	copy(items, q.items)
	return media.QueueSnapshot{
		Items:        items,
		CurrentIndex: q.current,
		Shuffle:      q.Shuffled(),
		ShuffleOrder: q.ShuffleOrder(),
		Repeat:       q.repeat,
	}
}

// reshuffleForWrap draws a new permutation when a shuffled queue wraps under
// repeat all, avoiding an immediate repeat of the item that just finished.
func (q *Queue) reshuffleForWrap() {
	last := q.order[q.current]
	q.order = q.rng.Perm(len(q.items))
	if len(q.items) > 1 && q.order[0] == last {
		swap := 1 + q.rng.Intn(len(q.items)-1)
		q.order[0], q.order[swap] = q.order[swap], q.order[0]
	}
}

// at returns the item at the given effective-order index.
func (q *Queue) at(idx int) *media.QueueItem {
	if idx < 0 || idx >= len(q.items) {
		return nil
	}
	if q.order != nil {
		idx = q.order[idx]
	}
	item := q.items[idx]
	return &item
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
