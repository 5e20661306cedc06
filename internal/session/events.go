package session

import (
	"time"

	"github.com/justchokingaround/playcore/pkg/media"
)

// EventKind identifies what a session event carries.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventItemChanged
	EventChapterChanged
	EventError
)

// Event is a single notification to session observers.
type Event struct {
	Kind    EventKind
	State   media.PlayerState
	Item    *media.QueueItem
	Chapter *media.Chapter
	Err     *media.PlaybackError
}

// Subscribe registers an observer. The returned channel is buffered; slow
// consumers miss events rather than block playback. The cancel function
// removes the subscription. Stop closes all remaining channels.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

func (s *Session) emitLocked(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshot is a read-only view of the session and queue for rendering. It
// shares no mutable state with the session.
type Snapshot struct {
	State     media.PlayerState
	Item      *media.QueueItem
	MediaType media.Type
	Source    *media.Source

	AudioTrack    *int
	SubtitleTrack *int

	Position media.Position
	Chapter  *media.Chapter

	Repeat      media.RepeatMode
	Shuffle     bool
	QueueIndex  int
	QueueLength int

	SleepDeadline    *time.Time
	SleepAtEndOfItem bool

	Err *media.PlaybackError
}

// Snapshot captures the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:            s.state,
		Source:           s.source,
		Position:         s.pos,
		Repeat:           s.queue.Repeat(),
		Shuffle:          s.queue.Shuffled(),
		QueueIndex:       s.queue.CurrentIndex(),
		QueueLength:      s.queue.Len(),
		SleepAtEndOfItem: s.sleepAtEnd,
		Err:              s.err,
	}
	if s.item != nil {
		item := *s.item
		snap.Item = &item
		snap.MediaType = item.Type
	}
	if s.audio != nil {
		v := *s.audio
		snap.AudioTrack = &v
	}
	if s.subtitle != nil {
		v := *s.subtitle
		snap.SubtitleTrack = &v
	}
	if s.chapter != nil {
		ch := *s.chapter
		snap.Chapter = &ch
	}
	if s.sleepDeadline != nil {
		d := *s.sleepDeadline
		snap.SleepDeadline = &d
	}
	return snap
}

// QueueItems returns a copy of the queue contents in insertion order.
func (s *Session) QueueItems() []media.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Items()
}
