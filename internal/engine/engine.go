// Package engine defines the playback engine contract. An engine owns the
// actual media pipeline; the session drives it and reacts to its events.
package engine

import (
	"context"
	"time"

	"github.com/justchokingaround/playcore/pkg/media"
)

// EventKind identifies what an engine event carries.
type EventKind int

const (
	// EventTick is a periodic position update while media is loaded.
	EventTick EventKind = iota
	// EventReady fires once the loaded source is playable.
	EventReady
	// EventBuffering fires when playback stalls waiting for data, and
	// again with Buffering=false when it recovers.
	EventBuffering
	// EventEnded fires when the current source plays to completion.
	EventEnded
	// EventError fires on an unrecoverable engine failure.
	EventError
)

// Event is a single notification from the engine.
type Event struct {
	Kind      EventKind
	Position  media.Position
	Buffering bool
	Err       error
}

// LoadSelection carries the initial track and position choices for a load.
type LoadSelection struct {
	Audio    *int
	Subtitle *int
	Start    time.Duration
	Autoplay bool
}

// Capabilities describes what the engine can do beyond baseline playback.
type Capabilities struct {
	// TranscodeImageSubtitles reports whether the engine can burn in
	// image-based subtitle formats such as PGS or VOBSUB.
	TranscodeImageSubtitles bool
}

// Engine is a playback backend. Implementations must deliver events on the
// Events channel until Stop is called, after which the channel is closed.
type Engine interface {
	// Load replaces the current media with src. Any previous load is
	// discarded without an Ended event.
	Load(ctx context.Context, src *media.Source, sel LoadSelection) error

	Play() error
	Pause() error
	Seek(pos time.Duration) error

	SetAudioTrack(index int) error
	// SetSubtitleTrack disables subtitles when index is nil.
	SetSubtitleTrack(index *int) error

	// Stop tears the engine down and closes the Events channel.
	Stop(ctx context.Context) error

	Events() <-chan Event
	Capabilities() Capabilities
}
