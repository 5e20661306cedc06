package media

import "time"

// Type classifies what kind of content a queue item plays.
type Type string

const (
	TypeVideo     Type = "video"
	TypeAudio     Type = "audio"
	TypeAudiobook Type = "audiobook"
)

// String returns the string representation of Type.
func (t Type) String() string {
	return string(t)
}

// AudioStream describes one selectable audio stream of a source.
type AudioStream struct {
	Index    int    `json:"index"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Channels int    `json:"channels,omitempty"`
	Default  bool   `json:"default"`
}

// SubtitleStream describes one selectable subtitle stream of a source.
type SubtitleStream struct {
	Index    int    `json:"index"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Default  bool   `json:"default"`
	Forced   bool   `json:"forced"`
}

// Chapter is a single chapter marker inside a source. Markers are ordered
// ascending by Start; a missing first marker means the first chapter starts
// at zero.
type Chapter struct {
	Start    time.Duration `json:"start"`
	Name     string        `json:"name,omitempty"`
	ImageRef string        `json:"image_ref,omitempty"`
}

// Source is the resolved, playable description of a queue item's content.
// It is immutable once attached to a session; forcing a different quality
// replaces the whole value.
type Source struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Container       string            `json:"container,omitempty"`
	Duration        time.Duration     `json:"duration"` // zero until the engine reports it
	AudioStreams    []AudioStream     `json:"audio_streams,omitempty"`
	SubtitleStreams []SubtitleStream  `json:"subtitle_streams,omitempty"`
	Chapters        []Chapter         `json:"chapters,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// QueueItem is one entry in the ordered playback list. It references server
// content by Ref; the resolved Source is held by the session, not the queue.
type QueueItem struct {
	ID         string `json:"id"`
	Ref        string `json:"ref"`
	Title      string `json:"title,omitempty"`
	Type       Type   `json:"type"`
	SourceHint int    `json:"source_hint,omitempty"`
}

// RepeatMode controls how the queue behaves at item and queue boundaries.
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatAll RepeatMode = "all"
	RepeatOne RepeatMode = "one"
)

// String returns the string representation of RepeatMode.
func (m RepeatMode) String() string {
	return string(m)
}

// CycleRepeatMode returns the next mode in the tap-to-cycle order
// off -> all -> one -> off.
func CycleRepeatMode(m RepeatMode) RepeatMode {
	switch m {
	case RepeatOff:
		return RepeatAll
	case RepeatAll:
		return RepeatOne
	default:
		return RepeatOff
	}
}

// PlayerState is the session state machine's current state.
type PlayerState string

const (
	StateIdle      PlayerState = "idle"
	StateLoading   PlayerState = "loading"
	StatePlaying   PlayerState = "playing"
	StatePaused    PlayerState = "paused"
	StateBuffering PlayerState = "buffering"
	StateEnded     PlayerState = "ended"
	StateError     PlayerState = "error"
)

// String returns the string representation of PlayerState.
func (s PlayerState) String() string {
	return string(s)
}

// Position is the engine-reported playback position for the current item.
type Position struct {
	Elapsed         time.Duration `json:"elapsed"`
	Duration        time.Duration `json:"duration"`
	BufferedPercent float64       `json:"buffered_percent"`
}

// PlaybackRecord is the locally persisted resume point for one item.
// At most one record exists per item ref; a new write overwrites, never merges.
type PlaybackRecord struct {
	ItemRef       string        `json:"item_ref"`
	Position      time.Duration `json:"position"`
	Duration      time.Duration `json:"duration"`
	PlayedPercent float64       `json:"played_percent"`
	SavedAt       time.Time     `json:"saved_at"`
}

// QueueSnapshot captures the live queue so a later process can restore it.
type QueueSnapshot struct {
	Items        []QueueItem   `json:"items"`
	CurrentIndex int           `json:"current_index"`
	Shuffle      bool          `json:"shuffle"`
	ShuffleOrder []int         `json:"shuffle_order,omitempty"`
	Repeat       RepeatMode    `json:"repeat"`
	Position     time.Duration `json:"position"`
	SavedAt      time.Time     `json:"saved_at"`
}
