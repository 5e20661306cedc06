// Package tracks picks initial audio/subtitle streams for a freshly resolved
// source and validates user-requested track switches against what the engine
// can actually render.
package tracks

import (
	"strings"

	"github.com/justchokingaround/playcore/pkg/media"
)

// imageCodecs lists subtitle codecs that are picture-based and cannot be
// rendered without transcoding them into the video.
var imageCodecs = map[string]bool{
	"pgs":               true,
	"hdmv_pgs_subtitle": true,
	"vobsub":            true,
	"dvd_subtitle":      true,
	"dvdsub":            true,
	"dvb_subtitle":      true,
	"dvbsub":            true,
}

// ChangeCode classifies why a track change was rejected.
type ChangeCode string

const (
	ChangeNotFound    ChangeCode = "not_found"
	ChangeUnsupported ChangeCode = "unsupported"
)

// ChangeError is returned for a rejected track change; the prior selection is
// left untouched by the caller.
type ChangeError struct {
	Code  ChangeCode
	Kind  Kind
	Index int
}

func (e *ChangeError) Error() string {
	return string(e.Kind) + " track change rejected (" + string(e.Code) + ")"
}

// Kind names which track family a change targets.
type Kind string

const (
	KindAudio    Kind = "audio"
	KindSubtitle Kind = "subtitle"
)

// Selection holds the chosen stream indices. A nil pointer means no stream:
// no audio available, or subtitles off.
type Selection struct {
	Audio    *int
	Subtitle *int
}

// Defaults carries the user preferences consulted when resolving a source.
type Defaults struct {
	Language string
}

// Resolver resolves and validates track selections. TranscodeImageSubs
// reflects the playback engine's capability to burn in picture subtitles.
type Resolver struct {
	TranscodeImageSubs bool
}

// ResolveInitial picks the starting tracks for a source. Audio prefers the
// user's language, then the stream flagged default, then the first stream; a
// source with no audio streams yields a nil audio selection, which the
// session treats as "no audio", not an error. Subtitles stay off unless the
// source carries a forced stream matching the chosen audio language.
func (r Resolver) ResolveInitial(src *media.Source, def Defaults) Selection {
	var sel Selection
	if src == nil || len(src.AudioStreams) == 0 {
		return sel
	}

	audio := src.AudioStreams[0]
	if def.Language != "" {
		for _, s := range src.AudioStreams {
			if languageMatches(s.Language, def.Language) {
				audio = s
				sel.Audio = intPtr(s.Index)
				break
			}
		}
	}
	if sel.Audio == nil {
		for _, s := range src.AudioStreams {
			if s.Default {
				audio = s
				sel.Audio = intPtr(s.Index)
				break
			}
		}
	}
	if sel.Audio == nil {
		sel.Audio = intPtr(audio.Index)
	}

	for _, s := range src.SubtitleStreams {
		if s.Forced && languageMatches(s.Language, audio.Language) && r.CanActivateSubtitle(s) {
			sel.Subtitle = intPtr(s.Index)
			break
		}
	}
	return sel
}

// CanActivateSubtitle reports whether a subtitle stream can be activated on
// the current engine. Picture-based codecs need transcode support; the UI is
// expected to show such streams as disabled rather than hide them.
func (r Resolver) CanActivateSubtitle(s media.SubtitleStream) bool {
	if imageCodecs[strings.ToLower(s.Codec)] {
		return r.TranscodeImageSubs
	}
	return true
}

// ValidateChange checks a requested track change against the source. A nil
// index turns the track off, which is always valid for subtitles and invalid
// for audio on a source that has audio streams.
func (r Resolver) ValidateChange(src *media.Source, kind Kind, index *int) error {
	switch kind {
	case KindAudio:
		if index == nil {
			if src != nil && len(src.AudioStreams) > 0 {
				return &ChangeError{Code: ChangeUnsupported, Kind: kind}
			}
			return nil
		}
		if src != nil {
			for _, s := range src.AudioStreams {
				if s.Index == *index {
					return nil
				}
			}
		}
		return &ChangeError{Code: ChangeNotFound, Kind: kind, Index: *index}
	case KindSubtitle:
		if index == nil {
			return nil
		}
		if src != nil {
			for _, s := range src.SubtitleStreams {
				if s.Index != *index {
					continue
				}
				if !r.CanActivateSubtitle(s) {
					return &ChangeError{Code: ChangeUnsupported, Kind: kind, Index: *index}
				}
				return nil
			}
		}
		return &ChangeError{Code: ChangeNotFound, Kind: kind, Index: *index}
	}
	return &ChangeError{Code: ChangeNotFound, Kind: kind}
}

// languageMatches compares language tags loosely: case-insensitive, and a
// bare primary tag matches any of its regional variants (en matches en-US).
func languageMatches(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"-") || strings.HasPrefix(b, a+"-")
}

func intPtr(v int) *int {
	return &v
}
