// Package chapters builds a queryable index over a source's chapter markers:
// chapter containing a position, next chapter, and the previous-chapter rule
// used by skip-back controls.
package chapters

import (
	"sort"
	"time"

	"github.com/justchokingaround/playcore/pkg/media"
)

// DefaultRestartWindow is how long after a chapter start a "previous" request
// still jumps to the prior chapter instead of restarting the current one.
const DefaultRestartWindow = 3 * time.Second

// Index answers chapter queries for one source. Built once per source; an
// empty marker list makes every query return nil.
type Index struct {
	chapters      []media.Chapter
	restartWindow time.Duration
}

// Option configures an Index.
type Option func(*Index)

// WithRestartWindow overrides the previous-chapter debounce window.
func WithRestartWindow(d time.Duration) Option {
	return func(ix *Index) {
		ix.restartWindow = d
	}
}

// NewIndex builds an index from a source's chapter markers. Markers are
// expected ascending by start; the index sorts defensively since it is cheap
// and done once.
func NewIndex(chs []media.Chapter, opts ...Option) *Index {
	ix := &Index{
		chapters:      make([]media.Chapter, len(chs)),
		restartWindow: DefaultRestartWindow,
	}
	copy(ix.chapters, chs)
	sort.SliceStable(ix.chapters, func(i, j int) bool {
		return ix.chapters[i].Start < ix.chapters[j].Start
	})
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Len returns the number of chapters.
func (ix *Index) Len() int {
	return len(ix.chapters)
}

// Chapters returns a copy of the sorted markers.
func (ix *Index) Chapters() []media.Chapter {
	out := make([]media.Chapter, len(ix.chapters))
	copy(out, ix.chapters)
	return out
}

// At returns the chapter containing the position: the last marker whose start
// is at or before it. Returns nil when there are no chapters or the position
// precedes the first marker.
func (ix *Index) At(pos time.Duration) *media.Chapter {
	i := ix.search(pos)
	if i < 0 {
		return nil
	}
	ch := ix.chapters[i]
	return &ch
}

// Next returns the first chapter starting strictly after the position, or nil.
func (ix *Index) Next(pos time.Duration) *media.Chapter {
	i := ix.search(pos) + 1
	if i >= len(ix.chapters) {
		return nil
	}
	ch := ix.chapters[i]
	return &ch
}

// Previous implements the skip-back rule: within the restart window of the
// current chapter's start it returns the chapter before the current one;
// past the window it returns the current chapter itself, so the control
// restarts the chapter instead of jumping back.
func (ix *Index) Previous(pos time.Duration) *media.Chapter {
	i := ix.search(pos)
	if i < 0 {
		return nil
	}
	if pos-ix.chapters[i].Start <= ix.restartWindow {
		if i == 0 {
			return nil
		}
		i--
	}
	ch := ix.chapters[i]
	return &ch
}

// search returns the index of the last chapter with Start <= pos, or -1.
func (ix *Index) search(pos time.Duration) int {
	return sort.Search(len(ix.chapters), func(i int) bool {
		return ix.chapters[i].Start > pos
	}) - 1
}
