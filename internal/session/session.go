// Package session implements the playback session state machine. A Session
// owns the queue, the current item's resolved source and track selections,
// and drives the playback engine; every state transition is serialized
// through its mutex so callers and engine events never interleave
// mid-transition.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/justchokingaround/playcore/internal/chapters"
	"github.com/justchokingaround/playcore/internal/clock"
	"github.com/justchokingaround/playcore/internal/engine"
	"github.com/justchokingaround/playcore/internal/progress"
	"github.com/justchokingaround/playcore/internal/queue"
	"github.com/justchokingaround/playcore/internal/tracks"
	"github.com/justchokingaround/playcore/pkg/media"
)

// SourceResolver fetches the playable description of a queue item.
type SourceResolver interface {
	ResolveSource(ctx context.Context, item media.QueueItem) (*media.Source, error)
}

// SnapshotStore persists the live queue for restore across restarts.
type SnapshotStore interface {
	SaveQueueSnapshot(snap media.QueueSnapshot) error
	LoadQueueSnapshot() (*media.QueueSnapshot, error)
	ClearQueueSnapshot() error
}

// Config wires a session's collaborators.
type Config struct {
	Resolver  SourceResolver
	Engine    engine.Engine
	Reporter  *progress.Reporter
	Snapshots SnapshotStore // optional
	Clock     clock.Clock
	Logger    *slog.Logger

	TrackDefaults tracks.Defaults
	// ChapterRestartWindow overrides the back-skip debounce window.
	ChapterRestartWindow time.Duration
}

// PlayOptions modifies how playback of a queue starts.
type PlayOptions struct {
	StartAt time.Duration
	// Paused loads the first item without starting playback.
	Paused bool
}

// Session is the single live playback state machine. At most one should be
// active per process.
type Session struct {
	mu sync.Mutex

	queue    *queue.Queue
	resolver SourceResolver
	engine   engine.Engine
	reporter *progress.Reporter
	snaps    SnapshotStore
	tracks   tracks.Resolver
	clk      clock.Clock
	log      *slog.Logger

	defaults      tracks.Defaults
	restartWindow time.Duration

	state    media.PlayerState
	item     *media.QueueItem
	source   *media.Source
	chapters *chapters.Index
	chapter  *media.Chapter
	audio    *int
	subtitle *int
	pos      media.Position
	err      *media.PlaybackError

	// loadToken invalidates the result of a superseded resolution.
	loadToken  uint64
	loadCancel context.CancelFunc
	autoplay   bool

	// Track changes requested during Loading/Idle, applied after the
	// source resolves. Last write wins.
	pendingAudio    *int
	pendingAudioSet bool
	pendingSub      *int
	pendingSubSet   bool

	sleepDeadline *time.Time
	sleepAtEnd    bool

	subs   []chan Event
	closed bool
	done   chan struct{}
}

// New creates a session and starts consuming the engine's event stream.
func New(cfg Config) (*Session, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("session requires a source resolver")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("session requires a playback engine")
	}
	if cfg.Reporter == nil {
		return nil, fmt.Errorf("session requires a progress reporter")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChapterRestartWindow == 0 {
		cfg.ChapterRestartWindow = chapters.DefaultRestartWindow
	}

	s := &Session{
		queue:         queue.New(),
		resolver:      cfg.Resolver,
		engine:        cfg.Engine,
		reporter:      cfg.Reporter,
		snaps:         cfg.Snapshots,
		clk:           cfg.Clock,
		log:           cfg.Logger,
		defaults:      cfg.TrackDefaults,
		restartWindow: cfg.ChapterRestartWindow,
		state:         media.StateIdle,
		done:          make(chan struct{}),
	}
	s.tracks = tracks.Resolver{
		TranscodeImageSubs: cfg.Engine.Capabilities().TranscodeImageSubtitles,
	}

	go s.run()
	return s, nil
}

// State returns the current state.
func (s *Session) State() media.PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Play replaces the queue and starts playback at startIndex. An active
// session is fully stopped, with a final progress report for its item,
// before the new queue loads.
func (s *Session) Play(items []media.QueueItem, startIndex int, opts PlayOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session is stopped")
	}

	s.finalReportLocked()
	s.queue.Set(items, startIndex)

	if s.queue.Len() == 0 {
		s.toIdleLocked()
		return nil
	}

	item := s.queue.Current()
	s.beginLoadLocked(*item, opts.StartAt, !opts.Paused)
	return nil
}

// Restore rebuilds the queue from the persisted snapshot and re-enters
// playback at the saved position. With autoplay false the item loads paused.
func (s *Session) Restore(autoplay bool) error {
	if s.snaps == nil {
		return fmt.Errorf("no snapshot store configured")
	}
	snap, err := s.snaps.LoadQueueSnapshot()
	if err != nil {
		return fmt.Errorf("failed to load queue snapshot: %w", err)
	}
	if snap == nil || len(snap.Items) == 0 {
		return fmt.Errorf("no queue snapshot to restore")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session is stopped")
	}

	s.finalReportLocked()
	s.queue.Restore(*snap)

	item := s.queue.Current()
	if item == nil {
		s.toIdleLocked()
		return nil
	}
	s.beginLoadLocked(*item, snap.Position, autoplay)
	return nil
}

// Pause pauses playback and issues an immediate progress report.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case media.StatePlaying, media.StateBuffering:
	default:
		return fmt.Errorf("cannot pause in state %s", s.state)
	}

	if err := s.engine.Pause(); err != nil {
		return err
	}
	s.setStateLocked(media.StatePaused)
	s.reporter.ReportNow(s.item.Ref, s.pos.Elapsed, s.pos.Duration, true)
	s.saveSnapshotLocked()
	return nil
}

// Resume returns from Paused to Playing.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != media.StatePaused {
		return fmt.Errorf("cannot resume in state %s", s.state)
	}
	if err := s.engine.Play(); err != nil {
		return err
	}
	s.setStateLocked(media.StatePlaying)
	return nil
}

// Stop ends the session: final progress report, reporter flush, queue
// snapshot, engine teardown. The session cannot be reused afterwards.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	s.finalReportLocked()
	s.saveSnapshotLocked()
	s.disarmSleepLocked()
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	s.loadToken++
	s.setStateLocked(media.StateIdle)
	s.item = nil
	s.source = nil
	s.chapters = nil
	s.chapter = nil
	s.mu.Unlock()

	if err := s.reporter.Flush(ctx); err != nil {
		s.log.Warn("progress flush interrupted", "error", err)
	}
	err := s.engine.Stop(ctx)

	<-s.done

	s.mu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()

	return err
}

// Seek jumps to pos, clamped to the item duration, and reports immediately.
func (s *Session) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case media.StatePlaying, media.StatePaused, media.StateBuffering:
	default:
		return fmt.Errorf("cannot seek in state %s", s.state)
	}

	if pos < 0 {
		pos = 0
	}
	if d := s.durationLocked(); d > 0 && pos > d {
		pos = d
	}

	if err := s.engine.Seek(pos); err != nil {
		return err
	}
	s.pos.Elapsed = pos
	s.reporter.ReportNow(s.item.Ref, pos, s.durationLocked(), s.state == media.StatePaused)
	s.updateChapterLocked()
	return nil
}

// SkipNext moves to the next effective-order item. Unlike the automatic
// advance at end of item, an explicit skip moves even under repeat-one. At
// the queue boundary with repeat off it does nothing.
func (s *Session) SkipNext() error {
	return s.skip(1)
}

// SkipPrevious moves to the previous effective-order item.
func (s *Session) SkipPrevious() error {
	return s.skip(-1)
}

func (s *Session) skip(delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == media.StateIdle || s.closed {
		return fmt.Errorf("no active session")
	}

	next := s.queue.Step(delta)
	if next == nil {
		return nil
	}
	s.finalReportLocked()
	s.beginLoadLocked(*next, 0, true)
	return nil
}

// SwitchItem jumps to a specific queue entry, reporting final progress for
// the outgoing item first.
func (s *Session) SwitchItem(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == media.StateIdle || s.closed {
		return fmt.Errorf("no active session")
	}

	next := s.queue.Jump(index)
	if next == nil {
		return fmt.Errorf("queue is empty")
	}
	s.finalReportLocked()
	s.beginLoadLocked(*next, 0, true)
	return nil
}

// SetAudioTrack switches the active audio stream. During Loading the request
// is queued and applied once the source resolves.
func (s *Session) SetAudioTrack(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == media.StateLoading || s.state == media.StateIdle {
		s.pendingAudio = &index
		s.pendingAudioSet = true
		return nil
	}

	if err := s.tracks.ValidateChange(s.source, tracks.KindAudio, &index); err != nil {
		return err
	}
	if err := s.engine.SetAudioTrack(index); err != nil {
		return err
	}
	s.audio = &index
	return nil
}

// SetSubtitleTrack switches the active subtitle stream; nil turns subtitles
// off. During Loading the request is queued and applied once the source
// resolves.
func (s *Session) SetSubtitleTrack(index *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == media.StateLoading || s.state == media.StateIdle {
		s.pendingSub = index
		s.pendingSubSet = true
		return nil
	}

	if err := s.tracks.ValidateChange(s.source, tracks.KindSubtitle, index); err != nil {
		return err
	}
	if err := s.engine.SetSubtitleTrack(index); err != nil {
		return err
	}
	s.subtitle = index
	return nil
}

// ToggleShuffle enables or disables shuffle. Enabling never moves the
// current item.
func (s *Session) ToggleShuffle(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.SetShuffle(on)
}

// SetRepeatMode sets the queue repeat mode.
func (s *Session) SetRepeatMode(mode media.RepeatMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.SetRepeat(mode)
}

// CycleRepeatMode advances repeat off -> all -> one -> off and returns the
// new mode.
func (s *Session) CycleRepeatMode() media.RepeatMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := media.CycleRepeatMode(s.queue.Repeat())
	s.queue.SetRepeat(next)
	return next
}

// ArmSleepTimer pauses playback once d has elapsed. Arming replaces any
// existing timer of either type.
func (s *Session) ArmSleepTimer(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.clk.Now().Add(d)
	s.sleepDeadline = &deadline
	s.sleepAtEnd = false
}

// ArmSleepAtEndOfItem pauses playback when the current item ends.
func (s *Session) ArmSleepAtEndOfItem() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleepDeadline = nil
	s.sleepAtEnd = true
}

// AddSleepTime extends a duration timer. The extension is additive to the
// existing deadline, not to now. No-op for end-of-item timers.
func (s *Session) AddSleepTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sleepDeadline == nil {
		return
	}
	deadline := s.sleepDeadline.Add(d)
	s.sleepDeadline = &deadline
}

// DisarmSleepTimer clears both timer types.
func (s *Session) DisarmSleepTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmSleepLocked()
}

// JumpToChapter seeks to the start of the given chapter marker.
func (s *Session) JumpToChapter(ch media.Chapter) error {
	return s.Seek(ch.Start)
}

// NextChapter seeks to the next chapter after the current position.
func (s *Session) NextChapter() error {
	s.mu.Lock()
	ix := s.chapters
	pos := s.pos.Elapsed
	s.mu.Unlock()

	if ix == nil {
		return fmt.Errorf("item has no chapters")
	}
	ch := ix.Next(pos)
	if ch == nil {
		return fmt.Errorf("no next chapter")
	}
	return s.Seek(ch.Start)
}

// PreviousChapter seeks back through chapters with the restart-window rule:
// shortly after a chapter start it goes to the prior chapter, otherwise it
// restarts the current one.
func (s *Session) PreviousChapter() error {
	s.mu.Lock()
	ix := s.chapters
	pos := s.pos.Elapsed
	s.mu.Unlock()

	if ix == nil {
		return fmt.Errorf("item has no chapters")
	}
	ch := ix.Previous(pos)
	if ch == nil {
		return s.Seek(0)
	}
	return s.Seek(ch.Start)
}

// Retry re-enters Loading for the item that failed. Only valid in Error.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != media.StateError {
		return fmt.Errorf("cannot retry in state %s", s.state)
	}
	if s.item == nil {
		return fmt.Errorf("no item to retry")
	}
	s.beginLoadLocked(*s.item, s.pos.Elapsed, true)
	return nil
}

// Skip abandons the failed item and advances the queue, like a natural end.
// Only valid in Error.
func (s *Session) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != media.StateError {
		return fmt.Errorf("cannot skip in state %s", s.state)
	}
	s.advanceLocked()
	return nil
}

// ---- internals ----

// beginLoadLocked starts resolution of item. A previous in-flight resolution
// is cancelled; its late result is discarded by the load token.
func (s *Session) beginLoadLocked(item media.QueueItem, startAt time.Duration, autoplay bool) {
	if s.loadCancel != nil {
		s.loadCancel()
	}
	s.loadToken++
	token := s.loadToken

	ctx, cancel := context.WithCancel(context.Background())
	s.loadCancel = cancel

	s.item = &item
	s.source = nil
	s.chapters = nil
	s.chapter = nil
	s.audio = nil
	s.subtitle = nil
	s.err = nil
	s.autoplay = autoplay
	s.pos = media.Position{Elapsed: startAt}

	s.setStateLocked(media.StateLoading)
	s.emitLocked(Event{Kind: EventItemChanged, Item: &item})
	s.saveSnapshotLocked()

	go s.resolveAndLoad(ctx, token, item, startAt, autoplay)
}

// resolveAndLoad runs outside the lock: it fetches the source, then commits
// the result under the lock only if the load token is still current.
func (s *Session) resolveAndLoad(ctx context.Context, token uint64, item media.QueueItem, startAt time.Duration, autoplay bool) {
	src, err := s.resolver.ResolveSource(ctx, item)

	s.mu.Lock()
	if s.closed || token != s.loadToken {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.errorLocked(classify(err, item.Ref))
		s.mu.Unlock()
		return
	}

	s.source = src
	s.chapters = chapters.NewIndex(src.Chapters, chapters.WithRestartWindow(s.restartWindow))
	if src.Duration > 0 {
		s.pos.Duration = src.Duration
	}

	sel := s.tracks.ResolveInitial(src, s.defaults)
	s.audio = sel.Audio
	s.subtitle = sel.Subtitle
	s.applyPendingTracksLocked(src)

	loadSel := engine.LoadSelection{
		Audio:    s.audio,
		Subtitle: s.subtitle,
		Start:    startAt,
		Autoplay: autoplay,
	}
	s.mu.Unlock()

	if err := s.engine.Load(ctx, src, loadSel); err != nil {
		s.mu.Lock()
		if !s.closed && token == s.loadToken {
			s.errorLocked(&media.PlaybackError{
				Reason:  media.ReasonEngineFailed,
				ItemRef: item.Ref,
				Err:     err,
			})
		}
		s.mu.Unlock()
	}
}

// applyPendingTracksLocked applies track changes queued during Loading,
// dropping ones the resolved source cannot satisfy.
func (s *Session) applyPendingTracksLocked(src *media.Source) {
	if s.pendingAudioSet {
		if err := s.tracks.ValidateChange(src, tracks.KindAudio, s.pendingAudio); err != nil {
			s.log.Warn("dropping queued audio track change", "error", err)
		} else {
			s.audio = s.pendingAudio
		}
		s.pendingAudio = nil
		s.pendingAudioSet = false
	}
	if s.pendingSubSet {
		if err := s.tracks.ValidateChange(src, tracks.KindSubtitle, s.pendingSub); err != nil {
			s.log.Warn("dropping queued subtitle track change", "error", err)
		} else {
			s.subtitle = s.pendingSub
		}
		s.pendingSub = nil
		s.pendingSubSet = false
	}
}

// run consumes engine events until the engine stops.
func (s *Session) run() {
	defer close(s.done)
	for ev := range s.engine.Events() {
		switch ev.Kind {
		case engine.EventReady:
			s.onReady()
		case engine.EventTick:
			s.onTick(ev.Position)
		case engine.EventBuffering:
			s.onBuffering(ev.Buffering)
		case engine.EventEnded:
			s.onEnded()
		case engine.EventError:
			s.onEngineError(ev.Err)
		}
	}
}

func (s *Session) onReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != media.StateLoading || s.source == nil {
		return
	}
	if s.autoplay {
		s.setStateLocked(media.StatePlaying)
	} else {
		s.setStateLocked(media.StatePaused)
	}
}

func (s *Session) onTick(pos media.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case media.StatePlaying, media.StatePaused, media.StateBuffering:
	default:
		return
	}

	s.pos.Elapsed = pos.Elapsed
	s.pos.BufferedPercent = pos.BufferedPercent
	if pos.Duration > 0 {
		s.pos.Duration = pos.Duration
	}

	if s.state == media.StatePlaying {
		s.reporter.Report(s.item.Ref, s.pos.Elapsed, s.pos.Duration, false)
	}
	s.updateChapterLocked()

	if s.sleepDeadline != nil && !s.clk.Now().Before(*s.sleepDeadline) {
		s.sleepDeadline = nil
		s.forcePauseLocked()
		return
	}

	if s.state == media.StatePlaying && s.pos.Duration > 0 && s.pos.Elapsed >= s.pos.Duration {
		s.advanceLocked()
	}
}

func (s *Session) onBuffering(stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stalled && s.state == media.StatePlaying {
		s.setStateLocked(media.StateBuffering)
	} else if !stalled && s.state == media.StateBuffering {
		s.setStateLocked(media.StatePlaying)
	}
}

func (s *Session) onEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case media.StatePlaying, media.StatePaused, media.StateBuffering:
		s.advanceLocked()
	}
}

func (s *Session) onEngineError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == media.StateIdle || s.closed {
		return
	}
	ref := ""
	if s.item != nil {
		ref = s.item.Ref
	}
	s.errorLocked(&media.PlaybackError{
		Reason:  media.ReasonEngineFailed,
		ItemRef: ref,
		Err:     err,
	})
}

// advanceLocked handles end of the current item: final report, sleep-at-end
// handling, then a synchronous queue advance into Loading or Idle. No
// intermediate Ended state is observable.
func (s *Session) advanceLocked() {
	s.finalReportLocked()
	s.state = media.StateEnded

	autoplay := true
	if s.sleepAtEnd {
		s.sleepAtEnd = false
		autoplay = false
	}

	next := s.queue.Advance()
	if next == nil {
		s.toIdleLocked()
		return
	}
	s.beginLoadLocked(*next, 0, autoplay)
}

// forcePauseLocked is the sleep timer firing: pause regardless of user input.
func (s *Session) forcePauseLocked() {
	switch s.state {
	case media.StatePlaying, media.StateBuffering:
		if err := s.engine.Pause(); err != nil {
			s.log.Warn("sleep timer pause failed", "error", err)
		}
		s.setStateLocked(media.StatePaused)
		s.reporter.ReportNow(s.item.Ref, s.pos.Elapsed, s.pos.Duration, true)
		s.saveSnapshotLocked()
	}
}

// finalReportLocked issues the outgoing item's last progress report.
func (s *Session) finalReportLocked() {
	if s.item == nil {
		return
	}
	switch s.state {
	case media.StatePlaying, media.StatePaused, media.StateBuffering, media.StateEnded, media.StateError:
		s.reporter.ReportNow(s.item.Ref, s.pos.Elapsed, s.pos.Duration, true)
	}
}

func (s *Session) errorLocked(perr *media.PlaybackError) {
	s.err = perr
	s.setStateLocked(media.StateError)
	s.emitLocked(Event{Kind: EventError, Err: perr})
	s.log.Error("playback error", "reason", perr.Reason, "item", perr.ItemRef, "error", perr.Err)
}

func (s *Session) toIdleLocked() {
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	s.loadToken++
	s.item = nil
	s.source = nil
	s.chapters = nil
	s.chapter = nil
	s.audio = nil
	s.subtitle = nil
	s.err = nil
	s.pos = media.Position{}
	s.disarmSleepLocked()
	s.setStateLocked(media.StateIdle)
	if s.snaps != nil {
		if err := s.snaps.ClearQueueSnapshot(); err != nil {
			s.log.Warn("failed to clear queue snapshot", "error", err)
		}
	}
}

func (s *Session) disarmSleepLocked() {
	s.sleepDeadline = nil
	s.sleepAtEnd = false
}

func (s *Session) setStateLocked(state media.PlayerState) {
	if s.state == state {
		return
	}
	s.state = state
	s.emitLocked(Event{Kind: EventStateChanged, State: state})
}

// updateChapterLocked emits a chapter-changed event when the tick crossed a
// marker boundary.
func (s *Session) updateChapterLocked() {
	if s.chapters == nil || s.chapters.Len() == 0 {
		return
	}
	ch := s.chapters.At(s.pos.Elapsed)
	if ch == nil {
		return
	}
	if s.chapter == nil || s.chapter.Start != ch.Start {
		s.chapter = ch
		s.emitLocked(Event{Kind: EventChapterChanged, Chapter: ch})
	}
}

// saveSnapshotLocked persists the queue for later restore, best effort.
func (s *Session) saveSnapshotLocked() {
	if s.snaps == nil || s.queue.Len() == 0 {
		return
	}
	snap := s.queue.Snapshot()
	snap.Position = s.pos.Elapsed
	snap.SavedAt = s.clk.Now()
	if err := s.snaps.SaveQueueSnapshot(snap); err != nil {
		s.log.Warn("failed to save queue snapshot", "error", err)
	}
}

func (s *Session) durationLocked() time.Duration {
	return s.pos.Duration
}

// classify maps a resolver failure onto the session error taxonomy.
func classify(err error, itemRef string) *media.PlaybackError {
	var perr *media.PlaybackError
	if errors.As(err, &perr) {
		return perr
	}
	return &media.PlaybackError{
		Reason:  media.ReasonLoadFailed,
		ItemRef: itemRef,
		Err:     err,
	}
}
