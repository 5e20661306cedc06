package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justchokingaround/playcore/internal/clock"
	"github.com/justchokingaround/playcore/internal/engine"
	"github.com/justchokingaround/playcore/internal/progress"
	"github.com/justchokingaround/playcore/pkg/media"
)

const waitFor = 2 * time.Second

// fakeEngine records calls and lets tests inject events.
type fakeEngine struct {
	mu       sync.Mutex
	events   chan engine.Event
	stopOnce sync.Once

	loads   []engine.LoadSelection
	loaded  []*media.Source
	loadErr error

	pauses int
	plays  int
	seeks  []time.Duration
	audio  []int
	subs   []*int

	transcode bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan engine.Event, 64)}
}

func (f *fakeEngine) Load(ctx context.Context, src *media.Source, sel engine.LoadSelection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loads = append(f.loads, sel)
	f.loaded = append(f.loaded, src)
	return nil
}

func (f *fakeEngine) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return nil
}

func (f *fakeEngine) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeEngine) Seek(pos time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, pos)
	return nil
}

func (f *fakeEngine) SetAudioTrack(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, index)
	return nil
}

func (f *fakeEngine) SetSubtitleTrack(index *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, index)
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeEngine) Events() <-chan engine.Event { return f.events }

func (f *fakeEngine) Capabilities() engine.Capabilities {
	return engine.Capabilities{TranscodeImageSubtitles: f.transcode}
}

func (f *fakeEngine) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeEngine) lastLoad() (engine.LoadSelection, *media.Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[len(f.loads)-1], f.loaded[len(f.loaded)-1]
}

func (f *fakeEngine) ready()                 { f.events <- engine.Event{Kind: engine.EventReady} }
func (f *fakeEngine) ended()                 { f.events <- engine.Event{Kind: engine.EventEnded} }
func (f *fakeEngine) buffering(stalled bool) {
	f.events <- engine.Event{Kind: engine.EventBuffering, Buffering: stalled}
}

func (f *fakeEngine) tick(elapsed, duration time.Duration) {
	f.events <- engine.Event{Kind: engine.EventTick, Position: media.Position{
		Elapsed:  elapsed,
		Duration: duration,
	}}
}

// fakeResolver serves sources by item ref, optionally blocking or failing.
type fakeResolver struct {
	mu      sync.Mutex
	sources map[string]*media.Source
	errs    map[string]error
	blocks  map[string]chan struct{}
	// failOnce makes the next resolution of a ref fail, then succeed.
	failOnce map[string]error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		sources:  make(map[string]*media.Source),
		errs:     make(map[string]error),
		blocks:   make(map[string]chan struct{}),
		failOnce: make(map[string]error),
	}
}

func (f *fakeResolver) ResolveSource(ctx context.Context, item media.QueueItem) (*media.Source, error) {
	f.mu.Lock()
	block := f.blocks[item.Ref]
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOnce[item.Ref]; ok {
		delete(f.failOnce, item.Ref)
		return nil, err
	}
	if err := f.errs[item.Ref]; err != nil {
		return nil, err
	}
	if src := f.sources[item.Ref]; src != nil {
		return src, nil
	}
	return nil, &media.PlaybackError{Reason: media.ReasonSourceNotFound, ItemRef: item.Ref}
}

// recordSink captures remote progress reports.
type recordSink struct {
	mu      sync.Mutex
	reports []sinkReport
}

type sinkReport struct {
	itemRef  string
	position time.Duration
	paused   bool
	seq      uint64
}

func (r *recordSink) Send(ctx context.Context, itemRef string, position, duration time.Duration, paused bool, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, sinkReport{itemRef: itemRef, position: position, paused: paused, seq: seq})
	return nil
}

func (r *recordSink) forItem(ref string) []sinkReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sinkReport
	for _, rep := range r.reports {
		if rep.itemRef == ref {
			out = append(out, rep)
		}
	}
	return out
}

// memSnapshots is an in-memory snapshot store.
type memSnapshots struct {
	mu   sync.Mutex
	snap *media.QueueSnapshot
}

func (m *memSnapshots) SaveQueueSnapshot(snap media.QueueSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = &snap
	return nil
}

func (m *memSnapshots) LoadQueueSnapshot() (*media.QueueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memSnapshots) ClearQueueSnapshot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = nil
	return nil
}

func (m *memSnapshots) current() *media.QueueSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

type harness struct {
	session  *Session
	engine   *fakeEngine
	resolver *fakeResolver
	sink     *recordSink
	snaps    *memSnapshots
	clk      *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	eng := newFakeEngine()
	res := newFakeResolver()
	sink := &recordSink{}
	snaps := &memSnapshots{}
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	clk.FireImmediately()
	logger := slog.New(slog.DiscardHandler)

	reporter := progress.NewReporter(sink, nil, clk, logger, progress.Options{
		Interval: 10 * time.Second,
	})

	s, err := New(Config{
		Resolver:  res,
		Engine:    eng,
		Reporter:  reporter,
		Snapshots: snaps,
		Clock:     clk,
		Logger:    logger,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Stop(ctx)
	})

	return &harness{session: s, engine: eng, resolver: res, sink: sink, snaps: snaps, clk: clk}
}

func item(ref string) media.QueueItem {
	return media.QueueItem{ID: ref, Ref: ref, Title: ref, Type: media.TypeVideo}
}

func source(ref string, duration time.Duration) *media.Source {
	return &media.Source{
		ID:       ref,
		URL:      "https://media.example.com/" + ref,
		Duration: duration,
		AudioStreams: []media.AudioStream{
			{Index: 0, Language: "eng", Default: true},
		},
	}
}

func (h *harness) playAndStart(t *testing.T, refs ...string) {
	t.Helper()
	items := make([]media.QueueItem, len(refs))
	for i, ref := range refs {
		items[i] = item(ref)
	}
	require.NoError(t, h.session.Play(items, 0, PlayOptions{}))
	require.Eventually(t, func() bool { return h.engine.loadCount() >= 1 }, waitFor, 5*time.Millisecond)
	h.engine.ready()
	require.Eventually(t, func() bool {
		return h.session.State() == media.StatePlaying
	}, waitFor, 5*time.Millisecond)
}

func TestPlayLoadsAndPlays(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep-1"] = source("ep-1", time.Hour)

	h.playAndStart(t, "ep-1")

	sel, src := h.engine.lastLoad()
	assert.Equal(t, "ep-1", src.ID)
	require.NotNil(t, sel.Audio)
	assert.Equal(t, 0, *sel.Audio)
	assert.Nil(t, sel.Subtitle)
	assert.True(t, sel.Autoplay)

	snap := h.session.Snapshot()
	assert.Equal(t, media.StatePlaying, snap.State)
	assert.Equal(t, "ep-1", snap.Item.Ref)
	assert.Equal(t, 1, snap.QueueLength)
}

func TestEmptyQueueGoesIdle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.session.Play(nil, 0, PlayOptions{}))
	assert.Equal(t, media.StateIdle, h.session.State())
}

func TestEndedAdvancesToNextItemAtomically(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep-1"] = source("ep-1", time.Minute)
	h.resolver.sources["ep-2"] = source("ep-2", time.Minute)

	events, cancel := h.session.Subscribe()
	defer cancel()

	h.playAndStart(t, "ep-1", "ep-2")

	// Position reaches duration: the session must advance within the same
	// synchronous step.
	h.engine.tick(time.Minute, time.Minute)

	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.Item != nil && snap.Item.Ref == "ep-2"
	}, waitFor, 5*time.Millisecond)

	// Ended must never be observable through the event stream.
	cancel()
	for ev := range events {
		assert.NotEqual(t, media.StateEnded, ev.State)
	}

	// Final report for the outgoing item carries its end position.
	require.Eventually(t, func() bool {
		reports := h.sink.forItem("ep-1")
		return len(reports) > 0 && reports[len(reports)-1].position == time.Minute
	}, waitFor, 5*time.Millisecond)
}

func TestQueueExhaustedGoesIdle(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep-1"] = source("ep-1", time.Minute)

	h.playAndStart(t, "ep-1")
	require.NotNil(t, h.snaps.current())

	h.engine.tick(time.Minute, time.Minute)

	require.Eventually(t, func() bool {
		return h.session.State() == media.StateIdle
	}, waitFor, 5*time.Millisecond)

	snap := h.session.Snapshot()
	assert.Nil(t, snap.Item)
	assert.Nil(t, h.snaps.current(), "snapshot should be cleared once the queue is exhausted")
}

func TestRepeatAllWrapsAfterLastItem(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["a"] = source("a", time.Minute)
	h.resolver.sources["b"] = source("b", time.Minute)

	h.playAndStart(t, "a", "b")
	h.session.SetRepeatMode(media.RepeatAll)

	h.engine.tick(time.Minute, time.Minute) // a -> b
	require.Eventually(t, func() bool { return h.engine.loadCount() >= 2 }, waitFor, 5*time.Millisecond)
	h.engine.ready()

	h.engine.tick(time.Minute, time.Minute) // b wraps -> a
	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.Item != nil && snap.Item.Ref == "a"
	}, waitFor, 5*time.Millisecond)
}

func TestResolveFailureEntersErrorWithoutAutoSkip(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs["bad"] = &media.PlaybackError{Reason: media.ReasonSourceNotFound, ItemRef: "bad"}
	h.resolver.sources["good"] = source("good", time.Minute)

	require.NoError(t, h.session.Play([]media.QueueItem{item("bad"), item("good")}, 0, PlayOptions{}))

	require.Eventually(t, func() bool {
		return h.session.State() == media.StateError
	}, waitFor, 5*time.Millisecond)

	snap := h.session.Snapshot()
	require.NotNil(t, snap.Err)
	assert.Equal(t, media.ReasonSourceNotFound, snap.Err.Reason)
	assert.Equal(t, "bad", snap.Item.Ref, "error stays scoped to the failing item")
	assert.Equal(t, 0, snap.QueueIndex, "queue must not advance on its own")
	assert.Zero(t, h.engine.loadCount())
}

func TestSkipAfterErrorAdvancesQueue(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs["bad"] = &media.PlaybackError{Reason: media.ReasonLoadFailed, ItemRef: "bad"}
	h.resolver.sources["good"] = source("good", time.Minute)

	require.NoError(t, h.session.Play([]media.QueueItem{item("bad"), item("good")}, 0, PlayOptions{}))
	require.Eventually(t, func() bool {
		return h.session.State() == media.StateError
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.session.Skip())
	require.Eventually(t, func() bool { return h.engine.loadCount() >= 1 }, waitFor, 5*time.Millisecond)
	h.engine.ready()

	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.State == media.StatePlaying && snap.Item.Ref == "good"
	}, waitFor, 5*time.Millisecond)
}

func TestRetryAfterError(t *testing.T) {
	h := newHarness(t)
	h.resolver.failOnce["flaky"] = &media.PlaybackError{Reason: media.ReasonNetwork, ItemRef: "flaky"}
	h.resolver.sources["flaky"] = source("flaky", time.Minute)

	require.NoError(t, h.session.Play([]media.QueueItem{item("flaky")}, 0, PlayOptions{}))
	require.Eventually(t, func() bool {
		return h.session.State() == media.StateError
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.session.Retry())
	require.Eventually(t, func() bool { return h.engine.loadCount() >= 1 }, waitFor, 5*time.Millisecond)
	h.engine.ready()

	require.Eventually(t, func() bool {
		return h.session.State() == media.StatePlaying
	}, waitFor, 5*time.Millisecond)
}

func TestStaleResolutionDiscarded(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.resolver.blocks["slow"] = block
	h.resolver.sources["slow"] = source("slow", time.Minute)
	h.resolver.sources["fast"] = source("fast", time.Minute)

	require.NoError(t, h.session.Play([]media.QueueItem{item("slow")}, 0, PlayOptions{}))
	assert.Equal(t, media.StateLoading, h.session.State())

	// A second play supersedes the first load before it resolves.
	require.NoError(t, h.session.Play([]media.QueueItem{item("fast")}, 0, PlayOptions{}))
	close(block)

	require.Eventually(t, func() bool { return h.engine.loadCount() >= 1 }, waitFor, 5*time.Millisecond)
	h.engine.ready()
	require.Eventually(t, func() bool {
		return h.session.State() == media.StatePlaying
	}, waitFor, 5*time.Millisecond)

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	require.Len(t, h.engine.loaded, 1, "the stale item must never reach the engine")
	assert.Equal(t, "fast", h.engine.loaded[0].ID)
}

func TestTrackChangeQueuedDuringLoading(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.resolver.blocks["ep"] = block
	src := source("ep", time.Hour)
	src.SubtitleStreams = []media.SubtitleStream{
		{Index: 0, Language: "eng", Codec: "subrip"},
		{Index: 1, Language: "jpn", Codec: "ass"},
	}
	h.resolver.sources["ep"] = src

	require.NoError(t, h.session.Play([]media.QueueItem{item("ep")}, 0, PlayOptions{}))

	// Requested while Loading: queued, not rejected.
	one := 1
	require.NoError(t, h.session.SetSubtitleTrack(&one))
	close(block)

	require.Eventually(t, func() bool { return h.engine.loadCount() >= 1 }, waitFor, 5*time.Millisecond)
	sel, _ := h.engine.lastLoad()
	require.NotNil(t, sel.Subtitle)
	assert.Equal(t, 1, *sel.Subtitle, "queued change applies as soon as the source resolves")

	h.engine.ready()
	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.SubtitleTrack != nil && *snap.SubtitleTrack == 1
	}, waitFor, 5*time.Millisecond)
}

func TestUnsupportedSubtitleChangeRejected(t *testing.T) {
	h := newHarness(t)
	src := source("ep", time.Hour)
	src.SubtitleStreams = []media.SubtitleStream{
		{Index: 0, Language: "eng", Codec: "pgs"},
	}
	h.resolver.sources["ep"] = src

	h.playAndStart(t, "ep")

	zero := 0
	err := h.session.SetSubtitleTrack(&zero)
	require.Error(t, err)

	snap := h.session.Snapshot()
	assert.Nil(t, snap.SubtitleTrack, "selection unchanged after rejected request")
}

func TestPauseResumeReporting(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep"] = source("ep", time.Hour)

	h.playAndStart(t, "ep")
	h.engine.tick(30*time.Second, time.Hour)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().Position.Elapsed == 30*time.Second
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.session.Pause())
	assert.Equal(t, media.StatePaused, h.session.State())

	require.Eventually(t, func() bool {
		for _, rep := range h.sink.forItem("ep") {
			if rep.paused && rep.position == 30*time.Second {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "pause issues an immediate report")

	require.NoError(t, h.session.Resume())
	assert.Equal(t, media.StatePlaying, h.session.State())
}

func TestBufferingKeepsPosition(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep"] = source("ep", time.Hour)

	h.playAndStart(t, "ep")
	h.engine.tick(10*time.Minute, time.Hour)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().Position.Elapsed == 10*time.Minute
	}, waitFor, 5*time.Millisecond)

	h.engine.buffering(true)
	require.Eventually(t, func() bool {
		return h.session.State() == media.StateBuffering
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 10*time.Minute, h.session.Snapshot().Position.Elapsed)

	// Recovers to Playing without user action.
	h.engine.buffering(false)
	require.Eventually(t, func() bool {
		return h.session.State() == media.StatePlaying
	}, waitFor, 5*time.Millisecond)
}

func TestSeekClampsAndReports(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep"] = source("ep", time.Hour)

	h.playAndStart(t, "ep")

	require.NoError(t, h.session.Seek(2*time.Hour))
	assert.Equal(t, time.Hour, h.session.Snapshot().Position.Elapsed)

	require.NoError(t, h.session.Seek(-time.Minute))
	assert.Equal(t, time.Duration(0), h.session.Snapshot().Position.Elapsed)

	h.engine.mu.Lock()
	seeks := append([]time.Duration(nil), h.engine.seeks...)
	h.engine.mu.Unlock()
	assert.Equal(t, []time.Duration{time.Hour, 0}, seeks)
}

func TestSeekRejectedWhileLoading(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	defer close(block)
	h.resolver.blocks["ep"] = block
	h.resolver.sources["ep"] = source("ep", time.Hour)

	require.NoError(t, h.session.Play([]media.QueueItem{item("ep")}, 0, PlayOptions{}))
	assert.Error(t, h.session.Seek(time.Minute))
}

func TestSkipNextMovesEvenUnderRepeatOne(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["a"] = source("a", time.Minute)
	h.resolver.sources["b"] = source("b", time.Minute)

	h.playAndStart(t, "a", "b")
	h.session.SetRepeatMode(media.RepeatOne)

	require.NoError(t, h.session.SkipNext())
	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.Item != nil && snap.Item.Ref == "b"
	}, waitFor, 5*time.Millisecond)
}

func TestSwitchItemReportsOutgoingFirst(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["a"] = source("a", time.Hour)
	h.resolver.sources["b"] = source("b", time.Hour)
	h.resolver.sources["c"] = source("c", time.Hour)

	h.playAndStart(t, "a", "b", "c")
	h.engine.tick(5*time.Minute, time.Hour)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().Position.Elapsed == 5*time.Minute
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.session.SwitchItem(2))
	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.Item != nil && snap.Item.Ref == "c"
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, rep := range h.sink.forItem("a") {
			if rep.paused && rep.position == 5*time.Minute {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
}

func TestSleepTimerForcesPause(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep"] = source("ep", time.Hour)

	h.playAndStart(t, "ep")
	h.session.ArmSleepTimer(15 * time.Minute)

	h.clk.Advance(10 * time.Minute)
	h.engine.tick(10*time.Minute, time.Hour)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().Position.Elapsed == 10*time.Minute
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, media.StatePlaying, h.session.State())

	h.clk.Advance(6 * time.Minute)
	h.engine.tick(16*time.Minute, time.Hour)
	require.Eventually(t, func() bool {
		return h.session.State() == media.StatePaused
	}, waitFor, 5*time.Millisecond)

	snap := h.session.Snapshot()
	assert.Nil(t, snap.SleepDeadline, "timer clears itself after firing")

	h.engine.mu.Lock()
	assert.GreaterOrEqual(t, h.engine.pauses, 1)
	h.engine.mu.Unlock()
}

func TestAddSleepTimeExtendsDeadline(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep"] = source("ep", time.Hour)

	h.playAndStart(t, "ep")
	h.session.ArmSleepTimer(10 * time.Minute)
	h.session.AddSleepTime(10 * time.Minute)

	// Past the original deadline but inside the extension.
	h.clk.Advance(15 * time.Minute)
	h.engine.tick(15*time.Minute, time.Hour)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().Position.Elapsed == 15*time.Minute
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, media.StatePlaying, h.session.State())

	h.clk.Advance(6 * time.Minute)
	h.engine.tick(21*time.Minute, time.Hour)
	require.Eventually(t, func() bool {
		return h.session.State() == media.StatePaused
	}, waitFor, 5*time.Millisecond)
}

func TestSleepAtEndOfItemLoadsNextPaused(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["a"] = source("a", time.Minute)
	h.resolver.sources["b"] = source("b", time.Minute)

	h.playAndStart(t, "a", "b")
	h.session.ArmSleepAtEndOfItem()

	h.engine.tick(time.Minute, time.Minute)
	require.Eventually(t, func() bool { return h.engine.loadCount() >= 2 }, waitFor, 5*time.Millisecond)

	sel, src := h.engine.lastLoad()
	assert.Equal(t, "b", src.ID)
	assert.False(t, sel.Autoplay, "next item loads paused when the sleep timer fires at end of item")

	h.engine.ready()
	require.Eventually(t, func() bool {
		return h.session.State() == media.StatePaused
	}, waitFor, 5*time.Millisecond)
	assert.False(t, h.session.Snapshot().SleepAtEndOfItem, "timer clears itself")
}

func TestChapterChangedEvents(t *testing.T) {
	h := newHarness(t)
	src := source("book", 3*time.Hour)
	src.Chapters = []media.Chapter{
		{Start: 0, Name: "Opening"},
		{Start: time.Hour, Name: "Middle"},
	}
	h.resolver.sources["book"] = src

	events, cancel := h.session.Subscribe()
	defer cancel()

	h.playAndStart(t, "book")

	h.engine.tick(time.Minute, 3*time.Hour)
	h.engine.tick(time.Hour+time.Minute, 3*time.Hour)

	var chapterNames []string
	deadline := time.After(waitFor)
	for len(chapterNames) < 2 {
		select {
		case ev := <-events:
			if ev.Kind == EventChapterChanged {
				chapterNames = append(chapterNames, ev.Chapter.Name)
			}
		case <-deadline:
			t.Fatalf("expected 2 chapter events, got %v", chapterNames)
		}
	}
	assert.Equal(t, []string{"Opening", "Middle"}, chapterNames)
}

func TestNewPlayStopsOldSessionWithFinalReport(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["old"] = source("old", time.Hour)
	h.resolver.sources["new"] = source("new", time.Hour)

	h.playAndStart(t, "old")
	h.engine.tick(20*time.Minute, time.Hour)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().Position.Elapsed == 20*time.Minute
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.session.Play([]media.QueueItem{item("new")}, 0, PlayOptions{}))

	require.Eventually(t, func() bool {
		for _, rep := range h.sink.forItem("old") {
			if rep.paused && rep.position == 20*time.Minute {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "the outgoing session gets a final report")
}

func TestRestoreResumesPausedAtSavedPosition(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep"] = source("ep", time.Hour)
	h.snaps.snap = &media.QueueSnapshot{
		Items:        []media.QueueItem{item("ep")},
		CurrentIndex: 0,
		Repeat:       media.RepeatOff,
		Position:     42 * time.Minute,
	}

	require.NoError(t, h.session.Restore(false))
	require.Eventually(t, func() bool { return h.engine.loadCount() >= 1 }, waitFor, 5*time.Millisecond)

	sel, src := h.engine.lastLoad()
	assert.Equal(t, "ep", src.ID)
	assert.Equal(t, 42*time.Minute, sel.Start)
	assert.False(t, sel.Autoplay)

	h.engine.ready()
	require.Eventually(t, func() bool {
		return h.session.State() == media.StatePaused
	}, waitFor, 5*time.Millisecond)
}

func TestRestoreWithoutSnapshotFails(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.session.Restore(false))
}

func TestStopIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.resolver.sources["ep"] = source("ep", time.Hour)

	h.playAndStart(t, "ep")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.session.Stop(ctx))

	assert.Equal(t, media.StateIdle, h.session.State())
	assert.Error(t, h.session.Play([]media.QueueItem{item("ep")}, 0, PlayOptions{}))
}
