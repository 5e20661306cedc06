// Package progress reports playback position to the remote server and to the
// local record store. Remote writes are fire-and-forget with bounded retries;
// a newer report for an item always supersedes an older in-flight one, so the
// server can never end up holding a stale position because of network
// reordering. Reporting never blocks or fails playback.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justchokingaround/playcore/internal/clock"
	"github.com/justchokingaround/playcore/pkg/media"
)

// Sink is the remote write target. Each report carries a monotonic sequence
// number; the server discards writes whose sequence number is older than the
// last one it applied for the item.
type Sink interface {
	Send(ctx context.Context, itemRef string, position, duration time.Duration, paused bool, seq uint64) error
}

// LocalStore receives the best-effort local copy of every report so resume
// works fully offline.
type LocalStore interface {
	SavePlayback(rec media.PlaybackRecord) error
}

// Options tunes the reporter.
type Options struct {
	// Interval is the minimum spacing between periodic network writes for
	// one item. Tick-driven reports inside the window only touch the local
	// store. Explicit reports (pause, seek, item change, stop) bypass it.
	Interval time.Duration
	// MaxAttempts bounds retries for a single report.
	MaxAttempts int
	// Backoff is the initial retry delay; it doubles per attempt.
	Backoff time.Duration
	// SendTimeout bounds one network write.
	SendTimeout time.Duration
}

func (o *Options) fill() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
}

// Reporter owns progress reporting for the active session.
type Reporter struct {
	sink  Sink
	local LocalStore
	clock clock.Clock
	log   *slog.Logger
	opts  Options

	seq atomic.Uint64

	mu    sync.Mutex
	items map[string]*itemState
	wg    sync.WaitGroup
}

type itemState struct {
	latest      *report
	inflight    bool
	lastAttempt time.Time
}

type report struct {
	itemRef  string
	position time.Duration
	duration time.Duration
	paused   bool
	seq      uint64
}

// NewReporter creates a reporter. sink may be nil for offline-only use; local
// may be nil when no local store is configured.
func NewReporter(sink Sink, local LocalStore, clk clock.Clock, log *slog.Logger, opts Options) *Reporter {
	opts.fill()
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		sink:  sink,
		local: local,
		clock: clk,
		log:   log,
		opts:  opts,
		items: make(map[string]*itemState),
	}
}

// Report handles a periodic position tick. The local record is written on
// every call; the network write is skipped while inside the interval window
// for this item.
func (r *Reporter) Report(itemRef string, position, duration time.Duration, paused bool) {
	r.report(itemRef, position, duration, paused, false)
}

// ReportNow is the event-driven variant (pause, seek, item change, stop,
// backgrounding): it bypasses the interval window but still obeys the
// supersede rule.
func (r *Reporter) ReportNow(itemRef string, position, duration time.Duration, paused bool) {
	r.report(itemRef, position, duration, paused, true)
}

func (r *Reporter) report(itemRef string, position, duration time.Duration, paused bool, force bool) {
	if itemRef == "" {
		return
	}

	r.saveLocal(itemRef, position, duration)

	if r.sink == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.items[itemRef]
	if st == nil {
		st = &itemState{}
		r.items[itemRef] = st
	}

	now := r.clock.Now()
	if !force && !st.lastAttempt.IsZero() && now.Sub(st.lastAttempt) < r.opts.Interval {
		return
	}
	st.lastAttempt = now

	st.latest = &report{
		itemRef:  itemRef,
		position: position,
		duration: duration,
		paused:   paused,
		seq:      r.seq.Add(1),
	}
	if !st.inflight {
		st.inflight = true
		r.wg.Add(1)
		go r.drain(st)
	}
}

// Flush waits for all in-flight network writes to settle or the context to
// expire. Used for the final report on stop.
func (r *Reporter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain sends the latest pending report for one item, retrying with backoff,
// until no newer report is waiting. An older report is abandoned the moment a
// newer one lands; permanent failures are logged and swallowed.
func (r *Reporter) drain(st *itemState) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		rep := st.latest
		st.latest = nil
		if rep == nil {
			st.inflight = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.send(st, rep)
	}
}

func (r *Reporter) send(st *itemState, rep *report) {
	backoff := r.opts.Backoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.SendTimeout)
		err := r.sink.Send(ctx, rep.itemRef, rep.position, rep.duration, rep.paused, rep.seq)
		cancel()
		if err == nil {
			return
		}

		if attempt >= r.opts.MaxAttempts {
			r.log.Warn("progress report dropped",
				"item", rep.itemRef, "seq", rep.seq, "attempts", attempt, "error", err)
			return
		}

		// A newer report supersedes this one; stop retrying the stale value.
		r.mu.Lock()
		superseded := st.latest != nil && st.latest.seq > rep.seq
		r.mu.Unlock()
		if superseded {
			r.log.Debug("progress report superseded", "item", rep.itemRef, "seq", rep.seq)
			return
		}

		<-r.clock.After(backoff)
		backoff *= 2
	}
}

func (r *Reporter) saveLocal(itemRef string, position, duration time.Duration) {
	if r.local == nil {
		return
	}
	percent := 0.0
	if duration > 0 {
		percent = float64(position) / float64(duration) * 100.0
	}
	rec := media.PlaybackRecord{
		ItemRef:       itemRef,
		Position:      position,
		Duration:      duration,
		PlayedPercent: percent,
		SavedAt:       r.clock.Now(),
	}
	if err := r.local.SavePlayback(rec); err != nil {
		r.log.Warn("failed to save local playback record", "item", itemRef, "error", err)
	}
}
