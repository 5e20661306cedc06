// Package mpv implements the playback engine on top of an mpv process
// controlled over its JSON IPC socket.
package mpv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/diniamo/gopv"
	"github.com/google/uuid"

	"github.com/justchokingaround/playcore/internal/engine"
	"github.com/justchokingaround/playcore/pkg/media"
)

const (
	ipcTimeout   = 15 * time.Second
	pollInterval = time.Second
)

// Options configures the mpv engine.
type Options struct {
	// Executable overrides the mpv binary name looked up in PATH.
	Executable string
	// ExtraArgs are appended verbatim to the mpv command line.
	ExtraArgs []string
	// LoadUserConfig keeps the user's mpv.conf in effect.
	LoadUserConfig bool
	Logger         *slog.Logger
}

// Engine drives a single mpv process. Each Load replaces the playing media
// via loadfile, so one process serves the whole session.
type Engine struct {
	mu sync.Mutex

	exec     string
	args     []string
	userConf bool
	log      *slog.Logger

	cmd        *exec.Cmd
	client     *gopv.Client
	socketPath string

	events chan engine.Event
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	// gen invalidates monitor goroutines from superseded loads.
	gen       int
	buffering bool
	ended     bool
}

// New creates an mpv engine. It fails if the mpv executable cannot be found.
func New(opts Options) (*Engine, error) {
	bin := opts.Executable
	if bin == "" {
		bin = "mpv"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("mpv not found in PATH: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		exec:     bin,
		args:     opts.ExtraArgs,
		userConf: opts.LoadUserConfig,
		log:      log,
		events:   make(chan engine.Event, 32),
	}, nil
}

// Events returns the engine event stream. It is closed by Stop.
func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

// Capabilities reports mpv's abilities. mpv renders image-based subtitle
// formats natively, so they count as activatable.
func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{TranscodeImageSubtitles: true}
}

// Load starts or replaces playback with src. The previous load, if any, is
// discarded without emitting an Ended event.
func (e *Engine) Load(ctx context.Context, src *media.Source, sel engine.LoadSelection) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("engine is stopped")
	}

	e.gen++
	gen := e.gen
	e.buffering = false
	e.ended = false

	if e.client != nil {
		return e.loadIntoRunningLocked(src, sel)
	}

	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("playcore-mpv-%s.sock", uuid.NewString()[:8]))
	args := e.buildArgs(socketPath, src, sel)

	cmd := exec.Command(e.exec, args...)
	// Detach from the terminal so mpv output never reaches the caller's TTY.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start mpv: %w", err)
	}

	e.cmd = cmd
	e.socketPath = socketPath

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.initialize(runCtx, gen, socketPath)
	}()
	go func() {
		defer e.wg.Done()
		e.monitorProcess(cmd, gen)
	}()

	return nil
}

// loadIntoRunningLocked reuses the live mpv process for a new source.
func (e *Engine) loadIntoRunningLocked(src *media.Source, sel engine.LoadSelection) error {
	opts := []string{fmt.Sprintf("start=%f", sel.Start.Seconds())}
	if sel.Autoplay {
		opts = append(opts, "pause=no")
	} else {
		opts = append(opts, "pause=yes")
	}
	opts = append(opts, "aid="+trackValue(sel.Audio))
	opts = append(opts, "sid="+trackValue(sel.Subtitle))

	if _, err := e.client.Request("loadfile", src.URL, "replace", strings.Join(opts, ",")); err != nil {
		return fmt.Errorf("loadfile failed: %w", err)
	}

	gen := e.gen
	e.wg.Add(1)
	go func() {
		// loadfile is asynchronous; signal readiness after the first
		// successful property read instead of immediately.
		defer e.wg.Done()
		e.waitReady(gen)
	}()
	return nil
}

// initialize connects to mpv's IPC socket and starts the poll loop.
func (e *Engine) initialize(ctx context.Context, gen int, socketPath string) {
	initCtx, cancel := context.WithTimeout(ctx, ipcTimeout)
	defer cancel()

	if err := waitForSocket(initCtx, socketPath); err != nil {
		e.fail(gen, fmt.Errorf("timeout waiting for mpv IPC at %s: %w", socketPath, err))
		return
	}

	client, err := gopv.Connect(socketPath, func(err error) {
		e.log.Debug("mpv ipc closed", "error", err)
	})
	if err != nil {
		e.fail(gen, fmt.Errorf("failed to connect to mpv IPC at %s: %w", socketPath, err))
		return
	}

	e.mu.Lock()
	if e.closed || gen != e.gen {
		e.mu.Unlock()
		_, _ = client.Request("quit")
		return
	}
	e.client = client
	e.mu.Unlock()

	e.waitReady(gen)
	e.poll(ctx, gen)
}

// waitReady emits EventReady once mpv reports a playable position.
func (e *Engine) waitReady(gen int) {
	deadline := time.Now().Add(ipcTimeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		client := e.client
		stale := e.closed || gen != e.gen
		e.mu.Unlock()
		if stale || client == nil {
			return
		}
		if result, err := client.Request("get_property", "duration"); err == nil {
			if _, ok := result.(float64); ok {
				e.emit(gen, engine.Event{Kind: engine.EventReady})
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	e.fail(gen, fmt.Errorf("mpv never reported a playable file"))
}

// poll reads playback properties once per tick and translates them into
// engine events.
func (e *Engine) poll(ctx context.Context, gen int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			client := e.client
			stale := e.closed || gen != e.gen
			e.mu.Unlock()
			if stale || client == nil {
				return
			}

			status, err := readStatus(client)
			if err != nil {
				continue
			}

			e.mu.Lock()
			bufferingChanged := status.buffering != e.buffering
			e.buffering = status.buffering
			endedNow := status.eof && !e.ended
			if endedNow {
				e.ended = true
			}
			e.mu.Unlock()

			if bufferingChanged {
				e.emit(gen, engine.Event{Kind: engine.EventBuffering, Buffering: status.buffering})
			}
			e.emit(gen, engine.Event{Kind: engine.EventTick, Position: media.Position{
				Elapsed:         status.position,
				Duration:        status.duration,
				BufferedPercent: status.cached,
			}})
			if endedNow {
				e.emit(gen, engine.Event{Kind: engine.EventEnded})
			}
		}
	}
}

type mpvStatus struct {
	position  time.Duration
	duration  time.Duration
	cached    float64
	buffering bool
	eof       bool
}

func readStatus(client *gopv.Client) (*mpvStatus, error) {
	var st mpvStatus
	var errs int

	if result, err := client.Request("get_property", "time-pos"); err == nil {
		if v, ok := result.(float64); ok {
			st.position = time.Duration(v * float64(time.Second))
		}
	} else {
		errs++
	}
	if result, err := client.Request("get_property", "duration"); err == nil {
		if v, ok := result.(float64); ok {
			st.duration = time.Duration(v * float64(time.Second))
		}
	} else {
		errs++
	}
	if result, err := client.Request("get_property", "paused-for-cache"); err == nil {
		if v, ok := result.(bool); ok {
			st.buffering = v
		}
	}
	if result, err := client.Request("get_property", "cache-buffering-state"); err == nil {
		if v, ok := result.(float64); ok {
			st.cached = v
		}
	}
	if result, err := client.Request("get_property", "eof-reached"); err == nil {
		if v, ok := result.(bool); ok {
			st.eof = v
		}
	} else {
		errs++
	}

	if errs >= 3 {
		return nil, fmt.Errorf("IPC connection failed (%d property errors)", errs)
	}
	return &st, nil
}

// Play unpauses playback.
func (e *Engine) Play() error {
	return e.setProperty("pause", false)
}

// Pause pauses playback.
func (e *Engine) Pause() error {
	return e.setProperty("pause", true)
}

// Seek jumps to an absolute position.
func (e *Engine) Seek(pos time.Duration) error {
	return e.setProperty("time-pos", pos.Seconds())
}

// SetAudioTrack switches the active audio stream.
func (e *Engine) SetAudioTrack(index int) error {
	// mpv track ids are 1-based.
	return e.setProperty("aid", index+1)
}

// SetSubtitleTrack switches the active subtitle stream, or disables
// subtitles when index is nil.
func (e *Engine) SetSubtitleTrack(index *int) error {
	if index == nil {
		return e.setProperty("sid", "no")
	}
	return e.setProperty("sid", *index+1)
}

func (e *Engine) setProperty(name string, value any) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	if client == nil {
		return fmt.Errorf("engine not initialized")
	}
	if _, err := client.Request("set_property", name, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	return nil
}

// Stop quits mpv, reaps the process and closes the event stream. Safe to
// call more than once.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.gen++

	client := e.client
	cmd := e.cmd
	socketPath := e.socketPath
	cancel := e.cancel
	e.client = nil
	e.cmd = nil
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if client != nil {
		// Ask mpv to quit; the process kill below covers a hung IPC. The
		// client's read loop closes itself on EOF, so no explicit Close.
		done := make(chan struct{})
		go func() {
			_, _ = client.Request("quit")
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if socketPath != "" {
		_ = os.Remove(socketPath)
	}

	// Emitters check the closed flag before sending; wait them out before
	// closing the channel.
	e.wg.Wait()
	close(e.events)
	return nil
}

// monitorProcess reports an unexpected mpv exit as an engine error.
func (e *Engine) monitorProcess(cmd *exec.Cmd, gen int) {
	err := cmd.Wait()

	e.mu.Lock()
	stale := e.closed || gen != e.gen
	e.mu.Unlock()
	if stale {
		return
	}

	if err == nil {
		err = fmt.Errorf("mpv exited")
	}
	e.fail(gen, fmt.Errorf("mpv process exited unexpectedly: %w", err))
}

// fail emits an error event unless the load has been superseded.
func (e *Engine) fail(gen int, err error) {
	e.emit(gen, engine.Event{Kind: engine.EventError, Err: err})
}

// emit delivers an event, dropping ticks when the consumer lags. Terminal
// events are never dropped.
func (e *Engine) emit(gen int, ev engine.Event) {
	e.mu.Lock()
	stale := e.closed || gen != e.gen
	e.mu.Unlock()
	if stale {
		return
	}

	if ev.Kind == engine.EventTick {
		select {
		case e.events <- ev:
		default:
		}
		return
	}
	e.events <- ev
}

func (e *Engine) buildArgs(socketPath string, src *media.Source, sel engine.LoadSelection) []string {
	args := []string{
		fmt.Sprintf("--input-ipc-server=%s", socketPath),
		"--idle=yes",
		"--no-ytdl",
		"--msg-level=all=warn",
		"--force-window=no",
	}
	if !e.userConf {
		args = append(args, "--no-config")
	}
	if sel.Start > 0 {
		args = append(args, fmt.Sprintf("--start=%f", sel.Start.Seconds()))
	}
	if !sel.Autoplay {
		args = append(args, "--pause")
	}
	args = append(args, "--aid="+trackValue(sel.Audio))
	args = append(args, "--sid="+trackValue(sel.Subtitle))

	headers := make([]string, 0, len(src.Headers))
	for key, value := range src.Headers {
		switch key {
		case "User-Agent":
			args = append(args, fmt.Sprintf("--user-agent=%s", value))
		case "Referer":
			args = append(args, fmt.Sprintf("--referrer=%s", value))
		default:
			headers = append(headers, fmt.Sprintf("%s: %s", key, value))
		}
	}
	if len(headers) > 0 {
		args = append(args, fmt.Sprintf("--http-header-fields=%s", strings.Join(headers, ",")))
	}

	args = append(args, e.args...)
	args = append(args, src.URL)
	return args
}

// trackValue maps an optional stream index to mpv's 1-based track id.
func trackValue(index *int) string {
	if index == nil {
		return "no"
	}
	return fmt.Sprintf("%d", *index+1)
}

// waitForSocket polls for the IPC socket file to appear.
func waitForSocket(ctx context.Context, path string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	// Give mpv a moment to start before checking.
	time.Sleep(300 * time.Millisecond)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				// Socket exists; allow mpv a beat to start listening.
				time.Sleep(200 * time.Millisecond)
				return nil
			}
		}
	}
}
