package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/justchokingaround/playcore/internal/clock"
	"github.com/justchokingaround/playcore/internal/config"
	"github.com/justchokingaround/playcore/internal/engine/mpv"
	"github.com/justchokingaround/playcore/internal/progress"
	"github.com/justchokingaround/playcore/internal/remote"
	"github.com/justchokingaround/playcore/internal/session"
	"github.com/justchokingaround/playcore/internal/store"
	"github.com/justchokingaround/playcore/internal/tracks"
	"github.com/justchokingaround/playcore/pkg/media"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile  string
	logLevel string

	// Global config, logger and store
	cfg    *config.Config
	logger *slog.Logger
	db     *store.Store
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	playedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "playcored",
	Short: "Playback session and queue engine for media-server content",
	Long: `playcored drives a playback session against a media server: it resolves
items into playable sources, plays them through mpv, advances the queue,
and keeps playback positions in sync both locally and remotely.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for config init
		if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
			return nil
		}

		if err := config.InitializeDirs(); err != nil {
			return fmt.Errorf("failed to initialize directories: %w", err)
		}

		var err error
		var v *viper.Viper
		cfg, v, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, err = config.InitLogger(&cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		db, err = store.Open(store.Options{
			Path:           cfg.Database.Path,
			MaxConnections: cfg.Database.MaxConnections,
			WALMode:        cfg.Database.WALMode,
		})
		if err != nil {
			return fmt.Errorf("failed to open local store: %w", err)
		}

		// Hot reload: playback picks up changed settings on the next run,
		// logging level applies immediately.
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			logger.Info("config file changed", "name", e.Name)
			if err := v.Unmarshal(&cfg); err != nil {
				logger.Error("failed to reload config", "error", err)
				return
			}
			if _, err := config.InitLogger(&cfg.Logging); err != nil {
				logger.Error("failed to reinitialize logger", "error", err)
			}
		})

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			if err := db.Close(); err != nil && logger != nil {
				logger.Error("failed to close local store", "error", err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/playcore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(configCmd)
}

// playCmd plays one or more items as a queue.
var playCmd = &cobra.Command{
	Use:   "play <ref> [ref...]",
	Short: "Play one or more items as a queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		startIndex, _ := cmd.Flags().GetInt("start-index")
		shuffle, _ := cmd.Flags().GetBool("shuffle")
		repeat, _ := cmd.Flags().GetString("repeat")
		mediaType, _ := cmd.Flags().GetString("type")
		sleepMin, _ := cmd.Flags().GetInt("sleep")

		items := make([]media.QueueItem, len(args))
		for i, ref := range args {
			items[i] = media.QueueItem{
				ID:   uuid.NewString(),
				Ref:  ref,
				Type: media.Type(mediaType),
			}
		}

		return runSession(cmd.Context(), func(s *session.Session) error {
			if err := s.Play(items, startIndex, session.PlayOptions{}); err != nil {
				return err
			}
			if shuffle {
				s.ToggleShuffle(true)
			}
			if repeat != "" {
				s.SetRepeatMode(media.RepeatMode(repeat))
			}
			if sleepMin > 0 {
				s.ArmSleepTimer(time.Duration(sleepMin) * time.Minute)
			}
			return nil
		})
	},
}

// resumeCmd continues playback: from the saved queue snapshot, or from a
// single item's local record.
var resumeCmd = &cobra.Command{
	Use:   "resume [ref]",
	Short: "Resume the saved queue, or a single item from its last position",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return runSession(cmd.Context(), func(s *session.Session) error {
				return s.Restore(true)
			})
		}

		ref := args[0]
		rec, err := db.LoadPlayback(ref)
		if err != nil {
			return fmt.Errorf("failed to load playback record: %w", err)
		}
		var startAt time.Duration
		if rec != nil {
			startAt = rec.Position
			fmt.Printf("Resuming %s at %s\n", titleStyle.Render(ref), formatPosition(startAt))
		}

		item := media.QueueItem{ID: uuid.NewString(), Ref: ref, Type: media.TypeVideo}
		return runSession(cmd.Context(), func(s *session.Session) error {
			return s.Play([]media.QueueItem{item}, 0, session.PlayOptions{StartAt: startAt})
		})
	},
}

// runSession wires the collaborators, starts playback via begin, and blocks
// until the queue is exhausted or the process is interrupted.
func runSession(parent context.Context, begin func(*session.Session) error) error {
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is not configured (run 'playcored config init')")
	}

	client := remote.NewClient(remote.ClientConfig{
		BaseURL:    cfg.Server.BaseURL,
		Token:      cfg.Server.Token,
		Timeout:    cfg.Server.Timeout,
		MaxRetries: cfg.Server.MaxRetries,
		Logger:     logger,
	})

	eng, err := mpv.New(mpv.Options{
		Executable:     cfg.Player.Executable,
		ExtraArgs:      cfg.Player.ExtraArgs,
		LoadUserConfig: cfg.Player.LoadUserConfig,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	reporter := progress.NewReporter(client, db, clock.NewSystem(), logger, progress.Options{
		Interval:    cfg.Progress.Interval,
		MaxAttempts: cfg.Progress.MaxAttempts,
		Backoff:     cfg.Progress.Backoff,
		SendTimeout: cfg.Progress.SendTimeout,
	})

	s, err := session.New(session.Config{
		Resolver:             client,
		Engine:               eng,
		Reporter:             reporter,
		Snapshots:            db,
		Logger:               logger,
		TrackDefaults:        tracks.Defaults{Language: cfg.Player.PreferredLanguage},
		ChapterRestartWindow: cfg.Player.ChapterRestartWindow,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, cancel := s.Subscribe()
	defer cancel()

	if err := begin(s); err != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = s.Stop(shutdownCtx)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println(dimStyle.Render("stopping..."))
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			return s.Stop(shutdownCtx)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(s, ev)
			if ev.Kind == session.EventStateChanged && ev.State == media.StateIdle {
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancelShutdown()
				return s.Stop(shutdownCtx)
			}
		}
	}
}

func printEvent(s *session.Session, ev session.Event) {
	switch ev.Kind {
	case session.EventItemChanged:
		name := ev.Item.Title
		if name == "" {
			name = ev.Item.Ref
		}
		snap := s.Snapshot()
		fmt.Printf("%s %s %s\n",
			labelStyle.Render("Now playing:"),
			titleStyle.Render(name),
			dimStyle.Render(fmt.Sprintf("(%d/%d)", snap.QueueIndex+1, snap.QueueLength)))
	case session.EventStateChanged:
		switch ev.State {
		case media.StateBuffering:
			fmt.Println(dimStyle.Render("buffering..."))
		case media.StatePaused:
			fmt.Println(dimStyle.Render("paused"))
		case media.StateIdle:
			fmt.Println(dimStyle.Render("queue finished"))
		}
	case session.EventChapterChanged:
		if ev.Chapter.Name != "" {
			fmt.Printf("%s %s\n", labelStyle.Render("Chapter:"), ev.Chapter.Name)
		}
	case session.EventError:
		fmt.Printf("%s %s\n", errorStyle.Render("Playback error:"), ev.Err.Error())
	}
}

// recordsCmd lists and maintains local playback records.
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List local playback records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		records, err := db.ListPlayback(limit)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		if len(records) == 0 {
			fmt.Println(dimStyle.Render("No playback records."))
			return nil
		}

		for _, rec := range records {
			percent := fmt.Sprintf("%3.0f%%", rec.PlayedPercent)
			style := dimStyle
			if rec.PlayedPercent >= 95 {
				style = playedStyle
			}
			fmt.Printf("%s  %s  %s  %s\n",
				style.Render(percent),
				titleStyle.Render(rec.ItemRef),
				formatPosition(rec.Position),
				dimStyle.Render(humanize.Time(rec.SavedAt)))
		}
		return nil
	},
}

var recordsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stale records of unfinished items",
	RunE: func(cmd *cobra.Command, args []string) error {
		pruned, err := db.PruneIncomplete(cfg.Records.PruneAfter)
		if err != nil {
			return fmt.Errorf("failed to prune records: %w", err)
		}
		fmt.Printf("Pruned %d record(s) older than %s.\n", pruned, cfg.Records.PruneAfter)
		return nil
	},
}

func formatPosition(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// configCmd handles configuration operations
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := cfgFile
		if configPath == "" {
			configPath = filepath.Join(config.GetConfigDir(), "config.yaml")
		}

		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration file already exists: %s", configPath)
		}

		if err := config.SaveDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to save default configuration: %w", err)
		}

		fmt.Printf("Default configuration generated at: %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Server: %s\n", cfg.Server.BaseURL)
		fmt.Printf("Database: %s\n", cfg.Database.Path)
		fmt.Printf("Log level: %s\n", cfg.Logging.Level)
		fmt.Printf("Player: %s\n", cfg.Player.Executable)
		fmt.Printf("Progress interval: %s\n", cfg.Progress.Interval)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Display configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			fmt.Println(cfgFile)
		} else {
			fmt.Println(filepath.Join(config.GetConfigDir(), "config.yaml"))
		}
	},
}

func init() {
	playCmd.Flags().Int("start-index", 0, "queue index to start from")
	playCmd.Flags().Bool("shuffle", false, "enable shuffle")
	playCmd.Flags().String("repeat", "", "repeat mode (off, all, one)")
	playCmd.Flags().String("type", string(media.TypeVideo), "media type (video, audio, audiobook)")
	playCmd.Flags().Int("sleep", 0, "arm a sleep timer for this many minutes")

	recordsCmd.Flags().Int("limit", 20, "maximum number of records to show")
	recordsCmd.AddCommand(recordsPruneCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
