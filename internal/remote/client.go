// Package remote implements the media-server collaborators over HTTP: the
// source resolver that fetches playback info for a queue item, and the
// progress sink that receives position reports.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/justchokingaround/playcore/pkg/media"
)

// Typed resolution failures. Everything else surfaces as a wrapped network
// error.
var (
	ErrNotFound     = errors.New("item not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// ClientConfig holds configuration for the server client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
	Logger     *slog.Logger
}

// Client talks to the media server. It implements the session's source
// resolver and the progress reporter's sink.
type Client struct {
	resty *resty.Client
	log   *slog.Logger
}

// NewClient creates a server client with retry handling.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "playcore/1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	restyClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		restyClient.SetAuthToken(cfg.Token)
	}

	// Retry on network errors, 5xx and rate limiting; auth and not-found
	// failures are final.
	restyClient.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= 500 || r.StatusCode() == 429
	})

	return &Client{resty: restyClient, log: cfg.Logger}
}

// playbackInfoResponse is the wire shape of the playback-info endpoint.
type playbackInfoResponse struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Container  string `json:"container,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	AudioStreams []struct {
		Index    int    `json:"index"`
		Language string `json:"language,omitempty"`
		Title    string `json:"title,omitempty"`
		Codec    string `json:"codec,omitempty"`
		Channels int    `json:"channels,omitempty"`
		Default  bool   `json:"default"`
	} `json:"audio_streams"`

	SubtitleStreams []struct {
		Index    int    `json:"index"`
		Language string `json:"language,omitempty"`
		Title    string `json:"title,omitempty"`
		Codec    string `json:"codec,omitempty"`
		Default  bool   `json:"default"`
		Forced   bool   `json:"forced"`
	} `json:"subtitle_streams"`

	Chapters []struct {
		StartMS  int64  `json:"start_ms"`
		Name     string `json:"name,omitempty"`
		ImageRef string `json:"image_ref,omitempty"`
	} `json:"chapters"`

	Headers map[string]string `json:"headers,omitempty"`
}

// ResolveSource fetches the playable description of a queue item.
func (c *Client) ResolveSource(ctx context.Context, item media.QueueItem) (*media.Source, error) {
	var info playbackInfoResponse
	req := c.resty.R().
		SetContext(ctx).
		SetPathParam("ref", item.Ref).
		SetResult(&info)
	if item.SourceHint > 0 {
		req.SetQueryParam("source", fmt.Sprintf("%d", item.SourceHint))
	}

	resp, err := req.Get("/items/{ref}/playback")
	if err != nil {
		return nil, &media.PlaybackError{
			Reason:  media.ReasonNetwork,
			ItemRef: item.Ref,
			Err:     err,
		}
	}

	switch {
	case resp.StatusCode() == 404:
		return nil, &media.PlaybackError{
			Reason:  media.ReasonSourceNotFound,
			ItemRef: item.Ref,
			Err:     ErrNotFound,
		}
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return nil, &media.PlaybackError{
			Reason:  media.ReasonUnauthorized,
			ItemRef: item.Ref,
			Err:     ErrUnauthorized,
		}
	case resp.StatusCode() >= 400:
		return nil, &media.PlaybackError{
			Reason:  media.ReasonLoadFailed,
			ItemRef: item.Ref,
			Err:     fmt.Errorf("HTTP %d", resp.StatusCode()),
		}
	}

	src := &media.Source{
		ID:        info.ID,
		URL:       info.URL,
		Container: info.Container,
		Duration:  time.Duration(info.DurationMS) * time.Millisecond,
		Headers:   info.Headers,
	}
	for _, s := range info.AudioStreams {
		src.AudioStreams = append(src.AudioStreams, media.AudioStream{
			Index:    s.Index,
			Language: s.Language,
			Title:    s.Title,
			Codec:    s.Codec,
			Channels: s.Channels,
			Default:  s.Default,
		})
	}
	for _, s := range info.SubtitleStreams {
		src.SubtitleStreams = append(src.SubtitleStreams, media.SubtitleStream{
			Index:    s.Index,
			Language: s.Language,
			Title:    s.Title,
			Codec:    s.Codec,
			Default:  s.Default,
			Forced:   s.Forced,
		})
	}
	for _, ch := range info.Chapters {
		src.Chapters = append(src.Chapters, media.Chapter{
			Start:    time.Duration(ch.StartMS) * time.Millisecond,
			Name:     ch.Name,
			ImageRef: ch.ImageRef,
		})
	}

	if src.URL == "" {
		return nil, &media.PlaybackError{
			Reason:  media.ReasonSourceNotFound,
			ItemRef: item.Ref,
			Err:     ErrNotFound,
		}
	}
	return src, nil
}

// progressRequest is the wire shape of a progress report.
type progressRequest struct {
	PositionMS int64  `json:"position_ms"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Paused     bool   `json:"paused"`
	Sequence   uint64 `json:"sequence"`
}

// Send posts a progress report. The sequence number lets the server discard
// reports that arrive after a newer one has been applied.
func (c *Client) Send(ctx context.Context, itemRef string, position, duration time.Duration, paused bool, seq uint64) error {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetPathParam("ref", itemRef).
		SetBody(progressRequest{
			PositionMS: position.Milliseconds(),
			DurationMS: duration.Milliseconds(),
			Paused:     paused,
			Sequence:   seq,
		}).
		Post("/items/{ref}/progress")
	if err != nil {
		return fmt.Errorf("progress report failed for %s: %w", itemRef, err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("progress report for %s: HTTP %d", itemRef, resp.StatusCode())
	}
	return nil
}
