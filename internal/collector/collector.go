// Package collector produces lazy, cancellable sequences of events.LogEvent
// from Windows Event Log channels: a live tail with durable bookmarks, and
// a historical replay of the last 24 hours.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/storage"
)

// Channel is the abstraction over a single Windows Event Log channel. A
// production implementation talks to the Windows Event Log API; Collector
// itself is channel-source agnostic so it can be tested against a fake.
type Channel interface {
	// Name returns the channel's configured name.
	Name() string

	// Tail streams events published to the channel from (and after) the
	// given bookmark, blocking until ctx is cancelled or the channel
	// becomes unavailable. It must return promptly on cancellation.
	Tail(ctx context.Context, from Bookmark, out chan<- events.LogEvent) error

	// Historical sends every event in the channel with Time within the
	// last 24 hours of now, then returns. It does not close out: the
	// Collector shares out across channels and closes it itself.
	Historical(ctx context.Context, now time.Time, out chan<- events.LogEvent) error
}

// Bookmark is an opaque per-channel replay position.
type Bookmark struct {
	Channel  string `json:"channel"`
	Sequence uint64 `json:"sequence"`
}

// reconnectBackoff is the fixed reconnect schedule
var reconnectBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Collector tails and replays one or more Channel sources.
type Collector struct {
	cfg       config.CollectorConfig
	channels  []Channel
	bookmarks storage.Backend
}

// New constructs a Collector. cfg must be non-nil; channels is
// deduplicated case-insensitively by name, matching only the configured
// channel names.
func New(cfg *config.CollectorConfig, bookmarks storage.Backend, channels []Channel) (*Collector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("collector: config must not be nil")
	}

	allowed := make(map[string]bool, len(cfg.Channels))
	for _, name := range cfg.Channels {
		allowed[strings.ToLower(name)] = true
	}

	seen := make(map[string]bool)
	var deduped []Channel
	for _, ch := range channels {
		key := strings.ToLower(ch.Name())
		if !allowed[key] || seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, ch)
	}

	return &Collector{cfg: *cfg, channels: deduped, bookmarks: bookmarks}, nil
}

// CollectLive tails every configured channel indefinitely. The returned
// channel is closed once ctx is cancelled and every tailer has stopped. A
// channel that is unavailable yields nothing but never causes the overall
// sequence to terminate: it is retried with the reconnect backoff table.
func (c *Collector) CollectLive(ctx context.Context) <-chan events.LogEvent {
	out := make(chan events.LogEvent, c.queueSize())

	var wg sync.WaitGroup
	for _, ch := range c.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			c.tailWithReconnect(ctx, ch, out)
		}(ch)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func (c *Collector) queueSize() int {
	if c.cfg.QueueSize <= 0 {
		return 5000
	}
	if c.cfg.QueueSize > 50000 {
		return 50000
	}
	return c.cfg.QueueSize
}

func (c *Collector) tailWithReconnect(ctx context.Context, ch Channel, out chan<- events.LogEvent) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bookmark := c.loadBookmark(ctx, ch.Name())

		err := ch.Tail(ctx, bookmark, out)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Tail returned cleanly without cancellation: nothing more to do
			// for this channel (e.g. it was closed upstream).
			return
		}

		slog.Warn("channel tail failed, will reconnect", "channel", ch.Name(), "error", err, "attempt", attempt)
		delay := reconnectBackoff[min(attempt, len(reconnectBackoff)-1)]
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// CollectHistorical emits every event in the configured channels with a
// timestamp within the last 24 hours, then closes the returned channel.
// A channel that errors is logged and skipped; it is never fatal to the
// overall replay.
func (c *Collector) CollectHistorical(ctx context.Context) <-chan events.LogEvent {
	out := make(chan events.LogEvent, c.queueSize())
	now := time.Now()

	go func() {
		defer close(out)
		for _, ch := range c.channels {
			if ctx.Err() != nil {
				return
			}
			if err := ch.Historical(ctx, now, out); err != nil {
				slog.Warn("historical replay failed for channel, skipping", "channel", ch.Name(), "error", err)
			}
		}
	}()

	return out
}

// SaveBookmark persists the replay position for a channel so a restart
// resumes from the last tailed event.
func (c *Collector) SaveBookmark(ctx context.Context, b Bookmark) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshaling bookmark: %w", err)
	}
	return c.bookmarks.Put(ctx, bookmarkKey(b.Channel), data)
}

func (c *Collector) loadBookmark(ctx context.Context, channel string) Bookmark {
	data, err := c.bookmarks.Get(ctx, bookmarkKey(channel))
	if err != nil {
		return Bookmark{Channel: channel}
	}
	var b Bookmark
	if err := json.Unmarshal(data, &b); err != nil {
		slog.Warn("bookmark corrupted, replaying from oldest retained record", "channel", channel, "error", err)
		return Bookmark{Channel: channel}
	}
	return b
}

func bookmarkKey(channel string) string {
	return "bookmark/" + strings.ToLower(channel)
}
