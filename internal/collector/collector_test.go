package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/events"
	"github.com/castellan/castellan/internal/storage"
)

type fakeChannel struct {
	name          string
	historical    []events.LogEvent
	tailErr       error
	historicalErr error
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Tail(ctx context.Context, from Bookmark, out chan<- events.LogEvent) error {
	if f.tailErr != nil {
		return f.tailErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) Historical(ctx context.Context, now time.Time, out chan<- events.LogEvent) error {
	if f.historicalErr != nil {
		return f.historicalErr
	}
	for _, e := range f.historical {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func newBackend(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.NewLocalBackend(storage.LocalConfig{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return b
}

func TestNewDeduplicatesChannelsCaseInsensitively(t *testing.T) {
	cfg := &config.CollectorConfig{Channels: []string{"Security"}, QueueSize: 10}
	chans := []Channel{
		&fakeChannel{name: "Security"},
		&fakeChannel{name: "SECURITY"},
		&fakeChannel{name: "Application"}, // not in configured channel set
	}
	c, err := New(cfg, newBackend(t), chans)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(c.channels) != 1 {
		t.Fatalf("expected 1 deduplicated channel, got %d", len(c.channels))
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(nil, newBackend(t), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestCollectHistoricalEmitsAndCloses(t *testing.T) {
	want := []events.LogEvent{
		{Channel: "Security", EventID: 4624, Message: "a"},
		{Channel: "Security", EventID: 4625, Message: "b"},
	}
	cfg := &config.CollectorConfig{Channels: []string{"Security"}, QueueSize: 10}
	c, err := New(cfg, newBackend(t), []Channel{&fakeChannel{name: "Security", historical: want}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []events.LogEvent
	for e := range c.CollectHistorical(ctx) {
		got = append(got, e)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
}

func TestCollectHistoricalSkipsFailingChannels(t *testing.T) {
	failing := &fakeChannel{name: "Application", historicalErr: fmt.Errorf("access denied")}
	ok := &fakeChannel{name: "Security", historical: []events.LogEvent{{Channel: "Security", EventID: 1}}}

	cfg := &config.CollectorConfig{Channels: []string{"Application", "Security"}, QueueSize: 10}
	c, err := New(cfg, newBackend(t), []Channel{failing, ok})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []events.LogEvent
	for e := range c.CollectHistorical(ctx) {
		got = append(got, e)
	}
	if len(got) != 1 {
		t.Fatalf("expected the healthy channel's event despite the other failing, got %d", len(got))
	}
}

func TestSaveAndLoadBookmarkRoundTrips(t *testing.T) {
	cfg := &config.CollectorConfig{Channels: []string{"Security"}, QueueSize: 10}
	c, err := New(cfg, newBackend(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := c.SaveBookmark(ctx, Bookmark{Channel: "Security", Sequence: 42}); err != nil {
		t.Fatalf("SaveBookmark: %v", err)
	}

	got := c.loadBookmark(ctx, "Security")
	if got.Sequence != 42 {
		t.Fatalf("loadBookmark = %+v, want sequence 42", got)
	}
}

func TestLoadBookmarkMissingReturnsZeroValue(t *testing.T) {
	cfg := &config.CollectorConfig{Channels: []string{"Security"}, QueueSize: 10}
	c, err := New(cfg, newBackend(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := c.loadBookmark(context.Background(), "Security")
	if got.Sequence != 0 {
		t.Fatalf("expected zero-value bookmark, got %+v", got)
	}
}

func TestCollectLiveStopsOnCancel(t *testing.T) {
	cfg := &config.CollectorConfig{Channels: []string{"Security"}, QueueSize: 10}
	c, err := New(cfg, newBackend(t), []Channel{&fakeChannel{name: "Security"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := c.CollectLive(ctx)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected no events after immediate cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the output channel to close after cancellation")
	}
}
