package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/castellan/castellan/internal/events"
)

// FileChannel is a Channel backed by an NDJSON export file: one
// events.LogEvent per line, the shape produced by `wevtutil qe ... /f:json`
// style exports or a forwarder writing records as it receives them. It
// tails the file by polling for appended lines, which keeps the collector
// portable off-Windows and gives the poll interval and filter expression
// a concrete seam.
type FileChannel struct {
	name   string
	path   string
	poll   time.Duration
	filter *regexp.Regexp
}

// NewFileChannel constructs a FileChannel tailing path. filter is an
// optional event filter expression applied to each record's message; a
// pattern that fails to compile is logged and ignored, never fatal.
func NewFileChannel(name, path, filter string, poll time.Duration) *FileChannel {
	var re *regexp.Regexp
	if filter != "" {
		var err error
		re, err = regexp.Compile(filter)
		if err != nil {
			slog.Warn("collector: filter expression failed to compile, ignoring", "channel", name, "filter", filter, "error", err)
		}
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &FileChannel{name: name, path: path, poll: poll, filter: re}
}

func (f *FileChannel) Name() string { return f.name }

// Tail streams records appended to the file after the bookmarked sequence,
// blocking until ctx is cancelled. A bookmark pointing past the current end
// of the file means the file was rotated or truncated: the tail restarts
// from the oldest retained record.
func (f *FileChannel) Tail(ctx context.Context, from Bookmark, out chan<- events.LogEvent) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("opening channel file %s: %w", f.path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	seq := uint64(0)

	for {
		line, err := reader.ReadBytes('\n')
		if err == nil {
			offset += int64(len(line))
			seq++
			if seq > from.Sequence {
				f.deliver(ctx, out, line, seq)
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			continue
		}
		if err != io.EOF {
			return fmt.Errorf("reading channel file %s: %w", f.path, err)
		}

		// At EOF. A partial trailing line (no newline yet) was consumed by
		// the reader; seeking back to offset makes the next poll reread it
		// once the writer finishes the line.
		info, statErr := file.Stat()
		if statErr != nil {
			return fmt.Errorf("statting channel file %s: %w", f.path, statErr)
		}
		if info.Size() < offset || seq < from.Sequence {
			// The file shrank (rotation/truncation) or the bookmark points
			// past its end: the bookmark is stale, replay from the oldest
			// retained record.
			slog.Warn("collector: stale bookmark or rotated file, replaying from oldest record",
				"channel", f.name, "bookmark", from.Sequence, "last", seq)
			offset, seq, from.Sequence = 0, 0, 0
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seeking channel file %s: %w", f.path, err)
		}
		reader.Reset(file)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.poll):
		}
	}
}

// Historical emits every record with Time within 24 hours of now, then
// returns.
func (f *FileChannel) Historical(ctx context.Context, now time.Time, out chan<- events.LogEvent) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("opening channel file %s: %w", f.path, err)
	}
	defer file.Close()

	cutoff := now.Add(-24 * time.Hour)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seq := uint64(0)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		seq++
		e, ok := f.parse(scanner.Bytes(), seq)
		if !ok {
			continue
		}
		if e.Time.Before(cutoff) || e.Time.After(now) {
			continue
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func (f *FileChannel) deliver(ctx context.Context, out chan<- events.LogEvent, line []byte, seq uint64) {
	e, ok := f.parse(line, seq)
	if !ok {
		return
	}
	select {
	case out <- e:
	case <-ctx.Done():
	}
}

// parse decodes one NDJSON record, applies the filter, and stamps the
// channel name and sequence. Malformed lines are logged and skipped.
func (f *FileChannel) parse(line []byte, seq uint64) (events.LogEvent, bool) {
	var e events.LogEvent
	if err := json.Unmarshal(line, &e); err != nil {
		slog.Debug("collector: skipping malformed record", "channel", f.name, "sequence", seq, "error", err)
		return events.LogEvent{}, false
	}
	if f.filter != nil && !f.filter.MatchString(e.Message) {
		return events.LogEvent{}, false
	}
	if e.Channel == "" {
		e.Channel = f.name
	}
	e.Sequence = seq
	return e.WithUniqueID(), true
}

var _ Channel = (*FileChannel)(nil)
