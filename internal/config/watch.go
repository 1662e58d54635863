package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Snapshot holds the current configuration behind an atomic pointer so
// readers never observe a partially-updated Config (hot reload is
// a fresh snapshot on the next event, never a mutation of a shared struct).
type Snapshot struct {
	ptr atomic.Pointer[Config]
	w   *fsnotify.Watcher
}

// NewSnapshot loads path once and returns a Snapshot seeded with the result.
func NewSnapshot(path string) (*Snapshot, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{}
	s.ptr.Store(cfg)
	return s, nil
}

// Current returns the most recently loaded Config. Safe for concurrent use.
func (s *Snapshot) Current() *Config {
	return s.ptr.Load()
}

// Watch rereads path whenever it changes and swaps the snapshot atomically.
// A reload that fails validation is logged and discarded; the previous
// snapshot remains current. Watch returns an error only if the watcher
// cannot be set up; otherwise it returns at once and reloads run in a
// background goroutine until Close is called.
func (s *Snapshot) Watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.w = w

	if err := w.Add(path); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Error("config reload failed, keeping previous snapshot", "path", path, "error", err)
					continue
				}
				s.ptr.Store(cfg)
				slog.Info("config reloaded", "path", path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the underlying filesystem watcher, if one was started.
func (s *Snapshot) Close() error {
	if s.w == nil {
		return nil
	}
	return s.w.Close()
}
