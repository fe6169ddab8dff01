package transcript

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Follower tails a transcript file and emits newly appended messages on a
// channel. The file may not exist yet when following starts; it is picked
// up on creation. Progress is driven by a directory watch with a polling
// fallback, so a lost notification only delays delivery.
type Follower struct {
	path   string
	poll   time.Duration
	logger *slog.Logger

	offset int64
	warned bool
}

// NewFollower creates a follower for the transcript file at path.
func NewFollower(path string, poll time.Duration, logger *slog.Logger) *Follower {
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{path: path, poll: poll, logger: logger}
}

// Follow starts tailing in a goroutine and returns the message channel.
// The channel closes when the context is cancelled or a session-end
// message is emitted.
func (f *Follower) Follow(ctx context.Context) <-chan Message {
	ch := make(chan Message, 64)
	go f.run(ctx, ch)
	return ch
}

func (f *Follower) run(ctx context.Context, ch chan<- Message) {
	defer close(ch)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(f.path)); werr != nil {
			// Directory may not exist yet; polling covers it.
			watcher = nil
		}
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	if f.drain(ctx, ch) {
		return
	}
	for {
		var events <-chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev := <-events:
			if ev.Name != f.path {
				continue
			}
		}
		if f.drain(ctx, ch) {
			return
		}
	}
}

// drain reads complete lines appended since the last offset. Returns true
// when a session-end message was delivered.
func (f *Follower) drain(ctx context.Context, ch chan<- Message) bool {
	file, err := os.Open(f.path)
	if err != nil {
		if !os.IsNotExist(err) && !f.warned {
			f.warned = true
			f.logger.Warn("transcript unreadable", slog.String("path", f.path), slog.String("error", err.Error()))
		}
		return false
	}
	defer file.Close()

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return false
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial trailing line stays unconsumed until the writer
			// finishes it.
			return false
		}
		f.offset += int64(len(line))

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		msg, perr := ParseLine(trimmed)
		if perr != nil {
			if !f.warned {
				f.warned = true
				f.logger.Warn("skipping malformed transcript line", slog.String("path", f.path), slog.String("error", perr.Error()))
			}
			continue
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return true
		}
		if msg.SessionEnd {
			return true
		}
	}
}
