package executor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/specflowhq/specflow/transcript"
)

// discoverSession watches the project's transcript directory for the
// session transcript belonging to this workflow. The agent assigns the
// session id itself and only materializes the transcript after its first
// turn, so the executor correlates by the workflow marker embedded in the
// prompt. Discovery gives up after the configured wait; a workflow without
// a session id still completes normally.
func (e *Executor) discoverSession(w *workflow, stop <-chan struct{}) {
	dir := transcript.ProjectDir(e.transcriptRoot, w.projectDir)

	wait := e.cfg.SessionDiscoveryWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	poll := e.cfg.SessionDiscoveryPoll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.After(wait)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(dir); werr != nil {
			// Directory may not exist until the agent's first write;
			// polling covers the gap.
			watcher = nil
		}
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if e.scanForSession(w, dir) {
			return
		}
		var events <-chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-stop:
			return
		case <-deadline:
			e.logger.Debug("session discovery timed out",
				slog.String("workflow_id", w.exec.ID),
				slog.String("dir", dir))
			return
		case <-ticker.C:
		case <-events:
		}
	}
}

// scanForSession checks every transcript in dir for the workflow marker.
// Returns true once the session is recorded.
func (e *Executor) scanForSession(w *workflow, dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		path := filepath.Join(dir, name)
		if !transcript.FirstLineContains(path, w.exec.ID) {
			continue
		}

		sessionID := strings.TrimSuffix(name, ".jsonl")
		w.mu.Lock()
		w.exec.SessionID = sessionID
		w.exec.TranscriptPath = path
		w.exec.UpdatedAt = time.Now().UTC()
		w.mu.Unlock()

		e.logger.Debug("session discovered",
			slog.String("workflow_id", w.exec.ID),
			slog.String("session_id", sessionID))
		return true
	}
	return false
}

func fileModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
