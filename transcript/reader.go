package transcript

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
)

// maxLineBytes bounds a single transcript line; agent tool results can
// carry large embedded file contents.
const maxLineBytes = 4 * 1024 * 1024

// Read returns the messages in the transcript file. When tailLimit > 0
// only the most recent tailLimit messages are returned; the file is still
// scanned line by line and never buffered whole.
//
// A missing file yields an empty slice. Malformed lines are skipped; one
// warning is logged per read no matter how many lines are bad.
func Read(path string, tailLimit int) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	var messages []Message
	var ring []Message
	ringStart := 0
	malformed := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := ParseLine(line)
		if err != nil {
			malformed++
			continue
		}
		if tailLimit > 0 {
			if len(ring) < tailLimit {
				ring = append(ring, msg)
			} else {
				ring[ringStart] = msg
				ringStart = (ringStart + 1) % tailLimit
			}
		} else {
			messages = append(messages, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	if malformed > 0 {
		slog.Warn("skipped malformed transcript lines",
			slog.String("path", path),
			slog.Int("count", malformed))
	}

	if tailLimit > 0 {
		ordered := make([]Message, 0, len(ring))
		for i := 0; i < len(ring); i++ {
			ordered = append(ordered, ring[(ringStart+i)%len(ring)])
		}
		return ordered, nil
	}
	return messages, nil
}

// FirstLineContains reports whether the first line of the file contains
// the given marker. Used to correlate a transcript with the workflow that
// spawned it.
func FirstLineContains(path, marker string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		return false
	}
	return marker != "" && bytes.Contains(scanner.Bytes(), []byte(marker))
}
