package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/fileutils"
	"github.com/stacklok/protoreg/pkg/lockfile"
	"github.com/stacklok/protoreg/pkg/logger"
	"github.com/stacklok/protoreg/pkg/manifest"
)

// EventLog is the append-only, JSON-Lines history of operations for one
// manifest at a time. Appends are serialized per path through pkg/lockfile
// so the append+fsync pair is never interleaved across concurrent writers
// on the same manifest (§5, §9).
type EventLog struct {
	BaseDir string
	// SkipCorruptLines enables a non-default skip-and-log recovery mode for
	// a corrupted event-log line. The spec's default is fail-stop (§4.3).
	SkipCorruptLines bool
}

// NewEventLog builds an EventLog rooted at baseDir.
func NewEventLog(baseDir string) *EventLog {
	return &EventLog{BaseDir: baseDir}
}

func (l *EventLog) path(manifestID string) string {
	return filepath.Join(l.BaseDir, manifestID, eventsFileName)
}

// Append writes one JSON-encoded event as a new line, fsyncing before
// returning.
func (l *EventLog) Append(manifestID string, event manifest.Envelope) error {
	dir := filepath.Join(l.BaseDir, manifestID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return protoerrors.NewInternalError("failed to create manifest directory", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return protoerrors.NewInternalError("failed to serialize event", err)
	}
	line = append(line, '\n')

	path := l.path(manifestID)
	err = lockfile.WithLock(path, func() error {
		return fileutils.AppendAndSync(path, line, filePerm)
	})
	if err != nil {
		return protoerrors.NewInternalError("failed to append event", err)
	}
	return nil
}

// Exists reports whether a non-empty event log is present for manifestID.
func (l *EventLog) Exists(manifestID string) bool {
	info, err := os.Stat(l.path(manifestID))
	return err == nil && info.Size() > 0
}

// ReadAll parses every line of manifestID's event log in order. A
// corrupted line is fatal unless SkipCorruptLines is set, in which case it
// is logged and skipped (§4.3).
func (l *EventLog) ReadAll(manifestID string) ([]manifest.Envelope, error) {
	f, err := os.Open(l.path(manifestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, protoerrors.NewInternalError("failed to open event log", err)
	}
	defer f.Close()

	var events []manifest.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event manifest.Envelope
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			if l.SkipCorruptLines {
				logger.Warnw("skipping corrupted event-log line",
					"manifestId", manifestID, "line", lineNum, "error", err.Error())
				continue
			}
			return nil, protoerrors.NewIntegrityError(
				fmt.Sprintf("corrupted event-log line %d", lineNum), err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, protoerrors.NewInternalError("failed to read event log", err)
	}

	return events, nil
}
