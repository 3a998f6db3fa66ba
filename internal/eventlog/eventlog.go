// Package eventlog implements the append-only newline-delimited JSON
// telemetry log. Events are never rewritten; readers tolerate and skip
// partial or malformed lines.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrStoreUnavailable is returned for any event-log I/O failure.
var ErrStoreUnavailable = errors.New("event log unavailable")

// Event is one telemetry record. Optional fields are pointers so absent
// values round-trip as absent keys rather than zeros.
type Event struct {
	TS        time.Time      `json:"ts"`
	Agent     string         `json:"agent"`
	Reward    *float64       `json:"reward,omitempty"`
	LatencyMS *int64         `json:"latency_ms,omitempty"`
	CostUSD   *float64       `json:"cost_usd,omitempty"`
	Errors    *int           `json:"errors,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Log is a durable append-only JSONL file with a per-append lock.
type Log struct {
	path string
	mu   sync.Mutex
	file *os.File
	log  zerolog.Logger
}

// Open opens (or creates) the event log at path.
func Open(path string, logger zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create event log dir: %v", ErrStoreUnavailable, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, path, err)
	}

	return &Log{
		path: path,
		file: f,
		log:  logger.With().Str("component", "eventlog").Logger(),
	}, nil
}

// Append writes one event as a single JSONL line. Each line is written with
// one syscall under the lock so a crash never interleaves two events; a torn
// final line is skipped by readers.
func (l *Log) Append(ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("%w: append: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Tail returns the last n events, oldest first. Malformed lines are skipped
// with a debug log.
func (l *Log) Tail(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open for read: %v", ErrStoreUnavailable, err)
	}
	defer f.Close()

	// Ring of the last n events; a full scan keeps replay deterministic.
	ring := make([]Event, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			l.log.Debug().Err(err).Msg("Skipping malformed event line")
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring[n-1] = ev
		} else {
			ring = append(ring, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
	}

	return ring, nil
}

// Rewards projects the reward values out of the last n events, in order,
// skipping events without a reward.
func (l *Log) Rewards(n int) ([]float64, error) {
	events, err := l.Tail(n)
	if err != nil {
		return nil, err
	}

	rewards := make([]float64, 0, len(events))
	for _, ev := range events {
		if ev.Reward != nil {
			rewards = append(rewards, *ev.Reward)
		}
	}
	return rewards, nil
}

// Sync flushes the log to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.log.Warn().Err(err).Msg("Event log sync on close failed")
	}
	return l.file.Close()
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}
