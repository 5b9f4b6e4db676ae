package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gelfrelay/internal/types"
)

// logEntry is one captured log call.
type logEntry struct {
	Level string
	Msg   string
	Args  map[string]any
}

// recordingLogger captures log calls for assertions. With() returns a logger
// sharing the same sink with the extra args prepended.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    []any
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) log(level, msg string, args []any) {
	all := append(append([]any{}, l.base...), args...)
	m := make(map[string]any, len(all)/2)
	for i := 0; i+1 < len(all); i += 2 {
		m[fmt.Sprint(all[i])] = all[i+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{Level: level, Msg: msg, Args: m})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *recordingLogger) With(args ...any) types.Logger {
	return &recordingLogger{
		mu:      l.mu,
		entries: l.entries,
		base:    append(append([]any{}, l.base...), args...),
	}
}

// find returns entries whose message contains substr.
func (l *recordingLogger) find(substr string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range *l.entries {
		if strings.Contains(e.Msg, substr) {
			out = append(out, e)
		}
	}
	return out
}

// recordingMetrics captures Metrics calls.
type recordingMetrics struct {
	mu        sync.Mutex
	datagrams []error
	attempts  []types.ErrorCode
	latencies []time.Duration
	outcomes  []State
}

var _ Metrics = (*recordingMetrics)(nil)

func (m *recordingMetrics) RecordDatagram(_ context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datagrams = append(m.datagrams, err)
}

func (m *recordingMetrics) RecordAttempt(_ context.Context, code types.ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, code)
}

func (m *recordingMetrics) RecordLatency(_ context.Context, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, d)
}

func (m *recordingMetrics) RecordOutcome(_ context.Context, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, s)
}

func (m *recordingMetrics) attemptCodes() []types.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ErrorCode(nil), m.attempts...)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// recordingSink captures dropped records.
type recordingSink struct {
	mu      sync.Mutex
	records []DroppedRecord
	err     error
}

func (s *recordingSink) Drop(_ context.Context, rec DroppedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func testRecord() *types.NormalizedRecord {
	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	return &types.NormalizedRecord{
		Command:          "/app/server",
		ContainerCreated: "2023-11-14T20:00:00Z",
		ContainerID:      "0123456789ab",
		ContainerName:    "web-1",
		Host:             "i-0abc",
		HostAddr:         "10.1.2.3",
		ImageID:          "sha256:deadbeef",
		ImageName:        "myrepo/app:1.2",
		ImageRepo:        "myrepo",
		ImageTag:         "app",
		ImageVersion:     "1.2",
		Level:            "error",
		Message:          "connection refused",
		Tag:              "web",
		Timestamp:        "2023-11-14T22:13:20.000000Z",
		Time:             ts,
	}
}
