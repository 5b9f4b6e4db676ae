package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gelfrelay/internal/delivery"
	"gelfrelay/internal/gelf"
	"gelfrelay/internal/session"
	"gelfrelay/internal/transform"
	"gelfrelay/internal/types"
)

// logEntry is one captured log call.
type logEntry struct {
	Level string
	Msg   string
	Args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Level: level, Msg: msg, Args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add("error", msg, args) }
func (l *recordingLogger) With(...any) types.Logger      { return l }

func (l *recordingLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if strings.Contains(e.Msg, substr) {
			n++
		}
	}
	return n
}

// fakeDeliverer records records and optionally blocks until released or
// cancelled.
type fakeDeliverer struct {
	mu        sync.Mutex
	records   []*types.NormalizedRecord
	block     chan struct{}
	cancelled atomic.Int32
}

func (d *fakeDeliverer) Deliver(ctx context.Context, rec *types.NormalizedRecord) delivery.Result {
	d.mu.Lock()
	d.records = append(d.records, rec)
	d.mu.Unlock()

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			d.cancelled.Add(1)
			return delivery.Result{State: delivery.StateAbandoned}
		}
	}
	return delivery.Result{State: delivery.StateSuccess}
}

func (d *fakeDeliverer) delivered() []*types.NormalizedRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*types.NormalizedRecord(nil), d.records...)
}

type panickingTransformer struct{}

func (panickingTransformer) Transform(types.RawMessage, string, string) (*types.NormalizedRecord, error) {
	panic("transformer bug")
}

func gelfMessage(t *testing.T, shortMessage string) []byte {
	t.Helper()
	msg := map[string]any{
		"version":         "1.1",
		"host":            "docker-01",
		"timestamp":       1700000000,
		"level":           3,
		"short_message":   shortMessage,
		"_command":        "/app/server",
		"_created":        "2023-11-14T20:00:00Z",
		"_container_id":   "0123456789ab",
		"_container_name": "web-1",
		"_image_id":       "sha256:deadbeef",
		"_image_name":     "myrepo/app:1.2",
		"_tag":            "web",
	}
	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type harness struct {
	listener *Listener
	cancel   context.CancelFunc
	done     chan error
	sender   net.Conn

	stopOnce sync.Once
	stopErr  error
}

func startListener(t *testing.T, cfg Config, tr Transformer, d Deliverer, logger types.Logger, opts ...Option) *harness {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	l := New(cfg, gelf.NewDecoder(), tr, d, logger, opts...)
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	sender, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)

	h := &harness{listener: l, cancel: cancel, done: done, sender: sender}
	t.Cleanup(func() {
		_ = h.stop()
		sender.Close()
	})
	require.Eventually(t, l.Healthy, 2*time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) send(t *testing.T, payload []byte) {
	t.Helper()
	_, err := h.sender.Write(payload)
	require.NoError(t, err)
}

// stop cancels Run and waits for it to return. Safe to call more than once.
func (h *harness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.stopErr = <-h.done:
		case <-time.After(5 * time.Second):
			h.stopErr = errors.New("listener did not stop")
		}
	})
	return h.stopErr
}

func TestListener_DeliversDecodedRecord(t *testing.T) {
	d := &fakeDeliverer{}
	h := startListener(t, Config{HostIdentity: "i-0abc", HostAddress: "10.1.2.3"},
		transform.New(nil), d, &recordingLogger{})

	h.send(t, gelfMessage(t, "hello"))

	require.Eventually(t, func() bool { return len(d.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	rec := d.delivered()[0]
	assert.Equal(t, "hello", rec.Message)
	assert.Equal(t, "i-0abc", rec.Host)
	assert.Equal(t, "10.1.2.3", rec.HostAddr)
	assert.Equal(t, "2023-11-14", rec.IndexDate())

	stats := h.listener.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(0), stats.Rejected)
}

func TestListener_MalformedDatagramDoesNotStopLoop(t *testing.T) {
	d := &fakeDeliverer{}
	logger := &recordingLogger{}
	h := startListener(t, Config{}, transform.New(nil), d, logger)

	h.send(t, []byte("not json at all"))
	h.send(t, []byte(`{"short_message":"missing everything else"}`))
	h.send(t, gelfMessage(t, "after"))

	require.Eventually(t, func() bool { return len(d.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "after", d.delivered()[0].Message)

	require.Eventually(t, func() bool { return h.listener.Stats().Received == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), h.listener.Stats().Rejected)
	assert.Equal(t, 2, logger.count("discarding datagram"))
	assert.True(t, h.listener.Healthy())
}

func TestListener_RecoversTransformPanic(t *testing.T) {
	d := &fakeDeliverer{}
	logger := &recordingLogger{}
	h := startListener(t, Config{}, panickingTransformer{}, d, logger)

	h.send(t, gelfMessage(t, "one"))
	h.send(t, gelfMessage(t, "two"))

	require.Eventually(t, func() bool { return h.listener.Stats().Rejected == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, logger.count("panic while processing datagram"))
	assert.Empty(t, d.delivered())
	assert.True(t, h.listener.Healthy())
}

func TestListener_MaxInFlightShedsRecords(t *testing.T) {
	d := &fakeDeliverer{block: make(chan struct{})}
	logger := &recordingLogger{}
	h := startListener(t, Config{MaxInFlight: 1}, transform.New(nil), d, logger)

	h.send(t, gelfMessage(t, "first"))
	require.Eventually(t, func() bool { return len(d.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.send(t, gelfMessage(t, "second"))
	require.Eventually(t, func() bool { return h.listener.Stats().Shed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, logger.count("in-flight limit reached"))
	assert.Equal(t, int64(1), h.listener.Stats().InFlight)

	close(d.block)
	require.Eventually(t, func() bool { return h.listener.Stats().InFlight == 0 }, 2*time.Second, 5*time.Millisecond)

	h.send(t, gelfMessage(t, "third"))
	require.Eventually(t, func() bool { return len(d.delivered()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "third", d.delivered()[1].Message)
}

func TestListener_DrainWaitsForInFlight(t *testing.T) {
	d := &fakeDeliverer{block: make(chan struct{})}
	h := startListener(t, Config{DrainTimeout: 5 * time.Second}, transform.New(nil), d, &recordingLogger{})

	h.send(t, gelfMessage(t, "slow"))
	require.Eventually(t, func() bool { return len(d.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- h.stop() }()

	// Run must still be draining.
	select {
	case <-stopped:
		t.Fatal("Run returned before the delivery finished")
	case <-time.After(300 * time.Millisecond):
	}
	assert.False(t, h.listener.Healthy())

	close(d.block)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after drain")
	}
	assert.Equal(t, int32(0), d.cancelled.Load())
}

func TestListener_DrainTimeoutAbandons(t *testing.T) {
	d := &fakeDeliverer{block: make(chan struct{})}
	logger := &recordingLogger{}
	h := startListener(t, Config{DrainTimeout: 50 * time.Millisecond}, transform.New(nil), d, logger)

	h.send(t, gelfMessage(t, "stuck"))
	require.Eventually(t, func() bool { return len(d.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.NoError(t, h.stop())
	assert.Equal(t, int32(1), d.cancelled.Load())
	assert.Equal(t, 1, logger.count("drain timeout exceeded"))
	assert.Equal(t, int64(0), h.listener.Stats().InFlight)
}

func TestListener_RecordsDatagramMetrics(t *testing.T) {
	metrics := &countingMetrics{}
	h := startListener(t, Config{}, transform.New(nil), &fakeDeliverer{}, &recordingLogger{}, WithMetrics(metrics))

	h.send(t, gelfMessage(t, "ok"))
	h.send(t, []byte("garbage"))

	require.Eventually(t, func() bool { return metrics.accepted.Load()+metrics.rejected.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), metrics.accepted.Load())
	assert.Equal(t, int32(1), metrics.rejected.Load())
}

func TestListener_BindFailure(t *testing.T) {
	l := New(Config{Addr: "not-an-address"}, gelf.NewDecoder(), transform.New(nil), &fakeDeliverer{}, nil)
	err := l.Run(context.Background())
	require.Error(t, err)
	assert.False(t, l.Healthy())
	assert.Nil(t, l.Addr())
}

type countingMetrics struct {
	delivery.NopMetrics
	accepted atomic.Int32
	rejected atomic.Int32
}

func (m *countingMetrics) RecordDatagram(_ context.Context, err error) {
	if err == nil {
		m.accepted.Add(1)
		return
	}
	m.rejected.Add(1)
}

// TestListener_EndToEnd runs the full pipeline against a fake backend.
func TestListener_EndToEnd(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		docs  []map[string]any
	)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var doc map[string]any
		_ = json.Unmarshal(body, &doc)

		mu.Lock()
		paths = append(paths, r.URL.Path)
		docs = append(docs, doc)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	engine := delivery.NewEngine(delivery.Config{
		Target: delivery.Target{BaseURL: backend.URL + "/", Index: "logging", DocType: "docker"},
		Retry:  delivery.DefaultRetryPolicy(),
	}, session.NewManager(4), nil)

	h := startListener(t, Config{HostIdentity: "i-0abc", HostAddress: "10.1.2.3"},
		transform.New(nil), engine, &recordingLogger{})

	for i := 0; i < 3; i++ {
		h.send(t, gelfMessage(t, fmt.Sprintf("line %d", i)))
	}

	require.Eventually(t, func() bool { return engine.Stats().Delivered == 3 }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 3)
	for i, p := range paths {
		assert.Equal(t, "/logging-2023-11-14/docker", p)
		assert.Equal(t, "myrepo", docs[i]["image_repo"])
		assert.Equal(t, "app", docs[i]["image_tag"])
		assert.Equal(t, "1.2", docs[i]["image_version"])
		assert.Equal(t, "error", docs[i]["level"])
		assert.Equal(t, "2023-11-14T22:13:20.000000Z", docs[i]["timestamp"])
		assert.Equal(t, "i-0abc", docs[i]["host"])
	}
}
