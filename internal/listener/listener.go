// Package listener receives GELF datagrams on a UDP socket, normalizes them
// and hands each record to its own delivery task. The receive loop never
// waits on delivery.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"gelfrelay/internal/delivery"
	"gelfrelay/internal/types"
)

const (
	// ReadBufferBytes is the largest datagram the listener accepts.
	ReadBufferBytes = 65535

	// DefaultDrainTimeout bounds how long Run waits for in-flight deliveries
	// after the receive loop stops.
	DefaultDrainTimeout = 10 * time.Second

	// readPollInterval is the socket read deadline used to notice shutdown.
	readPollInterval = 100 * time.Millisecond
)

// Decoder turns a datagram payload into a message.
type Decoder interface {
	Decode(payload []byte) (types.RawMessage, error)
}

// Transformer turns a decoded message into a backend document.
type Transformer interface {
	Transform(raw types.RawMessage, hostIdentity, hostAddress string) (*types.NormalizedRecord, error)
}

// Deliverer drives one record to a terminal state.
type Deliverer interface {
	Deliver(ctx context.Context, rec *types.NormalizedRecord) delivery.Result
}

// Config holds listener settings.
type Config struct {
	// Addr is the host:port to bind.
	Addr string
	// HostIdentity and HostAddress are stamped on every record.
	HostIdentity string
	HostAddress  string
	// MaxInFlight bounds concurrent deliveries. Zero means unbounded; when the
	// bound is reached new records are discarded.
	MaxInFlight int64
	// DrainTimeout bounds the wait for in-flight deliveries on shutdown.
	DrainTimeout time.Duration
}

// Stats is a snapshot of listener counters.
type Stats struct {
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
	Shed     uint64 `json:"shed"`
	InFlight int64  `json:"in_flight"`
}

// Listener is the UDP ingest loop.
type Listener struct {
	cfg         Config
	decoder     Decoder
	transformer Transformer
	deliverer   Deliverer
	metrics     delivery.Metrics
	logger      types.Logger

	mu   sync.Mutex
	conn *net.UDPConn

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	running  atomic.Bool
	received atomic.Uint64
	rejected atomic.Uint64
	shed     atomic.Uint64
	inFlight atomic.Int64
}

// Option configures a Listener.
type Option func(*Listener)

// WithMetrics sets the telemetry sink for datagram results.
func WithMetrics(m delivery.Metrics) Option {
	return func(l *Listener) {
		if m != nil {
			l.metrics = m
		}
	}
}

// New creates a Listener. Call Listen or Run to bind the socket.
func New(cfg Config, dec Decoder, tr Transformer, d Deliverer, logger types.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	l := &Listener{
		cfg:         cfg,
		decoder:     dec,
		transformer: tr,
		deliverer:   d,
		metrics:     delivery.NopMetrics{},
		logger:      logger,
	}
	if cfg.MaxInFlight > 0 {
		l.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen binds the UDP socket. It is a no-op if already bound.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listener: failed to resolve %q: %w", l.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listener: failed to bind %q: %w", l.cfg.Addr, err)
	}
	l.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Healthy reports whether the receive loop is running.
func (l *Listener) Healthy() bool {
	return l.running.Load()
}

// Stats returns a snapshot of listener counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Received: l.received.Load(),
		Rejected: l.rejected.Load(),
		Shed:     l.shed.Load(),
		InFlight: l.inFlight.Load(),
	}
}

// Run receives datagrams until ctx is cancelled, then closes the socket and
// drains in-flight deliveries. Deliveries still running after DrainTimeout
// are cancelled and end abandoned.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	// Deliveries outlive ctx until the drain deadline.
	deliverCtx, cancelDeliveries := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDeliveries()

	l.logger.Info("listening for GELF datagrams", "addr", conn.LocalAddr().String())
	l.running.Store(true)
	loopErr := l.readLoop(ctx, deliverCtx, conn)
	l.running.Store(false)

	l.mu.Lock()
	_ = l.conn.Close()
	l.conn = nil
	l.mu.Unlock()

	l.drain(cancelDeliveries)
	return loopErr
}

func (l *Listener) readLoop(ctx, deliverCtx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, ReadBufferBytes)

	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener: socket closed: %w", err)
			}
			l.logger.Warn("udp read failed", "error", err.Error())
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		l.handle(deliverCtx, data, remote)
	}
}

// handle decodes and transforms one datagram on the loop goroutine and
// dispatches the result.
func (l *Listener) handle(ctx context.Context, data []byte, remote *net.UDPAddr) {
	l.received.Add(1)

	rec, err := l.process(data)
	l.metrics.RecordDatagram(ctx, err)
	if err != nil {
		l.rejected.Add(1)
		l.logger.Warn("discarding datagram",
			"remote", remote.String(),
			"code", string(types.CodeOf(err)),
			"error", err.Error(),
		)
		return
	}

	if l.sem != nil && !l.sem.TryAcquire(1) {
		l.shed.Add(1)
		l.logger.Warn("in-flight limit reached, discarding record",
			"remote", remote.String(),
			"max_in_flight", l.cfg.MaxInFlight,
			"container_name", rec.ContainerName,
		)
		return
	}

	l.wg.Add(1)
	l.inFlight.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.inFlight.Add(-1)
		if l.sem != nil {
			defer l.sem.Release(1)
		}
		l.deliverer.Deliver(ctx, rec)
	}()
}

func (l *Listener) process(data []byte) (rec *types.NormalizedRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic while processing datagram",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			rec = nil
			err = types.NewAppError(types.ErrCodeInternalPanic, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	raw, err := l.decoder.Decode(data)
	if err != nil {
		return nil, err
	}
	return l.transformer.Transform(raw, l.cfg.HostIdentity, l.cfg.HostAddress)
}

func (l *Listener) drain(cancelDeliveries context.CancelFunc) {
	pending := l.inFlight.Load()
	if pending > 0 {
		l.logger.Info("draining in-flight deliveries",
			"in_flight", pending,
			"timeout", l.cfg.DrainTimeout.String(),
		)
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(l.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	l.logger.Warn("drain timeout exceeded, abandoning deliveries",
		"in_flight", l.inFlight.Load(),
	)
	cancelDeliveries()
	<-done
}
