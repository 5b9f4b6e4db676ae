package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"gelfrelay/internal/types"
)

// Metrics receives relay telemetry. Implementations must not block the
// caller; the listener records datagram results from its receive loop.
type Metrics interface {
	// RecordDatagram counts one received datagram. A nil err means it was
	// accepted for delivery.
	RecordDatagram(ctx context.Context, err error)
	// RecordAttempt counts one POST. An empty code means success.
	RecordAttempt(ctx context.Context, code types.ErrorCode)
	// RecordLatency records the time from first attempt to terminal state.
	RecordLatency(ctx context.Context, d time.Duration)
	// RecordOutcome counts a record reaching a terminal state.
	RecordOutcome(ctx context.Context, state State)
}

// NopMetrics discards all telemetry.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) RecordDatagram(context.Context, error)          {}
func (NopMetrics) RecordAttempt(context.Context, types.ErrorCode) {}
func (NopMetrics) RecordLatency(context.Context, time.Duration)   {}
func (NopMetrics) RecordOutcome(context.Context, State)           {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	// maxDatumsPerPut is the CloudWatch limit on datums per PutMetricData call.
	maxDatumsPerPut = 1000
	// maxBufferedDatums bounds memory while CloudWatch is unreachable.
	maxBufferedDatums = 20000
	// DefaultFlushInterval is how often Run publishes buffered datums.
	DefaultFlushInterval = time.Minute
)

// CloudWatchMetrics buffers datums in memory and publishes them in batches
// from Run. Record methods only append under a mutex, so they are safe on
// the receive loop.
//
// Metrics emitted:
//   - DatagramReceived: Dims {Result}
//   - DatagramRejected: Dims {Class}
//   - DeliveryAttempt: Dims {Result}
//   - DeliveryLatency: no dims, milliseconds
//   - DeliveryOutcome: Dims {Result}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
	clock     types.Clock

	mu      sync.Mutex
	buf     []cwtypes.MetricDatum
	dropped int
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
// An empty namespace selects types.DefaultMetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.DefaultMetricNamespace
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		clock:     types.RealClock{},
	}
}

func (m *CloudWatchMetrics) RecordDatagram(_ context.Context, err error) {
	if err == nil {
		m.count(types.MetricDatagramReceived, types.DimResult, "accepted")
		return
	}
	m.count(types.MetricDatagramReceived, types.DimResult, "rejected")
	m.count(types.MetricDatagramRejected, types.DimClass, string(types.ClassOf(err)))
}

func (m *CloudWatchMetrics) RecordAttempt(_ context.Context, code types.ErrorCode) {
	result := "success"
	if code != "" {
		result = string(code)
	}
	m.count(types.MetricDeliveryAttempt, types.DimResult, result)
}

func (m *CloudWatchMetrics) RecordLatency(_ context.Context, d time.Duration) {
	m.add(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchMetrics) RecordOutcome(_ context.Context, state State) {
	m.count(types.MetricDeliveryOutcome, types.DimResult, string(state))
}

func (m *CloudWatchMetrics) count(name, dim, value string) {
	m.add(cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{
				Name:  aws.String(dim),
				Value: aws.String(value),
			},
		},
	})
}

func (m *CloudWatchMetrics) add(d cwtypes.MetricDatum) {
	d.Timestamp = aws.Time(m.clock.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buf) >= maxBufferedDatums {
		m.dropped++
		return
	}
	m.buf = append(m.buf, d)
}

// Flush publishes everything buffered so far. Datums from a failed batch are
// discarded after logging; metrics are best effort.
func (m *CloudWatchMetrics) Flush(ctx context.Context) error {
	m.mu.Lock()
	pending := m.buf
	dropped := m.dropped
	m.buf = nil
	m.dropped = 0
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Warn("metric buffer full, datums discarded", "count", dropped)
	}

	var firstErr error
	for len(pending) > 0 {
		n := min(len(pending), maxDatumsPerPut)
		batch := pending[:n]
		pending = pending[n:]

		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: batch,
		})
		if err != nil {
			m.logger.Error("failed to publish metrics",
				"error", err.Error(),
				"datums", len(batch),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (m *CloudWatchMetrics) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = m.Flush(flushCtx)
			return nil
		case <-ticker.C:
			_ = m.Flush(ctx)
		}
	}
}
