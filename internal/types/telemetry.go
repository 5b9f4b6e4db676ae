package types

// Telemetry metric names for CloudWatch.
const (
	MetricDatagramReceived = "DatagramReceived"
	MetricDatagramRejected = "DatagramRejected"
	MetricDeliveryAttempt  = "DeliveryAttempt"
	MetricDeliveryLatency  = "DeliveryLatency"
	MetricDeliveryOutcome  = "DeliveryOutcome"

	// Dimension keys
	DimResult = "Result"
	DimClass  = "Class"

	// DefaultMetricNamespace is used when no namespace is configured.
	DefaultMetricNamespace = "GelfRelay"
)
