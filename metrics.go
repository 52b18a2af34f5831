package iotmqtt

import (
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// MetricTypeCounter is a monotonically increasing counter.
	MetricTypeCounter MetricType = 0
	// MetricTypeGauge is a value that can go up and down.
	MetricTypeGauge MetricType = 1
	// MetricTypeHistogram tracks distribution of values.
	MetricTypeHistogram MetricType = 2
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Add adds the given value to the gauge.
	Add(delta float64)

	// Sub subtracts the given value from the gauge.
	Sub(delta float64)

	// Value returns the current value.
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	// Observe records a value.
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	// Count returns the number of observations.
	Count() uint64

	// Sum returns the sum of all observations.
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return &noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return &noOpGauge{}
}

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram {
	return &noOpHistogram{}
}

type noOpCounter struct{}

func (n *noOpCounter) Inc()           {}
func (n *noOpCounter) Add(_ float64)  {}
func (n *noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (n *noOpGauge) Set(_ float64)  {}
func (n *noOpGauge) Inc()           {}
func (n *noOpGauge) Dec()           {}
func (n *noOpGauge) Add(_ float64)  {}
func (n *noOpGauge) Sub(_ float64)  {}
func (n *noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (n *noOpHistogram) Observe(_ float64)            {}
func (n *noOpHistogram) ObserveDuration(_ time.Duration) {}
func (n *noOpHistogram) Count() uint64                { return 0 }
func (n *noOpHistogram) Sum() float64                 { return 0 }

// Standard metric names for MQTT connections.
const (
	// MetricConnections is the current number of active connections.
	MetricConnections = "mqtt_connections"

	// MetricConnectionsTotal is the total number of connections.
	MetricConnectionsTotal = "mqtt_connections_total"

	// MetricMessagesReceived is the total number of messages received.
	MetricMessagesReceived = "mqtt_messages_received_total"

	// MetricMessagesSent is the total number of messages sent.
	MetricMessagesSent = "mqtt_messages_sent_total"

	// MetricBytesReceived is the total bytes received.
	MetricBytesReceived = "mqtt_bytes_received_total"

	// MetricBytesSent is the total bytes sent.
	MetricBytesSent = "mqtt_bytes_sent_total"

	// MetricSubscriptions is the current number of subscriptions.
	MetricSubscriptions = "mqtt_subscriptions"

	// MetricInFlight is the current number of in-flight operations.
	MetricInFlight = "mqtt_operations_in_flight"

	// MetricRetries is the total number of retransmissions.
	MetricRetries = "mqtt_retries_total"

	// MetricOperationFailures is the total number of failed operations.
	MetricOperationFailures = "mqtt_operation_failures_total"

	// MetricKeepAliveTimeouts is the total number of keep-alive timeouts.
	MetricKeepAliveTimeouts = "mqtt_keepalive_timeouts_total"

	// MetricPublishLatency is the time from PUBLISH to its final acknowledgment.
	MetricPublishLatency = "mqtt_publish_latency_seconds"

	// MetricPacketsSent is the total number of packets sent.
	MetricPacketsSent = "mqtt_packets_sent_total"

	// MetricPacketsReceived is the total number of packets received.
	MetricPacketsReceived = "mqtt_packets_received_total"
)

// Standard metric labels.
const (
	// LabelPacketType is the packet type label.
	LabelPacketType = "packet_type"

	// LabelQoS is the QoS level label.
	LabelQoS = "qos"

	// LabelOperation is the operation type label.
	LabelOperation = "operation"

	// LabelReason is the failure reason label.
	LabelReason = "reason"
)

// engineMetrics records connection-level metrics.
type engineMetrics struct {
	metrics Metrics
}

func newEngineMetrics(m Metrics) *engineMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &engineMetrics{metrics: m}
}

// connected records a successful handshake.
func (e *engineMetrics) connected() {
	e.metrics.Gauge(MetricConnections, nil).Inc()
	e.metrics.Counter(MetricConnectionsTotal, nil).Inc()
}

// disconnected records a torn down connection.
func (e *engineMetrics) disconnected() {
	e.metrics.Gauge(MetricConnections, nil).Dec()
}

func (e *engineMetrics) packetSent(t PacketType, n int) {
	e.metrics.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: t.String()}).Inc()
	e.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}

func (e *engineMetrics) packetReceived(t PacketType, n int) {
	e.metrics.Counter(MetricPacketsReceived, MetricLabels{LabelPacketType: t.String()}).Inc()
	e.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

func (e *engineMetrics) messageSent(qos byte) {
	e.metrics.Counter(MetricMessagesSent, MetricLabels{LabelQoS: string(rune('0' + qos))}).Inc()
}

func (e *engineMetrics) messageReceived(qos byte) {
	e.metrics.Counter(MetricMessagesReceived, MetricLabels{LabelQoS: string(rune('0' + qos))}).Inc()
}

func (e *engineMetrics) inFlight(n int) {
	e.metrics.Gauge(MetricInFlight, nil).Set(float64(n))
}

func (e *engineMetrics) retry(op OperationType) {
	e.metrics.Counter(MetricRetries, MetricLabels{LabelOperation: op.String()}).Inc()
}

func (e *engineMetrics) operationFailed(op OperationType, reason string) {
	e.metrics.Counter(MetricOperationFailures, MetricLabels{
		LabelOperation: op.String(),
		LabelReason:    reason,
	}).Inc()
}

func (e *engineMetrics) keepAliveTimeout() {
	e.metrics.Counter(MetricKeepAliveTimeouts, nil).Inc()
}

func (e *engineMetrics) publishLatency(d time.Duration) {
	e.metrics.Histogram(MetricPublishLatency, nil).ObserveDuration(d)
}

func (e *engineMetrics) subscriptions(n int) {
	e.metrics.Gauge(MetricSubscriptions, nil).Set(float64(n))
}
