package domain

import "time"

// ConnectionState is the lifecycle state of one transport connection. It is
// owned exclusively by the connection manager and transitions only through
// its event handlers.
type ConnectionState int

const (
	ConnInitializing ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnDisconnected
	ConnError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnInitializing:
		return "initializing"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnDisconnected:
		return "disconnected"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionQuality classifies transport health from latency and failure
// count. It is always derived, never stored.
type ConnectionQuality string

const (
	QualityExcellent    ConnectionQuality = "excellent"
	QualityGood         ConnectionQuality = "good"
	QualityPoor         ConnectionQuality = "poor"
	QualityDisconnected ConnectionQuality = "disconnected"
)

// QualityFor derives connection quality. Latency under 100ms is excellent,
// under 300ms good, anything else poor; a disconnected transport always
// classifies as disconnected, and more than 3 consecutive heartbeat failures
// force poor regardless of latency.
func QualityFor(latency time.Duration, consecutiveFailures int, connected bool) ConnectionQuality {
	if !connected {
		return QualityDisconnected
	}
	if consecutiveFailures > 3 {
		return QualityPoor
	}
	switch {
	case latency < 100*time.Millisecond:
		return QualityExcellent
	case latency < 300*time.Millisecond:
		return QualityGood
	default:
		return QualityPoor
	}
}

// ConnectionMetrics counts transport activity for one connection. Counters
// are monotonically non-decreasing within a connection's lifetime and reset
// only on an explicit forced reconnect.
type ConnectionMetrics struct {
	ConnectAttempts     uint64        `json:"connectAttempts"`
	Reconnects          uint64        `json:"reconnects"`
	PacketsSent         uint64        `json:"packetsSent"`
	PacketsReceived     uint64        `json:"packetsReceived"`
	BytesSent           uint64        `json:"bytesSent"`
	BytesReceived       uint64        `json:"bytesReceived"`
	HeartbeatLatency    time.Duration `json:"heartbeatLatency"`
	AvgLatency          time.Duration `json:"avgLatency"`
	HeartbeatsAnswered  uint64        `json:"heartbeatsAnswered"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// ObserveLatency folds one heartbeat round-trip into the latency gauges.
func (m *ConnectionMetrics) ObserveLatency(latency time.Duration) {
	m.HeartbeatsAnswered++
	m.HeartbeatLatency = latency
	m.ConsecutiveFailures = 0
	if m.HeartbeatsAnswered == 1 {
		m.AvgLatency = latency
		return
	}
	n := time.Duration(m.HeartbeatsAnswered)
	m.AvgLatency = (m.AvgLatency*(n-1) + latency) / n
}

// ResetCounters zeroes the counters for a forced reconnect. Latency gauges
// are cleared as well since they describe the old transport.
func (m *ConnectionMetrics) ResetCounters() {
	*m = ConnectionMetrics{}
}
