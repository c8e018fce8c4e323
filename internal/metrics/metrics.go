package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Live stream buffer metrics
	streamPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_packets_total",
		Help: "Total media packets accepted into the live buffer per stream",
	}, []string{"stream", "kind"})

	streamPacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_packets_dropped_total",
		Help: "Total packets evicted from the live buffer per stream",
	}, []string{"stream"})

	streamBufferDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_buffer_depth",
		Help: "Number of packets currently retained in the live buffer",
	}, []string{"stream"})

	streamRingsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_rings_active",
		Help: "Number of reader rings attached to the live buffer",
	}, []string{"stream"})

	streamParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_parse_errors_total",
		Help: "Total malformed container packets per stream",
	}, []string{"stream", "container"})

	// Socket metrics
	socketBytesUp = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socket_bytes_up_total",
		Help: "Total bytes written to peers across all sockets",
	})

	socketBytesDown = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socket_bytes_down_total",
		Help: "Total bytes read from peers across all sockets",
	})

	socketsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockets_open",
		Help: "Number of currently open sockets",
	})

	// HTTP session metrics
	httpSessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "http_sessions_active",
		Help: "Number of active HTTP media sessions",
	}, []string{"format"})

	httpSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_sessions_total",
		Help: "Total HTTP media sessions served",
	}, []string{"format"})
)

// IncStreamPacket counts one packet accepted into the live buffer.
func IncStreamPacket(stream, kind string) {
	streamPacketsTotal.WithLabelValues(stream, kind).Inc()
}

// AddStreamDrops counts packets evicted from the live buffer.
func AddStreamDrops(stream string, count int) {
	streamPacketsDropped.WithLabelValues(stream).Add(float64(count))
}

// SetBufferDepth sets the retained packet count for a stream.
func SetBufferDepth(stream string, depth int) {
	streamBufferDepth.WithLabelValues(stream).Set(float64(depth))
}

// SetActiveRings sets the attached ring count for a stream.
func SetActiveRings(stream string, count int) {
	streamRingsActive.WithLabelValues(stream).Set(float64(count))
}

// IncParseError counts one malformed container packet.
func IncParseError(stream, container string) {
	streamParseErrors.WithLabelValues(stream, container).Inc()
}

// AddSocketBytes accounts socket traffic in both directions.
func AddSocketBytes(up, down int64) {
	if up > 0 {
		socketBytesUp.Add(float64(up))
	}
	if down > 0 {
		socketBytesDown.Add(float64(down))
	}
}

// IncSocketsOpen increments the open socket gauge.
func IncSocketsOpen() {
	socketsOpen.Inc()
}

// DecSocketsOpen decrements the open socket gauge.
func DecSocketsOpen() {
	socketsOpen.Dec()
}

// IncHTTPSession counts a new media session for the given output format.
func IncHTTPSession(format string) {
	httpSessionsTotal.WithLabelValues(format).Inc()
	httpSessionsActive.WithLabelValues(format).Inc()
}

// DecHTTPSession marks a media session as finished.
func DecHTTPSession(format string) {
	httpSessionsActive.WithLabelValues(format).Dec()
}
