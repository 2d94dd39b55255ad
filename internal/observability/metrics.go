package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "server",
			Name:      "connections_accepted_total",
			Help:      "Connections registered in the connection table.",
		},
	)
	connectionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "server",
			Name:      "connections_rejected_total",
			Help:      "Connections closed on accept because the table was full.",
		},
	)
	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "server",
			Name:      "connections_closed_total",
			Help:      "Connections reclaimed, by cause.",
		},
		[]string{"cause"},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "framed",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Live connections in the connection table.",
		},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "protocol",
			Name:      "frames_received_total",
			Help:      "Frames decoded from client streams, by type.",
		},
		[]string{"type"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "protocol",
			Name:      "frames_sent_total",
			Help:      "Frames queued for clients, by type.",
		},
		[]string{"type"},
	)
	bytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "server",
			Name:      "read_bytes_total",
			Help:      "Bytes read from client sockets.",
		},
	)
	bytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "server",
			Name:      "written_bytes_total",
			Help:      "Bytes written to client sockets.",
		},
	)
	writeStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "server",
			Name:      "write_stalls_total",
			Help:      "Writes that left bytes pending and armed write readiness.",
		},
	)
	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framed",
			Subsystem: "protocol",
			Name:      "violations_total",
			Help:      "Connections dropped for undecodable input.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsAccepted,
			connectionsRejected,
			connectionsClosed,
			connectionsActive,
			framesReceived,
			framesSent,
			bytesRead,
			bytesWritten,
			writeStalls,
			protocolViolations,
		)
	})
}

func RecordAccept() {
	connectionsAccepted.Inc()
	connectionsActive.Inc()
}

func RecordReject() {
	connectionsRejected.Inc()
}

func RecordClose(cause string) {
	connectionsClosed.WithLabelValues(cause).Inc()
	connectionsActive.Dec()
}

func RecordFrameReceived(frameType string) {
	framesReceived.WithLabelValues(frameType).Inc()
}

func RecordFrameSent(frameType string) {
	framesSent.WithLabelValues(frameType).Inc()
}

func RecordRead(n int) {
	bytesRead.Add(float64(n))
}

func RecordWrite(n int) {
	bytesWritten.Add(float64(n))
}

func RecordWriteStall() {
	writeStalls.Inc()
}

func RecordProtocolViolation() {
	protocolViolations.Inc()
}
