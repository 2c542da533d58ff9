package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skypro1111/udp-intercom/internal/audio"
)

// Metrics contains all Prometheus metrics for the intercom
type Metrics struct {
	// Sender metrics
	DatagramsSent prometheus.Counter
	SendFailures  prometheus.Counter

	// Receiver metrics
	DatagramsReceived  prometheus.Counter
	MalformedDatagrams prometheus.Counter
	OversizedDatagrams prometheus.Counter
	QueueFullDrops     prometheus.Counter
	ChunksQueued       prometheus.Counter
	ReadErrors         prometheus.Counter

	// Audio engine metrics
	Callbacks        prometheus.Counter
	DeviceXruns      *prometheus.CounterVec
	CallbackDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec

	reg prometheus.Registerer
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_datagrams_sent_total",
			Help: "Total number of audio datagrams sent to the peer",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_send_failures_total",
			Help: "Total number of audio datagrams that could not be sent",
		}),

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_datagrams_received_total",
			Help: "Total number of datagrams received from the network",
		}),
		MalformedDatagrams: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_malformed_datagrams_total",
			Help: "Total number of datagrams discarded because they did not decode to one chunk",
		}),
		OversizedDatagrams: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_oversized_datagrams_total",
			Help: "Total number of datagrams discarded for exceeding the maximum datagram size",
		}),
		QueueFullDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_queue_full_drops_total",
			Help: "Total number of decoded chunks dropped because the playout queue was full",
		}),
		ChunksQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_chunks_queued_total",
			Help: "Total number of chunks pushed into the playout queue",
		}),
		ReadErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_read_errors_total",
			Help: "Total number of failed reads on the receive socket",
		}),

		Callbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "intercom_callbacks_total",
			Help: "Total number of audio device callbacks served",
		}),
		DeviceXruns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_device_xruns_total",
			Help: "Total number of under/overflows reported by the audio device",
		}, []string{"kind"}),
		CallbackDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "intercom_callback_duration_seconds",
			Help:    "Time spent inside the audio device callback",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us to ~80ms
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercom_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// TrackQueue exposes playout queue depth and underruns, read from the queue at scrape time
func (m *Metrics) TrackQueue(stats func() audio.QueueStats) {
	factory := promauto.With(m.reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "intercom_playout_queue_depth",
		Help: "Current number of chunks waiting in the playout queue",
	}, func() float64 {
		return float64(stats().Length)
	})
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "intercom_underruns_total",
		Help: "Total number of playback periods filled with silence for lack of received audio",
	}, func() float64 {
		return float64(stats().Underruns)
	})
}

// RecordSent increments the sent datagrams counter
func (m *Metrics) RecordSent() {
	m.DatagramsSent.Inc()
}

// RecordSendFailure increments the send failures counter
func (m *Metrics) RecordSendFailure() {
	m.SendFailures.Inc()
}

// RecordReceived increments the received datagrams counter
func (m *Metrics) RecordReceived() {
	m.DatagramsReceived.Inc()
}

// RecordMalformed increments the malformed datagrams counter
func (m *Metrics) RecordMalformed() {
	m.MalformedDatagrams.Inc()
}

// RecordOversized increments the oversized datagrams counter
func (m *Metrics) RecordOversized() {
	m.OversizedDatagrams.Inc()
}

// RecordQueueFull increments the queue-full drops counter
func (m *Metrics) RecordQueueFull() {
	m.QueueFullDrops.Inc()
}

// RecordQueued increments the queued chunks counter
func (m *Metrics) RecordQueued() {
	m.ChunksQueued.Inc()
}

// RecordReadError increments the receive socket read errors counter
func (m *Metrics) RecordReadError() {
	m.ReadErrors.Inc()
}

// RecordCallback records one served device callback
func (m *Metrics) RecordCallback(durationSeconds float64) {
	m.Callbacks.Inc()
	m.CallbackDuration.Observe(durationSeconds)
}

// RecordDeviceXrun records an under/overflow reported by the device
func (m *Metrics) RecordDeviceXrun(kind string) {
	m.DeviceXruns.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
