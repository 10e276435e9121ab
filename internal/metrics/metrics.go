package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	MetricsNamespace           = "fusion"
	MetricsSubsystemSystem     = "system"
	MetricsSubsystemHTTP       = "http"
	MetricsSubsystemAPI        = "api"
	MetricsSubsystemModel      = "model"
	MetricsSubsystemCheckpoint = "checkpoint"
	MetricsSubsystemEvents     = "events"
	MetricsSubsystemBatch      = "batch"

	MetricsVersionLabel = "version"
	MetricsModelLabel   = "model_id"

	ForwardSingle = "single"
	ForwardBatch  = "batch"

	CheckpointSave = "save"
	CheckpointLoad = "load"

	StatusOK    = "ok"
	StatusError = "error"
)

type Metrics interface {
	GetRegistry() *prometheus.Registry

	ObserveAPIEndpointDuration(handler, method, statusCode string, elapsed float64)

	IncrementHTTPRequests()
	IncrementHTTPErrors()
	IncrementRateLimited()

	ObserveEncode(tokens int, elapsed float64)
	ObserveForward(kind string, rows int, elapsed float64)
	IncrementModelErrors(kind string)

	ObserveCheckpoint(op, status string)

	SetWebSocketClients(count int)
	IncrementEventsBroadcast(eventType string)

	ObserveBatchRecords(status string, count int)
}

type InstanceInfo struct {
	ModelID string
	Version string
}

// metrics used to instrumentate metrics in prometheus.
type metrics struct {
	registry *prometheus.Registry

	startTime prometheus.Gauge
	info      prometheus.Gauge

	apiTime *prometheus.HistogramVec

	httpRequestsTotal prometheus.Counter
	httpErrorsTotal   prometheus.Counter
	rateLimitedTotal  prometheus.Counter

	encodeTime      prometheus.Histogram
	encodeTokens    prometheus.Counter
	forwardTime     *prometheus.HistogramVec
	forwardRows     *prometheus.CounterVec
	modelErrors     *prometheus.CounterVec
	checkpointOps   *prometheus.CounterVec
	wsClients       prometheus.Gauge
	eventsBroadcast *prometheus.CounterVec
	batchRecords    *prometheus.CounterVec
}

// NewMetrics Factory method to create a new metrics collector.
func NewMetrics(info InstanceInfo) Metrics {
	m := &metrics{}

	m.registry = prometheus.NewRegistry()
	options := collectors.ProcessCollectorOpts{
		Namespace: MetricsNamespace,
	}
	m.registry.MustRegister(collectors.NewProcessCollector(options))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemSystem,
		Name:      "start_timestamp_seconds",
		Help:      "The time the service started.",
	})
	m.startTime.SetToCurrentTime()
	m.registry.MustRegister(m.startTime)

	m.info = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemSystem,
		Name:      "info",
		Help:      "The service version and pretrained encoder.",
		ConstLabels: map[string]string{
			MetricsVersionLabel: info.Version,
			MetricsModelLabel:   info.ModelID,
		},
	})
	m.info.Set(1)
	m.registry.MustRegister(m.info)

	m.apiTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystemAPI,
			Name:      "time_seconds",
			Help:      "Time to execute the api handler",
		},
		[]string{"handler", "method", "status_code"},
	)
	m.registry.MustRegister(m.apiTime)

	m.httpRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemHTTP,
		Name:      "requests_total",
		Help:      "The total number of http API requests.",
	})
	m.registry.MustRegister(m.httpRequestsTotal)

	m.httpErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemHTTP,
		Name:      "errors_total",
		Help:      "The total number of http API errors.",
	})
	m.registry.MustRegister(m.httpErrorsTotal)

	m.rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemHTTP,
		Name:      "rate_limited_total",
		Help:      "The total number of requests rejected by the rate limiter.",
	})
	m.registry.MustRegister(m.rateLimitedTotal)

	m.encodeTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemModel,
		Name:      "encode_time_seconds",
		Help:      "Time to tokenize, encode and pool one text.",
	})
	m.registry.MustRegister(m.encodeTime)

	m.encodeTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemModel,
		Name:      "tokens_total",
		Help:      "The total number of tokens encoded.",
	})
	m.registry.MustRegister(m.encodeTokens)

	m.forwardTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemModel,
		Name:      "forward_time_seconds",
		Help:      "Time to run a forward pass.",
	}, []string{"kind"})
	m.registry.MustRegister(m.forwardTime)

	m.forwardRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemModel,
		Name:      "forward_rows_total",
		Help:      "The total number of embedding rows produced.",
	}, []string{"kind"})
	m.registry.MustRegister(m.forwardRows)

	m.modelErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemModel,
		Name:      "errors_total",
		Help:      "The total number of model errors by kind.",
	}, []string{"kind"})
	m.registry.MustRegister(m.modelErrors)

	m.checkpointOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemCheckpoint,
		Name:      "operations_total",
		Help:      "The total number of checkpoint saves and loads.",
	}, []string{"op", "status"})
	m.registry.MustRegister(m.checkpointOps)

	m.wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemEvents,
		Name:      "websocket_clients",
		Help:      "The number of connected websocket clients.",
	})
	m.registry.MustRegister(m.wsClients)

	m.eventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemEvents,
		Name:      "broadcast_total",
		Help:      "The total number of events broadcast by type.",
	}, []string{"type"})
	m.registry.MustRegister(m.eventsBroadcast)

	m.batchRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBatch,
		Name:      "records_total",
		Help:      "The total number of batch records processed by status.",
	}, []string{"status"})
	m.registry.MustRegister(m.batchRecords)

	return m
}

func (m *metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *metrics) ObserveAPIEndpointDuration(handler, method, statusCode string, elapsed float64) {
	if m != nil {
		m.apiTime.With(prometheus.Labels{"handler": handler, "method": method, "status_code": statusCode}).Observe(elapsed)
	}
}

func (m *metrics) IncrementHTTPRequests() {
	if m != nil {
		m.httpRequestsTotal.Inc()
	}
}

func (m *metrics) IncrementHTTPErrors() {
	if m != nil {
		m.httpErrorsTotal.Inc()
	}
}

func (m *metrics) IncrementRateLimited() {
	if m != nil {
		m.rateLimitedTotal.Inc()
	}
}

func (m *metrics) ObserveEncode(tokens int, elapsed float64) {
	if m != nil {
		m.encodeTime.Observe(elapsed)
		m.encodeTokens.Add(float64(tokens))
	}
}

func (m *metrics) ObserveForward(kind string, rows int, elapsed float64) {
	if m != nil {
		m.forwardTime.With(prometheus.Labels{"kind": kind}).Observe(elapsed)
		m.forwardRows.With(prometheus.Labels{"kind": kind}).Add(float64(rows))
	}
}

func (m *metrics) IncrementModelErrors(kind string) {
	if m != nil {
		m.modelErrors.With(prometheus.Labels{"kind": kind}).Inc()
	}
}

func (m *metrics) ObserveCheckpoint(op, status string) {
	if m != nil {
		m.checkpointOps.With(prometheus.Labels{"op": op, "status": status}).Inc()
	}
}

func (m *metrics) SetWebSocketClients(count int) {
	if m != nil {
		m.wsClients.Set(float64(count))
	}
}

func (m *metrics) IncrementEventsBroadcast(eventType string) {
	if m != nil {
		m.eventsBroadcast.With(prometheus.Labels{"type": eventType}).Inc()
	}
}

func (m *metrics) ObserveBatchRecords(status string, count int) {
	if m != nil {
		m.batchRecords.With(prometheus.Labels{"status": status}).Add(float64(count))
	}
}
