package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "prism-dashboard/api"
	observabilityEvent = "observability.event"
	requestEventName   = "dashboard.api.request"
	requestEventDomain = "dashboard.api"
)

// requestMetrics follows one API request: a server span plus a single
// structured log line when the request finishes.
type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	method     string
	route      string
	userID     string
	items      int
	errorStage string
	err        error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		method: method,
		route:  route,
		items:  -1,
	}, ctx
}

func (m *requestMetrics) SetUser(id string) {
	if m != nil {
		m.userID = id
	}
}

// SetItems records how many records the response carried.
func (m *requestMetrics) SetItems(n int) {
	if m == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	m.items = n
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// Fail remembers err for the final log line; handlers that answer with an
// error body return nil to echo.
func (m *requestMetrics) Fail(err error) {
	if m != nil && err != nil {
		m.err = err
	}
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.err
	}
	sevText, sevNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.method", m.method),
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("dashboard.api.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.items >= 0 {
		attrs = append(attrs, attribute.Int("dashboard.api.items", m.items))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("dashboard.api.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		event := append([]attribute.KeyValue{
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", sevText),
			attribute.Int("severity_number", sevNumber),
		}, attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(event...))
		if sevText == "ERROR" {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   sevText,
		"severity_number": sevNumber,
		"attributes":      attrMap,
	}
	if m.userID != "" {
		fields["user_id"] = m.userID
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch sevText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	case status == 0 && err != nil:
		return "ERROR", 17
	}
	return "INFO", 9
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// Metrics holds the Prometheus collectors exported on /metrics.
type Metrics struct {
	requests *prometheus.HistogramVec
	streams  *prometheus.GaugeVec
	limited  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dashboard",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dashboard",
			Subsystem: "api",
			Name:      "open_streams",
			Help:      "Server-sent event streams currently open.",
		}, []string{"stream"}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.streams, m.limited)
	}
	return m
}

func (m *Metrics) observe(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// streamOpened bumps the gauge for name and returns the matching decrement.
func (m *Metrics) streamOpened(name string) func() {
	if m == nil {
		return func() {}
	}
	g := m.streams.WithLabelValues(name)
	g.Inc()
	return g.Dec
}

func (m *Metrics) rateLimited() {
	if m != nil {
		m.limited.Inc()
	}
}
