package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates both metrics and tracing infrastructure for HTTP tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := useTestTracer(t)
	return m, reader, exp
}

// histogramPoint returns the single data point of a histogram whose
// attributes contain kv.
func histogramPoint(t *testing.T, rm metricdata.ResourceMetrics, name string, kv attribute.KeyValue) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s: expected Histogram[float64], got %T", name, met.Data)
	}
	for _, dp := range hist.DataPoints {
		if v, ok := dp.Attributes.Value(kv.Key); ok && v == kv.Value {
			return dp
		}
	}
	t.Fatalf("%s: no data point with %s=%s", name, kv.Key, kv.Value.Emit())
	return metricdata.HistogramDataPoint[float64]{}
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var cid string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}
}

func TestMiddleware_RecordsSpanAndDuration(t *testing.T) {
	m, reader, exp := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /readyz" {
		t.Fatalf("unexpected spans: %v", spans)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 503 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=503")
	}

	dp := histogramPoint(t, collect(t, reader), "tutorchat.http.request.duration", attribute.String("path", "/readyz"))
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)

	var cid string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if cid != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("correlation ID = %q, want incoming trace ID", cid)
	}
}

func TestTransport_InjectsTraceAndRecordsRoute(t *testing.T) {
	m, reader, exp := testSetup(t)

	var gotParent, gotRoute string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotParent = r.Header.Get("traceparent")
		gotRoute = r.Header.Get(RouteHeader)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &Transport{Metrics: m}}
	req, err := http.NewRequestWithContext(context.Background(), "GET", srv.URL+"/api/chatbot/sessions/42/", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(RouteHeader, "session.get")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotParent == "" {
		t.Error("traceparent header not injected")
	}
	if gotRoute != "" {
		t.Errorf("route header leaked to server: %q", gotRoute)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "REST GET session.get" {
		t.Fatalf("unexpected spans: %v", spans)
	}

	dp := histogramPoint(t, collect(t, reader), "tutorchat.rest.duration", attribute.String("route", "session.get"))
	if v, _ := dp.Attributes.Value("status"); v.AsString() != "404" {
		t.Errorf("status attribute = %q, want 404", v.AsString())
	}
}

func TestTransport_TransportError(t *testing.T) {
	m, reader, _ := testSetup(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := &http.Client{Transport: &Transport{Metrics: m}}
	if _, err := client.Get(url + "/api/chatbot/sessions/"); err == nil {
		t.Fatal("expected error from closed server")
	}

	dp := histogramPoint(t, collect(t, reader), "tutorchat.rest.duration", attribute.String("status", "error"))
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
}
