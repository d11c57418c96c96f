package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q data = %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v.AsString() == attr.Value.AsString() {
			total += dp.Value
		}
	}
	return total
}

func TestRecordResultByLabel(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResult(ctx, "HUMAN")
	m.RecordResult(ctx, "HUMAN")
	m.RecordResult(ctx, "AI")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "vorify.classify.results", attribute.String("label", "HUMAN")); got != 2 {
		t.Errorf("HUMAN results = %d, want 2", got)
	}
	if got := sumFor(t, rm, "vorify.classify.results", attribute.String("label", "AI")); got != 1 {
		t.Errorf("AI results = %d, want 1", got)
	}
}

func TestRecordFailureAndDrop(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFailure(ctx, "NETWORK_ERROR")
	m.RecordDrop(ctx, "drop-oldest")
	m.RecordDrop(ctx, "drop-oldest")
	m.RecordBreaker(ctx, "open")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "vorify.classify.failures", attribute.String("kind", "NETWORK_ERROR")); got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
	if got := sumFor(t, rm, "vorify.queue.dropped", attribute.String("policy", "drop-oldest")); got != 2 {
		t.Errorf("drops = %d, want 2", got)
	}
	if got := sumFor(t, rm, "vorify.classify.breaker_transitions", attribute.String("to", "open")); got != 1 {
		t.Errorf("breaker transitions = %d, want 1", got)
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ClassifyDuration.Record(ctx, 0.4)
	m.ChunkBytes.Record(ctx, 12000)

	rm := collect(t, reader)
	for _, name := range []string{"vorify.classify.duration", "vorify.chunk.size"} {
		if findMetric(rm, name) == nil {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestOrDefault(t *testing.T) {
	m, _ := newTestMetrics(t)
	if OrDefault(m) != m {
		t.Error("OrDefault should return the given metrics")
	}
	if OrDefault(nil) == nil {
		t.Error("OrDefault(nil) should fall back to default metrics")
	}
}

func TestMiddlewareRecordsDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if findMetric(collect(t, reader), "vorify.http.request.duration") == nil {
		t.Error("request duration not recorded")
	}
}

func TestProviderHandlerExposesMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := InitProvider(ctx, ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	m, err := NewMetrics(p.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.ChunksProduced.Add(ctx, 3)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "vorify_chunks_produced") {
		t.Errorf("exposition missing vorify_chunks_produced:\n%s", body)
	}
	if !strings.Contains(string(body), `service_name="vorify-live"`) {
		t.Errorf("exposition missing default service name:\n%s", body)
	}
}

func TestInitProviderDefaults(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []ProviderConfig{
		{},
		{ServiceVersion: "dev"},
		{ServiceName: "custom", ServiceVersion: "1.2.3"},
	} {
		p, err := InitProvider(ctx, cfg)
		if err != nil {
			t.Fatalf("InitProvider(%+v) = %v, want nil", cfg, err)
		}
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown(%+v) = %v", cfg, err)
		}
	}
}
