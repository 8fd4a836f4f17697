package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ObserveHTTP("GET", "/v1/nearest", 200, 0.001)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "http_requests_total") || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("metrics payload did not contain expected metric names; got:\n%s", body)
	}
}

func TestIndexMetrics_LabelsAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	ObserveLeafRead("ok")
	ObserveLeafRead("not_found")
	ObserveLeafWrite(errors.New("boom"))
	ObserveRefresh("snapshot")
	ObserveKNearest(0.002, 3)
	AddSyncResults("submitted", 2)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("metrics scrape: %v", err)
	}
	t.Cleanup(func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.Fatalf("close body: %v", cerr)
		}
	})
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	out := string(b)

	for _, want := range []string{
		`leaf_reads_total{outcome="not_found"}`,
		`leaf_writes_total{outcome="error"}`,
		`index_refresh_total{source="snapshot"}`,
		`knearest_candidate_leaves_bucket`,
		`facility_sync_total{outcome="submitted"}`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics; got:\n%s", want, out)
		}
	}
}

func TestDisabled_RecordsNothing(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, false)
	t.Cleanup(func() { Init(nil, true) })

	ObserveEvent("ignored_disabled")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "catalog_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == "ignored_disabled" {
					t.Fatalf("disabled recorder still counted an event")
				}
			}
		}
	}
}
