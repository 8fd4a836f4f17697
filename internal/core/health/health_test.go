package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type stubReporter struct {
	ready  bool
	reason string
}

func (s stubReporter) Readiness() (bool, string) { return s.ready, s.reason }

func TestReadiness_Handler(t *testing.T) {
	cases := []struct {
		rep      stubReporter
		wantCode int
		wantBody string
	}{
		{stubReporter{ready: true}, http.StatusOK, `{"status":"ready"}`},
		{stubReporter{reason: "index not ready"}, http.StatusServiceUnavailable, `{"status":"not_ready","reason":"index not ready"}`},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		Readiness(tc.rep)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.wantCode {
			t.Fatalf("status=%d want %d", rr.Code, tc.wantCode)
		}
		if got := strings.TrimSpace(rr.Body.String()); got != tc.wantBody {
			t.Fatalf("body=%s want %s", got, tc.wantBody)
		}
	}
}
