package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncSessionOp_LabelsByResult(t *testing.T) {
	r := NewRegistry()
	r.IncSessionOp("create", nil)
	r.IncSessionOp("create", errors.New("boom"))
	r.IncSessionOp("create", nil)

	if got := testutil.ToFloat64(r.SessionOps.WithLabelValues("create", "ok")); got != 2 {
		t.Fatalf("expected 2 ok creates, got %v", got)
	}
	if got := testutil.ToFloat64(r.SessionOps.WithLabelValues("create", "error")); got != 1 {
		t.Fatalf("expected 1 failed create, got %v", got)
	}
}

func TestHandlerExposesServiceSeries(t *testing.T) {
	r := NewRegistry()
	r.JobRuns.WithLabelValues("session_status_gauge", "ok").Inc()
	r.Sessions.WithLabelValues("active").Set(3)

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	out := string(body)

	if !strings.Contains(out, `aegis_job_runs_total{job="session_status_gauge",status="ok"} 1`) {
		t.Fatalf("missing job counter sample: %s", out)
	}
	if !strings.Contains(out, `aegis_sessions{status="active"} 3`) {
		t.Fatalf("missing sessions gauge sample: %s", out)
	}
}
