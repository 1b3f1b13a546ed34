package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/telemyapp/aegis-sessions/internal/apperr"
	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/model"
	"github.com/telemyapp/aegis-sessions/internal/session"
)

type mockSessions struct {
	createFn         func(context.Context, session.CreateInput) (string, error)
	startFn          func(context.Context, string, string) error
	pauseFn          func(context.Context, string) error
	closeFn          func(context.Context, string) error
	getFn            func(context.Context, string) (*model.Session, error)
	listFn           func(context.Context) ([]model.Session, error)
	listByUserFn     func(context.Context, int64) ([]model.Session, error)
	listByConsumerFn func(context.Context, string) ([]model.Session, error)
	listByProducerFn func(context.Context, string) ([]model.Session, error)
}

func (m *mockSessions) Create(ctx context.Context, in session.CreateInput) (string, error) {
	if m.createFn != nil {
		return m.createFn(ctx, in)
	}
	return "", nil
}

func (m *mockSessions) Start(ctx context.Context, id, producerID string) error {
	if m.startFn != nil {
		return m.startFn(ctx, id, producerID)
	}
	return nil
}

func (m *mockSessions) Pause(ctx context.Context, id string) error {
	if m.pauseFn != nil {
		return m.pauseFn(ctx, id)
	}
	return nil
}

func (m *mockSessions) Close(ctx context.Context, id string) error {
	if m.closeFn != nil {
		return m.closeFn(ctx, id)
	}
	return nil
}

func (m *mockSessions) Get(ctx context.Context, id string) (*model.Session, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, apperr.New(apperr.NotFound, nil)
}

func (m *mockSessions) List(ctx context.Context) ([]model.Session, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return []model.Session{}, nil
}

func (m *mockSessions) ListByUser(ctx context.Context, userID int64) ([]model.Session, error) {
	if m.listByUserFn != nil {
		return m.listByUserFn(ctx, userID)
	}
	return []model.Session{}, nil
}

func (m *mockSessions) ListByConsumer(ctx context.Context, id string) ([]model.Session, error) {
	if m.listByConsumerFn != nil {
		return m.listByConsumerFn(ctx, id)
	}
	return []model.Session{}, nil
}

func (m *mockSessions) ListByProducer(ctx context.Context, id string) ([]model.Session, error) {
	if m.listByProducerFn != nil {
		return m.listByProducerFn(ctx, id)
	}
	return []model.Session{}, nil
}

type mockTelemetry struct {
	submitFn func(context.Context, string, string) error
}

func (m *mockTelemetry) Submit(ctx context.Context, id, raw string) error {
	if m.submitFn != nil {
		return m.submitFn(ctx, id, raw)
	}
	return nil
}

func newTestRouter(s Sessions, tel Telemetry) (http.Handler, *metrics.Registry) {
	m := metrics.NewRegistry()
	return NewRouter(nil, m, s, tel), m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestCreate_ReturnsSessionID(t *testing.T) {
	var got session.CreateInput
	h, _ := newTestRouter(&mockSessions{createFn: func(_ context.Context, in session.CreateInput) (string, error) {
		got = in
		return "ses_1", nil
	}}, &mockTelemetry{})

	rr := do(t, h, http.MethodPost, "/sessions/create",
		`{"app_release_uuid":"rel-1","user_id":7,"ws_conn":{"id":"w1","consumer_id":"c1"},"preferred_dcs":["eu-west"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var out map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out["session_id"] != "ses_1" {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
	if got.UserID != 7 || got.AppReleaseUUID != "rel-1" || got.WsConn.ID != "w1" || got.WsConn.ConsumerID != "c1" {
		t.Fatalf("unexpected create input: %+v", got)
	}
	if len(got.PreferredDCs) != 1 || got.PreferredDCs[0] != "eu-west" {
		t.Fatalf("unexpected preferred dcs: %v", got.PreferredDCs)
	}
}

func TestCreate_InvalidJSON(t *testing.T) {
	called := false
	h, _ := newTestRouter(&mockSessions{createFn: func(context.Context, session.CreateInput) (string, error) {
		called = true
		return "", nil
	}}, &mockTelemetry{})

	rr := do(t, h, http.MethodPost, "/sessions/create", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if body := decodeError(t, rr); body.Code != 1400 {
		t.Fatalf("expected code 1400, got %d", body.Code)
	}
	if called {
		t.Fatal("create should not be called for invalid JSON")
	}
}

func TestCreate_MissingUserID(t *testing.T) {
	h, _ := newTestRouter(&mockSessions{}, &mockTelemetry{})
	rr := do(t, h, http.MethodPost, "/sessions/create", `{"app_release_uuid":"rel-1","ws_conn":{"id":"w1","consumer_id":"c1"}}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	body := decodeError(t, rr)
	msg, ok := body.Message.(map[string]any)
	if !ok || msg["user_id"] != "required" {
		t.Fatalf("expected field error for user_id, got %v", body.Message)
	}
}

func TestErrorMappingAtBoundary(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{"quota", apperr.New(apperr.QuotaExceeded, nil), http.StatusTooManyRequests, 1429, "sessions quota limit exceeded for user"},
		{"conflict", apperr.Newf(apperr.SessionConflict, "session ses_1 is active"), http.StatusConflict, 1409, "session ses_1 is active"},
		{"not found", apperr.New(apperr.NotFound, nil), http.StatusConflict, 1404, "session not found"},
		{"orchestrator", apperr.Wrap(apperr.Orchestrator, "no capacity", errors.New("503")), http.StatusConflict, 1409, "no capacity"},
		{"session op", apperr.New(apperr.SessionOp, nil), http.StatusConflict, 1409, "session operational error"},
		{"unknown", errors.New("dial tcp: connection refused"), http.StatusInternalServerError, 1500, "unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestRouter(&mockSessions{pauseFn: func(context.Context, string) error {
				return tt.err
			}}, &mockTelemetry{})

			rr := do(t, h, http.MethodPost, "/sessions/ses_1/pause", "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			body := decodeError(t, rr)
			if body.Code != tt.wantCode || body.Message != tt.wantMsg {
				t.Fatalf("unexpected error body: %+v", body)
			}
		})
	}
}

func TestStart_PassesProducerID(t *testing.T) {
	var gotID, gotProducer string
	h, _ := newTestRouter(&mockSessions{startFn: func(_ context.Context, id, producer string) error {
		gotID, gotProducer = id, producer
		return nil
	}}, &mockTelemetry{})

	rr := do(t, h, http.MethodPost, "/sessions/ses_1/start", `{"ws_conn":{"id":"w1","consumer_id":"c1","producer_id":"p1"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rr.Body.String())
	}
	if gotID != "ses_1" || gotProducer != "p1" {
		t.Fatalf("unexpected start args id=%s producer=%s", gotID, gotProducer)
	}
}

func TestClose_Succeeds(t *testing.T) {
	calls := 0
	h, _ := newTestRouter(&mockSessions{closeFn: func(context.Context, string) error {
		calls++
		return nil
	}}, &mockTelemetry{})

	for i := 0; i < 2; i++ {
		if rr := do(t, h, http.MethodPost, "/sessions/ses_1/close", ""); rr.Code != http.StatusOK {
			t.Fatalf("close #%d: expected 200, got %d", i+1, rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected 2 close calls, got %d", calls)
	}
}

func TestStats_ForwardsRawString(t *testing.T) {
	var gotID, gotRaw string
	h, _ := newTestRouter(&mockSessions{}, &mockTelemetry{submitFn: func(_ context.Context, id, raw string) error {
		gotID, gotRaw = id, raw
		return nil
	}})

	rr := do(t, h, http.MethodPost, "/sessions/ses_1/stats", `{"stats":"{\"remote_inbound_rtp\":{\"round_trip_time\":0.02}}"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotID != "ses_1" || gotRaw != `{"remote_inbound_rtp":{"round_trip_time":0.02}}` {
		t.Fatalf("unexpected submit args id=%s raw=%s", gotID, gotRaw)
	}
}

func TestStats_MissingField(t *testing.T) {
	h, _ := newTestRouter(&mockSessions{}, &mockTelemetry{})
	if rr := do(t, h, http.MethodPost, "/sessions/ses_1/stats", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGet_RendersSession(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h, _ := newTestRouter(&mockSessions{getFn: func(_ context.Context, id string) (*model.Session, error) {
		return &model.Session{
			ID:             id,
			AppReleaseUUID: "rel-1",
			UserID:         7,
			Status:         model.SessionPending,
			Container:      &model.Container{ID: "k8s-1", NodeID: "n1", Region: "eu-west"},
			WsConn:         model.WsConn{ID: "w1", ConsumerID: "c1"},
			Updated:        updated,
		}, nil
	}}, &mockTelemetry{})

	rr := do(t, h, http.MethodGet, "/sessions/ses_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session["status"] != "pending" || out.Session["updated"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected session: %v", out.Session)
	}
	ws := out.Session["ws_conn"].(map[string]any)
	if v, ok := ws["producer_id"]; !ok || v != nil {
		t.Fatalf("expected explicit null producer_id, got %v", ws)
	}
	container := out.Session["container"].(map[string]any)
	if container["region"] != "eu-west" {
		t.Fatalf("unexpected container: %v", container)
	}
}

func TestListByUser_RequiresNumericID(t *testing.T) {
	h, _ := newTestRouter(&mockSessions{}, &mockTelemetry{})
	if rr := do(t, h, http.MethodGet, "/users/abc/sessions", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestListEndpoints_ReturnEmptyArrays(t *testing.T) {
	var gotUser int64
	h, _ := newTestRouter(&mockSessions{listByUserFn: func(_ context.Context, id int64) ([]model.Session, error) {
		gotUser = id
		return []model.Session{}, nil
	}}, &mockTelemetry{})

	for _, path := range []string{"/sessions", "/users/42/sessions", "/consumers/c1/sessions", "/producers/p1/sessions"} {
		rr := do(t, h, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		if got := rr.Body.String(); got != "{\"sessions\":[]}\n" {
			t.Fatalf("%s: unexpected body %q", path, got)
		}
	}
	if gotUser != 42 {
		t.Fatalf("expected user 42, got %d", gotUser)
	}
}

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	h, m := newTestRouter(&mockSessions{}, &mockTelemetry{})
	do(t, h, http.MethodPost, "/sessions/ses_1/close", "")
	do(t, h, http.MethodPost, "/sessions/ses_2/close", "")

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodPost, "/sessions/{id}/close", "200"))
	if got != 2 {
		t.Fatalf("expected 2 requests recorded for route pattern, got %v", got)
	}
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(&mockSessions{}, &mockTelemetry{})
	if rr := do(t, h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
