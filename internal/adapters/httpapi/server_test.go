package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/SensorRelay/internal/app/relay"
	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

type fakeRelay struct {
	mu        sync.Mutex
	switchErr error
	ack       relay.Ack
	switched  []string
	since     time.Time
	history   []domain.Reading
	histErr   error
	subs      []ports.Subscriber
}

func (f *fakeRelay) SwitchTo(_ context.Context, sourceType, address string) (relay.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, sourceType+"@"+address)
	return f.ack, f.switchErr
}

func (f *fakeRelay) QueryHistory(_ context.Context, since time.Time) ([]domain.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = since
	return f.history, f.histErr
}

func (f *fakeRelay) Subscribe(sub ports.Subscriber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return true
}

func (f *fakeRelay) Status() relay.Status {
	return relay.Status{Subscribers: 2, Upstream: &relay.ConnInfo{ID: 7, SourceType: "accel", StateName: "open"}}
}

func (f *fakeRelay) subscribers() []ports.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.Subscriber(nil), f.subs...)
}

type fakeLatest struct {
	readings map[string]domain.Reading
	err      error
}

func (f fakeLatest) Latest(_ context.Context, sourceType string) (domain.Reading, bool, error) {
	r, ok := f.readings[sourceType]
	return r, ok, f.err
}

func newTestHandler(r *fakeRelay, latest LatestReader) http.Handler {
	return NewHandler(r, latest, zerolog.Nop(), Config{
		APIKey:         "secret",
		AllowedOrigins: []string{"https://dash.example"},
	})
}

func do(h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSwitchEndpoint(t *testing.T) {
	ack := relay.Ack{ConnectionID: 3, SourceType: "accel", Address: "10.0.0.5"}
	body := `{"sourceType":"accel","address":"10.0.0.5"}`

	cases := []struct {
		name       string
		key        string
		body       string
		switchErr  error
		wantStatus int
		wantCall   bool
	}{
		{name: "accepted", key: "secret", body: body, wantStatus: http.StatusOK, wantCall: true},
		{name: "missing key", body: body, wantStatus: http.StatusForbidden},
		{name: "wrong key", key: "guess", body: body, wantStatus: http.StatusForbidden},
		{name: "malformed body", key: "secret", body: `{"sourceType":`, wantStatus: http.StatusBadRequest},
		{
			name: "invalid argument", key: "secret", body: `{"sourceType":"","address":"x"}`,
			switchErr: &relay.SwitchError{Kind: relay.KindInvalidArgument, Err: errors.New("sourceType is required")},
			wantStatus: http.StatusBadRequest, wantCall: true,
		},
		{
			name: "teardown failure", key: "secret", body: body,
			switchErr: &relay.SwitchError{Kind: relay.KindInternal, Err: errors.New("close timed out")},
			wantStatus: http.StatusInternalServerError, wantCall: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRelay{ack: ack, switchErr: tc.switchErr}
			h := newTestHandler(r, nil)
			header := map[string]string{"Content-Type": "application/json"}
			if tc.key != "" {
				header[APIKeyHeader] = tc.key
			}

			rec := do(h, http.MethodPost, "/sensor/switch", tc.body, header)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantCall, len(r.switched) == 1)

			if tc.wantStatus == http.StatusOK || tc.wantStatus == http.StatusInternalServerError {
				var got switchResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
				assert.Equal(t, uint64(3), got.ConnectionID)
				if tc.switchErr != nil {
					assert.Contains(t, got.Error, "close timed out")
				}
			}
		})
	}
}

func TestSwitchEndpointRejectsEmptyConfiguredKey(t *testing.T) {
	r := &fakeRelay{}
	h := NewHandler(r, nil, zerolog.Nop(), Config{})
	rec := do(h, http.MethodPost, "/sensor/switch", `{"sourceType":"a","address":"b"}`, map[string]string{APIKeyHeader: ""})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, r.switched)
}

func TestHistoryEndpoint(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &fakeRelay{history: []domain.Reading{domain.NewReading("accel", []float64{1, 2, 3}, at)}}
	h := newTestHandler(r, nil)

	rec := do(h, http.MethodGet, "/history?since=2024-05-01T10:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, r.since.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	var got []domain.Reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, [domain.Axes]float64{1, 2, 3}, got[0].Values)

	rec = do(h, http.MethodGet, "/history?window=1h", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), r.since, 5*time.Second)

	rec = do(h, http.MethodGet, "/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, r.since.IsZero())

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/history?since=yesterday", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/history?window=-1h", "", nil).Code)
}

func TestHistoryEndpointErrors(t *testing.T) {
	r := &fakeRelay{histErr: relay.ErrNoHistory}
	h := newTestHandler(r, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/history", "", nil).Code)

	r.histErr = errors.New("connection reset")
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/history", "", nil).Code)

	r.histErr = nil
	r.history = nil
	rec := do(h, http.MethodGet, "/history", "", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestLatestEndpoint(t *testing.T) {
	reading := domain.NewReading("light", []float64{12}, time.Now())
	h := newTestHandler(&fakeRelay{}, fakeLatest{readings: map[string]domain.Reading{"light": reading}})

	rec := do(h, http.MethodGet, "/latest/light", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "light", got.SourceType)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/latest/gyro", "", nil).Code)

	noCache := newTestHandler(&fakeRelay{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(noCache, http.MethodGet, "/latest/light", "", nil).Code)
}

func TestHealthAndStatus(t *testing.T) {
	h := newTestHandler(&fakeRelay{}, nil)
	for _, path := range []string{"/", "/healthz"} {
		rec := do(h, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	}

	rec := do(h, http.MethodGet, "/sensor/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"upstream":{"id":7,"sourceType":"accel","address":"","state":"open","openedAt":"0001-01-01T00:00:00Z"},"subscribers":2}`,
		rec.Body.String())
}

func TestCORS(t *testing.T) {
	h := newTestHandler(&fakeRelay{}, nil)

	rec := do(h, http.MethodOptions, "/sensor/switch", "", map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), APIKeyHeader)

	rec = do(h, http.MethodGet, "/healthz", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	h := newTestHandler(&fakeRelay{}, panickyLatest{})
	rec := do(h, http.MethodGet, "/latest/light", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panickyLatest struct{}

func (panickyLatest) Latest(context.Context, string) (domain.Reading, bool, error) {
	panic("boom")
}

func TestWebSocketSubscriberReceivesBroadcast(t *testing.T) {
	r := &fakeRelay{}
	srv := httptest.NewServer(newTestHandler(r, nil))
	defer srv.Close()

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return len(r.subscribers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sub := r.subscribers()[0]
	require.NoError(t, sub.TrySend([]byte(`{"sourceType":"accel"}`)))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"sourceType":"accel"}`, string(msg))
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	r := &fakeRelay{}
	srv := httptest.NewServer(newTestHandler(r, nil))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, r.subscribers())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(&fakeRelay{}, nil)
	rec := do(h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"), fmt.Sprintf("unexpected metrics body %.80q", rec.Body.String()))
}
