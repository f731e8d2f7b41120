package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/pipeline"
)

func newTestHub() *Hub {
	return NewHub(10, logging.New(logging.Debug, logging.Text, io.Discard))
}

type fakeController struct {
	settings Settings
	applied  []SettingsUpdate
	spectrum *SpectrumSnapshot
	symbols  []float32
	err      error
}

func (f *fakeController) Settings() Settings { return f.settings }

func (f *fakeController) Apply(u SettingsUpdate) (Settings, error) {
	f.applied = append(f.applied, u)
	if f.err != nil {
		return f.settings, f.err
	}
	if u.SquelchDB != nil {
		f.settings.SquelchDB = *u.SquelchDB
	}
	if u.BaudRate != nil {
		f.settings.BaudRate = *u.BaudRate
	}
	return f.settings, nil
}

func (f *fakeController) Spectrum() (SpectrumSnapshot, bool) {
	if f.spectrum == nil {
		return SpectrumSnapshot{}, false
	}
	return *f.spectrum, true
}

func (f *fakeController) RecentSymbols() []float32 { return f.symbols }

func (f *fakeController) Nodes() []pipeline.NodeStats {
	return []pipeline.NodeStats{{Name: "squelch", In: 8192, Out: 8192, Blocks: 1}}
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHistoryIsBounded(t *testing.T) {
	hub := NewHub(3, logging.Discard())
	for i := 0; i < 5; i++ {
		hub.Report(Status{Symbols: uint64(i)})
	}
	h := hub.History()
	if len(h) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(h))
	}
	if h[0].Symbols != 2 || h[2].Symbols != 4 {
		t.Fatalf("expected the newest samples, got %+v", h)
	}
	if h[0].Timestamp.IsZero() {
		t.Fatal("expected Report to stamp samples")
	}
}

func TestHandleStatus(t *testing.T) {
	hub := newTestHub()
	rr := serve(hub.Handler(), http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the first report, got %d", rr.Code)
	}

	hub.Report(Status{SquelchOpen: true, PowerDB: -12.5, SyncHits: 2, LastSync: &SyncInfo{Kind: "bs", Index: 90}, CarrierOffset: 812.5})
	rr = serve(hub.Handler(), http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp Status
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.SquelchOpen || resp.PowerDB != -12.5 || resp.LastSync == nil || resp.LastSync.Index != 90 || resp.CarrierOffset != 812.5 {
		t.Fatalf("unexpected status %+v", resp)
	}

	rr = serve(hub.Handler(), http.MethodPost, "/api/status", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSettingsWithoutController(t *testing.T) {
	hub := newTestHub()
	for _, path := range []string{"/api/settings", "/api/spectrum", "/api/symbols", "/api/nodes"} {
		rr := serve(hub.Handler(), http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}
}

func TestSettingsGetAndPost(t *testing.T) {
	hub := newTestHub()
	ctrl := &fakeController{settings: Settings{SquelchDB: -35, BaudRate: 4800}}
	hub.SetController(ctrl)

	rr := serve(hub.Handler(), http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got Settings
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, ctrl.settings, got)

	rr = serve(hub.Handler(), http.MethodPost, "/api/settings", `{"squelchDb": -20}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, -20.0, got.SquelchDB)
	assert.Equal(t, 4800.0, got.BaudRate)
	require.Len(t, ctrl.applied, 1)
	assert.Nil(t, ctrl.applied[0].BaudRate, "absent fields stay nil")

	rr = serve(hub.Handler(), http.MethodPost, "/api/settings", `{"squelch": -20}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown fields are rejected")

	rr = serve(hub.Handler(), http.MethodPut, "/api/settings", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSettingsPostReportsRejection(t *testing.T) {
	hub := newTestHub()
	ctrl := &fakeController{settings: Settings{BaudRate: 4800}, err: errors.New("baud rate 0 must be positive")}
	hub.SetController(ctrl)

	rr := serve(hub.Handler(), http.MethodPost, "/api/settings", `{"baudRate": 0}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var resp struct {
		Error    string   `json:"error"`
		Settings Settings `json:"settings"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Contains(t, resp.Error, "baud rate")
	assert.Equal(t, 4800.0, resp.Settings.BaudRate)
}

func TestSpectrumAndNodes(t *testing.T) {
	hub := newTestHub()
	ctrl := &fakeController{}
	hub.SetController(ctrl)

	rr := serve(hub.Handler(), http.MethodGet, "/api/spectrum", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	ctrl.spectrum = &SpectrumSnapshot{CenterFrequency: 441e6, Frequencies: []float64{-1, 0, 1}, PowerDB: []float64{-90, -10, -90}}
	rr = serve(hub.Handler(), http.MethodGet, "/api/spectrum", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap SpectrumSnapshot
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&snap))
	assert.Len(t, snap.PowerDB, 3)
	assert.Equal(t, 441e6, snap.CenterFrequency)

	rr = serve(hub.Handler(), http.MethodGet, "/api/symbols", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	ctrl.symbols = []float32{0.8, -0.25}
	rr = serve(hub.Handler(), http.MethodGet, "/api/symbols", "")
	assert.JSONEq(t, `[0.8,-0.25]`, rr.Body.String())

	rr = serve(hub.Handler(), http.MethodGet, "/api/nodes", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[{"name":"squelch","in":8192,"out":8192,"blocks":1}]`, rr.Body.String())
}

func TestHandleHealth(t *testing.T) {
	hub := newTestHub()

	rr := serve(hub.Handler(), http.MethodGet, "/api/health", "")
	var waiting HealthStatus
	if err := json.NewDecoder(rr.Body).Decode(&waiting); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if waiting.Status != "waiting" || waiting.LastReport != nil {
		t.Fatalf("expected waiting status before the first report, got %+v", waiting)
	}
	if waiting.Process.NumGoroutine == 0 {
		t.Fatal("expected goroutine count to be reported")
	}

	hub.Report(Status{})
	rr = serve(hub.Handler(), http.MethodGet, "/api/health", "")
	var live HealthStatus
	if err := json.NewDecoder(rr.Body).Decode(&live); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if live.Status != "ok" || live.LastReport == nil {
		t.Fatalf("expected ok status, got %+v", live)
	}
}

func TestLiveStreamsHistoryThenUpdates(t *testing.T) {
	hub := newTestHub()
	hub.Report(Status{Symbols: 1})

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/live", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := bufio.NewScanner(resp.Body)
	next := func() Status {
		for events.Scan() {
			line := events.Bytes()
			if payload, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				var s Status
				require.NoError(t, json.Unmarshal(payload, &s))
				return s
			}
		}
		t.Fatalf("stream ended: %v", events.Err())
		return Status{}
	}

	assert.Equal(t, uint64(1), next().Symbols)

	// the subscription is registered before history is replayed
	hub.Report(Status{Symbols: 2})
	assert.Equal(t, uint64(2), next().Symbols)
}

func TestMultiReporterSkipsNil(t *testing.T) {
	a, b := NewHub(5, logging.Discard()), NewHub(5, logging.Discard())
	MultiReporter{a, nil, b}.Report(Status{PowerDB: -3})
	assert.Len(t, a.History(), 1)
	assert.Len(t, b.History(), 1)
}

func TestStdoutReporterRateLimits(t *testing.T) {
	var buf bytes.Buffer
	r := NewStdoutReporter(logging.New(logging.Info, logging.Text, &buf), time.Second)
	t0 := time.Unix(1000, 0)
	r.Report(Status{Timestamp: t0, Symbols: 1200})
	r.Report(Status{Timestamp: t0.Add(100 * time.Millisecond)})
	r.Report(Status{Timestamp: t0.Add(2 * time.Second), SquelchOpen: true, CarrierOffset: -640})

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "receiver status"))
	assert.Equal(t, 1, strings.Count(out, "carrier_offset"))
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "subsystem=telemetry")
}

func TestWebServerServesIndexAndAPI(t *testing.T) {
	hub := newTestHub()
	ws := NewWebServer("127.0.0.1:0", hub, logging.Discard())

	rr := serve(ws.Handler(), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/api/live")

	rr = serve(ws.Handler(), http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}
