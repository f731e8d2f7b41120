package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rjboer/dmrmodem/internal/logging"
	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// ErrNoController is returned by handlers that need a receiver when none is
// attached.
var ErrNoController = errors.New("telemetry: no receiver attached")

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

// Settings are the runtime tunables of a receiver.
type Settings struct {
	SquelchDB        float64 `json:"squelchDb"`
	LoopGain         float64 `json:"loopGain"`
	UpdateIntervalMS float64 `json:"updateIntervalMs"`
	SampleRate       float64 `json:"sampleRate"`
	RadioSampleRate  float64 `json:"radioSampleRate"`
	Deviation        float64 `json:"deviation"`
	CenterFrequency  float64 `json:"centerFrequency"`
	BaudRate         float64 `json:"baudRate"`
}

// SettingsUpdate carries the tunables a client wants changed. Nil fields are
// left alone.
type SettingsUpdate struct {
	SquelchDB        *float64 `json:"squelchDb,omitempty"`
	LoopGain         *float64 `json:"loopGain,omitempty"`
	UpdateIntervalMS *float64 `json:"updateIntervalMs,omitempty"`
	SampleRate       *float64 `json:"sampleRate,omitempty"`
	RadioSampleRate  *float64 `json:"radioSampleRate,omitempty"`
	Deviation        *float64 `json:"deviation,omitempty"`
	CenterFrequency  *float64 `json:"centerFrequency,omitempty"`
	BaudRate         *float64 `json:"baudRate,omitempty"`
}

// Empty reports whether u changes nothing.
func (u SettingsUpdate) Empty() bool {
	return u == SettingsUpdate{}
}

// SpectrumSnapshot is the display spectrum of the most recent RF block.
type SpectrumSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	CenterFrequency float64   `json:"centerFrequency"`
	Frequencies     []float64 `json:"frequencies"`
	PowerDB         []float64 `json:"powerDb"`
	// Peak is the strongest bin and its SNR against the rest of the span.
	PeakFrequency float64 `json:"peakFrequency"`
	PeakDB        float64 `json:"peakDb"`
	SNRDB         float64 `json:"snrDb"`
}

// Controller is the receiver surface the hub drives.
type Controller interface {
	Settings() Settings
	// Apply performs each requested change as its own transaction and
	// returns the settings in effect afterwards, even on error.
	Apply(SettingsUpdate) (Settings, error)
	Spectrum() (SpectrumSnapshot, bool)
	// RecentSymbols returns the newest block of recovered symbols.
	RecentSymbols() []float32
	Nodes() []pipeline.NodeStats
}

// ProcessStats summarises runtime state for the health endpoint.
type ProcessStats struct {
	Uptime       time.Duration `json:"uptime"`
	NumGoroutine int           `json:"numGoroutine"`
	HeapAlloc    uint64        `json:"heapAlloc"`
}

// HealthStatus is served by /api/health.
type HealthStatus struct {
	Status     string       `json:"status"`
	LastReport *time.Time   `json:"lastReport,omitempty"`
	Process    ProcessStats `json:"process"`
}

// Hub collects history and fan-outs telemetry updates to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Status
	historyLimit int
	subscribers  map[chan Status]struct{}
	controller   Controller
	started      time.Time
	logger       logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	if historyLimit < minHistoryLimit {
		historyLimit = 500
	}
	if historyLimit > maxHistoryLimit {
		historyLimit = maxHistoryLimit
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Status]struct{}),
		started:      time.Now(),
		logger:       logger.With(logging.F("subsystem", "telemetry")),
	}
}

// SetController attaches the receiver whose settings and spectrum are served.
func (h *Hub) SetController(c Controller) {
	h.mu.Lock()
	h.controller = c
	h.mu.Unlock()
}

func (h *Hub) getController() Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// Report implements Reporter and records a new telemetry sample.
func (h *Hub) Report(s Status) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.history = append(h.history, s)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored telemetry samples.
func (h *Hub) History() []Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Status, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the newest sample.
func (h *Hub) Latest() (Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.history) == 0 {
		return Status{}, false
	}
	return h.history[len(h.history)-1], true
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Status, func()) {
	ch := make(chan Status, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Handler returns the HTTP API rooted at /api.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/settings", h.handleSettings)
	mux.HandleFunc("/api/spectrum", h.handleSpectrum)
	mux.HandleFunc("/api/symbols", h.handleSymbols)
	mux.HandleFunc("/api/nodes", h.handleNodes)
	mux.HandleFunc("/api/health", h.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func onlyGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.History())
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	s, ok := h.Latest()
	if !ok {
		http.Error(w, "no status yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Hub) handleSettings(w http.ResponseWriter, r *http.Request) {
	c := h.getController()
	if c == nil {
		http.Error(w, ErrNoController.Error(), http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, c.Settings())
	case http.MethodPost:
		var update SettingsUpdate
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&update); err != nil {
			http.Error(w, fmt.Sprintf("invalid settings payload: %v", err), http.StatusBadRequest)
			return
		}
		settings, err := c.Apply(update)
		if err != nil {
			h.logger.Warn("settings update rejected", logging.F("error", err))
			writeJSON(w, http.StatusUnprocessableEntity, struct {
				Error    string   `json:"error"`
				Settings Settings `json:"settings"`
			}{err.Error(), settings})
			return
		}
		h.logger.Info("settings updated", logging.F("settings", settings))
		writeJSON(w, http.StatusOK, settings)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Hub) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	c := h.getController()
	if c == nil {
		http.Error(w, ErrNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	snap, ok := c.Spectrum()
	if !ok {
		http.Error(w, "no spectrum yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Hub) handleSymbols(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	c := h.getController()
	if c == nil {
		http.Error(w, ErrNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	symbols := c.RecentSymbols()
	if symbols == nil {
		symbols = []float32{}
	}
	writeJSON(w, http.StatusOK, symbols)
}

func (h *Hub) handleNodes(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	c := h.getController()
	if c == nil {
		http.Error(w, ErrNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, c.Nodes())
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthStatus{
		Status: "waiting",
		Process: ProcessStats{
			Uptime:       time.Since(h.started),
			NumGoroutine: runtime.NumGoroutine(),
			HeapAlloc:    mem.HeapAlloc,
		},
	}
	if s, ok := h.Latest(); ok {
		resp.Status = "ok"
		ts := s.Timestamp
		resp.LastReport = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeEvent(w http.ResponseWriter, s Status) {
	payload, _ := json.Marshal(s)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, s := range h.History() {
		writeEvent(w, s)
	}
	flusher.Flush()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, s)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
