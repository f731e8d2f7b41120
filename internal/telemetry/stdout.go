package telemetry

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/dmrmodem/internal/logging"
)

// Status is one receiver telemetry sample.
type Status struct {
	Timestamp   time.Time `json:"timestamp"`
	SquelchOpen bool      `json:"squelchOpen"`
	PowerDB     float64   `json:"powerDb"`
	// Symbol, TimingError, Period and Mu come from the last recovered symbol.
	Symbol      float64   `json:"symbol"`
	TimingError float64   `json:"timingError"`
	Period      float64   `json:"period"`
	Mu          float64   `json:"mu"`
	Symbols     uint64    `json:"symbols"`
	SyncHits    uint64    `json:"syncHits"`
	LastSync    *SyncInfo `json:"lastSync,omitempty"`

	// CarrierOffset is the tracked carrier offset in Hz when carrier
	// tracking runs.
	CarrierOffset float64 `json:"carrierOffsetHz,omitempty"`
}

// SyncInfo describes the latest sync word detection.
type SyncInfo struct {
	Kind  string  `json:"kind"`
	Data  bool    `json:"data"`
	Index uint64  `json:"index"`
	Score float64 `json:"score"`
}

// Reporter captures telemetry events.
type Reporter interface {
	Report(Status)
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

// Report forwards telemetry to each configured reporter.
func (m MultiReporter) Report(s Status) {
	for _, r := range m {
		if r != nil {
			r.Report(s)
		}
	}
}

// StdoutReporter prints receiver status through the logger, at most once per
// interval.
type StdoutReporter struct {
	logger   logging.Logger
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewStdoutReporter builds a stdout reporter with the provided logger. A
// zero interval logs every sample.
func NewStdoutReporter(logger logging.Logger, interval time.Duration) *StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &StdoutReporter{logger: logger.With(logging.F("subsystem", "telemetry")), interval: interval}
}

func (r *StdoutReporter) Report(s Status) {
	r.mu.Lock()
	if r.interval > 0 && !r.last.IsZero() && s.Timestamp.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last = s.Timestamp
	r.mu.Unlock()

	fields := []logging.Field{
		{Key: "squelch_open", Value: s.SquelchOpen},
		{Key: "power_db", Value: s.PowerDB},
		{Key: "symbols", Value: humanize.Comma(int64(s.Symbols))},
	}
	if s.SquelchOpen {
		fields = append(fields,
			logging.Field{Key: "timing_error", Value: s.TimingError},
			logging.Field{Key: "period", Value: s.Period},
		)
	}
	if s.CarrierOffset != 0 {
		fields = append(fields, logging.Field{Key: "carrier_offset", Value: humanize.SIWithDigits(s.CarrierOffset, 3, "Hz")})
	}
	if s.SyncHits != 0 {
		fields = append(fields, logging.Field{Key: "sync_hits", Value: s.SyncHits})
	}
	if s.LastSync != nil {
		fields = append(fields,
			logging.Field{Key: "last_sync", Value: s.LastSync.Kind},
			logging.Field{Key: "last_sync_index", Value: s.LastSync.Index},
		)
	}
	r.logger.Info("receiver status", fields...)
}
