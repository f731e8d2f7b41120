package modem

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// fmGain returns R/(2 pi dev), the scale mapping a per-sample phase step to
// a normalised deviation.
func fmGain(sampleRate, deviation float64) (float64, error) {
	if !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return 0, fmt.Errorf("%w: sample rate %.6g", ErrDegenerate, sampleRate)
	}
	if !(deviation > 0) || math.IsInf(deviation, 0) {
		return 0, fmt.Errorf("%w: deviation %.6g", ErrDegenerate, deviation)
	}
	return sampleRate / (2 * math.Pi * deviation), nil
}

// QuadDemod is a quadrature FM discriminator:
// out[n] = gain * arg(x[n] * conj(x[n-1])).
type QuadDemod struct {
	gain atomic.Uint64 // float64 bits
	prev complex64
	out  []float32
}

// NewQuadDemod returns a discriminator scaled so a tone at +deviation Hz
// yields +1.
func NewQuadDemod(sampleRate, deviation float64) (*QuadDemod, error) {
	q := &QuadDemod{}
	if err := q.Configure(sampleRate, deviation); err != nil {
		return nil, err
	}
	return q, nil
}

// Configure recomputes the gain. It is safe to call while Process runs; the
// new gain applies from the next block.
func (q *QuadDemod) Configure(sampleRate, deviation float64) error {
	g, err := fmGain(sampleRate, deviation)
	if err != nil {
		return err
	}
	q.gain.Store(math.Float64bits(g))
	return nil
}

// Gain returns the active gain.
func (q *QuadDemod) Gain() float64 { return math.Float64frombits(q.gain.Load()) }

// Rate implements pipeline.Stage.
func (q *QuadDemod) Rate() pipeline.Rate { return pipeline.OneToOne }

// Process implements pipeline.Stage.
func (q *QuadDemod) Process(in []complex64) ([]float32, error) {
	gain := q.Gain()
	q.out = q.out[:0]
	prev := q.prev
	for _, x := range in {
		// x * conj(prev)
		re := float64(real(x))*float64(real(prev)) + float64(imag(x))*float64(imag(prev))
		im := float64(imag(x))*float64(real(prev)) - float64(real(x))*float64(imag(prev))
		q.out = append(q.out, float32(gain*math.Atan2(im, re)))
		prev = x
	}
	q.prev = prev
	return q.out, nil
}

// FMMod integrates a real baseband into a unit-magnitude complex signal whose
// phase advances 2*pi*deviation/R radians per sample per unit input.
type FMMod struct {
	sensitivity atomic.Uint64 // float64 bits, radians per sample per unit
	phase       float64
	out         []complex64
}

// NewFMMod returns a modulator producing +deviation Hz for an input of +1.
func NewFMMod(sampleRate, deviation float64) (*FMMod, error) {
	m := &FMMod{}
	if err := m.Configure(sampleRate, deviation); err != nil {
		return nil, err
	}
	return m, nil
}

// Configure recomputes the sensitivity.
func (m *FMMod) Configure(sampleRate, deviation float64) error {
	g, err := fmGain(sampleRate, deviation)
	if err != nil {
		return err
	}
	m.sensitivity.Store(math.Float64bits(1 / g))
	return nil
}

// Sensitivity returns radians per sample per unit input.
func (m *FMMod) Sensitivity() float64 { return math.Float64frombits(m.sensitivity.Load()) }

// Reset returns the carrier phase to zero.
func (m *FMMod) Reset() { m.phase = 0 }

// Rate implements pipeline.Stage.
func (m *FMMod) Rate() pipeline.Rate { return pipeline.OneToOne }

// Process implements pipeline.Stage.
func (m *FMMod) Process(in []float32) ([]complex64, error) {
	k := m.Sensitivity()
	m.out = m.out[:0]
	for _, x := range in {
		m.phase += k * float64(x)
		// keep the accumulator in [-pi, pi] so precision does not decay
		if m.phase > math.Pi || m.phase < -math.Pi {
			m.phase = math.Remainder(m.phase, 2*math.Pi)
		}
		s, c := math.Sincos(m.phase)
		m.out = append(m.out, complex(float32(c), float32(s)))
	}
	return m.out, nil
}
