package dsp

import (
	"fmt"
	"math"
)

// LoopGains are the proportional and integral gains of a second-order
// tracking loop.
type LoopGains struct {
	Kp float64
	Ki float64
}

// DesignLoop derives PI gains from a normalised loop bandwidth, damping
// factor and detector gain. The proportional path is set by bandwidth and
// damping alone; the integral path scales with the detector gain, so a gain of
// zero disables frequency (period) tracking and leaves phase tracking only.
func DesignLoop(bandwidth, damping, detectorGain float64) (LoopGains, error) {
	if !finitePositive(bandwidth) || !finitePositive(damping) {
		return LoopGains{}, fmt.Errorf("%w: loop bandwidth %.6g and damping %.6g must be positive", ErrInvalidConfig, bandwidth, damping)
	}
	if detectorGain < 0 || math.IsNaN(detectorGain) || math.IsInf(detectorGain, 0) {
		return LoopGains{}, fmt.Errorf("%w: detector gain %.6g", ErrInvalidConfig, detectorGain)
	}
	zb := damping * bandwidth
	alpha := math.Exp(-2 * zb)
	var c float64
	switch {
	case damping < 1:
		c = math.Cos(bandwidth * math.Sqrt(1-damping*damping))
	case damping > 1:
		c = math.Cosh(bandwidth * math.Sqrt(damping*damping-1))
	default:
		c = 1
	}
	beta := 2 * math.Exp(-zb) * c
	return LoopGains{
		Kp: 1 - alpha,
		Ki: detectorGain * (1 - beta + alpha),
	}, nil
}

// PILoop is a proportional-integral loop filter whose integrator is clamped
// to [Min, Max].
type PILoop struct {
	gains LoopGains
	integ float64
	lo    float64
	hi    float64
}

// NewPILoop returns a loop with the integrator preset to initial.
func NewPILoop(g LoopGains, initial, lo, hi float64) *PILoop {
	return &PILoop{gains: g, integ: initial, lo: lo, hi: hi}
}

// Advance feeds one error sample and returns the loop output.
func (l *PILoop) Advance(e float64) float64 {
	l.integ = math.Min(math.Max(l.integ+l.gains.Ki*e, l.lo), l.hi)
	return l.integ + l.gains.Kp*e
}

// Integrator returns the integrator state.
func (l *PILoop) Integrator() float64 { return l.integ }

// SetGains replaces the gains without touching the integrator.
func (l *PILoop) SetGains(g LoopGains) { l.gains = g }

// Gains returns the active gains.
func (l *PILoop) Gains() LoopGains { return l.gains }

// Reset presets the integrator and its clamp.
func (l *PILoop) Reset(initial, lo, hi float64) {
	l.integ, l.lo, l.hi = initial, lo, hi
}
