package sdr

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by a backend that cannot apply a setting.
var ErrUnsupported = errors.New("sdr: setting not supported by backend")

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("sdr: source closed")

// Config carries parameters required to initialize an SDR backend.
type Config struct {
	SampleRate      float64
	CenterFrequency float64
	Gain            float64
	CorrectionPPM   float64
}

// Source is the complex baseband input of the receiver. Read blocks until
// at least one sample is available and returns io.EOF at the end of a
// finite stream. The setters may be called concurrently with Read and take
// effect on a later block.
type Source interface {
	Read(ctx context.Context, dst []complex64) (int, error)
	SetSampleRate(hz float64) error
	SetFrequency(hz float64) error
	SetGain(db float64) error
	SetFrequencyCorrection(ppm float64) error
	Close() error
}
