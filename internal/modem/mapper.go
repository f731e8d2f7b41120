package modem

import (
	"fmt"
	"math"

	"github.com/rjboer/dmrmodem/internal/pipeline"
)

// Levels is the dibit to deviation table shared by the transmitter and the
// slicer. Index is the dibit value (first bit is the MSB).
//
//	00 -> +0.4   01 -> +1.0   10 -> -0.4   11 -> -1.0
var Levels = [4]float32{0.4, 1.0, -0.4, -1.0}

// SymbolsPerByte is the number of dibits carried by one packed byte.
const SymbolsPerByte = 4

// Unpack splits packed bytes into dibits, most significant pair first.
func Unpack(data []byte) []byte {
	out := make([]byte, 0, len(data)*SymbolsPerByte)
	for _, b := range data {
		out = append(out, b>>6&3, b>>4&3, b>>2&3, b&3)
	}
	return out
}

// Pack is the inverse of Unpack. A trailing partial byte is padded with
// zero dibits.
func Pack(dibits []byte) []byte {
	out := make([]byte, (len(dibits)+SymbolsPerByte-1)/SymbolsPerByte)
	for i, d := range dibits {
		shift := 6 - 2*uint(i%SymbolsPerByte)
		out[i/SymbolsPerByte] |= (d & 3) << shift
	}
	return out
}

// TestBurst is the counting burst around a BS data sync word.
var TestBurst = []byte{
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
	223, 245, 125, 117, 223, 93,
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
}

// TestBurst2 is a BS data sync word padded with zero bytes.
var TestBurst2 = []byte{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	223, 245, 125, 117, 223, 93,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Mapper turns packed bytes into deviation levels, four symbols per byte.
type Mapper struct {
	scale float32
	out   []float32
}

// NewMapper returns a mapper emitting Levels times scale.
func NewMapper(scale float64) (*Mapper, error) {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: mapper scale %.6g", ErrInvalidConfig, scale)
	}
	return &Mapper{scale: float32(scale)}, nil
}

// Rate implements pipeline.Stage.
func (m *Mapper) Rate() pipeline.Rate { return pipeline.Rate{Interp: SymbolsPerByte, Decim: 1} }

// Process implements pipeline.Stage.
func (m *Mapper) Process(in []byte) ([]float32, error) {
	m.out = m.out[:0]
	for _, b := range in {
		for shift := 6; shift >= 0; shift -= 2 {
			m.out = append(m.out, Levels[b>>uint(shift)&3]*m.scale)
		}
	}
	return m.out, nil
}

// Slicer makes hard dibit decisions on recovered symbols. The outer and inner
// levels are split at 0.7 times the scale and the sign at zero.
type Slicer struct {
	threshold float32
	out       []byte
}

// NewSlicer returns a slicer for symbols whose +1.0 level sits at scale.
func NewSlicer(scale float64) (*Slicer, error) {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: slicer scale %.6g", ErrInvalidConfig, scale)
	}
	return &Slicer{threshold: float32(0.7 * scale)}, nil
}

// Decide returns the dibit nearest to v.
func (s *Slicer) Decide(v float32) byte {
	switch {
	case v >= s.threshold:
		return 1
	case v >= 0:
		return 0
	case v > -s.threshold:
		return 2
	default:
		return 3
	}
}

// Rate implements pipeline.Stage.
func (s *Slicer) Rate() pipeline.Rate { return pipeline.OneToOne }

// Process implements pipeline.Stage.
func (s *Slicer) Process(in []float32) ([]byte, error) {
	s.out = s.out[:0]
	for _, v := range in {
		s.out = append(s.out, s.Decide(v))
	}
	return s.out, nil
}
