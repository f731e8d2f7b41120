package sdr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

// BytesPerSample is the size of one cf32 sample: little-endian float32 I
// then Q.
const BytesPerSample = 8

// FileSource replays a raw cf32 capture. The capture has no header; its
// sample rate is whatever the caller says it is.
type FileSource struct {
	mu     sync.Mutex
	r      io.Reader
	closer io.Closer
	loop   bool
	cfg    Config
	buf    []byte
	closed bool
}

// OpenFile opens a capture on disk. With loop set the file is rewound at
// EOF and replayed forever.
func OpenFile(path string, loop bool, cfg Config) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	src := NewReaderSource(f, cfg)
	src.closer = f
	src.loop = loop
	return src, nil
}

// NewReaderSource reads cf32 samples from r. Looping requires r to
// implement io.Seeker.
func NewReaderSource(r io.Reader, cfg Config) *FileSource {
	return &FileSource{r: r, cfg: cfg}
}

// Read decodes up to len(dst) samples.
func (f *FileSource) Read(ctx context.Context, dst []complex64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	need := len(dst) * BytesPerSample
	if cap(f.buf) < need {
		f.buf = make([]byte, need)
	}
	b := f.buf[:need]
	for rewound := false; ; rewound = true {
		n, err := io.ReadFull(f.r, b)
		whole := n / BytesPerSample
		decode(dst[:whole], b)
		switch {
		case err == nil || whole > 0:
			return whole, nil
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			seeker, ok := f.r.(io.Seeker)
			if !f.loop || !ok || rewound {
				return 0, io.EOF
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return 0, fmt.Errorf("rewind capture: %w", err)
			}
		default:
			return 0, err
		}
	}
}

func decode(dst []complex64, b []byte) {
	for i := range dst {
		re := math.Float32frombits(binary.LittleEndian.Uint32(b[i*BytesPerSample:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(b[i*BytesPerSample+4:]))
		dst[i] = complex(re, im)
	}
}

// WriteCF32 encodes samples in the format FileSource reads.
func WriteCF32(w io.Writer, samples []complex64) error {
	b := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*BytesPerSample:], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(b[i*BytesPerSample+4:], math.Float32bits(imag(s)))
	}
	_, err := w.Write(b)
	return err
}

// SetSampleRate fails unless hz is the capture's rate.
func (f *FileSource) SetSampleRate(hz float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hz != f.cfg.SampleRate {
		return fmt.Errorf("%w: capture is fixed at %.0f Hz", ErrUnsupported, f.cfg.SampleRate)
	}
	return nil
}

// SetFrequency records the value; the capture is already tuned.
func (f *FileSource) SetFrequency(hz float64) error {
	f.mu.Lock()
	f.cfg.CenterFrequency = hz
	f.mu.Unlock()
	return nil
}

// SetGain records the value.
func (f *FileSource) SetGain(db float64) error {
	f.mu.Lock()
	f.cfg.Gain = db
	f.mu.Unlock()
	return nil
}

// SetFrequencyCorrection records the value.
func (f *FileSource) SetFrequencyCorrection(ppm float64) error {
	f.mu.Lock()
	f.cfg.CorrectionPPM = ppm
	f.mu.Unlock()
	return nil
}

// Close releases the underlying file.
func (f *FileSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}
