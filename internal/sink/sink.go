// Package sink delivers recovered symbols to external consumers as raw
// little-endian float32 values with no framing or header.
package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// BytesPerSymbol is the encoded size of one float32.
const BytesPerSymbol = 4

// AppendFloat32s encodes v onto dst.
func AppendFloat32s(dst []byte, v []float32) []byte {
	for _, x := range v {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(x))
	}
	return dst
}

// DecodeFloat32s decodes whole float32 values from b onto dst. Trailing
// bytes that do not form a value are returned as rest.
func DecodeFloat32s(dst []float32, b []byte) (out []float32, rest []byte) {
	n := len(b) / BytesPerSymbol
	for i := 0; i < n; i++ {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[i*BytesPerSymbol:])))
	}
	return dst, b[n*BytesPerSymbol:]
}

// Writer streams symbols into an io.Writer through a buffer.
type Writer struct {
	mu  sync.Mutex
	w   *bufio.Writer
	c   io.Closer
	buf []byte
}

// NewWriter wraps w. If w is an io.Closer, Close closes it after flushing.
func NewWriter(w io.Writer) *Writer {
	s := &Writer{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// Consume implements pipeline.Sink.
func (s *Writer) Consume(_ context.Context, block []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = AppendFloat32s(s.buf[:0], block)
	if _, err := s.w.Write(s.buf); err != nil {
		return fmt.Errorf("write symbols: %w", err)
	}
	return nil
}

// Flush pushes buffered symbols to the underlying writer.
func (s *Writer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes and closes the underlying writer.
func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.c != nil {
		err = errors.Join(err, s.c.Close())
	}
	return err
}
