package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/rjboer/dmrmodem/internal/logging"
)

// DefaultEndpoint is where the symbol consumer expects the push socket.
const DefaultEndpoint = "tcp://127.0.0.1:55000"

// Push binds a ZeroMQ PUSH socket and sends one message per block. A send
// may wait while no PULL peer is connected; cancelling the context given to
// NewPush releases it.
type Push struct {
	mu     sync.Mutex
	sock   zmq4.Socket
	buf    []byte
	logger logging.Logger
	sent   uint64
}

// NewPush binds endpoint.
func NewPush(ctx context.Context, endpoint string, logger logging.Logger) (*Push, error) {
	if logger == nil {
		logger = logging.Default()
	}
	sock := zmq4.NewPush(ctx)
	if err := sock.Listen(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	p := &Push{sock: sock, logger: logger.With(logging.F("subsystem", "sink"))}
	p.logger.Info("symbol push socket bound", logging.F("endpoint", endpoint))
	return p, nil
}

// Port returns the bound TCP port, useful when the endpoint asked for an
// ephemeral one.
func (p *Push) Port() (int, error) {
	addr := p.sock.Addr()
	if addr == nil {
		return 0, errors.New("push socket not bound")
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port, nil
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

// Consume implements pipeline.Sink.
func (p *Push) Consume(_ context.Context, block []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = AppendFloat32s(p.buf[:0], block)
	// the socket may hold on to the frame after Send returns
	frame := append([]byte(nil), p.buf...)
	if err := p.sock.Send(zmq4.NewMsg(frame)); err != nil {
		return fmt.Errorf("zmq send: %w", err)
	}
	p.sent += uint64(len(block))
	return nil
}

// Sent reports how many symbols were handed to the socket.
func (p *Push) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Close closes the socket.
func (p *Push) Close() error {
	return p.sock.Close()
}

// Pull is the consumer side: it dials a push endpoint and yields decoded
// symbols.
type Pull struct {
	sock zmq4.Socket
	rest []byte
}

// DialPull connects to endpoint.
func DialPull(ctx context.Context, endpoint string) (*Pull, error) {
	sock := zmq4.NewPull(ctx)
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &Pull{sock: sock}, nil
}

// Recv blocks for the next message and appends its symbols to dst.
func (p *Pull) Recv(dst []float32) ([]float32, error) {
	msg, err := p.sock.Recv()
	if err != nil {
		return dst, err
	}
	for _, frame := range msg.Frames {
		p.rest = append(p.rest, frame...)
		dst, p.rest = DecodeFloat32s(dst, p.rest)
		p.rest = append([]byte(nil), p.rest...)
	}
	return dst, nil
}

// Close closes the socket.
func (p *Pull) Close() error {
	return p.sock.Close()
}
