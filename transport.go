package fins

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

const (
	READ_BUFFER_SIZE = 2048
)

// errNotOpen is returned by a transport used before Open or after Close.
var errNotOpen = errors.New("transport not open")

// Transport moves raw FINS datagrams. The Master owns the transport it is given
// and is its only caller; Open and Close bracket one session and may be repeated.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	// Recv returns the next datagram. It unblocks when ctx is done or the
	// transport is closed.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// UDPTransport is a thin wrapper around net.UDPConn to satisfy the Transport interface.
// Go enables SO_BROADCAST on every datagram socket it creates, so the socket can
// address broadcast destinations without further setup.
type UDPTransport struct {
	local      *net.UDPAddr
	remote     *net.UDPAddr
	bufferSize int

	mu   sync.RWMutex
	conn *net.UDPConn
}

// NewUDPTransport prepares a transport bound to local (nil picks an ephemeral
// port) and associated with remote. No socket exists until Open.
func NewUDPTransport(local, remote *net.UDPAddr) *UDPTransport {
	return &UDPTransport{local: local, remote: remote, bufferSize: READ_BUFFER_SIZE}
}

// SetReadBufferSize sets the largest datagram Recv can return.
func (t *UDPTransport) SetReadBufferSize(n int) {
	if n > 0 {
		t.bufferSize = n
	}
}

func (t *UDPTransport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialUDP("udp", t.local, t.remote)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *UDPTransport) current() (*net.UDPConn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, errNotOpen
	}
	return t.conn, nil
}

func (t *UDPTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := t.current()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(payload)
	return err
}

// Recv blocks for the next datagram until ctx is done or the transport is closed.
func (t *UDPTransport) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	// A zero deadline clears any earlier one.
	deadline, hasDeadline := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)

	// Cancellation interrupts the read by moving the deadline to now.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	buf := make([]byte, t.bufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// The socket deadline can expire before the context timer fires.
		if errors.Is(err, os.ErrDeadlineExceeded) && hasDeadline && !time.Now().Before(deadline) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return buf[:n], nil
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *UDPTransport) LocalAddr() net.Addr {
	if conn, err := t.current(); err == nil {
		return conn.LocalAddr()
	}
	if t.local == nil {
		return nil
	}
	return t.local
}

func (t *UDPTransport) RemoteAddr() net.Addr {
	if t.remote == nil {
		return nil
	}
	return t.remote
}

// isClosedErr reports errors that mean the transport was shut down underneath a reader.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, errNotOpen)
}
