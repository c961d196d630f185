package fins

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	RECV_ERROR_BACKOFF = 10 * time.Millisecond // pause after a non-fatal receive error
)

var errNotConnected = errors.New("master not connected")

type masterState int

const (
	stateIdle masterState = iota
	stateConnected
	stateDisconnected
)

// Stats is a snapshot of the master's correlation counters.
type Stats struct {
	InFlight  int
	Orphans   uint64
	Malformed uint64
	Timeouts  uint64
	Retries   uint64
}

type counters struct {
	orphans   atomic.Uint64
	malformed atomic.Uint64
	timeouts  atomic.Uint64
	retries   atomic.Uint64
}

// Master Omron FINS master over a datagram transport
// Thread-safe: all public methods can be called concurrently
type Master struct {
	transport Transport
	local     NodeAddress
	opts      options
	logger    *zap.Logger
	table     *correlator

	stateMu sync.Mutex
	state   masterState
	cancel  context.CancelFunc
	loops   *sync.WaitGroup // loops of the current or last session
	errs    chan error

	interceptorMu sync.RWMutex
	interceptor   Interceptor

	plugins pluginManager
	stats   counters
}

// NewMaster creates a master that owns t. local is the FINS address written as
// source into every request. No I/O happens until Connect.
func NewMaster(t Transport, local NodeAddress, opts ...Option) *Master {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Master{
		transport:   t,
		local:       local,
		opts:        o,
		logger:      o.logger.Named("fins"),
		table:       newCorrelator(o.responseTimeout),
		interceptor: o.interceptor,
		plugins:     newPluginManager(),
		errs:        make(chan error, ERROR_CHANNEL_BUFFER),
	}
}

// NewUDPMaster builds a master with a UDP transport described by cfg.
// Options given here override the ones derived from cfg.
func NewUDPMaster(cfg Config, opts ...Option) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	local, err := cfg.Local.NodeAddress()
	if err != nil {
		return nil, err
	}
	localUDP, err := cfg.Local.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("resolve local address: %w", err)
	}
	remoteUDP, err := cfg.Remote.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("resolve remote address: %w", err)
	}
	t := NewUDPTransport(localUDP, remoteUDP)
	t.SetReadBufferSize(cfg.ReadBufferSize)
	return NewMaster(t, local, append(cfg.Options(), opts...)...), nil
}

// LocalNode returns the source address used for requests.
func (m *Master) LocalNode() NodeAddress {
	return m.local
}

// Connect opens the transport and starts the receive and sweep loops.
// Calling Connect on a connected master does nothing. A disconnected master
// can be connected again.
func (m *Master) Connect(ctx context.Context) error {
	m.stateMu.Lock()
	if m.state == stateConnected {
		m.stateMu.Unlock()
		return nil
	}
	if err := m.transport.Open(ctx); err != nil {
		m.stateMu.Unlock()
		return ConnectionError{Op: "connect", Err: err}
	}
	m.table.reopen()
	// Each session gets its own loops and error channel. Loops of a previous
	// session only see their own cancelled context and exit on their own.
	if m.loops != nil {
		m.errs = make(chan error, ERROR_CHANNEL_BUFFER)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loops := &sync.WaitGroup{}
	loops.Add(2)
	go m.receiveLoop(loopCtx, loops, m.errs)
	go m.sweepLoop(loopCtx, loops)
	m.cancel = cancel
	m.loops = loops
	m.state = stateConnected
	m.stateMu.Unlock()

	m.logger.Info("connected",
		zap.Any("local", m.transport.LocalAddr()),
		zap.Any("remote", m.transport.RemoteAddr()),
	)
	m.plugins.connected(m)
	return nil
}

// Disconnect fails every pending request with ConnectionClosedError, stops the
// loops and closes the transport. Extra calls do nothing. If ctx ends before the
// loops have stopped, Disconnect returns ctx.Err() and the loops finish on their own.
func (m *Master) Disconnect(ctx context.Context) error {
	m.stateMu.Lock()
	if m.state != stateConnected {
		m.stateMu.Unlock()
		return nil
	}
	m.state = stateDisconnected
	cancelled := m.table.cancelAll(ConnectionClosedError{Reason: "disconnect"})
	m.cancel()
	closeErr := m.transport.Close()
	loops := m.loops
	m.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		loops.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	m.logger.Info("disconnected", zap.Int("cancelled", cancelled))
	if closeErr != nil {
		closeErr = ConnectionError{Op: "disconnect", Err: closeErr}
	}
	m.plugins.disconnected(m, closeErr)
	if waitErr != nil {
		return waitErr
	}
	return closeErr
}

// IsConnected reports whether Connect succeeded and Disconnect was not called since.
func (m *Master) IsConnected() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state == stateConnected
}

// Err delivers non-fatal receive loop errors of the current session. Errors are
// dropped while the buffer is full. The channel is closed when the session's
// receive loop stops; call Err again after a reconnect.
func (m *Master) Err() <-chan error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.errs
}

// Stats returns the current counters.
func (m *Master) Stats() Stats {
	return Stats{
		InFlight:  m.table.size(),
		Orphans:   m.stats.orphans.Load(),
		Malformed: m.stats.malformed.Load(),
		Timeouts:  m.stats.timeouts.Load(),
		Retries:   m.stats.retries.Load(),
	}
}

// SetInterceptor replaces the interceptor around blocking operations.
func (m *Master) SetInterceptor(interceptor Interceptor) {
	m.interceptorMu.Lock()
	defer m.interceptorMu.Unlock()
	m.interceptor = interceptor
}

func (m *Master) currentInterceptor() Interceptor {
	m.interceptorMu.RLock()
	defer m.interceptorMu.RUnlock()
	return m.interceptor
}

// Use registers plugins; each is initialized once.
func (m *Master) Use(plugins ...Plugin) error {
	return m.plugins.use(m, plugins...)
}

// ReadWordsAsync requests count words from a word memory area of dst.
// Argument errors come back as an already failed future without any I/O.
func (m *Master) ReadWordsAsync(dst NodeAddress, addr IoAddress, count uint16) *Future[[]uint16] {
	if err := checkReadWords(addr, count); err != nil {
		return failedFuture[[]uint16](err)
	}
	f := m.submit(dst, MemoryAreaReadCommand{Address: addr, ItemCount: count})
	return thenApply(f, func(resp Response) ([]uint16, error) {
		r, err := expectResponse[MemoryAreaReadWordResponse](resp)
		return r.Items, err
	})
}

// ReadBitsAsync requests count bits starting at addr from a bit memory area of dst.
func (m *Master) ReadBitsAsync(dst NodeAddress, addr IoAddress, count uint16) *Future[[]bool] {
	if err := checkReadBits(addr, count); err != nil {
		return failedFuture[[]bool](err)
	}
	f := m.submit(dst, MemoryAreaReadCommand{Address: addr, ItemCount: count})
	return thenApply(f, func(resp Response) ([]bool, error) {
		r, err := expectResponse[MemoryAreaReadBitResponse](resp)
		return r.Items, err
	})
}

// WriteWordsAsync writes data to a word memory area of dst.
func (m *Master) WriteWordsAsync(dst NodeAddress, addr IoAddress, data []uint16) *Future[struct{}] {
	if err := checkWriteWords(addr, data); err != nil {
		return failedFuture[struct{}](err)
	}
	bts := make([]byte, 2*len(data))
	for i, w := range data {
		binary.BigEndian.PutUint16(bts[i*2:], w)
	}
	cmd := MemoryAreaWriteCommand{Address: addr, ItemCount: uint16(len(data)), Data: bts}
	return thenApply(m.submit(dst, cmd), func(resp Response) (struct{}, error) {
		_, err := expectResponse[MemoryAreaWriteResponse](resp)
		return struct{}{}, err
	})
}

// ReadClockAsync reads the clock of dst.
func (m *Master) ReadClockAsync(dst NodeAddress) *Future[time.Time] {
	return thenApply(m.submit(dst, ClockReadCommand{}), func(resp Response) (time.Time, error) {
		r, err := expectResponse[ClockReadResponse](resp)
		return r.Time, err
	})
}

// ReadWords reads words from the PLC data area
func (m *Master) ReadWords(ctx context.Context, dst NodeAddress, addr IoAddress, count uint16) ([]uint16, error) {
	info := &InterceptorInfo{
		Operation:   OpReadWords,
		Destination: dst,
		MemoryArea:  addr.MemoryArea,
		Address:     addr.Address,
		Count:       count,
	}
	res, err := runInterceptor(ctx, m.currentInterceptor(), info, func(ctx context.Context) (interface{}, error) {
		return m.ReadWordsAsync(dst, addr, count).Wait(ctx)
	})
	if err != nil {
		return nil, err
	}
	words, _ := res.([]uint16)
	return words, nil
}

// ReadBits reads bits from the PLC data area
func (m *Master) ReadBits(ctx context.Context, dst NodeAddress, addr IoAddress, count uint16) ([]bool, error) {
	info := &InterceptorInfo{
		Operation:   OpReadBits,
		Destination: dst,
		MemoryArea:  addr.MemoryArea,
		Address:     addr.Address,
		BitOffset:   addr.BitOffset,
		Count:       count,
	}
	res, err := runInterceptor(ctx, m.currentInterceptor(), info, func(ctx context.Context) (interface{}, error) {
		return m.ReadBitsAsync(dst, addr, count).Wait(ctx)
	})
	if err != nil {
		return nil, err
	}
	bits, _ := res.([]bool)
	return bits, nil
}

// WriteWords writes words to the PLC data area
func (m *Master) WriteWords(ctx context.Context, dst NodeAddress, addr IoAddress, data []uint16) error {
	info := &InterceptorInfo{
		Operation:   OpWriteWords,
		Destination: dst,
		MemoryArea:  addr.MemoryArea,
		Address:     addr.Address,
		Count:       uint16(len(data)),
		Data:        data,
	}
	_, err := runInterceptor(ctx, m.currentInterceptor(), info, func(ctx context.Context) (interface{}, error) {
		return m.WriteWordsAsync(dst, addr, data).Wait(ctx)
	})
	return err
}

// ReadClock reads the PLC clock
func (m *Master) ReadClock(ctx context.Context, dst NodeAddress) (time.Time, error) {
	info := &InterceptorInfo{Operation: OpReadClock, Destination: dst}
	res, err := runInterceptor(ctx, m.currentInterceptor(), info, func(ctx context.Context) (interface{}, error) {
		return m.ReadClockAsync(dst).Wait(ctx)
	})
	if err != nil {
		return time.Time{}, err
	}
	t, _ := res.(time.Time)
	return t, nil
}

func checkReadWords(addr IoAddress, count uint16) error {
	if err := checkItemCount("itemCount", int(count), MaxReadItems); err != nil {
		return err
	}
	if !isWordMemoryArea(addr.MemoryArea) {
		return IncompatibleMemoryAreaError{addr.MemoryArea}
	}
	return nil
}

func checkReadBits(addr IoAddress, count uint16) error {
	if err := checkItemCount("itemCount", int(count), MaxReadItems); err != nil {
		return err
	}
	if !isBitMemoryArea(addr.MemoryArea) {
		return IncompatibleMemoryAreaError{addr.MemoryArea}
	}
	if addr.BitOffset > maxBitOffset {
		return InvalidArgumentError{Name: "bitOffset", Reason: "must be 0-15"}
	}
	return nil
}

func checkWriteWords(addr IoAddress, data []uint16) error {
	if err := checkItemCount("data", len(data), MaxWriteWords); err != nil {
		return err
	}
	if !isWordMemoryArea(addr.MemoryArea) {
		return IncompatibleMemoryAreaError{addr.MemoryArea}
	}
	return nil
}

func checkItemCount(name string, n, max int) error {
	if n < 1 || n > max {
		return InvalidArgumentError{Name: name, Reason: fmt.Sprintf("must be 1-%d, got %d", max, n)}
	}
	return nil
}

// expectResponse maps a decoded response onto the variant an operation expects.
// A refused command becomes EndCodeError.
func expectResponse[T Response](resp Response) (T, error) {
	var zero T
	if resp.Kind() == KindError {
		return zero, EndCodeError{EndCode: resp.EndCode()}
	}
	r, ok := resp.(T)
	if !ok {
		return zero, ProtocolError{Reason: fmt.Sprintf("unexpected response kind %d for command 0x%04x", resp.Kind(), resp.CommandCode())}
	}
	return r, nil
}

func (m *Master) checkState() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	switch m.state {
	case stateIdle:
		return ConnectionError{Op: "send", Err: errNotConnected}
	case stateDisconnected:
		return ConnectionClosedError{Reason: "disconnected"}
	}
	return nil
}

// submit registers cmd under a fresh SID and sends it. It never waits for the response.
func (m *Master) submit(dst NodeAddress, cmd Command) *Future[Response] {
	if err := m.checkState(); err != nil {
		return failedFuture[Response](err)
	}
	if err := dst.Validate(); err != nil {
		return failedFuture[Response](err)
	}
	req := newPendingRequest(dst, cmd)
	sid, frame, err := m.table.acquire(req, m.opts.now(), m.frameBuilder(req))
	if err != nil {
		return failedFuture[Response](err)
	}
	m.transmit(req, sid, frame)
	return req.future
}

func (m *Master) frameBuilder(req *pendingRequest) func(sid byte) ([]byte, error) {
	return func(sid byte) ([]byte, error) {
		h, err := DefaultCommandBuilder().
			Destination(req.destination).
			Source(m.local).
			ServiceAddress(sid).
			Build()
		if err != nil {
			return nil, err
		}
		return EncodeCommandFrame(Frame[Command]{Header: h, Payload: req.command}), nil
	}
}

func (m *Master) transmit(req *pendingRequest, sid byte, frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.responseTimeout)
	defer cancel()
	if err := m.transport.Send(ctx, frame); err != nil {
		m.logger.Warn("send failed", zap.Uint8("sid", sid), zap.Error(err))
		m.table.fail(sid, req, ConnectionError{Op: "send", Err: err})
		return
	}
	m.logger.Debug("request sent",
		zap.Uint8("sid", sid),
		zap.Stringer("destination", req.destination),
		zap.Uint16("command", req.command.CommandCode()),
	)
}

func (m *Master) receiveLoop(ctx context.Context, loops *sync.WaitGroup, errs chan error) {
	defer loops.Done()
	defer close(errs)
	for {
		b, err := m.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				return
			}
			m.logger.Warn("receive failed", zap.Error(err))
			reportErr(errs, fmt.Errorf("listen loop error: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(RECV_ERROR_BACKOFF):
			}
			continue
		}
		m.dispatch(b)
	}
}

func (m *Master) dispatch(b []byte) {
	h, body, err := DecodeFrame(b)
	if err != nil {
		m.stats.malformed.Add(1)
		m.logger.Debug("dropping malformed datagram", zap.Int("size", len(b)), zap.Error(err))
		return
	}
	if !m.table.resolve(h, body) {
		m.stats.orphans.Add(1)
		m.logger.Debug("dropping orphan response",
			zap.Uint8("sid", h.ServiceAddress()),
			zap.Stringer("source", h.Source()),
		)
		return
	}
	m.logger.Debug("response resolved", zap.Uint8("sid", h.ServiceAddress()))
}

func (m *Master) sweepLoop(ctx context.Context, loops *sync.WaitGroup) {
	defer loops.Done()
	ticker := time.NewTicker(m.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.opts.now())
		}
	}
}

// sweep expires overdue requests and resends those with attempts left.
func (m *Master) sweep(now time.Time) {
	retry, expired := m.table.timeoutSweep(now, m.opts.maxAttempts)
	for _, req := range expired {
		m.stats.timeouts.Add(1)
		m.logger.Warn("request timed out",
			zap.Uint8("sid", req.sid),
			zap.Stringer("destination", req.destination),
			zap.Int("attempts", req.attempt),
		)
	}
	for _, req := range retry {
		m.stats.retries.Add(1)
		sid, frame, err := m.table.acquire(req, now, m.frameBuilder(req))
		if err != nil {
			m.table.abandon(req, err)
			continue
		}
		m.logger.Debug("resending request", zap.Uint8("sid", sid), zap.Int("attempt", req.attempt))
		m.transmit(req, sid, frame)
	}
}

func (m *Master) pluginFailed(name string, err error) {
	m.logger.Warn("plugin hook failed", zap.String("plugin", name), zap.Error(err))
}

func reportErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}
