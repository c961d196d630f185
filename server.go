package fins

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	SERVER_BUFFER_SIZE = 2048 // UDP receive buffer size
)

// Word counts of the simulated areas, as on a CJ2 CPU unit.
var simulatorAreaWords = map[byte]int{
	MemoryAreaDMWord:  32768,
	MemoryAreaCIOWord: 6144,
	MemoryAreaWRWord:  512,
	MemoryAreaHRWord:  1536,
	MemoryAreaARWord:  960,
}

// bit area code -> word area holding its bits
var bitAreaWords = map[byte]byte{
	MemoryAreaDMBit:  MemoryAreaDMWord,
	MemoryAreaCIOBit: MemoryAreaCIOWord,
	MemoryAreaWRBit:  MemoryAreaWRWord,
	MemoryAreaHRBit:  MemoryAreaHRWord,
	MemoryAreaARBit:  MemoryAreaARWord,
}

type serverConfig struct {
	logger *zap.Logger
	now    func() time.Time
	filter func(Frame[Command]) bool
}

// ServerOption configures the PLC simulator.
type ServerOption func(*serverConfig)

// WithServerLogger sets the simulator's zap logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(cfg *serverConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithServerClock sets the time reported by clock read.
func WithServerClock(now func() time.Time) ServerOption {
	return func(cfg *serverConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithRequestFilter installs a filter that sees every decoded command.
// Commands for which it returns false are dropped without a response, as if
// the datagram had been lost.
func WithRequestFilter(filter func(Frame[Command]) bool) ServerOption {
	return func(cfg *serverConfig) {
		cfg.filter = filter
	}
}

// Server Omron FINS server (PLC simulator)
// It serves memory area read/write on the DM, CIO, WR, HR and AR areas in word
// and bit form, and clock read.
type Server struct {
	node   NodeAddress
	conn   *net.UDPConn
	cfg    serverConfig
	logger *zap.Logger

	memMu sync.RWMutex
	areas map[byte][]uint16

	served     atomic.Uint64
	closed     bool
	closeMutex sync.RWMutex
	errChan    chan error
	done       chan struct{}
}

// NewPLCSimulator creates a new PLC simulator listening on plcAddr.UDP.
// A port of 0 picks a free port; see Addr.
func NewPLCSimulator(plcAddr Address, opts ...ServerOption) (*Server, error) {
	cfg := serverConfig{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		node:    plcAddr.Node,
		cfg:     cfg,
		logger:  cfg.logger.Named("simulator"),
		areas:   make(map[byte][]uint16, len(simulatorAreaWords)),
		errChan: make(chan error, ERROR_CHANNEL_BUFFER),
		done:    make(chan struct{}),
	}
	for area, words := range simulatorAreaWords {
		s.areas[area] = make([]uint16, words)
	}

	conn, err := net.ListenUDP("udp", plcAddr.UDP)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.logger.Info("listening", zap.Stringer("addr", conn.LocalAddr()), zap.Stringer("node", s.node))
	go s.udpLoop()

	return s, nil
}

// Addr returns the socket address the simulator listens on.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Node returns the simulator's FINS address.
func (s *Server) Node() NodeAddress {
	return s.node
}

// Served counts the commands answered so far.
func (s *Server) Served() uint64 {
	return s.served.Load()
}

// IsClosed returns true if the server has been closed
func (s *Server) IsClosed() bool {
	s.closeMutex.RLock()
	defer s.closeMutex.RUnlock()
	return s.closed
}

// Err returns the error channel for server errors
// Errors from the server loop are sent to this channel
func (s *Server) Err() <-chan error {
	return s.errChan
}

// Close closes the FINS server and waits for its loop to stop
func (s *Server) Close() error {
	s.closeMutex.Lock()
	if s.closed {
		s.closeMutex.Unlock()
		return nil
	}
	s.closed = true
	s.closeMutex.Unlock()

	err := s.conn.Close()
	<-s.done
	return err
}

// WriteMemory stores words directly into a word area, bypassing the network.
func (s *Server) WriteMemory(area byte, address uint16, words []uint16) error {
	if code := s.writeWords(area, address, words); !code.IsNormal() {
		return EndCodeError{EndCode: code}
	}
	return nil
}

// ReadMemory reads words directly from a word area, bypassing the network.
func (s *Server) ReadMemory(area byte, address uint16, count uint16) ([]uint16, error) {
	words, code := s.readWords(area, address, count)
	if !code.IsNormal() {
		return nil, EndCodeError{EndCode: code}
	}
	return words, nil
}

func (s *Server) span(area byte, address uint16, count int) ([]uint16, EndCode) {
	mem, ok := s.areas[area]
	if !ok {
		return nil, EndCodeAreaClassificationMissing
	}
	if int(address)+count > len(mem) {
		return nil, EndCodeAddressRangeExceeded
	}
	return mem[address : int(address)+count], EndCodeNormalCompletion
}

func (s *Server) readWords(area byte, address uint16, count uint16) ([]uint16, EndCode) {
	s.memMu.RLock()
	defer s.memMu.RUnlock()
	mem, code := s.span(area, address, int(count))
	if !code.IsNormal() {
		return nil, code
	}
	return append([]uint16(nil), mem...), code
}

func (s *Server) writeWords(area byte, address uint16, words []uint16) EndCode {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	mem, code := s.span(area, address, len(words))
	if !code.IsNormal() {
		return code
	}
	copy(mem, words)
	return code
}

// bitSpan resolves count bits from (address, bit) onwards to their word area
// and the index of the first bit.
func (s *Server) bitSpan(addr IoAddress, count int) ([]uint16, int, EndCode) {
	area, ok := bitAreaWords[addr.MemoryArea]
	if !ok {
		return nil, 0, EndCodeAreaClassificationMissing
	}
	if addr.BitOffset > maxBitOffset {
		return nil, 0, EndCodeAddressRangeError
	}
	first := int(addr.BitOffset)
	words := (first + count + 15) / 16
	mem, code := s.span(area, addr.Address, words)
	return mem, first, code
}

func (s *Server) readBits(addr IoAddress, count uint16) ([]bool, EndCode) {
	s.memMu.RLock()
	defer s.memMu.RUnlock()
	mem, first, code := s.bitSpan(addr, int(count))
	if !code.IsNormal() {
		return nil, code
	}
	bits := make([]bool, count)
	for i := range bits {
		n := first + i
		bits[i] = mem[n/16]&(1<<(n%16)) != 0
	}
	return bits, code
}

func (s *Server) writeBits(addr IoAddress, data []byte) EndCode {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	mem, first, code := s.bitSpan(addr, len(data))
	if !code.IsNormal() {
		return code
	}
	for i, b := range data {
		n := first + i
		if b&0x01 != 0 {
			mem[n/16] |= 1 << (n % 16)
		} else {
			mem[n/16] &^= 1 << (n % 16)
		}
	}
	return code
}

func (s *Server) udpLoop() {
	defer close(s.done)
	defer close(s.errChan)

	buf := make([]byte, SERVER_BUFFER_SIZE)
	for {
		rlen, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.IsClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.errChan <- fmt.Errorf("server read error: %w", err)
			return
		}

		resp, ok := s.serve(buf[:rlen])
		if !ok {
			continue
		}
		if _, err := s.conn.WriteToUDP(resp, remote); err != nil {
			if s.IsClosed() {
				return
			}
			s.logger.Warn("write failed", zap.Stringer("remote", remote), zap.Error(err))
		}
	}
}

// serve turns one inbound datagram into the datagram to send back, if any.
func (s *Server) serve(b []byte) ([]byte, bool) {
	frame, err := DecodeCommandFrame(b)
	if err != nil {
		return s.refuseMalformed(b, err)
	}
	h := frame.Header
	if h.IsResponse() || !h.ResponseRequired() {
		return nil, false
	}
	if dst := h.Destination().Node; dst != s.node.Node && dst != 0x00 && dst != 0xff {
		s.logger.Debug("ignoring frame for another node", zap.Stringer("destination", h.Destination()))
		return nil, false
	}
	if s.cfg.filter != nil && !s.cfg.filter(frame) {
		s.logger.Debug("dropping command", zap.Uint8("sid", h.ServiceAddress()))
		return nil, false
	}

	resp := s.handle(frame.Payload)
	s.served.Add(1)
	s.logger.Debug("served",
		zap.Uint8("sid", h.ServiceAddress()),
		zap.Uint16("command", frame.Payload.CommandCode()),
		zap.Stringer("end_code", resp.EndCode()),
	)
	return EncodeResponseFrame(Frame[Response]{Header: ResponseHeader(h), Payload: resp}), true
}

// refuseMalformed answers a command whose header is intact but whose body
// could not be decoded.
func (s *Server) refuseMalformed(b []byte, err error) ([]byte, bool) {
	s.logger.Debug("malformed command", zap.Int("size", len(b)), zap.Error(err))
	if len(b) < FINS_HEADER_SIZE+FINS_COMMAND_CODE_SIZE {
		return nil, false
	}
	h := decodeHeader(b)
	if h.IsResponse() || !h.ResponseRequired() {
		return nil, false
	}
	code := EndCodeCommandTooShort
	if len(b) > FINS_HEADER_SIZE+FINS_MEMORY_CMD_SIZE {
		code = EndCodeElementsDataDontMatch
	}
	resp := ErrorResponse{Command: uint16(b[FINS_HEADER_SIZE])<<8 | uint16(b[FINS_HEADER_SIZE+1]), Code: code}
	return EncodeResponseFrame(Frame[Response]{Header: ResponseHeader(h), Payload: resp}), true
}

func (s *Server) handle(cmd Command) Response {
	switch c := cmd.(type) {
	case MemoryAreaReadCommand:
		if isBitMemoryArea(c.Address.MemoryArea) {
			bits, code := s.readBits(c.Address, c.ItemCount)
			if !code.IsNormal() {
				return ErrorResponse{Command: c.CommandCode(), Code: code}
			}
			return MemoryAreaReadBitResponse{Items: bits}
		}
		words, code := s.readWords(c.Address.MemoryArea, c.Address.Address, c.ItemCount)
		if !code.IsNormal() {
			return ErrorResponse{Command: c.CommandCode(), Code: code}
		}
		return MemoryAreaReadWordResponse{Items: words}

	case MemoryAreaWriteCommand:
		var code EndCode
		if isBitMemoryArea(c.Address.MemoryArea) {
			code = s.writeBits(c.Address, c.Data)
		} else {
			words := make([]uint16, c.ItemCount)
			for i := range words {
				words[i] = uint16(c.Data[i*2])<<8 | uint16(c.Data[i*2+1])
			}
			code = s.writeWords(c.Address.MemoryArea, c.Address.Address, words)
		}
		if !code.IsNormal() {
			return ErrorResponse{Command: c.CommandCode(), Code: code}
		}
		return MemoryAreaWriteResponse{}

	case ClockReadCommand:
		return ClockReadResponse{Time: s.cfg.now()}

	default:
		return ErrorResponse{Command: cmd.CommandCode(), Code: EndCodeUndefinedCommand}
	}
}
