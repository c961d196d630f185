package fins

import (
	"encoding/binary"
	"sync"
	"time"
)

// pendingRequest is one in-flight attempt of a logical request. It is owned by
// the correlator from registration until it leaves its slot; whoever removes it
// from the slot table completes its future.
type pendingRequest struct {
	sid         byte
	createdAt   time.Time
	deadline    time.Time
	attempt     int
	destination NodeAddress
	command     Command
	frame       []byte
	future      *Future[Response]
}

func newPendingRequest(dst NodeAddress, cmd Command) *pendingRequest {
	return &pendingRequest{
		destination: dst,
		command:     cmd,
		future:      newFuture[Response](),
	}
}

// answeredBy reports whether an inbound frame plausibly answers this request.
// A frame that fails the check is treated like one carrying an unknown SID.
func (p *pendingRequest) answeredBy(h Header, body []byte) bool {
	if !h.IsResponse() || len(body) < FINS_COMMAND_CODE_SIZE {
		return false
	}
	if binary.BigEndian.Uint16(body) != p.command.CommandCode() {
		return false
	}
	switch p.destination.Node {
	case 0x00, 0xff:
		return true
	}
	return h.Source().Node == p.destination.Node
}

// correlator is the pending request table: exactly one slot per SID, all
// transitions under one lock.
type correlator struct {
	mu       sync.Mutex
	slots    [MAX_SERVICE_ID_COUNT]*pendingRequest
	inFlight int
	closed   bool
	alloc    serviceAddressAllocator
	timeout  time.Duration
}

func newCorrelator(timeout time.Duration) *correlator {
	return &correlator{timeout: timeout}
}

// register stores req under sid and returns its completion handle.
func (c *correlator) register(sid byte, req *pendingRequest, now time.Time) (*Future[Response], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ConnectionClosedError{}
	}
	if sid == 0 {
		return nil, InvalidArgumentError{Name: "serviceAddress", Reason: "0 is reserved"}
	}
	if c.slots[sid] != nil {
		return nil, DuplicateServiceAddressError{ServiceAddress: sid}
	}
	c.storeLocked(sid, req, now)
	return req.future, nil
}

// acquire allocates a free SID for req, builds its frame for that SID and
// registers it, all atomically. SIDs still held by a pending request are skipped.
// The returned SID and frame are the ones to put on the wire.
func (c *correlator) acquire(req *pendingRequest, now time.Time, build func(sid byte) ([]byte, error)) (byte, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ConnectionClosedError{}
	}
	for i := 1; i < MAX_SERVICE_ID_COUNT; i++ {
		sid := c.alloc.next()
		if c.slots[sid] != nil {
			continue
		}
		frame, err := build(sid)
		if err != nil {
			return 0, nil, err
		}
		req.frame = frame
		c.storeLocked(sid, req, now)
		return sid, frame, nil
	}
	return 0, nil, AddressSpaceExhaustedError{InFlight: c.inFlight}
}

func (c *correlator) storeLocked(sid byte, req *pendingRequest, now time.Time) {
	req.sid = sid
	req.attempt++
	req.createdAt = now
	req.deadline = now.Add(c.timeout)
	c.slots[sid] = req
	c.inFlight++
}

func (c *correlator) removeLocked(sid byte) *pendingRequest {
	req := c.slots[sid]
	if req != nil {
		c.slots[sid] = nil
		c.inFlight--
	}
	return req
}

// resolve hands an inbound frame to the request waiting on its SID. It reports
// false for orphans (late, duplicate or unsolicited frames); those change nothing.
func (c *correlator) resolve(h Header, body []byte) bool {
	sid := h.ServiceAddress()

	c.mu.Lock()
	req := c.slots[sid]
	if req == nil || !req.answeredBy(h, body) {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(sid)
	c.mu.Unlock()

	resp, err := DecodeResponse(body, req.command)
	req.future.complete(resp, err)
	return true
}

// timeoutSweep removes every request whose deadline has passed. Requests with
// attempts left are returned for a resend under a new SID; the rest fail with
// TimeoutError.
func (c *correlator) timeoutSweep(now time.Time, maxAttempts int) (retry, expired []*pendingRequest) {
	c.mu.Lock()
	for sid := 1; sid < MAX_SERVICE_ID_COUNT; sid++ {
		req := c.slots[sid]
		if req == nil || now.Before(req.deadline) {
			continue
		}
		c.removeLocked(byte(sid))
		if req.attempt < maxAttempts && !c.closed {
			retry = append(retry, req)
		} else {
			expired = append(expired, req)
		}
	}
	c.mu.Unlock()

	for _, req := range expired {
		req.future.complete(nil, TimeoutError{ServiceAddress: req.sid, Timeout: c.timeout, Attempts: req.attempt})
	}
	return retry, expired
}

// fail removes req if it still owns slot sid and completes it with err.
func (c *correlator) fail(sid byte, req *pendingRequest, err error) {
	c.mu.Lock()
	if c.slots[sid] != req {
		c.mu.Unlock()
		return
	}
	c.removeLocked(sid)
	c.mu.Unlock()
	req.future.complete(nil, err)
}

// abandon completes a request that is no longer in the table, e.g. a retry that
// could not be re-registered.
func (c *correlator) abandon(req *pendingRequest, err error) {
	req.future.complete(nil, err)
}

// cancelAll empties the table, fails every pending request with err and refuses
// registrations until reopen.
func (c *correlator) cancelAll(err error) int {
	c.mu.Lock()
	c.closed = true
	var cancelled []*pendingRequest
	for sid := range c.slots {
		if req := c.removeLocked(byte(sid)); req != nil {
			cancelled = append(cancelled, req)
		}
	}
	c.mu.Unlock()

	for _, req := range cancelled {
		req.future.complete(nil, err)
	}
	return len(cancelled)
}

func (c *correlator) reopen() {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
}

func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *correlator) pending(sid byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[sid] != nil
}
