package fins

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLocal = NodeAddress{Node: 2}
	testPLC   = NodeAddress{Node: 10}
	testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func readRequest(count uint16) *pendingRequest {
	return newPendingRequest(testPLC, MemoryAreaReadCommand{Address: NewIoAddress(MemoryAreaDMWord, 0), ItemCount: count})
}

// answer builds the header and body the PLC sends back for sid.
func answer(sid byte, from NodeAddress, resp Response) (Header, []byte) {
	h := ResponseHeader(Header{icf: icfCommand, gct: DefaultGatewayCount, dst: from, src: testLocal, sid: sid})
	return h, EncodeResponse(resp)
}

func noFrame(byte) ([]byte, error) { return nil, nil }

func TestServiceAddressAllocatorSkipsZero(t *testing.T) {
	var a serviceAddressAllocator
	seen := make(map[byte]int)
	for i := 0; i < 3*255; i++ {
		sid := a.next()
		require.NotZero(t, sid)
		seen[sid]++
	}
	assert.Len(t, seen, 255)
	for sid, n := range seen {
		assert.Equal(t, 3, n, "sid %d", sid)
	}

	var b serviceAddressAllocator
	assert.Equal(t, byte(1), b.next())
	assert.Equal(t, byte(2), b.next())
}

func TestRegisterRejectsDuplicatesAndZero(t *testing.T) {
	c := newCorrelator(time.Second)

	f, err := c.register(5, readRequest(1), testEpoch)
	require.NoError(t, err)
	require.NotNil(t, f)

	_, err = c.register(5, readRequest(1), testEpoch)
	var dup DuplicateServiceAddressError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, byte(5), dup.ServiceAddress)

	_, err = c.register(0, readRequest(1), testEpoch)
	var argErr InvalidArgumentError
	assert.ErrorAs(t, err, &argErr)
	assert.Equal(t, 1, c.size())
}

func TestResolveCompletesMatchingRequest(t *testing.T) {
	c := newCorrelator(time.Second)
	req := readRequest(2)
	sid, _, err := c.acquire(req, testEpoch, noFrame)
	require.NoError(t, err)

	h, body := answer(sid, testPLC, MemoryAreaReadWordResponse{Items: []uint16{7, 8}})
	assert.True(t, c.resolve(h, body))
	assert.False(t, c.pending(sid))

	resp, err := req.future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MemoryAreaReadWordResponse{Items: []uint16{7, 8}}, resp)

	// A duplicate of the same response is an orphan now.
	assert.False(t, c.resolve(h, body))
}

func TestResolveDropsOrphansWithoutSideEffects(t *testing.T) {
	c := newCorrelator(time.Second)
	req := readRequest(1)
	sid, _, err := c.acquire(req, testEpoch, noFrame)
	require.NoError(t, err)
	other := readRequest(1)
	otherSID, _, err := c.acquire(other, testEpoch, noFrame)
	require.NoError(t, err)

	ok := MemoryAreaReadWordResponse{Items: []uint16{1}}

	// Unknown SID
	h, body := answer(sid+100, testPLC, ok)
	assert.False(t, c.resolve(h, body))

	// Right SID, answered by a different node
	h, body = answer(sid, NodeAddress{Node: 99}, ok)
	assert.False(t, c.resolve(h, body))

	// Right SID, different command code
	h, body = answer(sid, testPLC, MemoryAreaWriteResponse{})
	assert.False(t, c.resolve(h, body))

	// Right SID, but a command frame rather than a response
	h, body = answer(sid, testPLC, ok)
	h.icf = icfCommand
	assert.False(t, c.resolve(h, body))

	assert.True(t, c.pending(sid))
	assert.True(t, c.pending(otherSID))
	assert.Equal(t, 2, c.size())
	select {
	case <-req.future.Done():
		t.Fatal("orphan completed a pending request")
	default:
	}
}

func TestResolveAcceptsAnyNodeForBroadcast(t *testing.T) {
	c := newCorrelator(time.Second)
	req := newPendingRequest(NodeAddress{Node: 0xff}, ClockReadCommand{})
	sid, _, err := c.acquire(req, testEpoch, noFrame)
	require.NoError(t, err)

	h, body := answer(sid, NodeAddress{Node: 33}, ClockReadResponse{Time: testEpoch})
	assert.True(t, c.resolve(h, body))
}

func TestResolveDeliversDecodeErrors(t *testing.T) {
	c := newCorrelator(time.Second)
	req := readRequest(4)
	sid, _, err := c.acquire(req, testEpoch, noFrame)
	require.NoError(t, err)

	// Two words where four were requested
	h, body := answer(sid, testPLC, MemoryAreaReadWordResponse{Items: []uint16{1, 2}})
	assert.True(t, c.resolve(h, body))

	_, err = req.future.Wait(context.Background())
	var protoErr ProtocolError
	assert.ErrorAs(t, err, &protoErr)
	assert.Zero(t, c.size())
}

func TestAcquireUniqueUnderConcurrency(t *testing.T) {
	c := newCorrelator(time.Second)

	const workers = 8
	const perWorker = 30 // 240 of 255 slots
	sids := make(chan byte, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				sid, _, err := c.acquire(readRequest(1), testEpoch, noFrame)
				if !assert.NoError(t, err) {
					return
				}
				sids <- sid
			}
		}()
	}
	wg.Wait()
	close(sids)

	seen := make(map[byte]bool)
	for sid := range sids {
		assert.NotZero(t, sid)
		assert.False(t, seen[sid], "sid %d allocated twice", sid)
		seen[sid] = true
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, c.size())
}

func TestAcquireExhaustion(t *testing.T) {
	c := newCorrelator(time.Second)
	for i := 0; i < 255; i++ {
		_, _, err := c.acquire(readRequest(1), testEpoch, noFrame)
		require.NoError(t, err)
	}

	_, _, err := c.acquire(readRequest(1), testEpoch, noFrame)
	var exhausted AddressSpaceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 255, exhausted.InFlight)

	// Freeing one slot makes exactly that SID available again.
	h, body := answer(77, testPLC, MemoryAreaReadWordResponse{Items: []uint16{0}})
	require.True(t, c.resolve(h, body))
	sid, _, err := c.acquire(readRequest(1), testEpoch, noFrame)
	require.NoError(t, err)
	assert.Equal(t, byte(77), sid)
}

func TestAcquireBuildsFrameForAllocatedSID(t *testing.T) {
	c := newCorrelator(time.Second)
	req := readRequest(1)
	sid, frame, err := c.acquire(req, testEpoch, func(sid byte) ([]byte, error) {
		return []byte{sid}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{sid}, frame)
	assert.Equal(t, frame, req.frame)

	_, _, err = c.acquire(readRequest(1), testEpoch, func(byte) ([]byte, error) {
		return nil, IncompleteHeaderError{Missing: []string{"source"}}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, c.size())
}

func TestTimeoutSweep(t *testing.T) {
	c := newCorrelator(100 * time.Millisecond)
	old := readRequest(1)
	oldSID, _, err := c.acquire(old, testEpoch, noFrame)
	require.NoError(t, err)
	fresh := readRequest(1)
	_, _, err = c.acquire(fresh, testEpoch.Add(80*time.Millisecond), noFrame)
	require.NoError(t, err)

	retry, expired := c.timeoutSweep(testEpoch.Add(99*time.Millisecond), 1)
	assert.Empty(t, retry)
	assert.Empty(t, expired)

	retry, expired = c.timeoutSweep(testEpoch.Add(100*time.Millisecond), 1)
	assert.Empty(t, retry)
	require.Len(t, expired, 1)
	assert.Same(t, old, expired[0])
	assert.False(t, c.pending(oldSID))
	assert.Equal(t, 1, c.size())

	_, err = old.future.Wait(context.Background())
	var timeout TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, oldSID, timeout.ServiceAddress)
	assert.Equal(t, 1, timeout.Attempts)
	assert.Equal(t, 100*time.Millisecond, timeout.Timeout)

	// A late response for the expired SID is an orphan.
	h, body := answer(oldSID, testPLC, MemoryAreaReadWordResponse{Items: []uint16{1}})
	assert.False(t, c.resolve(h, body))

	// The freed SID serves a new request independently.
	reuse := readRequest(1)
	_, err = c.register(oldSID, reuse, testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, c.resolve(h, body))
	words, err := reuse.future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MemoryAreaReadWordResponse{Items: []uint16{1}}, words)
}

func TestTimeoutSweepReturnsRetries(t *testing.T) {
	c := newCorrelator(100 * time.Millisecond)
	req := readRequest(1)
	first, _, err := c.acquire(req, testEpoch, noFrame)
	require.NoError(t, err)

	retry, expired := c.timeoutSweep(testEpoch.Add(time.Second), 2)
	require.Len(t, retry, 1)
	assert.Empty(t, expired)
	assert.Zero(t, c.size())

	second, _, err := c.acquire(retry[0], testEpoch.Add(time.Second), noFrame)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, req.attempt)

	retry, expired = c.timeoutSweep(testEpoch.Add(2*time.Second), 2)
	assert.Empty(t, retry)
	require.Len(t, expired, 1)

	_, err = req.future.Wait(context.Background())
	var timeout TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 2, timeout.Attempts)
}

func TestFailOnlyTouchesOwnSlot(t *testing.T) {
	c := newCorrelator(time.Second)
	req := readRequest(1)
	sid, _, err := c.acquire(req, testEpoch, noFrame)
	require.NoError(t, err)

	c.fail(sid+1, req, ConnectionError{Op: "send"})
	assert.True(t, c.pending(sid))

	c.fail(sid, req, ConnectionError{Op: "send"})
	assert.False(t, c.pending(sid))
	_, err = req.future.Wait(context.Background())
	var connErr ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestCancelAll(t *testing.T) {
	c := newCorrelator(time.Second)
	reqs := make([]*pendingRequest, 10)
	for i := range reqs {
		reqs[i] = readRequest(1)
		_, _, err := c.acquire(reqs[i], testEpoch, noFrame)
		require.NoError(t, err)
	}

	assert.Equal(t, 10, c.cancelAll(ConnectionClosedError{}))
	assert.Zero(t, c.size())
	for _, req := range reqs {
		_, err := req.future.Wait(context.Background())
		assert.ErrorAs(t, err, new(ConnectionClosedError))
	}

	_, _, err := c.acquire(readRequest(1), testEpoch, noFrame)
	assert.ErrorAs(t, err, new(ConnectionClosedError))
	_, err = c.register(3, readRequest(1), testEpoch)
	assert.ErrorAs(t, err, new(ConnectionClosedError))

	c.reopen()
	_, _, err = c.acquire(readRequest(1), testEpoch, noFrame)
	assert.NoError(t, err)
}
