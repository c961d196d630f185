package fins

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionError A transport bind, send or teardown failure
type ConnectionError struct {
	Op  string
	Err error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("fins %s: %v", e.Op, e.Err)
}

func (e ConnectionError) Unwrap() error {
	return e.Err
}

// ConnectionClosedError A pending or new request refused because the master disconnected
type ConnectionClosedError struct {
	Reason string
}

func (e ConnectionClosedError) Error() string {
	if e.Reason == "" {
		return "connection closed"
	}
	return "connection closed: " + e.Reason
}

// TimeoutError No matching response arrived before the deadline
type TimeoutError struct {
	ServiceAddress byte
	Timeout        time.Duration
	Attempts       int
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("response timeout exceeded (%v, sid %d, %d attempt(s))", e.Timeout, e.ServiceAddress, e.Attempts)
}

// ProtocolError Malformed or truncated wire data
type ProtocolError struct {
	Reason string
}

func (e ProtocolError) Error() string {
	return "fins protocol error: " + e.Reason
}

// EndCodeError The destination reported a non-normal end code
type EndCodeError struct {
	EndCode EndCode
}

func (e EndCodeError) Error() string {
	return fmt.Sprintf("error reported by destination, end code %s", e.EndCode)
}

// AddressSpaceExhaustedError Every service address is held by an in-flight request
type AddressSpaceExhaustedError struct {
	InFlight int
}

func (e AddressSpaceExhaustedError) Error() string {
	return fmt.Sprintf("no free service address (%d requests in flight)", e.InFlight)
}

// DuplicateServiceAddressError A slot was registered twice
type DuplicateServiceAddressError struct {
	ServiceAddress byte
}

func (e DuplicateServiceAddressError) Error() string {
	return fmt.Sprintf("service address %d already has a pending request", e.ServiceAddress)
}

// InvalidArgumentError A caller supplied parameter is outside the protocol range
type InvalidArgumentError struct {
	Name   string
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Name, e.Reason)
}

// AddressRangeError A network/node/unit id is out of range
type AddressRangeError struct {
	Field string
	Value int
	Max   int
}

func (e AddressRangeError) Error() string {
	return fmt.Sprintf("%s %d out of range [0-%d]", e.Field, e.Value, e.Max)
}

// IncompleteHeaderError A header was built without its required fields
type IncompleteHeaderError struct {
	Missing []string
}

func (e IncompleteHeaderError) Error() string {
	return "incomplete header, missing " + strings.Join(e.Missing, ", ")
}

// IncompatibleMemoryAreaError The memory area does not fit the operation (word vs bit)
type IncompatibleMemoryAreaError struct {
	area byte
}

func (e IncompatibleMemoryAreaError) Error() string {
	return fmt.Sprintf("the memory area is incompatible with the data type to be read: 0x%X", e.area)
}

// BCDBadDigitError A bad digit in BCD decoding
type BCDBadDigitError struct {
	v   string
	val uint64
}

func (e BCDBadDigitError) Error() string {
	return fmt.Sprintf("bad digit in BCD decoding: %s = %d", e.v, e.val)
}

// BCDOverflowError An overflow occurs in BCD decoding
type BCDOverflowError struct{}

func (e BCDOverflowError) Error() string {
	return "overflow occurred in BCD decoding"
}
