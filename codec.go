package fins

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Command A typed FINS command. The set of variants is closed.
type Command interface {
	CommandCode() uint16
	appendPayload(b []byte) []byte
}

// MemoryAreaReadCommand reads ItemCount words (or bits) starting at Address
type MemoryAreaReadCommand struct {
	Address   IoAddress
	ItemCount uint16
}

// MemoryAreaWriteCommand writes ItemCount items taken from Data
type MemoryAreaWriteCommand struct {
	Address   IoAddress
	ItemCount uint16
	Data      []byte
}

// ClockReadCommand reads the PLC clock
type ClockReadCommand struct{}

// RawCommand carries a command code this package has no typed variant for
type RawCommand struct {
	Code    uint16
	Payload []byte
}

func (MemoryAreaReadCommand) CommandCode() uint16  { return CommandCodeMemoryAreaRead }
func (MemoryAreaWriteCommand) CommandCode() uint16 { return CommandCodeMemoryAreaWrite }
func (ClockReadCommand) CommandCode() uint16       { return CommandCodeClockRead }
func (c RawCommand) CommandCode() uint16           { return c.Code }

func (c MemoryAreaReadCommand) appendPayload(b []byte) []byte {
	b = appendIoAddress(b, c.Address)
	return binary.BigEndian.AppendUint16(b, c.ItemCount)
}

func (c MemoryAreaWriteCommand) appendPayload(b []byte) []byte {
	b = appendIoAddress(b, c.Address)
	b = binary.BigEndian.AppendUint16(b, c.ItemCount)
	return append(b, c.Data...)
}

func (ClockReadCommand) appendPayload(b []byte) []byte { return b }

func (c RawCommand) appendPayload(b []byte) []byte { return append(b, c.Payload...) }

// itemSize is the number of payload bytes one item of the area occupies.
func itemSize(memoryArea byte) int {
	if isBitMemoryArea(memoryArea) {
		return 1
	}
	return 2
}

func appendIoAddress(b []byte, a IoAddress) []byte {
	b = append(b, a.MemoryArea)
	b = binary.BigEndian.AppendUint16(b, a.Address)
	return append(b, a.BitOffset)
}

func decodeIoAddress(data []byte) IoAddress {
	return IoAddress{data[0], binary.BigEndian.Uint16(data[1:3]), data[3]}
}

// EncodeCommand encodes the command code followed by the variant payload.
func EncodeCommand(cmd Command) []byte {
	b := make([]byte, 0, FINS_MEMORY_CMD_SIZE)
	b = binary.BigEndian.AppendUint16(b, cmd.CommandCode())
	return cmd.appendPayload(b)
}

// DecodeCommand is the inverse of EncodeCommand. Unknown command codes decode
// to RawCommand.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) < FINS_COMMAND_CODE_SIZE {
		return nil, ProtocolError{Reason: fmt.Sprintf("command too short: %d bytes", len(b))}
	}
	code := binary.BigEndian.Uint16(b)
	payload := b[FINS_COMMAND_CODE_SIZE:]

	switch code {
	case CommandCodeMemoryAreaRead, CommandCodeMemoryAreaWrite:
		if len(b) < FINS_MEMORY_CMD_SIZE {
			return nil, ProtocolError{Reason: fmt.Sprintf("memory area command too short: %d bytes", len(b))}
		}
		addr := decodeIoAddress(payload[:FINS_MEMORY_ADDR_SIZE])
		count := binary.BigEndian.Uint16(payload[FINS_MEMORY_ADDR_SIZE:])
		if code == CommandCodeMemoryAreaRead {
			return MemoryAreaReadCommand{Address: addr, ItemCount: count}, nil
		}
		data := payload[FINS_MEMORY_ADDR_SIZE+FINS_ITEM_COUNT_SIZE:]
		if len(data) != int(count)*itemSize(addr.MemoryArea) {
			return nil, ProtocolError{Reason: fmt.Sprintf("write data length %d does not match %d items", len(data), count)}
		}
		return MemoryAreaWriteCommand{Address: addr, ItemCount: count, Data: append([]byte(nil), data...)}, nil

	case CommandCodeClockRead:
		return ClockReadCommand{}, nil

	default:
		return RawCommand{Code: code, Payload: append([]byte(nil), payload...)}, nil
	}
}

// ResponseKind tags the decoded response variant.
type ResponseKind uint8

const (
	KindUnrecognized ResponseKind = iota
	KindReadWords
	KindReadBits
	KindWrite
	KindClock
	KindError
)

// Response A typed FINS response, decided once while decoding.
type Response interface {
	Kind() ResponseKind
	CommandCode() uint16
	EndCode() EndCode
}

// MemoryAreaReadWordResponse words read from a word area
type MemoryAreaReadWordResponse struct {
	Items []uint16
}

// MemoryAreaReadBitResponse bits read from a bit area
type MemoryAreaReadBitResponse struct {
	Items []bool
}

// MemoryAreaWriteResponse acknowledges a write
type MemoryAreaWriteResponse struct{}

// ClockReadResponse the PLC clock
type ClockReadResponse struct {
	Time    time.Time
	Weekday time.Weekday
}

// ErrorResponse a command the destination refused with a non-normal end code
type ErrorResponse struct {
	Command uint16
	Code    EndCode
}

// UnrecognizedResponse a normal completion for a command code without a typed variant
type UnrecognizedResponse struct {
	Command uint16
	Code    EndCode
	Data    []byte
}

func (MemoryAreaReadWordResponse) Kind() ResponseKind { return KindReadWords }
func (MemoryAreaReadBitResponse) Kind() ResponseKind  { return KindReadBits }
func (MemoryAreaWriteResponse) Kind() ResponseKind    { return KindWrite }
func (ClockReadResponse) Kind() ResponseKind          { return KindClock }
func (ErrorResponse) Kind() ResponseKind              { return KindError }
func (UnrecognizedResponse) Kind() ResponseKind       { return KindUnrecognized }

func (MemoryAreaReadWordResponse) CommandCode() uint16 { return CommandCodeMemoryAreaRead }
func (MemoryAreaReadBitResponse) CommandCode() uint16  { return CommandCodeMemoryAreaRead }
func (MemoryAreaWriteResponse) CommandCode() uint16    { return CommandCodeMemoryAreaWrite }
func (ClockReadResponse) CommandCode() uint16          { return CommandCodeClockRead }
func (r ErrorResponse) CommandCode() uint16            { return r.Command }
func (r UnrecognizedResponse) CommandCode() uint16     { return r.Command }

func (MemoryAreaReadWordResponse) EndCode() EndCode { return EndCodeNormalCompletion }
func (MemoryAreaReadBitResponse) EndCode() EndCode  { return EndCodeNormalCompletion }
func (MemoryAreaWriteResponse) EndCode() EndCode    { return EndCodeNormalCompletion }
func (ClockReadResponse) EndCode() EndCode          { return EndCodeNormalCompletion }
func (r ErrorResponse) EndCode() EndCode            { return r.Code }
func (r UnrecognizedResponse) EndCode() EndCode     { return r.Code }

// EncodeResponse encodes command code, end code and payload.
func EncodeResponse(resp Response) []byte {
	b := make([]byte, 0, FINS_RESPONSE_MIN_SIZE)
	b = binary.BigEndian.AppendUint16(b, resp.CommandCode())
	b = binary.BigEndian.AppendUint16(b, uint16(resp.EndCode()))

	switch r := resp.(type) {
	case MemoryAreaReadWordResponse:
		for _, w := range r.Items {
			b = binary.BigEndian.AppendUint16(b, w)
		}
	case MemoryAreaReadBitResponse:
		for _, bit := range r.Items {
			if bit {
				b = append(b, 0x01)
			} else {
				b = append(b, 0x00)
			}
		}
	case ClockReadResponse:
		b = append(b, encodeClock(r.Time)...)
	case UnrecognizedResponse:
		b = append(b, r.Data...)
	}
	return b
}

// DecodeResponse decodes a response body. cmd is the command it answers and
// selects word or bit parsing and the expected item count; with a nil cmd a
// memory area read is parsed as words.
func DecodeResponse(b []byte, cmd Command) (Response, error) {
	if len(b) < FINS_RESPONSE_MIN_SIZE {
		return nil, ProtocolError{Reason: fmt.Sprintf("response too short: %d bytes", len(b))}
	}
	code := binary.BigEndian.Uint16(b)
	endCode := EndCode(binary.BigEndian.Uint16(b[FINS_COMMAND_CODE_SIZE:]))
	data := b[FINS_RESPONSE_MIN_SIZE:]

	if cmd != nil && cmd.CommandCode() != code {
		return nil, ProtocolError{Reason: fmt.Sprintf("response code 0x%04x does not answer command 0x%04x", code, cmd.CommandCode())}
	}
	if !endCode.IsNormal() {
		return ErrorResponse{Command: code, Code: endCode}, nil
	}

	switch code {
	case CommandCodeMemoryAreaRead:
		read, _ := cmd.(MemoryAreaReadCommand)
		if cmd != nil && isBitMemoryArea(read.Address.MemoryArea) {
			return decodeBits(data, read.ItemCount)
		}
		return decodeWords(data, cmd, read.ItemCount)

	case CommandCodeMemoryAreaWrite:
		return MemoryAreaWriteResponse{}, nil

	case CommandCodeClockRead:
		return decodeClock(data)

	default:
		return UnrecognizedResponse{Command: code, Code: endCode, Data: append([]byte(nil), data...)}, nil
	}
}

func decodeWords(data []byte, cmd Command, count uint16) (Response, error) {
	if len(data)%2 != 0 {
		return nil, ProtocolError{Reason: fmt.Sprintf("word data has odd length %d", len(data))}
	}
	if cmd != nil && len(data) != int(count)*2 {
		return nil, ProtocolError{Reason: fmt.Sprintf("expected %d words, got %d bytes", count, len(data))}
	}
	items := make([]uint16, len(data)/2)
	for i := range items {
		items[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return MemoryAreaReadWordResponse{Items: items}, nil
}

func decodeBits(data []byte, count uint16) (Response, error) {
	if len(data) != int(count) {
		return nil, ProtocolError{Reason: fmt.Sprintf("expected %d bits, got %d bytes", count, len(data))}
	}
	items := make([]bool, count)
	for i := range items {
		items[i] = data[i]&0x01 > 0
	}
	return MemoryAreaReadBitResponse{Items: items}, nil
}

// Frame A FINS frame: exactly one header and one payload
type Frame[P any] struct {
	Header  Header
	Payload P
}

// EncodeCommandFrame encodes header followed by the command.
func EncodeCommandFrame(f Frame[Command]) []byte {
	return append(encodeHeader(f.Header), EncodeCommand(f.Payload)...)
}

// EncodeResponseFrame encodes header followed by the response.
func EncodeResponseFrame(f Frame[Response]) []byte {
	return append(encodeHeader(f.Header), EncodeResponse(f.Payload)...)
}

// DecodeCommandFrame decodes a command frame as a node receives it.
func DecodeCommandFrame(b []byte) (Frame[Command], error) {
	if len(b) < FINS_HEADER_SIZE+FINS_COMMAND_CODE_SIZE {
		return Frame[Command]{}, ProtocolError{Reason: fmt.Sprintf("command frame too short: %d bytes", len(b))}
	}
	cmd, err := DecodeCommand(b[FINS_HEADER_SIZE:])
	if err != nil {
		return Frame[Command]{}, err
	}
	return Frame[Command]{Header: decodeHeader(b), Payload: cmd}, nil
}

// DecodeFrame splits an inbound response datagram into its header and body.
// The body is decoded later, once the request it answers is known.
func DecodeFrame(b []byte) (Header, []byte, error) {
	if len(b) < FINS_HEADER_SIZE+FINS_RESPONSE_MIN_SIZE {
		return Header{}, nil, ProtocolError{Reason: fmt.Sprintf("frame too short: %d bytes", len(b))}
	}
	return decodeHeader(b), b[FINS_HEADER_SIZE:], nil
}

// clock payload: year month day hour minute second weekday, BCD
func encodeClock(t time.Time) []byte {
	return []byte{
		bcdByte(t.Year() % 100),
		bcdByte(int(t.Month())),
		bcdByte(t.Day()),
		bcdByte(t.Hour()),
		bcdByte(t.Minute()),
		bcdByte(t.Second()),
		bcdByte(int(t.Weekday())),
	}
}

func decodeClock(data []byte) (Response, error) {
	if len(data) < 6 {
		return nil, ProtocolError{Reason: fmt.Sprintf("clock data too short: %d bytes", len(data))}
	}
	var fields [7]uint64
	n := 6
	if len(data) >= 7 {
		n = 7
	}
	for i := 0; i < n; i++ {
		v, err := decodeBCD(data[i : i+1])
		if err != nil {
			return nil, ProtocolError{Reason: fmt.Sprintf("clock field %d: %v", i, err)}
		}
		fields[i] = v
	}
	year := fields[0]
	if year < 50 {
		year += 2000
	} else {
		year += 1900
	}
	t := time.Date(int(year), time.Month(fields[1]), int(fields[2]),
		int(fields[3]), int(fields[4]), int(fields[5]), 0, time.Local)
	weekday := t.Weekday()
	if n == 7 {
		weekday = time.Weekday(fields[6])
	}
	return ClockReadResponse{Time: t, Weekday: weekday}, nil
}

func bcdByte(v int) byte {
	v = v % 100
	return byte((v/10)<<4 | (v % 10))
}

func encodeBCD(x uint64) []byte {
	if x == 0 {
		return []byte{BCD_NIBBLE_MASK}
	}
	var n int
	for xx := x; xx > 0; n++ {
		xx = xx / 10
	}
	bcd := make([]byte, (n+1)/2)
	if n%2 == 1 {
		hi, lo := byte(x%10), byte(BCD_NIBBLE_MASK)
		bcd[(n-1)/2] = hi<<4 | lo
		x = x / 10
		n--
	}
	for i := n/2 - 1; i >= 0; i-- {
		hi, lo := byte((x/10)%10), byte(x%10)
		bcd[i] = hi<<4 | lo
		x = x / 100
	}
	return bcd
}

func timesTenPlusCatchingOverflow(x uint64, digit uint64) (uint64, error) {
	x5 := x<<2 + x
	if int64(x5) < 0 || x5<<1 > ^digit {
		return 0, BCDOverflowError{}
	}
	return x5<<1 + digit, nil
}

func decodeBCD(bcd []byte) (x uint64, err error) {
	for i, b := range bcd {
		hi, lo := uint64(b>>4), uint64(b&BCD_NIBBLE_MASK)
		if hi > BCD_MAX_DIGIT {
			return 0, BCDBadDigitError{"hi", hi}
		}
		x, err = timesTenPlusCatchingOverflow(x, hi)
		if err != nil {
			return 0, err
		}
		if lo == BCD_NIBBLE_MASK && i == len(bcd)-1 {
			return x, nil
		}
		if lo > BCD_MAX_DIGIT {
			return 0, BCDBadDigitError{"lo", lo}
		}
		x, err = timesTenPlusCatchingOverflow(x, lo)
		if err != nil {
			return 0, err
		}
	}
	return x, nil
}
