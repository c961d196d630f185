package fins

// Header A FINS frame header
type Header struct {
	icf byte
	rsv byte
	gct byte
	dst NodeAddress
	src NodeAddress
	sid byte
}

const (
	icfBridgesBit          byte = 7
	icfMessageTypeBit      byte = 6
	icfResponseRequiredBit byte = 0

	// DefaultGatewayCount is the GCT value placed in command frames.
	DefaultGatewayCount byte = 0x02

	icfCommand  byte = 1 << icfBridgesBit
	icfResponse byte = 1<<icfBridgesBit | 1<<icfMessageTypeBit | 1<<icfResponseRequiredBit
)

func (h Header) ICF() byte                { return h.icf }
func (h Header) GatewayCount() byte       { return h.gct }
func (h Header) Destination() NodeAddress { return h.dst }
func (h Header) Source() NodeAddress      { return h.src }
func (h Header) ServiceAddress() byte     { return h.sid }
func (h Header) IsResponse() bool         { return h.icf&(1<<icfMessageTypeBit) != 0 }
func (h Header) ResponseRequired() bool   { return h.icf&(1<<icfResponseRequiredBit) == 0 }

// HeaderBuilder assembles a Header, checking that every required field was set.
type HeaderBuilder struct {
	h      Header
	hasDst bool
	hasSrc bool
	hasSID bool
}

// DefaultCommandBuilder starts a command header: response required, command frame,
// RSV 0 and the default gateway count. Destination, source and service address
// must be supplied before Build.
func DefaultCommandBuilder() *HeaderBuilder {
	return &HeaderBuilder{h: Header{icf: icfCommand, gct: DefaultGatewayCount}}
}

func (b *HeaderBuilder) Destination(a NodeAddress) *HeaderBuilder {
	b.h.dst = a
	b.hasDst = true
	return b
}

func (b *HeaderBuilder) Source(a NodeAddress) *HeaderBuilder {
	b.h.src = a
	b.hasSrc = true
	return b
}

func (b *HeaderBuilder) ServiceAddress(sid byte) *HeaderBuilder {
	b.h.sid = sid
	b.hasSID = true
	return b
}

func (b *HeaderBuilder) GatewayCount(n byte) *HeaderBuilder {
	b.h.gct = n
	return b
}

// Build returns the header or IncompleteHeaderError / AddressRangeError.
func (b *HeaderBuilder) Build() (Header, error) {
	var missing []string
	if !b.hasDst {
		missing = append(missing, "destination")
	}
	if !b.hasSrc {
		missing = append(missing, "source")
	}
	if !b.hasSID {
		missing = append(missing, "service address")
	}
	if len(missing) > 0 {
		return Header{}, IncompleteHeaderError{Missing: missing}
	}
	if err := b.h.dst.Validate(); err != nil {
		return Header{}, err
	}
	if err := b.h.src.Validate(); err != nil {
		return Header{}, err
	}
	return b.h, nil
}

// ResponseHeader derives the header a node sends back for a command header.
func ResponseHeader(cmd Header) Header {
	return Header{
		icf: icfResponse,
		gct: cmd.gct,
		dst: cmd.src,
		src: cmd.dst,
		sid: cmd.sid,
	}
}

func encodeHeader(h Header) []byte {
	return []byte{
		h.icf, h.rsv, h.gct,
		h.dst.Network, h.dst.Node, h.dst.Unit,
		h.src.Network, h.src.Node, h.src.Unit,
		h.sid,
	}
}

func decodeHeader(b []byte) Header {
	return Header{
		icf: b[ICF_INDEX],
		rsv: b[RSV_INDEX],
		gct: b[GATEWAY_COUNT_INDEX],
		dst: NodeAddress{b[DST_NETWORK_INDEX], b[DST_NODE_INDEX], b[DST_UNIT_INDEX]},
		src: NodeAddress{b[SRC_NETWORK_INDEX], b[SRC_NODE_INDEX], b[SRC_UNIT_INDEX]},
		sid: b[SERVICE_ID_INDEX],
	}
}
