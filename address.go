package fins

import (
	"fmt"
	"net"
)

const (
	maxNetwork   = 127
	maxNode      = 255
	maxUnit      = 255
	maxBitOffset = 15
)

// NodeAddress A FINS endpoint address (network, node, unit)
type NodeAddress struct {
	Network byte
	Node    byte
	Unit    byte
}

// NewNodeAddress validates the ranges of a FINS address.
// Network must be 0-127, node and unit 0-255.
func NewNodeAddress(network, node, unit int) (NodeAddress, error) {
	if err := checkRange("network", network, maxNetwork); err != nil {
		return NodeAddress{}, err
	}
	if err := checkRange("node", node, maxNode); err != nil {
		return NodeAddress{}, err
	}
	if err := checkRange("unit", unit, maxUnit); err != nil {
		return NodeAddress{}, err
	}
	return NodeAddress{Network: byte(network), Node: byte(node), Unit: byte(unit)}, nil
}

// Validate checks a NodeAddress built as a literal.
func (a NodeAddress) Validate() error {
	return checkRange("network", int(a.Network), maxNetwork)
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Network, a.Node, a.Unit)
}

func checkRange(field string, v, max int) error {
	if v < 0 || v > max {
		return AddressRangeError{Field: field, Value: v, Max: max}
	}
	return nil
}

// Address A full device address
type Address struct {
	Node NodeAddress
	UDP  *net.UDPAddr
}

func NewAddress(ip string, port int, network, node, unit byte) Address {
	return Address{
		UDP: &net.UDPAddr{
			IP:   net.ParseIP(ip),
			Port: port,
		},
		Node: NodeAddress{
			Network: network,
			Node:    node,
			Unit:    unit,
		},
	}
}

func NewLocalAddress(network, node, unit byte) Address {
	return Address{
		Node: NodeAddress{
			Network: network,
			Node:    node,
			Unit:    unit,
		},
	}
}

// IoAddress A plc memory location: area code, word address and bit offset
type IoAddress struct {
	MemoryArea byte
	Address    uint16
	BitOffset  byte
}

// NewIoAddress addresses a word in a memory area.
func NewIoAddress(memoryArea byte, address uint16) IoAddress {
	return IoAddress{MemoryArea: memoryArea, Address: address}
}

// NewBitIoAddress addresses a bit; the offset must be 0-15.
func NewBitIoAddress(memoryArea byte, address uint16, bitOffset byte) (IoAddress, error) {
	if bitOffset > maxBitOffset {
		return IoAddress{}, InvalidArgumentError{Name: "bitOffset", Reason: "must be 0-15"}
	}
	return IoAddress{MemoryArea: memoryArea, Address: address, BitOffset: bitOffset}, nil
}
