package fins

import "fmt"

// ValidationInterceptor rejects operations whose counts fall outside what a
// single FINS frame can carry, before any SID is spent on them.
//
// Example:
//
//	master.SetInterceptor(fins.ValidationInterceptor())
//
//	_, err := master.ReadWords(ctx, plc, fins.NewIoAddress(fins.MemoryAreaDMWord, 100), 0)
//	// err: invalid argument count: must be 1-999, got 0
func ValidationInterceptor() Interceptor {
	return ValidationInterceptorWithLimits(MaxReadItems, MaxWriteWords)
}

// ValidationInterceptorWithLimits creates a validation interceptor with custom limits,
// e.g. for a CPU unit with smaller frames than the protocol maximum.
//
// Example:
//
//	master.SetInterceptor(fins.ValidationInterceptorWithLimits(500, 500))
func ValidationInterceptorWithLimits(maxReadCount, maxWriteCount uint16) Interceptor {
	return func(c *InterceptorCtx) (interface{}, error) {
		info := c.Info()
		switch info.Operation {
		case OpReadWords, OpReadBits:
			if err := checkItemCount("count", int(info.Count), int(maxReadCount)); err != nil {
				return nil, err
			}
			if info.Operation == OpReadBits && info.BitOffset > maxBitOffset {
				return nil, InvalidArgumentError{Name: "bitOffset", Reason: "must be 0-15"}
			}

		case OpWriteWords:
			data, ok := info.Data.([]uint16)
			if !ok {
				return nil, InvalidArgumentError{Name: "data", Reason: fmt.Sprintf("expected []uint16, got %T", info.Data)}
			}
			if err := checkItemCount("data", len(data), int(maxWriteCount)); err != nil {
				return nil, err
			}
		}
		if err := info.Destination.Validate(); err != nil {
			return nil, err
		}

		return c.Invoke(nil)
	}
}

// AddressRange is an inclusive range of word addresses.
type AddressRange struct {
	Min, Max uint16
}

// AddressRangeValidator creates an interceptor that validates address ranges
// It ensures operations only access allowed memory regions. Clock reads are not
// memory accesses and always pass.
//
// Example:
//
//	// Only allow DM area addresses 0-999
//	validator := fins.AddressRangeValidator(map[byte]fins.AddressRange{
//		fins.MemoryAreaDMWord: {Min: 0, Max: 999},
//		fins.MemoryAreaDMBit:  {Min: 0, Max: 999},
//	})
//	master.SetInterceptor(validator)
func AddressRangeValidator(allowedRanges map[byte]AddressRange) Interceptor {
	return func(c *InterceptorCtx) (interface{}, error) {
		info := c.Info()
		if info.Operation == OpReadClock {
			return c.Invoke(nil)
		}

		addrRange, allowed := allowedRanges[info.MemoryArea]
		if !allowed {
			return nil, IncompatibleMemoryAreaError{info.MemoryArea}
		}

		if info.Address < addrRange.Min || info.Address > addrRange.Max {
			return nil, InvalidArgumentError{
				Name:   "address",
				Reason: fmt.Sprintf("%d is outside allowed range [%d-%d] for area 0x%02X", info.Address, addrRange.Min, addrRange.Max, info.MemoryArea),
			}
		}

		if info.Count > 0 && info.Operation != OpReadBits {
			end := uint32(info.Address) + uint32(info.Count) - 1
			if end > uint32(addrRange.Max) {
				return nil, InvalidArgumentError{
					Name:   "count",
					Reason: fmt.Sprintf("operation would access address %d, which exceeds max %d", end, addrRange.Max),
				}
			}
		}

		return c.Invoke(nil)
	}
}

// ReadOnlyInterceptor creates an interceptor that blocks all write operations
//
// Example:
//
//	master.SetInterceptor(fins.ReadOnlyInterceptor())
func ReadOnlyInterceptor() Interceptor {
	return func(c *InterceptorCtx) (interface{}, error) {
		if op := c.Info().Operation; op == OpWriteWords {
			return nil, fmt.Errorf("write operation %s is not allowed in read-only mode", op)
		}
		return c.Invoke(nil)
	}
}
