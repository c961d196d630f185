package fins

import "context"

// OperationType represents the type of FINS operation
type OperationType string

const (
	OpReadWords  OperationType = "ReadWords"
	OpReadBits   OperationType = "ReadBits"
	OpReadClock  OperationType = "ReadClock"
	OpWriteWords OperationType = "WriteWords"
)

// InterceptorInfo contains information about the operation being performed
type InterceptorInfo struct {
	Operation   OperationType
	Destination NodeAddress
	MemoryArea  byte
	Address     uint16
	BitOffset   byte        // Only for bit operations
	Count       uint16      // For read operations
	Data        interface{} // For write operations ([]uint16)
}

// Invoker is a function that executes the actual operation
type Invoker func(ctx context.Context) (interface{}, error)

// InterceptorCtx is handed to an interceptor for one operation.
type InterceptorCtx struct {
	ctx     context.Context
	info    *InterceptorInfo
	invoker Invoker
}

// Context returns the operation's context.
func (c *InterceptorCtx) Context() context.Context {
	return c.ctx
}

// Info describes the operation.
func (c *InterceptorCtx) Info() *InterceptorInfo {
	return c.info
}

// Invoke runs the rest of the chain. A nil ctx reuses the operation's context.
func (c *InterceptorCtx) Invoke(ctx context.Context) (interface{}, error) {
	if ctx == nil {
		ctx = c.ctx
	}
	return c.invoker(ctx)
}

// Interceptor is a function that can intercept and wrap FINS operations.
// It can log, measure, trace, validate, retry or short-circuit the operation.
//
// Example:
//
//	func timing(c *fins.InterceptorCtx) (interface{}, error) {
//	    start := time.Now()
//	    result, err := c.Invoke(nil)
//	    log.Printf("%s took %v", c.Info().Operation, time.Since(start))
//	    return result, err
//	}
type Interceptor func(c *InterceptorCtx) (interface{}, error)

// ChainInterceptors chains multiple interceptors into a single interceptor
// Interceptors are executed in order: first interceptor wraps second, second wraps third, etc.
func ChainInterceptors(interceptors ...Interceptor) Interceptor {
	if len(interceptors) == 0 {
		return nil
	}

	if len(interceptors) == 1 {
		return interceptors[0]
	}

	return func(c *InterceptorCtx) (interface{}, error) {
		rest := ChainInterceptors(interceptors[1:]...)
		return interceptors[0](&InterceptorCtx{
			ctx:  c.ctx,
			info: c.info,
			invoker: func(ctx context.Context) (interface{}, error) {
				return rest(&InterceptorCtx{ctx: ctx, info: c.info, invoker: c.invoker})
			},
		})
	}
}

// runInterceptor invokes op through interceptor, or directly when there is none.
func runInterceptor(ctx context.Context, interceptor Interceptor, info *InterceptorInfo, op Invoker) (interface{}, error) {
	if interceptor == nil {
		return op(ctx)
	}
	return interceptor(&InterceptorCtx{ctx: ctx, info: info, invoker: op})
}
