package fins

import "go.uber.org/zap"

// TracingInterceptor creates an interceptor that extracts trace IDs from the
// context under traceIDKey and logs them with the operation.
// Operations without a trace ID pass through silently.
//
// Example:
//
//	master.SetInterceptor(fins.TracingInterceptor("traceID", logger))
//
//	ctx := context.WithValue(context.Background(), "traceID", "trace-12345")
//	master.ReadWords(ctx, plc, fins.NewIoAddress(fins.MemoryAreaDMWord, 100), 5)
func TracingInterceptor(traceIDKey interface{}, logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("trace")

	return func(c *InterceptorCtx) (interface{}, error) {
		traceID := c.Context().Value(traceIDKey)
		if traceID == nil {
			return c.Invoke(nil)
		}

		info := c.Info()
		traced := logger.With(
			zap.Any("trace_id", traceID),
			zap.String("operation", string(info.Operation)),
			zap.Stringer("destination", info.Destination),
		)
		traced.Debug("span start", zap.Uint8("area", info.MemoryArea), zap.Uint16("address", info.Address))

		result, err := c.Invoke(nil)
		if err != nil {
			traced.Debug("span end", zap.Error(err))
		} else {
			traced.Debug("span end")
		}
		return result, err
	}
}
