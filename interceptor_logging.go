package fins

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingInterceptor creates an interceptor that logs every blocking operation.
// Timeouts and refused commands are logged at Warn, everything else that fails at Error.
//
// Example:
//
//	logger, _ := zap.NewProduction()
//	master.SetInterceptor(fins.LoggingInterceptor(logger))
//
// Output:
//
//	DEBUG	op	starting	{"operation": "ReadWords", "destination": "0.10.0", "area": "0x82", "address": 100, "count": 4}
//	INFO	op	completed	{"operation": "ReadWords", "duration": "1.2ms"}
func LoggingInterceptor(logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("op")

	return func(c *InterceptorCtx) (interface{}, error) {
		info := c.Info()
		start := time.Now()

		logger.Debug("starting", operationFields(info)...)

		result, err := c.Invoke(nil)

		duration := time.Since(start)
		if err != nil {
			logger.Log(failureLevel(err), "failed",
				zap.String("operation", string(info.Operation)),
				zap.Stringer("destination", info.Destination),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		} else {
			logger.Info("completed",
				zap.String("operation", string(info.Operation)),
				zap.Duration("duration", duration),
			)
		}

		return result, err
	}
}

func operationFields(info *InterceptorInfo) []zap.Field {
	fields := []zap.Field{
		zap.String("operation", string(info.Operation)),
		zap.Stringer("destination", info.Destination),
	}
	if info.Operation == OpReadClock {
		return fields
	}
	fields = append(fields,
		zap.String("area", fmt.Sprintf("0x%02X", info.MemoryArea)),
		zap.Uint16("address", info.Address),
		zap.Uint16("count", info.Count),
	)
	if info.Operation == OpReadBits {
		fields = append(fields, zap.Uint8("bit", info.BitOffset))
	}
	return fields
}

func failureLevel(err error) zapcore.Level {
	var timeout TimeoutError
	var endCode EndCodeError
	if errors.As(err, &timeout) || errors.As(err, &endCode) {
		return zapcore.WarnLevel
	}
	return zapcore.ErrorLevel
}
