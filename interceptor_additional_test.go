package fins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger(t *testing.T, level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(
		zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }),
	))
	return logger, logs
}

func invokeWith(interceptor Interceptor, ctx context.Context, info *InterceptorInfo, invoker Invoker) (interface{}, error) {
	return interceptor(&InterceptorCtx{ctx: ctx, info: info, invoker: invoker})
}

func TestLoggingInterceptor(t *testing.T) {
	ctx := context.Background()
	info := &InterceptorInfo{
		Operation:   OpReadWords,
		Destination: NodeAddress{Node: 10},
		MemoryArea:  MemoryAreaDMWord,
		Address:     42,
		Count:       2,
	}
	logger, logs := observedLogger(t, zap.DebugLevel)

	// Success case
	_, err := invokeWith(LoggingInterceptor(logger), ctx, info, func(context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "starting", entries[0].Message)
	assert.Equal(t, "ReadWords", fieldString(entries[0].Context, "operation"))
	assert.Equal(t, "0x82", fieldString(entries[0].Context, "area"))
	assert.Equal(t, "completed", entries[1].Message)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)

	// Error case
	logs.TakeAll()
	_, err = invokeWith(LoggingInterceptor(logger), ctx, info, func(context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	entries = logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "failed", entries[1].Message)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", fieldError(entries[1].Context, "error"))

	// Timeouts are expected on a lossy link and only warn
	logs.TakeAll()
	_, err = invokeWith(LoggingInterceptor(logger), ctx, info, func(context.Context) (interface{}, error) {
		return nil, TimeoutError{ServiceAddress: 7, Timeout: time.Second, Attempts: 1}
	})
	require.Error(t, err)
	entries = logs.FilterMessage("failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func fieldString(fields []zap.Field, key string) string {
	for _, f := range fields {
		if f.Key == key {
			return f.String
		}
	}
	return ""
}

func fieldError(fields []zap.Field, key string) string {
	for _, f := range fields {
		if f.Key == key {
			if err, ok := f.Interface.(error); ok {
				return err.Error()
			}
		}
	}
	return ""
}

func TestMetricsCollectorConcurrency(t *testing.T) {
	ctx := context.Background()
	collector := NewMetricsCollector()
	interceptor := collector.Interceptor()

	var wg sync.WaitGroup
	const successCalls = 10
	for i := 0; i < successCalls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = invokeWith(interceptor, ctx, &InterceptorInfo{Operation: OpReadWords}, func(context.Context) (interface{}, error) {
				time.Sleep(1 * time.Millisecond)
				return "ok", nil
			})
		}()
	}

	const errorCalls = 3
	for i := 0; i < errorCalls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = invokeWith(interceptor, ctx, &InterceptorInfo{Operation: OpWriteWords}, func(context.Context) (interface{}, error) {
				return nil, TimeoutError{}
			})
		}()
	}

	wg.Wait()

	reads := collector.GetStats(OpReadWords)
	assert.EqualValues(t, successCalls, reads.Count)
	assert.Zero(t, reads.Errors)
	assert.Greater(t, reads.AvgDuration, time.Duration(0))

	writes := collector.GetStats(OpWriteWords)
	assert.EqualValues(t, errorCalls, writes.Count)
	assert.EqualValues(t, errorCalls, writes.Errors)
	assert.EqualValues(t, errorCalls, writes.Timeouts)

	all := collector.GetAllStats()
	assert.Len(t, all, 2)
	assert.Equal(t, reads, all[OpReadWords])

	collector.Reset()
	assert.Equal(t, OperationStats{}, collector.GetStats(OpWriteWords))
	assert.Empty(t, collector.GetAllStats())
}

func TestValidationInterceptorWithLimits(t *testing.T) {
	ctx := context.Background()
	validator := ValidationInterceptorWithLimits(2, 2)

	// Valid read should reach invoker
	called := false
	_, err := invokeWith(validator, ctx, &InterceptorInfo{
		Operation:  OpReadWords,
		Count:      1,
		MemoryArea: MemoryAreaDMWord,
	}, func(context.Context) (interface{}, error) {
		called = true
		return "ok", nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	tests := []struct {
		name string
		info *InterceptorInfo
	}{
		{"zero read count", &InterceptorInfo{Operation: OpReadWords, Count: 0}},
		{"exceeds read limit", &InterceptorInfo{Operation: OpReadWords, Count: 5}},
		{"bit offset out of range", &InterceptorInfo{Operation: OpReadBits, Count: 1, BitOffset: 16}},
		{"invalid write words type", &InterceptorInfo{Operation: OpWriteWords, Data: []byte{1}}},
		{"empty write", &InterceptorInfo{Operation: OpWriteWords, Data: []uint16{}}},
		{"write too large", &InterceptorInfo{Operation: OpWriteWords, Data: make([]uint16, 3)}},
		{"network out of range", &InterceptorInfo{Operation: OpReadClock, Destination: NodeAddress{Network: 200}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invokeWith(validator, ctx, tt.info, func(context.Context) (interface{}, error) {
				t.Fatal("invoker must not run")
				return nil, nil
			})
			assert.Error(t, err)
		})
	}
}

func TestValidationInterceptorReturnsTypedErrors(t *testing.T) {
	_, err := invokeWith(ValidationInterceptor(), context.Background(),
		&InterceptorInfo{Operation: OpReadWords, Count: MaxReadItems + 1},
		func(context.Context) (interface{}, error) { return nil, nil })

	var argErr InvalidArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "count", argErr.Name)
}

func TestAddressRangeAndReadOnlyInterceptors(t *testing.T) {
	ctx := context.Background()
	validator := AddressRangeValidator(map[byte]AddressRange{
		MemoryAreaDMWord: {Min: 0, Max: 10},
	})
	readOnly := ReadOnlyInterceptor()
	ok := func(context.Context) (interface{}, error) { return "ok", nil }

	// Valid read passes both
	_, err := invokeWith(validator, ctx, &InterceptorInfo{Operation: OpReadWords, MemoryArea: MemoryAreaDMWord, Address: 5, Count: 1}, ok)
	assert.NoError(t, err)
	_, err = invokeWith(readOnly, ctx, &InterceptorInfo{Operation: OpReadWords}, ok)
	assert.NoError(t, err, "read-only should allow reads")

	// Clock reads carry no memory address
	_, err = invokeWith(validator, ctx, &InterceptorInfo{Operation: OpReadClock}, ok)
	assert.NoError(t, err)

	// Invalid area
	_, err = invokeWith(validator, ctx, &InterceptorInfo{Operation: OpReadWords, MemoryArea: MemoryAreaDMBit, Address: 5, Count: 1}, ok)
	var areaErr IncompatibleMemoryAreaError
	assert.ErrorAs(t, err, &areaErr)

	// Address overflow
	_, err = invokeWith(validator, ctx, &InterceptorInfo{Operation: OpReadWords, MemoryArea: MemoryAreaDMWord, Address: 10, Count: 2}, ok)
	assert.Error(t, err)

	// Write should be blocked
	_, err = invokeWith(readOnly, ctx, &InterceptorInfo{Operation: OpWriteWords}, ok)
	assert.Error(t, err, "expected read-only interceptor to block write")
}

func TestRetryInterceptors(t *testing.T) {
	ctx := context.Background()
	info := &InterceptorInfo{Operation: OpReadWords}
	timeout := TimeoutError{ServiceAddress: 1, Timeout: time.Millisecond, Attempts: 1}

	// Basic retry until success
	attempts := 0
	result, err := invokeWith(RetryInterceptor(2, 0, nil), ctx, info, func(context.Context) (interface{}, error) {
		if attempts < 2 {
			attempts++
			return nil, timeout
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempts)

	// Exhausted retries keep the last error reachable
	attempts = 0
	_, err = invokeWith(RetryInterceptor(2, 0, nil), ctx, info, func(context.Context) (interface{}, error) {
		attempts++
		return nil, timeout
	})
	assert.Equal(t, 3, attempts)
	var timeoutErr TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)

	// Refused commands are not retried by default
	attempts = 0
	_, err = invokeWith(RetryInterceptor(3, 0, nil), ctx, info, func(context.Context) (interface{}, error) {
		attempts++
		return nil, EndCodeError{EndCode: EndCodeAddressRangeExceeded}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)

	// Respect canceled context (should not retry)
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	attempts = 0
	_, err = invokeWith(RetryInterceptor(3, 0, nil), cancelCtx, info, func(context.Context) (interface{}, error) {
		attempts++
		return nil, timeout
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "expected single attempt due to canceled context")

	// Conditional retry
	attempts = 0
	_, err = invokeWith(RetryInterceptorConditional(3, 0, 0, func(error) bool { return false }, nil), ctx, info, func(context.Context) (interface{}, error) {
		attempts++
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts = 0
	logger, logs := observedLogger(t, zap.InfoLevel)
	result, err = invokeWith(RetryInterceptorWithBackoff(2, 0, 1*time.Millisecond, logger), ctx, info, func(context.Context) (interface{}, error) {
		if attempts == 0 {
			attempts++
			return nil, timeout
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, logs.FilterMessage("attempt failed, retrying").Len())
}

func TestRetryInterceptorDelayHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := invokeWith(RetryInterceptor(5, time.Hour, nil), ctx, &InterceptorInfo{Operation: OpReadWords}, func(context.Context) (interface{}, error) {
		return nil, TimeoutError{}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryableError(t *testing.T) {
	assert.True(t, RetryableError(TimeoutError{}))
	assert.True(t, RetryableError(ConnectionError{Op: "send", Err: errors.New("no route to host")}))
	assert.False(t, RetryableError(ConnectionError{Op: "send", Err: errNotConnected}))
	assert.False(t, RetryableError(ConnectionClosedError{}))
	assert.False(t, RetryableError(EndCodeError{EndCode: EndCodeLocalNodeNotInNetwork}))
	assert.False(t, RetryableError(InvalidArgumentError{Name: "itemCount"}))
}

func TestChainInterceptorsOrder(t *testing.T) {
	ctx := context.Background()
	info := &InterceptorInfo{Operation: OpReadWords}
	order := make([]string, 0, 5)

	i1 := func(ic *InterceptorCtx) (interface{}, error) {
		order = append(order, "i1-start")
		res, err := ic.Invoke(nil)
		order = append(order, "i1-end")
		return res, err
	}
	i2 := func(ic *InterceptorCtx) (interface{}, error) {
		order = append(order, "i2-start")
		res, err := ic.Invoke(nil)
		order = append(order, "i2-end")
		return res, err
	}

	result, err := invokeWith(ChainInterceptors(i1, i2), ctx, info, func(context.Context) (interface{}, error) {
		order = append(order, "invoker")
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []string{"i1-start", "i2-start", "invoker", "i2-end", "i1-end"}, order)
}
