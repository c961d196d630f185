package fins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type traceKey struct{}

func TestRetryInterceptorsMisc(t *testing.T) {
	ctx := context.Background()
	info := &InterceptorInfo{Operation: OpWriteWords}

	attempts := 0
	invoker := func(context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, TimeoutError{Attempts: attempts}
		}
		return "ok", nil
	}

	start := time.Now()
	res, err := invokeWith(RetryInterceptor(3, time.Millisecond, nil), ctx, info, invoker)
	assert.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)

	// Backoff caps at maxDelay; ensure we attempted expected retries.
	attempts = 0
	backoffStart := time.Now()
	_, err = invokeWith(RetryInterceptorWithBackoff(2, time.Millisecond, 2*time.Millisecond, nil), ctx, info, invoker)
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, time.Since(backoffStart), 3*time.Millisecond)
}

func TestTracingInterceptor(t *testing.T) {
	logger, logs := observedLogger(t, zap.DebugLevel)
	info := &InterceptorInfo{Operation: OpReadWords, Destination: NodeAddress{Node: 10}, MemoryArea: MemoryAreaDMWord, Address: 42}
	ok := func(context.Context) (interface{}, error) { return "ok", nil }

	// Without a trace ID nothing is logged.
	_, err := invokeWith(TracingInterceptor(traceKey{}, logger), context.Background(), info, ok)
	require.NoError(t, err)
	assert.Zero(t, logs.Len())

	ctx := context.WithValue(context.Background(), traceKey{}, "abc-123")
	_, err = invokeWith(TracingInterceptor(traceKey{}, logger), ctx, info, ok)
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "span start", entries[0].Message)
	assert.Equal(t, "span end", entries[1].Message)
	assert.Equal(t, "abc-123", entries[0].ContextMap()["trace_id"])
	assert.Equal(t, "0.10.0", entries[0].ContextMap()["destination"])
}

func TestInterceptorCtxInvokeKeepsContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), traceKey{}, "outer")

	var seen interface{}
	_, err := invokeWith(func(c *InterceptorCtx) (interface{}, error) {
		assert.Equal(t, OpReadClock, c.Info().Operation)
		assert.Equal(t, "outer", c.Context().Value(traceKey{}))
		return c.Invoke(nil)
	}, ctx, &InterceptorInfo{Operation: OpReadClock}, func(ctx context.Context) (interface{}, error) {
		seen = ctx.Value(traceKey{})
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "outer", seen)

	// An interceptor may hand a derived context to the rest of the chain.
	_, err = invokeWith(func(c *InterceptorCtx) (interface{}, error) {
		return c.Invoke(context.WithValue(c.Context(), traceKey{}, "inner"))
	}, ctx, &InterceptorInfo{Operation: OpReadClock}, func(ctx context.Context) (interface{}, error) {
		seen = ctx.Value(traceKey{})
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "inner", seen)
}

func TestRunInterceptorWithoutInterceptor(t *testing.T) {
	res, err := runInterceptor(context.Background(), nil, &InterceptorInfo{}, func(context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	assert.Nil(t, ChainInterceptors())
}

func TestInterceptorShortCircuit(t *testing.T) {
	denied := errors.New("denied")
	chain := ChainInterceptors(
		func(c *InterceptorCtx) (interface{}, error) { return c.Invoke(nil) },
		func(*InterceptorCtx) (interface{}, error) { return nil, denied },
	)
	_, err := runInterceptor(context.Background(), chain, &InterceptorInfo{Operation: OpWriteWords}, func(context.Context) (interface{}, error) {
		t.Fatal("operation must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, denied)
}
