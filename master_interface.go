package fins

import (
	"context"
	"time"
)

// Lifecycle controls.
type MasterLifecycle interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Err() <-chan error
	Stats() Stats
}

// Interceptor/plugin hooks.
type MasterHooks interface {
	SetInterceptor(interceptor Interceptor)
	Use(plugins ...Plugin) error
}

// Blocking operations; each passes through the interceptor.
type MasterOperations interface {
	ReadWords(ctx context.Context, dst NodeAddress, addr IoAddress, count uint16) ([]uint16, error)
	ReadBits(ctx context.Context, dst NodeAddress, addr IoAddress, count uint16) ([]bool, error)
	WriteWords(ctx context.Context, dst NodeAddress, addr IoAddress, data []uint16) error
	ReadClock(ctx context.Context, dst NodeAddress) (time.Time, error)
}

// Non-blocking operations returning completion handles.
type MasterAsyncOperations interface {
	ReadWordsAsync(dst NodeAddress, addr IoAddress, count uint16) *Future[[]uint16]
	ReadBitsAsync(dst NodeAddress, addr IoAddress, count uint16) *Future[[]bool]
	WriteWordsAsync(dst NodeAddress, addr IoAddress, data []uint16) *Future[struct{}]
	ReadClockAsync(dst NodeAddress) *Future[time.Time]
}

// FINSMaster defines the public contract of Master for easier testing/mocking.
type FINSMaster interface {
	MasterLifecycle
	MasterHooks
	MasterOperations
	MasterAsyncOperations
}

// Ensure Master implements the interface.
var _ FINSMaster = (*Master)(nil)
