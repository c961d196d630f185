package fins

import (
	"context"
	"time"
)

// NopMaster implements FINSMaster with no-op behavior.
// Useful for tests or placeholders where a real PLC connection is not required.
// Reads return zero values of the requested length; futures complete immediately.
// Arguments are checked as Master checks them.
type NopMaster struct{}

var closedErrs = func() chan error {
	c := make(chan error)
	close(c)
	return c
}()

func (NopMaster) Connect(context.Context) error    { return nil }
func (NopMaster) Disconnect(context.Context) error { return nil }
func (NopMaster) IsConnected() bool                { return true }
func (NopMaster) Err() <-chan error                { return closedErrs }
func (NopMaster) Stats() Stats                     { return Stats{} }
func (NopMaster) SetInterceptor(Interceptor)       {}
func (NopMaster) Use(...Plugin) error              { return nil }

func (n NopMaster) ReadWords(_ context.Context, dst NodeAddress, addr IoAddress, count uint16) ([]uint16, error) {
	return n.ReadWordsAsync(dst, addr, count).Wait(context.Background())
}
func (n NopMaster) ReadBits(_ context.Context, dst NodeAddress, addr IoAddress, count uint16) ([]bool, error) {
	return n.ReadBitsAsync(dst, addr, count).Wait(context.Background())
}
func (n NopMaster) WriteWords(_ context.Context, dst NodeAddress, addr IoAddress, data []uint16) error {
	_, err := n.WriteWordsAsync(dst, addr, data).Wait(context.Background())
	return err
}
func (NopMaster) ReadClock(context.Context, NodeAddress) (time.Time, error) {
	return time.Time{}, nil
}

func (NopMaster) ReadWordsAsync(_ NodeAddress, addr IoAddress, count uint16) *Future[[]uint16] {
	if err := checkReadWords(addr, count); err != nil {
		return failedFuture[[]uint16](err)
	}
	return completedFuture(make([]uint16, count))
}
func (NopMaster) ReadBitsAsync(_ NodeAddress, addr IoAddress, count uint16) *Future[[]bool] {
	if err := checkReadBits(addr, count); err != nil {
		return failedFuture[[]bool](err)
	}
	return completedFuture(make([]bool, count))
}
func (NopMaster) WriteWordsAsync(_ NodeAddress, addr IoAddress, data []uint16) *Future[struct{}] {
	if err := checkWriteWords(addr, data); err != nil {
		return failedFuture[struct{}](err)
	}
	return completedFuture(struct{}{})
}
func (NopMaster) ReadClockAsync(NodeAddress) *Future[time.Time] {
	return completedFuture(time.Time{})
}

var _ FINSMaster = NopMaster{}
