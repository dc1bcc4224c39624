package delivery

import (
	"sync/atomic"
	"time"
)

// Clock tracks a peer-relative offset used for optional time
// synchronization over the system bus. The offset is
// written from the endpoint's owning goroutine and may be read from any
// goroutine wishing to compute adjusted wall time, so it is stored in an
// atomic.Int64 of nanoseconds.
type Clock struct {
	offsetNanos atomic.Int64
}

// Offset returns the current clock offset.
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offsetNanos.Load())
}

// SetOffset overwrites the clock offset.
func (c *Clock) SetOffset(d time.Duration) {
	c.offsetNanos.Store(int64(d))
}

// Now returns the local wall clock adjusted by the current offset.
func (c *Clock) Now() time.Time {
	return time.Now().Add(c.Offset())
}

// Sync derives a new offset from one ping/pong round trip, using the
// classic NTP symmetric-delay estimator:
//
//	offset = ((reqRecvTime - reqSendTime) + (resSendTime - resRecvTime)) / 2
//
// reqSendTime/reqRecvTime are local send / remote receive times of the
// ping; resSendTime/resRecvTime are remote send / local receive times of
// the pong.
func (c *Clock) Sync(reqSendTime, reqRecvTime, resSendTime, resRecvTime time.Time) {
	offset := (reqRecvTime.Sub(reqSendTime) + resSendTime.Sub(resRecvTime)) / 2
	c.SetOffset(offset)
}
