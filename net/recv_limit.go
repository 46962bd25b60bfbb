// Package net implements the transport and replication core: multiplexed
// logical streams over one connection per peer, typed per-stream handles,
// the per-peer connection engines, and the tick-drained event bridge.
package net

import (
	"context"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RecvLimiter is a token bucket guarding the server's inbound frame
// routing. Throttling the read task lets the transport's flow control
// push backpressure to the flooding peer without touching siblings.
//
// The limiter pointer is swapped atomically so configuration hot reload
// never races the read tasks.
type RecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter creates a token-bucket limiter allowing limit
// frames per second with the given burst.
func NewTokenRecvLimiter(limit int, burst int) *RecvLimiter {
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	if limiter == nil {
		return nil
	}
	self := &RecvLimiter{}
	self.limiter.Store(limiter)
	return self
}

// Take blocks until a token is available or ctx is done.
func (l *RecvLimiter) Take(ctx context.Context) error {
	return l.limiter.Load().Wait(ctx)
}

// Reload swaps in new limits at runtime.
func (l *RecvLimiter) Reload(limit int, burst int) {
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	if limiter == nil {
		return
	}
	l.limiter.Store(limiter)
}

// FunnelRecvLimiter is the leaky-bucket alternative, smoothing inbound
// processing to an even cadence rather than allowing bursts.
type FunnelRecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelRecvLimiter creates a leaky-bucket limiter allowing limit
// frames per second.
func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	limiter := ratelimit.New(limit)
	if limiter == nil {
		return nil
	}
	self := &FunnelRecvLimiter{}
	self.limiter.Store(&limiter)
	return self
}

// Take blocks until the next request slot opens.
func (l *FunnelRecvLimiter) Take() {
	_ = (*l.limiter.Load()).Take()
}

// Reload swaps in a new rate at runtime.
func (l *FunnelRecvLimiter) Reload(limit int) {
	limiter := ratelimit.New(limit)
	if limiter == nil {
		return
	}
	l.limiter.Store(&limiter)
}
