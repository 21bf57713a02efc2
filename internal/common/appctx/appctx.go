// Package appctx provides context utilities for background operations that
// must outlive the request that started them (e.g. a cache entry draining
// after its caller's tell timeout has elapsed).
package appctx

import (
	"context"
	"time"
)

// Detached returns a context not tied to parent's cancellation, but which is
// cancelled when stopCh closes or timeout elapses, whichever comes first.
// Use this for work that must continue after the triggering request returns.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-parent.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
