// Package fanout pushes encoded events to every live channel of a set of
// users, either directly on this instance or through Redis pub/sub so that
// every instance delivers to its own sockets.
package fanout

import (
	"context"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/registry"
)

// Dispatcher delivers payload to the live channels of recipients. Delivery
// is best effort: a slow or broken channel never fails the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipients []int64, payload []byte) error
}

// Local delivers through the registry of this process.
type Local struct {
	registry *registry.Registry
	timeout  time.Duration
	log      *logger.Logger
}

// NewLocal pushes through reg, giving each push at most pushTimeout.
func NewLocal(reg *registry.Registry, pushTimeout time.Duration, log *logger.Logger) *Local {
	if pushTimeout <= 0 {
		pushTimeout = 5 * time.Second
	}
	return &Local{
		registry: reg,
		timeout:  pushTimeout,
		log:      log.With("component", "LocalDispatcher"),
	}
}

// Dispatch pushes to all channels concurrently and waits for every push to
// finish or time out. It always returns nil.
func (d *Local) Dispatch(ctx context.Context, recipients []int64, payload []byte) error {
	var g errgroup.Group
	for _, userID := range lo.Uniq(recipients) {
		for _, ch := range d.registry.ChannelsFor(userID) {
			userID, ch := userID, ch
			g.Go(func() error {
				pushCtx, cancel := context.WithTimeout(ctx, d.timeout)
				defer cancel()
				if err := ch.Push(pushCtx, payload); err != nil {
					d.log.Warn("Push failed", "user", userID, "channel", ch.ID(), "error", err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}
