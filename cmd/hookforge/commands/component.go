package commands

import (
	"context"

	"oss.nandlabs.io/hookforge/l3"
	"oss.nandlabs.io/hookforge/lifecycle"
)

var logger = l3.Get()

// runnable adapts a blocking run(ctx) error function into a
// lifecycle.Component: Start launches run in a goroutine and returns
// immediately, Stop cancels its context and waits for it to exit.
func runnable(id string, run func(ctx context.Context) error) *lifecycle.SimpleComponent {
	var cancel context.CancelFunc
	done := make(chan struct{})

	return &lifecycle.SimpleComponent{
		CompId: id,
		StartFunc: func() error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := run(ctx); err != nil {
					logger.ErrorF("component %s exited: %v", id, err)
				}
			}()
			return nil
		},
		StopFunc: func() error {
			if cancel != nil {
				cancel()
			}
			<-done
			return nil
		},
	}
}
