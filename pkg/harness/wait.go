package harness

import (
	"context"
	"errors"
	"time"

	"github.com/go-rod/rod/lib/utils"
)

// ErrTimeout is returned when a wait runs out of time.
var ErrTimeout = errors.New("timed out")

type waitOptions struct {
	timeout time.Duration
	sleep   time.Duration
}

// WaitOption changes one WaitUntil call.
type WaitOption func(*waitOptions)

// WithTimeout bounds the wait.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// WithRetrySleep sets the pause between checks.
func WithRetrySleep(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.sleep = d }
}

// WaitUntil polls cond until it returns true or the timeout passes, and
// reports whether cond became true.
func (h *Harness) WaitUntil(cond func() bool, opts ...WaitOption) bool {
	o := waitOptions{timeout: h.cfg.WaitTimeout, sleep: h.cfg.PollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return waitUntil(cond, o)
}

func waitUntil(cond func() bool, o waitOptions) bool {
	if o.sleep <= 0 {
		o.sleep = 250 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	err := utils.Retry(ctx, utils.BackoffSleeper(o.sleep, o.sleep, nil), func() (bool, error) {
		return cond(), nil
	})
	return err == nil
}
