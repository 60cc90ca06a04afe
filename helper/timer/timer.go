package timer

import (
	"context"
	"math/rand"
	"reflect"
	"runtime"
	"time"

	"github.com/lthibault/jitterbug"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

type tickerJitter struct {
	MaxJitter time.Duration
}

// Jitter spreads ticks uniformly over d±MaxJitter. A MaxJitter that would allow a
// non-positive period is clamped to half of d.
func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	maxJitter := j.MaxJitter
	if maxJitter >= d {
		maxJitter = d / 2
	}

	if maxJitter <= 0 {
		return d
	}

	return d + (time.Duration(rand.Int63n(int64(2*maxJitter))) - maxJitter)
}

// Runs the provided function periodically with a given duration. Exits when a context is cancelled or when f() returns an error.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	j := jitterbug.New(interval.Duration, &tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	log.Debugf("RunWithTicker: running %s with interval %v (jitter %v)", funcName, interval.Duration, interval.Jitter)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("RunWithTicker: context cancelled for %s", funcName)
			return ctx.Err()
		case <-j.C:
			if err := f(ctx); err != nil {
				log.Errorf("RunWithTicker: function %s returned error: %v", funcName, err)
				return err
			}
		}
	}
}

// Handle controls a repeating task started by a Scheduler.
type Handle interface {
	// Cancel stops future ticks. It does not wait for a running callback to return,
	// so it is safe to call from inside the callback itself.
	Cancel()

	// Done is closed once the task goroutine has exited.
	Done() <-chan struct{}
}

// Scheduler starts repeating tasks.
type Scheduler interface {
	Every(ctx context.Context, interval *Interval, f func(ctx context.Context) error) Handle
}

// TickerScheduler runs each task on its own goroutine through RunWithTicker.
type TickerScheduler struct{}

func (TickerScheduler) Every(ctx context.Context, interval *Interval, f func(ctx context.Context) error) Handle {
	cctx, cancel := context.WithCancel(ctx)
	h := &tickerHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		RunWithTicker(cctx, interval, f)
	}()

	return h
}

type tickerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *tickerHandle) Cancel() {
	h.cancel()
}

func (h *tickerHandle) Done() <-chan struct{} {
	return h.done
}
