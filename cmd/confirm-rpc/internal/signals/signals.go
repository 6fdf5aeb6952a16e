package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/subscriptions"
)

const DefaultPollInterval = 2 * time.Second

// errPushStopped ends a push path which can no longer contribute. The poll
// path carries on alone.
var errPushStopped = errors.New("push path stopped")

// Subscriber attaches to shared upstream subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, req subscriptions.Request) (*subscriptions.Consumer, error)
}

type Config struct {
	Logger *log.Entry
	// Subscriber is optional. Without it signals only poll.
	Subscriber Subscriber
	// PollInterval is the delay between polls. When MaxPollInterval is
	// larger, the delay grows exponentially by BackoffMultiplier up to it.
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	BackoffMultiplier float64
}

func (cfg Config) newBackOff() backoff.BackOff {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if cfg.MaxPollInterval <= interval {
		return backoff.NewConstantBackOff(interval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = cfg.MaxPollInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if cfg.BackoffMultiplier > 1 {
		b.Multiplier = cfg.BackoffMultiplier
	}
	b.Reset()
	return b
}

// TransactionError reports a transaction which landed but failed on chain.
type TransactionError struct {
	Slot uint64
	// Err is the ledger's JSON encoded transaction error.
	Err json.RawMessage
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed in slot %d: %s", e.Slot, string(e.Err))
}

// check performs one observation. It returns true once the awaited
// condition holds. Errors wrapped with backoff.Permanent end the wait,
// other errors are retried.
type check func(ctx context.Context) (bool, error)

type waiter struct {
	logger     *log.Entry
	subscriber Subscriber
	cfg        Config
}

func newWaiter(cfg Config, name string) waiter {
	return waiter{
		logger:     cfg.Logger.WithField("signal", name),
		subscriber: cfg.Subscriber,
		cfg:        cfg,
	}
}

// wait polls once and, unless that settles it, races push against a poll
// loop until one of them observes the condition. Both paths have returned
// by the time wait does.
func (w waiter) wait(
	ctx context.Context,
	poll check,
	push func(ctx context.Context, trigger chan<- struct{}) error,
) error {
	if done, err := w.observe(ctx, poll); done || err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	trigger := make(chan struct{}, 1)
	results := make(chan error, 2)
	var wg sync.WaitGroup
	paths := 1
	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- w.pollLoop(ctx, poll, trigger)
	}()
	if push != nil && w.subscriber != nil {
		paths++
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- push(ctx, trigger)
		}()
	}

	var result error
	for ; paths > 0; paths-- {
		err := <-results
		if errors.Is(err, errPushStopped) {
			continue
		}
		result = err
		break
	}
	cancel()
	wg.Wait()
	return result
}

// observe runs poll once. done reports whether the wait is over, either
// because the condition holds or because err is definitive.
func (w waiter) observe(ctx context.Context, poll check) (bool, error) {
	ok, err := poll(ctx)
	if err == nil {
		return ok, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return true, permanent.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return true, ctxErr
	}
	w.logger.WithError(err).Debug("poll failed, retrying")
	return false, nil
}

// pollLoop polls on the backoff schedule, and right away whenever trigger
// fires, until the condition holds.
func (w waiter) pollLoop(ctx context.Context, poll check, trigger <-chan struct{}) error {
	b := w.cfg.newBackOff()
	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-trigger:
			if !timer.Stop() {
				<-timer.C
			}
		}
		if done, err := w.observe(ctx, poll); done {
			return err
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			next = w.cfg.MaxPollInterval
		}
		timer.Reset(next)
	}
}

// follow attaches to req and hands every notification to handle until
// handle reports the condition or returns a definitive error. Subscription
// failures end the push path only.
func (w waiter) follow(
	ctx context.Context,
	req subscriptions.Request,
	handle func(msg json.RawMessage) (bool, error),
) error {
	consumer, err := w.subscriber.Subscribe(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		w.logger.WithError(err).WithField("method", req.Method).Debug("could not subscribe, polling only")
		return errPushStopped
	}
	defer consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-consumer.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			w.logger.WithError(consumer.Err()).WithField("method", req.Method).
				Debug("subscription ended, polling only")
			return errPushStopped
		case msg := <-consumer.Notifications():
			done, err := handle(msg)
			if err != nil {
				var permanent *backoff.PermanentError
				if errors.As(err, &permanent) {
					return permanent.Err
				}
				w.logger.WithError(err).WithField("method", req.Method).Debug("ignoring notification")
				continue
			}
			if done {
				return nil
			}
		}
	}
}

// poke requests an immediate poll. Pending requests are merged.
func poke(trigger chan<- struct{}) {
	select {
	case trigger <- struct{}{}:
	default:
	}
}
