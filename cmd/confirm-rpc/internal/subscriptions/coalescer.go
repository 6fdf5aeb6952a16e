package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/util"
)

const defaultBufferSize = 16

var (
	ErrClosed = errors.New("subscription coalescer closed")
	// ErrChannelEnded is reported when the upstream ends a subscription
	// without an error of its own.
	ErrChannelEnded = errors.New("subscription ended upstream")
)

// ChannelError is delivered to every consumer of a shared subscription
// which could not be opened or which failed after opening.
type ChannelError struct {
	Method string
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("subscription %s failed: %v", e.Method, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

type Config struct {
	Opener Opener
	Logger *log.Entry
	Daemon interfaces.Daemon
	// BufferSize is the per consumer notification buffer.
	BufferSize int
}

// Coalescer shares one upstream subscription between all concurrent
// consumers of the same request. The upstream subscription is opened by the
// first consumer and closed when the last one detaches.
type Coalescer struct {
	opener     Opener
	logger     *log.Entry
	bufferSize int
	panicGroup util.PanicGroup

	// ctx is the parent of every open context. It ends with Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock    sync.Mutex
	entries map[string]*entry
	closed  bool

	activeMetric    prometheus.Gauge
	upstreamMetric  *prometheus.CounterVec
	coalescedMetric *prometheus.CounterVec
	droppedMetric   *prometheus.CounterVec
}

type entry struct {
	key  string
	req  Request
	refs int
	// ready is closed once the open attempt completed, successfully or not,
	// and, when the entry was torn while opening, its channel was closed.
	ready chan struct{}
	// cancelOpen aborts a pending open.
	cancelOpen context.CancelFunc
	channel    Channel
	err        error
	consumers  map[*Consumer]struct{}
	// torn is set once the entry left the registry. Whoever sets it owns
	// closing the channel.
	torn bool
}

func NewCoalescer(cfg Config) *Coalescer {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger.WithField("subservice", "subscriptions")

	activeMetric := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "subscriptions", Name: "active",
		Help: "number of shared upstream subscriptions",
	})
	upstreamMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "subscriptions", Name: "upstream_subscribe_total",
		Help: "upstream subscribe calls by method",
	}, []string{"method"})
	coalescedMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "subscriptions", Name: "coalesced_total",
		Help: "subscribe calls served by an existing shared subscription, by method",
	}, []string{"method"})
	droppedMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "subscriptions", Name: "dropped_total",
		Help: "notifications dropped from a full consumer buffer, by method",
	}, []string{"method"})
	cfg.Daemon.MetricsRegistry().MustRegister(activeMetric, upstreamMetric, coalescedMetric, droppedMetric)

	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer{
		opener:          cfg.Opener,
		logger:          logger,
		bufferSize:      bufferSize,
		panicGroup:      util.RecoverablePanicGroup.Log(logger),
		ctx:             ctx,
		cancel:          cancel,
		entries:         map[string]*entry{},
		activeMetric:    activeMetric,
		upstreamMetric:  upstreamMetric,
		coalescedMetric: coalescedMetric,
		droppedMetric:   droppedMetric,
	}
}

// Subscribe attaches a consumer to the shared subscription for req, opening
// it if needed. It returns once the subscription is open. The consumer
// detaches when ctx is done or when Close is called on it.
func (c *Coalescer) Subscribe(ctx context.Context, req Request) (*Consumer, error) {
	key, err := req.Key()
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil, ErrClosed
	}
	e, ok := c.entries[key]
	if ok {
		c.coalescedMetric.With(prometheus.Labels{"method": req.Method}).Inc()
	} else {
		openCtx, cancelOpen := context.WithCancel(c.ctx)
		e = &entry{
			key:        key,
			req:        req,
			ready:      make(chan struct{}),
			cancelOpen: cancelOpen,
			consumers:  map[*Consumer]struct{}{},
		}
		c.entries[key] = e
		c.activeMetric.Set(float64(len(c.entries)))
		c.upstreamMetric.With(prometheus.Labels{"method": req.Method}).Inc()
		c.goroutine(func() { c.open(openCtx, e) })
	}
	e.refs++
	consumer := newConsumer(c, e, c.bufferSize)
	e.consumers[consumer] = struct{}{}
	c.lock.Unlock()

	select {
	case <-e.ready:
	case <-consumer.Done():
		err := consumer.Err()
		consumer.Close()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	case <-ctx.Done():
		consumer.Close()
		return nil, ctx.Err()
	}
	if e.err != nil {
		consumer.Close()
		return nil, e.err
	}
	consumer.detachOn(ctx)
	return consumer, nil
}

// Close tears down every shared subscription. Attached consumers end with
// ErrClosed.
func (c *Coalescer) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	var (
		channels  []Channel
		consumers []*Consumer
	)
	for _, e := range c.entries {
		if ch := c.teardownLocked(e); ch != nil {
			channels = append(channels, ch)
		}
		for consumer := range e.consumers {
			consumers = append(consumers, consumer)
		}
	}
	c.lock.Unlock()

	c.cancel()
	for _, consumer := range consumers {
		consumer.fail(ErrClosed)
	}
	var errs []error
	for _, ch := range channels {
		errs = append(errs, ch.Close())
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

func (c *Coalescer) goroutine(fn func()) {
	c.wg.Add(1)
	c.panicGroup.Go(func() {
		defer c.wg.Done()
		fn()
	})
}

// teardownLocked removes e from the registry and returns the channel the
// caller must close, if any. A pending open is cancelled; the open goroutine
// then owns closing whatever it still obtained.
func (c *Coalescer) teardownLocked(e *entry) Channel {
	if e.torn {
		return nil
	}
	e.torn = true
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
		c.activeMetric.Set(float64(len(c.entries)))
	}
	if e.channel == nil {
		e.cancelOpen()
	}
	return e.channel
}

func (c *Coalescer) open(ctx context.Context, e *entry) {
	defer e.cancelOpen()
	ch, err := c.opener.Subscribe(ctx, e.req)

	c.lock.Lock()
	if e.torn {
		// Every consumer left, or the coalescer closed, while opening.
		if e.err == nil {
			e.err = ErrClosed
		}
		c.lock.Unlock()
		if err == nil {
			c.closeChannel(e, ch)
		}
		close(e.ready)
		return
	}
	if err != nil {
		e.err = &ChannelError{Method: e.req.Method, Err: err}
		c.teardownLocked(e)
		close(e.ready)
		c.lock.Unlock()
		c.logger.WithError(err).WithField("method", e.req.Method).Debug("could not open subscription")
		return
	}
	e.channel = ch
	close(e.ready)
	c.lock.Unlock()

	c.fanOut(e)
}

// fanOut delivers every notification to every consumer attached when it
// arrives. A consumer whose buffer is full loses its oldest notification,
// so a stalled consumer never holds up the others.
func (c *Coalescer) fanOut(e *entry) {
	for msg := range e.channel.Notifications() {
		c.lock.Lock()
		consumers := make([]*Consumer, 0, len(e.consumers))
		for consumer := range e.consumers {
			consumers = append(consumers, consumer)
		}
		c.lock.Unlock()
		for _, consumer := range consumers {
			if dropped := consumer.deliver(msg); dropped > 0 {
				c.droppedMetric.With(prometheus.Labels{"method": e.req.Method}).Add(float64(dropped))
			}
		}
	}

	c.lock.Lock()
	if e.torn {
		c.lock.Unlock()
		return
	}
	cause := e.channel.Err()
	if cause == nil {
		cause = ErrChannelEnded
	}
	chErr := &ChannelError{Method: e.req.Method, Err: cause}
	ch := c.teardownLocked(e)
	consumers := make([]*Consumer, 0, len(e.consumers))
	for consumer := range e.consumers {
		consumers = append(consumers, consumer)
	}
	c.lock.Unlock()

	c.logger.WithError(cause).WithField("method", e.req.Method).
		Debug("shared subscription failed, evicting")
	for _, consumer := range consumers {
		consumer.fail(chErr)
	}
	c.closeChannel(e, ch)
}

// release detaches consumer. When it was the last one the shared
// subscription is torn down before release returns, including one still
// being opened.
func (c *Coalescer) release(consumer *Consumer) {
	e := consumer.entry
	c.lock.Lock()
	delete(e.consumers, consumer)
	e.refs--
	var ch Channel
	if e.refs == 0 {
		ch = c.teardownLocked(e)
	}
	last := e.refs == 0
	c.lock.Unlock()
	if ch != nil {
		c.closeChannel(e, ch)
	}
	if last {
		<-e.ready
	}
}

func (c *Coalescer) closeChannel(e *entry, ch Channel) {
	if err := ch.Close(); err != nil {
		c.logger.WithError(err).WithField("method", e.req.Method).Debug("could not close subscription")
	}
}

// Consumer is one caller's view of a shared subscription.
type Consumer struct {
	coalescer *Coalescer
	entry     *entry
	out       chan json.RawMessage
	done      chan struct{}

	lock       sync.Mutex
	err        error
	finishOnce sync.Once
	detachOnce sync.Once
	stopAfter  func() bool
}

func newConsumer(c *Coalescer, e *entry, bufferSize int) *Consumer {
	return &Consumer{
		coalescer: c,
		entry:     e,
		out:       make(chan json.RawMessage, bufferSize),
		done:      make(chan struct{}),
	}
}

// Notifications is never closed; select on Done as well. Notifications
// arrive in upstream order. When the consumer falls more than the buffer
// size behind, the oldest ones are dropped.
func (c *Consumer) Notifications() <-chan json.RawMessage {
	return c.out
}

// Done is closed when the consumer detached or its subscription failed.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure which ended the consumer, or nil if it was
// detached by its owner.
func (c *Consumer) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// Close detaches the consumer. Only the first call has an effect.
func (c *Consumer) Close() {
	c.detachOnce.Do(func() {
		c.lock.Lock()
		stop := c.stopAfter
		c.lock.Unlock()
		if stop != nil {
			stop()
		}
		c.finish(nil)
		c.coalescer.release(c)
	})
}

func (c *Consumer) detachOn(ctx context.Context) {
	stop := context.AfterFunc(ctx, c.Close)
	c.lock.Lock()
	c.stopAfter = stop
	c.lock.Unlock()
}

func (c *Consumer) fail(err error) {
	c.finish(err)
}

func (c *Consumer) finish(err error) {
	c.finishOnce.Do(func() {
		c.lock.Lock()
		c.err = err
		c.lock.Unlock()
		close(c.done)
	})
}

// deliver queues msg without blocking, evicting the oldest queued
// notifications if needed. Only the fan-out goroutine sends on out.
func (c *Consumer) deliver(msg json.RawMessage) (dropped int) {
	for {
		select {
		case <-c.done:
			return dropped
		case c.out <- msg:
			return dropped
		default:
		}
		select {
		case <-c.out:
			dropped++
		default:
		}
	}
}
