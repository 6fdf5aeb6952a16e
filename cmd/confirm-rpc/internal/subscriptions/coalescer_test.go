package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stellar/go/support/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
)

type fakeChannel struct {
	out     chan json.RawMessage
	closes  *atomic.Int32
	lock    sync.Mutex
	err     error
	endOnce sync.Once
}

func (f *fakeChannel) Notifications() <-chan json.RawMessage { return f.out }

func (f *fakeChannel) Err() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closes.Inc()
	f.end(nil)
	return nil
}

func (f *fakeChannel) end(err error) {
	f.endOnce.Do(func() {
		f.lock.Lock()
		f.err = err
		f.lock.Unlock()
		close(f.out)
	})
}

type fakeOpener struct {
	subscribes atomic.Int32
	closes     atomic.Int32
	// gate, when set, holds every open until it is closed.
	gate chan struct{}
	// ignoreCancel makes gated opens wait for the gate even when cancelled.
	ignoreCancel bool
	cancelled    atomic.Int32
	fail         error

	lock     sync.Mutex
	channels []*fakeChannel
}

func (o *fakeOpener) Subscribe(ctx context.Context, _ Request) (Channel, error) {
	o.subscribes.Inc()
	if o.gate != nil && o.ignoreCancel {
		<-o.gate
	} else if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			o.cancelled.Inc()
			return nil, ctx.Err()
		}
	}
	if o.fail != nil {
		return nil, o.fail
	}
	ch := &fakeChannel{
		out:    make(chan json.RawMessage),
		closes: &o.closes,
	}
	o.lock.Lock()
	o.channels = append(o.channels, ch)
	o.lock.Unlock()
	return ch, nil
}

func (o *fakeOpener) channel(i int) *fakeChannel {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.channels[i]
}

func newTestCoalescer(t *testing.T, opener Opener) (*Coalescer, *interfaces.RegistryDaemon) {
	daemon := interfaces.MakeRegistryDaemon()
	c := NewCoalescer(Config{
		Opener:     opener,
		Logger:     log.DefaultLogger,
		Daemon:     daemon,
		BufferSize: 4,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, daemon
}

var slotRequest = Request{Method: "slotSubscribe", UnsubscribeMethod: "slotUnsubscribe"}

func TestConcurrentSubscribersShareOneUpstream(t *testing.T) {
	opener := &fakeOpener{gate: make(chan struct{})}
	c, daemon := newTestCoalescer(t, opener)

	const n = 8
	consumers := make(chan *Consumer, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer, err := c.Subscribe(context.Background(), slotRequest)
			assert.NoError(t, err)
			consumers <- consumer
		}()
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.coalescedMetric.WithLabelValues("slotSubscribe")) == n-1
	}, 5*time.Second, 5*time.Millisecond)
	close(opener.gate)
	wg.Wait()
	close(consumers)

	assert.Equal(t, int32(1), opener.subscribes.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeMetric))
	count, err := testutil.GatherAndCount(daemon.Registry, "confirm_rpc_subscriptions_upstream_subscribe_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// every consumer sees every notification, in order
	upstream := opener.channel(0)
	upstream.out <- json.RawMessage(`1`)
	upstream.out <- json.RawMessage(`2`)
	var all []*Consumer
	for consumer := range consumers {
		all = append(all, consumer)
		assert.JSONEq(t, `1`, string(<-consumer.Notifications()))
		assert.JSONEq(t, `2`, string(<-consumer.Notifications()))
	}

	for i, consumer := range all {
		consumer.Close()
		if i < len(all)-1 {
			assert.Equal(t, int32(0), opener.closes.Load(), "closed before the last consumer left")
		}
	}
	assert.Equal(t, int32(1), opener.closes.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeMetric))
}

func TestStalledConsumerDoesNotBlockOthers(t *testing.T) {
	opener := &fakeOpener{}
	c, _ := newTestCoalescer(t, opener)

	stalled, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)
	defer stalled.Close()
	reader, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)
	defer reader.Close()

	// the buffer holds 4, so the stalled consumer loses the first 2
	upstream := opener.channel(0)
	for i := 1; i <= 6; i++ {
		msg := json.RawMessage(strconv.Itoa(i))
		upstream.out <- msg
		select {
		case got := <-reader.Notifications():
			assert.JSONEq(t, string(msg), string(got))
		case <-time.After(5 * time.Second):
			require.FailNow(t, "notification not delivered", "notification %d", i)
		}
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.droppedMetric.WithLabelValues("slotSubscribe")) == 2
	}, 5*time.Second, 5*time.Millisecond)
	for i := 3; i <= 6; i++ {
		assert.JSONEq(t, strconv.Itoa(i), string(<-stalled.Notifications()))
	}
}

func TestDoubleCancelIsIdempotent(t *testing.T) {
	opener := &fakeOpener{}
	c, _ := newTestCoalescer(t, opener)

	ctxA, cancelA := context.WithCancel(context.Background())
	a, err := c.Subscribe(ctxA, slotRequest)
	require.NoError(t, err)
	b, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)

	cancelA()
	<-a.Done()
	a.Close()
	a.Close()
	assert.NoError(t, a.Err())
	assert.Equal(t, int32(0), opener.closes.Load(), "second consumer is still attached")

	b.Close()
	b.Close()
	assert.Equal(t, int32(1), opener.closes.Load())
	assert.Equal(t, int32(1), opener.subscribes.Load())
}

func TestLastConsumerLeavingDuringOpenCancelsIt(t *testing.T) {
	opener := &fakeOpener{gate: make(chan struct{})}
	c, _ := newTestCoalescer(t, opener)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(ctx, slotRequest)
		errs <- err
	}()
	require.Eventually(t, func() bool { return opener.subscribes.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	// settled by the time Subscribe returned
	assert.Equal(t, int32(1), opener.cancelled.Load())
	assert.Equal(t, int32(0), opener.closes.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeMetric))

	// a later subscribe opens a fresh upstream subscription
	close(opener.gate)
	consumer, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)
	consumer.Close()
	assert.Equal(t, int32(2), opener.subscribes.Load())
	assert.Equal(t, int32(1), opener.closes.Load())
}

func TestLastConsumerLeavingDuringOpenWaitsForTeardown(t *testing.T) {
	opener := &fakeOpener{gate: make(chan struct{}), ignoreCancel: true}
	c, _ := newTestCoalescer(t, opener)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(ctx, slotRequest)
		errs <- err
	}()
	require.Eventually(t, func() bool { return opener.subscribes.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		require.FailNow(t, "Subscribe returned while the open was still pending", "err: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// the open completes anyway and is closed before Subscribe returns
	close(opener.gate)
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Equal(t, int32(1), opener.closes.Load())
}

func TestCloseCancelsPendingOpen(t *testing.T) {
	opener := &fakeOpener{gate: make(chan struct{})}
	c, _ := newTestCoalescer(t, opener)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(context.Background(), slotRequest)
		errs <- err
	}()
	require.Eventually(t, func() bool { return opener.subscribes.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.Equal(t, int32(1), opener.cancelled.Load())
	assert.Equal(t, int32(0), opener.closes.Load())
}

func TestOpenFailureIsDeliveredAndEvicted(t *testing.T) {
	cause := errors.New("dial refused")
	opener := &fakeOpener{fail: cause}
	c, _ := newTestCoalescer(t, opener)

	_, err := c.Subscribe(context.Background(), slotRequest)
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "slotSubscribe", chErr.Method)
	assert.ErrorIs(t, err, cause)

	opener.fail = nil
	consumer, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)
	consumer.Close()
	assert.Equal(t, int32(2), opener.subscribes.Load())
}

func TestChannelFailureFailsConsumersAndEvicts(t *testing.T) {
	opener := &fakeOpener{}
	c, _ := newTestCoalescer(t, opener)

	a, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)
	b, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)

	cause := errors.New("connection reset")
	opener.channel(0).end(cause)

	for _, consumer := range []*Consumer{a, b} {
		select {
		case <-consumer.Done():
		case <-time.After(5 * time.Second):
			require.FailNow(t, "consumer not failed")
		}
		var chErr *ChannelError
		require.ErrorAs(t, consumer.Err(), &chErr)
		assert.ErrorIs(t, consumer.Err(), cause)
	}
	require.Eventually(t, func() bool { return opener.closes.Load() == 1 }, time.Second, time.Millisecond)

	a.Close()
	b.Close()
	assert.Equal(t, int32(1), opener.closes.Load())

	fresh, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)
	defer fresh.Close()
	assert.Equal(t, int32(2), opener.subscribes.Load())
}

func TestDistinctKeysDoNotShare(t *testing.T) {
	opener := &fakeOpener{}
	c, _ := newTestCoalescer(t, opener)

	a, err := c.Subscribe(context.Background(), Request{
		Method: "accountSubscribe", Params: []any{"A", map[string]any{"commitment": "confirmed"}},
	})
	require.NoError(t, err)
	defer a.Close()
	b, err := c.Subscribe(context.Background(), Request{
		Method: "accountSubscribe", Params: []any{"B", map[string]any{"commitment": "confirmed"}},
	})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, int32(2), opener.subscribes.Load())
}

func TestCloseFailsConsumers(t *testing.T) {
	opener := &fakeOpener{}
	c, _ := newTestCoalescer(t, opener)

	consumer, err := c.Subscribe(context.Background(), slotRequest)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	<-consumer.Done()
	assert.ErrorIs(t, consumer.Err(), ErrClosed)
	assert.Equal(t, int32(1), opener.closes.Load())

	_, err = c.Subscribe(context.Background(), slotRequest)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRequestKeyCanonicalisation(t *testing.T) {
	a, err := Request{Method: "m", Params: []any{map[string]any{"b": 1, "a": "x"}}}.Key()
	require.NoError(t, err)
	b, err := Request{Method: "m", Params: []any{map[string]any{"a": "x", "b": 1.0}}}.Key()
	require.NoError(t, err)
	c, err := Request{Method: "n", Params: []any{map[string]any{"a": "x", "b": 1}}}.Key()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, `m:[{"a":"x","b":1}]`, a)
}
