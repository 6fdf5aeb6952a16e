package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellar/go/support/log"
	"go.uber.org/atomic"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/subscriptions"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/util"
)

const (
	defaultPingInterval     = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	unsubscribeTimeout      = 5 * time.Second
	// maxOrphanNotifications bounds how many notifications are kept for a
	// subscription id whose subscribe response has not been processed yet.
	maxOrphanNotifications = 64
)

var (
	ErrTransportClosed  = errors.New("pubsub transport closed")
	ErrConnectionClosed = errors.New("pubsub connection closed")
)

type Config struct {
	URL          string
	Logger       *log.Entry
	Daemon       interfaces.Daemon
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Transport opens subscriptions over a single, lazily dialed websocket
// connection. When the connection is lost every subscription on it fails and
// the next Subscribe dials a new connection.
type Transport struct {
	url          string
	logger       *log.Entry
	dialer       *websocket.Dialer
	pingInterval time.Duration
	panicGroup   util.PanicGroup

	lock   sync.Mutex
	conn   *connection
	closed atomic.Bool

	dialsMetric         *prometheus.CounterVec
	notificationsMetric prometheus.Counter
	connectedMetric     prometheus.Gauge
}

func NewTransport(cfg Config) *Transport {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	logger := cfg.Logger.WithField("subservice", "pubsub")

	dialsMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "pubsub", Name: "dials_total",
		Help: "websocket dial attempts by status",
	}, []string{"status"})
	notificationsMetric := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "pubsub", Name: "notifications_total",
		Help: "subscription notifications received from the node",
	})
	connectedMetric := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "pubsub", Name: "connected",
		Help: "1 while a websocket connection to the node is open",
	})
	cfg.Daemon.MetricsRegistry().MustRegister(dialsMetric, notificationsMetric, connectedMetric)

	return &Transport{
		url:                 cfg.URL,
		logger:              logger,
		dialer:              dialer,
		pingInterval:        pingInterval,
		panicGroup:          util.RecoverablePanicGroup.Log(logger),
		dialsMetric:         dialsMetric,
		notificationsMetric: notificationsMetric,
		connectedMetric:     connectedMetric,
	}
}

// Subscribe sends req.Method with req.Params and returns the resulting
// subscription. The subscription id is only known to the transport.
func (t *Transport) Subscribe(ctx context.Context, req subscriptions.Request) (subscriptions.Channel, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	var id uint64
	if err := conn.cli.CallResult(ctx, req.Method, req.Params, &id); err != nil {
		return nil, fmt.Errorf("%s failed: %w", req.Method, err)
	}
	sub := newSubscription(conn, id, req.UnsubscribeMethod)
	conn.register(sub)
	t.panicGroup.Go(sub.pump)
	return sub, nil
}

// Close closes the current connection, failing its subscriptions. Further
// calls to Subscribe fail with ErrTransportClosed.
func (t *Transport) Close() error {
	t.closed.Store(true)
	t.lock.Lock()
	conn := t.conn
	t.conn = nil
	t.lock.Unlock()
	if conn == nil {
		return nil
	}
	return conn.close()
}

func (t *Transport) connect(ctx context.Context) (*connection, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if t.conn != nil && !t.conn.stopped.Load() {
		return t.conn, nil
	}

	ws, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.dialsMetric.With(prometheus.Labels{"status": "error"}).Inc()
		return nil, fmt.Errorf("could not dial %s: %w", t.url, err)
	}
	t.dialsMetric.With(prometheus.Labels{"status": "ok"}).Inc()
	t.logger.WithField("url", t.url).Debug("websocket connection established")

	conn := &connection{
		transport: t,
		ch:        newWSChannel(ws),
		subs:      map[uint64]*subscription{},
		orphans:   map[uint64][]json.RawMessage{},
		done:      make(chan struct{}),
	}
	conn.cli = jrpc2.NewClient(conn.ch, &jrpc2.ClientOptions{
		OnNotify: conn.notify,
		OnStop:   conn.onStop,
	})
	t.conn = conn
	t.connectedMetric.Set(1)
	t.panicGroup.Go(conn.keepalive)
	return conn, nil
}

type connection struct {
	transport *Transport
	ch        *wsChannel
	cli       *jrpc2.Client
	stopped   atomic.Bool
	done      chan struct{}

	lock    sync.Mutex
	subs    map[uint64]*subscription
	orphans map[uint64][]json.RawMessage
	stopErr error
}

type notificationParams struct {
	Result       json.RawMessage `json:"result"`
	Subscription uint64          `json:"subscription"`
}

// notify runs on the jrpc2 client's reader goroutine and must not block.
func (c *connection) notify(req *jrpc2.Request) {
	var params notificationParams
	if err := req.UnmarshalParams(&params); err != nil {
		c.transport.logger.WithError(err).WithField("method", req.Method()).
			Warn("dropping malformed notification")
		return
	}
	c.transport.notificationsMetric.Inc()

	c.lock.Lock()
	sub, ok := c.subs[params.Subscription]
	if !ok {
		// The subscribe response may not have been handled yet.
		pending := c.orphans[params.Subscription]
		if len(pending) < maxOrphanNotifications {
			c.orphans[params.Subscription] = append(pending, params.Result)
		}
		c.lock.Unlock()
		return
	}
	c.lock.Unlock()
	sub.push(params.Result)
}

func (c *connection) register(sub *subscription) {
	c.lock.Lock()
	if c.stopErr != nil {
		err := c.stopErr
		c.lock.Unlock()
		sub.fail(err)
		return
	}
	c.subs[sub.id] = sub
	pending := c.orphans[sub.id]
	delete(c.orphans, sub.id)
	c.lock.Unlock()

	for _, msg := range pending {
		sub.push(msg)
	}
}

func (c *connection) unregister(id uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.subs, id)
}

func (c *connection) onStop(_ *jrpc2.Client, err error) {
	if err == nil {
		err = ErrConnectionClosed
	} else {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	c.stopped.Store(true)

	c.lock.Lock()
	if c.stopErr != nil {
		c.lock.Unlock()
		return
	}
	c.stopErr = err
	subs := c.subs
	c.subs = map[uint64]*subscription{}
	c.orphans = map[uint64][]json.RawMessage{}
	c.lock.Unlock()

	close(c.done)
	c.transport.connectedMetric.Set(0)
	c.transport.logger.WithError(err).WithField("subscriptions", len(subs)).
		Info("websocket connection stopped")
	for _, sub := range subs {
		sub.fail(err)
	}
}

func (c *connection) keepalive() {
	ticker := time.NewTicker(c.transport.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ch.ping(); err != nil {
				c.transport.logger.WithError(err).Info("websocket ping failed, closing connection")
				_ = c.ch.Close()
				return
			}
		}
	}
}

func (c *connection) close() error {
	c.stopped.Store(true)
	err := c.cli.Close()
	c.onStop(c.cli, nil)
	return err
}

func (c *connection) unsubscribe(method string, id uint64) error {
	if c.stopped.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	var ok bool
	if err := c.cli.CallResult(ctx, method, []any{id}, &ok); err != nil {
		return fmt.Errorf("%s %d failed: %w", method, id, err)
	}
	return nil
}
