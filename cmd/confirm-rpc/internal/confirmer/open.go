package confirmer

import (
	"fmt"
	"time"

	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmation"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/db"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/pubsub"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/rpcclient"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/signals"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/subscriptions"
)

// EndpointConfig describes the node a Confirmer talks to.
type EndpointConfig struct {
	Logger *log.Entry
	Daemon interfaces.Daemon

	RPCURL string
	// WebsocketURL is derived from RPCURL when empty.
	WebsocketURL string
	// PollOnly disables push subscriptions.
	PollOnly bool

	RequestTimeout         time.Duration
	WebsocketPingInterval  time.Duration
	SubscriptionBufferSize int
	Signals                signals.Config
	ConfirmationTimeout    time.Duration

	Recorder db.ConfirmationWriter
}

// Open wires a Confirmer to a node: a poll client, a websocket transport
// shared through a coalescer, and the confirmation engine on top. The
// returned Client is the poll client, for callers which need direct
// access to the node.
func Open(cfg EndpointConfig) (*Confirmer, *rpcclient.Client, error) {
	client := rpcclient.NewClient(rpcclient.Config{
		URL:            cfg.RPCURL,
		Logger:         cfg.Logger,
		Daemon:         cfg.Daemon,
		RequestTimeout: cfg.RequestTimeout,
	})
	closers := []func() error{client.Close}

	signalCfg := cfg.Signals
	signalCfg.Logger = cfg.Logger
	if !cfg.PollOnly {
		wsURL := cfg.WebsocketURL
		if wsURL == "" {
			derived, err := pubsub.DeriveWebsocketURL(cfg.RPCURL)
			if err != nil {
				_ = client.Close()
				return nil, nil, fmt.Errorf("could not derive websocket url: %w", err)
			}
			wsURL = derived
		}
		transport := pubsub.NewTransport(pubsub.Config{
			URL:          wsURL,
			Logger:       cfg.Logger,
			Daemon:       cfg.Daemon,
			PingInterval: cfg.WebsocketPingInterval,
		})
		coalescer := subscriptions.NewCoalescer(subscriptions.Config{
			Opener:     transport,
			Logger:     cfg.Logger,
			Daemon:     cfg.Daemon,
			BufferSize: cfg.SubscriptionBufferSize,
		})
		// the coalescer must close before the transport it subscribes through
		closers = append(closers, transport.Close, coalescer.Close)
		signalCfg.Subscriber = coalescer
	}

	engine := confirmation.NewEngine(confirmation.Config{
		Logger:  cfg.Logger,
		Daemon:  cfg.Daemon,
		Node:    client,
		Signals: signalCfg,
	})
	c := New(Config{
		Logger:              cfg.Logger,
		Sender:              client,
		Waiter:              engine,
		Recorder:            cfg.Recorder,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	})
	c.closers = closers
	return c, client, nil
}
