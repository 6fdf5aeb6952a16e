package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/signals"
)

// Node is the poll side of the ledger RPC API used by the engine.
type Node interface {
	signals.SignatureStatusReader
	signals.EpochInfoReader
	signals.AccountReader
}

type Config struct {
	Logger  *log.Entry
	Daemon  interfaces.Daemon
	Node    Node
	Signals signals.Config
}

// Engine races a transaction's confirmation against the expiry of its
// lifetime.
type Engine struct {
	logger    *log.Entry
	node      Node
	signature *signals.SignatureSignal
	height    *signals.BlockHeightSignal
	nonce     *signals.NonceSignal

	outcomeMetric  *prometheus.CounterVec
	durationMetric *prometheus.SummaryVec
}

func NewEngine(cfg Config) *Engine {
	outcomeMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "confirmation", Name: "outcomes_total",
		Help: "confirmation outcomes by kind and lifetime constraint",
	}, []string{"outcome", "lifetime"})
	durationMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "confirmation", Name: "wait_duration_seconds",
		Help:       "confirmation wait durations, sliding window = 10m",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"outcome"})
	cfg.Daemon.MetricsRegistry().MustRegister(outcomeMetric, durationMetric)

	signalCfg := cfg.Signals
	if signalCfg.Logger == nil {
		signalCfg.Logger = cfg.Logger
	}
	return &Engine{
		logger:         cfg.Logger.WithField("subservice", "confirmation"),
		node:           cfg.Node,
		signature:      signals.NewSignatureSignal(signalCfg, cfg.Node),
		height:         signals.NewBlockHeightSignal(signalCfg, cfg.Node),
		nonce:          signals.NewNonceSignal(signalCfg, cfg.Node),
		outcomeMetric:  outcomeMetric,
		durationMetric: durationMetric,
	}
}

// WaitForConfirmation dispatches on the kind of lifetime.
func (e *Engine) WaitForConfirmation(
	ctx context.Context,
	sig ledger.Signature,
	commitment ledger.Commitment,
	lifetime ledger.LifetimeConstraint,
) Outcome {
	switch l := lifetime.(type) {
	case ledger.BlockhashLifetime:
		return e.WaitForRecentTransactionConfirmation(ctx, sig, commitment, l)
	case ledger.NonceLifetime:
		return e.WaitForDurableNonceTransactionConfirmation(ctx, sig, commitment, l)
	default:
		return Outcome{Kind: RPCFailure, Cause: fmt.Errorf("unsupported lifetime constraint %T", lifetime)}
	}
}

// WaitForRecentTransactionConfirmation waits until sig reaches commitment or
// the block height passes lifetime.LastValidBlockHeight.
func (e *Engine) WaitForRecentTransactionConfirmation(
	ctx context.Context,
	sig ledger.Signature,
	commitment ledger.Commitment,
	lifetime ledger.BlockhashLifetime,
) Outcome {
	doom := func(ctx context.Context) error {
		return e.height.Wait(ctx, lifetime.LastValidBlockHeight, commitment)
	}
	return e.race(ctx, sig, commitment, lifetime, doom, Expired)
}

// WaitForDurableNonceTransactionConfirmation waits until sig reaches
// commitment or the nonce stored in lifetime.NonceAccount advances.
func (e *Engine) WaitForDurableNonceTransactionConfirmation(
	ctx context.Context,
	sig ledger.Signature,
	commitment ledger.Commitment,
	lifetime ledger.NonceLifetime,
) Outcome {
	doom := func(ctx context.Context) error {
		return e.nonce.Wait(ctx, lifetime.NonceAccount, lifetime.ExpectedNonce, commitment)
	}
	return e.race(ctx, sig, commitment, lifetime, doom, Invalidated)
}

type branchResult struct {
	success bool
	err     error
}

func (e *Engine) race(
	ctx context.Context,
	sig ledger.Signature,
	commitment ledger.Commitment,
	lifetime ledger.LifetimeConstraint,
	doom func(ctx context.Context) error,
	doomKind OutcomeKind,
) Outcome {
	startTime := time.Now()
	logger := e.logger.WithFields(log.F{
		"signature":  sig.String(),
		"commitment": commitment.String(),
		"lifetime":   lifetimeLabel(lifetime),
	})

	raceCtx, cancel := context.WithCancel(ctx)
	results := make(chan branchResult, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- branchResult{success: true, err: e.signature.Wait(raceCtx, sig, commitment)}
	}()
	go func() {
		defer wg.Done()
		results <- branchResult{success: false, err: doom(raceCtx)}
	}()

	first := <-results
	cancel()
	wg.Wait()

	outcome := classify(ctx, first, doomKind)
	if outcome.Kind == doomKind {
		outcome = e.recheck(ctx, logger, sig, commitment, outcome)
	}

	e.outcomeMetric.With(prometheus.Labels{
		"outcome": outcome.Kind.String(), "lifetime": lifetimeLabel(lifetime),
	}).Inc()
	e.durationMetric.With(prometheus.Labels{"outcome": outcome.Kind.String()}).
		Observe(time.Since(startTime).Seconds())
	entry := logger.WithField("outcome", outcome.Kind.String()).WithField("duration", time.Since(startTime))
	if outcome.Cause != nil {
		entry = entry.WithError(outcome.Cause)
	}
	entry.Debug("confirmation settled")
	return outcome
}

func classify(ctx context.Context, first branchResult, doomKind OutcomeKind) Outcome {
	switch {
	case first.err == nil && first.success:
		return Outcome{Kind: Confirmed}
	case first.err == nil:
		return Outcome{Kind: doomKind}
	case ctx.Err() != nil && isContextError(first.err):
		return Outcome{Kind: Aborted, Cause: ctx.Err()}
	default:
		return Outcome{Kind: RPCFailure, Cause: first.err}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// recheck looks up the signature once more after a doom condition won: the
// transaction may have landed between the last status observation and the
// doom observation.
func (e *Engine) recheck(
	ctx context.Context,
	logger *log.Entry,
	sig ledger.Signature,
	commitment ledger.Commitment,
	doomed Outcome,
) Outcome {
	status, err := e.node.GetSignatureStatus(ctx, sig)
	if err != nil {
		logger.WithError(err).Debug("final status check failed")
		return doomed
	}
	if status == nil {
		return doomed
	}
	reached, err := signals.StatusReached(status, commitment)
	if err != nil {
		var txErr *signals.TransactionError
		if errors.As(err, &txErr) {
			return Outcome{Kind: RPCFailure, Cause: txErr}
		}
		return doomed
	}
	if reached {
		return Outcome{Kind: Confirmed}
	}
	return doomed
}
