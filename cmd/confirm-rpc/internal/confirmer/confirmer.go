package confirmer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmation"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/db"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/rpcclient"
)

type TransactionSender interface {
	SendTransaction(ctx context.Context, wire []byte, opts rpcclient.SendOptions) (ledger.Signature, error)
}

type Waiter interface {
	WaitForConfirmation(
		ctx context.Context,
		sig ledger.Signature,
		commitment ledger.Commitment,
		lifetime ledger.LifetimeConstraint,
	) confirmation.Outcome
}

type Config struct {
	Logger *log.Entry
	Sender TransactionSender
	Waiter Waiter
	// Recorder is optional.
	Recorder db.ConfirmationWriter
	// ConfirmationTimeout bounds every wait when positive. A wait cut short
	// by it ends Aborted.
	ConfirmationTimeout time.Duration
}

// Confirmer submits transactions and waits for their confirmation.
type Confirmer struct {
	logger   *log.Entry
	sender   TransactionSender
	waiter   Waiter
	recorder db.ConfirmationWriter
	timeout  time.Duration
	closers  []func() error
}

func New(cfg Config) *Confirmer {
	return &Confirmer{
		logger:   cfg.Logger.WithField("subservice", "confirmer"),
		sender:   cfg.Sender,
		waiter:   cfg.Waiter,
		recorder: cfg.Recorder,
		timeout:  cfg.ConfirmationTimeout,
	}
}

// SendAndConfirm submits tx with preflight at commitment and waits for it
// to reach commitment. A failed submission ends RPCFailure, or Aborted if
// ctx ended first.
func (c *Confirmer) SendAndConfirm(
	ctx context.Context,
	tx Transaction,
	commitment ledger.Commitment,
) (ledger.Signature, confirmation.Outcome) {
	sig, err := c.sender.SendTransaction(ctx, tx.Wire, rpcclient.SendOptions{PreflightCommitment: commitment})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tx.Signature, confirmation.Outcome{Kind: confirmation.Aborted, Cause: ctxErr}
		}
		return tx.Signature, confirmation.Outcome{
			Kind:  confirmation.RPCFailure,
			Cause: fmt.Errorf("could not send transaction %s: %w", tx.Signature, err),
		}
	}
	if sig != tx.Signature {
		c.logger.WithField("expected", tx.Signature.String()).WithField("returned", sig.String()).
			Warn("node returned an unexpected signature")
	}
	return sig, c.WaitForConfirmation(ctx, sig, commitment, tx.Lifetime)
}

// WaitForConfirmation waits for an already submitted transaction.
func (c *Confirmer) WaitForConfirmation(
	ctx context.Context,
	sig ledger.Signature,
	commitment ledger.Commitment,
	lifetime ledger.LifetimeConstraint,
) confirmation.Outcome {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.recordStart(ctx, sig, commitment, lifetime)
	outcome := c.waiter.WaitForConfirmation(ctx, sig, commitment, lifetime)
	c.recordOutcome(ctx, id, outcome)
	return outcome
}

func (c *Confirmer) recordStart(
	ctx context.Context,
	sig ledger.Signature,
	commitment ledger.Commitment,
	lifetime ledger.LifetimeConstraint,
) string {
	if c.recorder == nil || lifetime == nil {
		return ""
	}
	id, err := c.recorder.RecordStart(ctx, db.Attempt{Signature: sig, Commitment: commitment, Lifetime: lifetime})
	if err != nil {
		c.logger.WithError(err).WithField("signature", sig.String()).Warn("could not record confirmation")
		return ""
	}
	return id
}

func (c *Confirmer) recordOutcome(ctx context.Context, id string, outcome confirmation.Outcome) {
	if id == "" {
		return
	}
	// the outcome is recorded even when ctx ended the wait
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.recorder.RecordOutcome(ctx, id, outcome.Kind.String(), outcome.Cause); err != nil {
		c.logger.WithError(err).WithField("id", id).Warn("could not record confirmation outcome")
	}
}

// Close releases the resources opened by Open.
func (c *Confirmer) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}
