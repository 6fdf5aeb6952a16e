package signals

import (
	"context"
	"encoding/json"

	"github.com/cenkalti/backoff/v4"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/pubsub"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/rpcclient"
)

type SignatureStatusReader interface {
	GetSignatureStatus(ctx context.Context, sig ledger.Signature) (*rpcclient.SignatureStatus, error)
}

// SignatureSignal waits for a transaction to reach a commitment.
type SignatureSignal struct {
	waiter
	statuses SignatureStatusReader
}

func NewSignatureSignal(cfg Config, statuses SignatureStatusReader) *SignatureSignal {
	return &SignatureSignal{
		waiter:   newWaiter(cfg, "signature"),
		statuses: statuses,
	}
}

// Wait returns nil once sig reached commitment. A transaction which landed
// with an on-chain error ends the wait with a *TransactionError, whatever
// commitment it was observed at.
func (s *SignatureSignal) Wait(ctx context.Context, sig ledger.Signature, commitment ledger.Commitment) error {
	poll := func(ctx context.Context) (bool, error) {
		status, err := s.statuses.GetSignatureStatus(ctx, sig)
		if err != nil || status == nil {
			return false, err
		}
		return StatusReached(status, commitment)
	}
	push := func(ctx context.Context, _ chan<- struct{}) error {
		return s.follow(ctx, pubsub.SignatureRequest(sig, commitment), func(msg json.RawMessage) (bool, error) {
			n, err := pubsub.DecodeSignatureNotification(msg)
			if err != nil {
				return false, err
			}
			if n.Failed() {
				return true, backoff.Permanent(&TransactionError{Slot: n.Context.Slot, Err: n.Value.Err})
			}
			// The node only notifies once the requested commitment is reached.
			return true, nil
		})
	}
	return s.wait(ctx, poll, push)
}

// StatusReached reports whether status shows the transaction at commitment
// or above. Failed transactions yield a permanent *TransactionError.
func StatusReached(status *rpcclient.SignatureStatus, commitment ledger.Commitment) (bool, error) {
	if status.Failed() {
		return true, backoff.Permanent(&TransactionError{Slot: status.Slot, Err: status.Err})
	}
	observed, ok := status.Commitment()
	return ok && observed.AtLeast(commitment), nil
}
