package confirmation

import (
	"errors"
	"fmt"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

// OutcomeKind says how a confirmation wait ended.
type OutcomeKind int

const (
	Confirmed OutcomeKind = iota + 1
	// Expired means the block height passed the last valid block height.
	Expired
	// Invalidated means the durable nonce advanced.
	Invalidated
	RPCFailure
	// Aborted means the caller gave up.
	Aborted
)

var outcomeKindNames = map[OutcomeKind]string{
	Confirmed:   "confirmed",
	Expired:     "expired",
	Invalidated: "invalidated",
	RPCFailure:  "rpc_failure",
	Aborted:     "aborted",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	if _, ok := outcomeKindNames[k]; !ok {
		return nil, fmt.Errorf("invalid outcome kind %d", int(k))
	}
	return []byte(k.String()), nil
}

var (
	ErrBlockHeightExceeded = errors.New("block height exceeded, transaction expired")
	ErrNonceInvalidated    = errors.New("durable nonce advanced, transaction invalidated")
)

// Outcome is the single result of a confirmation wait. Cause is set for
// RPCFailure and Aborted.
type Outcome struct {
	Kind  OutcomeKind
	Cause error
}

// Err converts the outcome to an error, nil for Confirmed.
func (o Outcome) Err() error {
	switch o.Kind {
	case Confirmed:
		return nil
	case Expired:
		return ErrBlockHeightExceeded
	case Invalidated:
		return ErrNonceInvalidated
	case RPCFailure:
		if o.Cause == nil {
			return errors.New("rpc failure")
		}
		return o.Cause
	case Aborted:
		if o.Cause == nil {
			return errors.New("confirmation aborted")
		}
		return o.Cause
	default:
		return fmt.Errorf("unknown outcome %s", o.Kind)
	}
}

func lifetimeLabel(lifetime ledger.LifetimeConstraint) string {
	return string(lifetime.Kind())
}
