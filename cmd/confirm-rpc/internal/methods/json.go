package methods

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creachadair/jrpc2"
	pkgerrors "github.com/pkg/errors"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmation"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/signals"
)

var (
	errInvalidSignature = errors.New("expected a base58 transaction signature")
	errInvalidAddress   = errors.New("expected a base58 account address")
	errInvalidHash      = errors.New("expected a base58 hash")
)

// ConfirmationResponse reports how a confirmation wait ended.
type ConfirmationResponse struct {
	Signature string `json:"signature"`
	// Outcome is one of confirmed, expired, invalidated, rpc_failure or aborted.
	Outcome string `json:"outcome"`
	// Error describes why the transaction did not confirm.
	Error string `json:"error,omitempty"`
	// TransactionError is the ledger's error for a transaction which landed
	// but failed, along with the slot it landed in.
	TransactionError json.RawMessage `json:"transactionError,omitempty"`
	Slot             uint64          `json:"slot,omitempty"`
}

// NewConfirmationResponse renders outcome for sig.
func NewConfirmationResponse(sig ledger.Signature, outcome confirmation.Outcome) ConfirmationResponse {
	response := ConfirmationResponse{
		Signature: sig.String(),
		Outcome:   outcome.Kind.String(),
	}
	if err := outcome.Err(); err != nil {
		response.Error = err.Error()
	}
	var txErr *signals.TransactionError
	if errors.As(outcome.Cause, &txErr) {
		response.TransactionError = txErr.Err
		response.Slot = txErr.Slot
	}
	return response
}

func invalidParams(err error) *jrpc2.Error {
	return &jrpc2.Error{
		Code:    jrpc2.InvalidParams,
		Message: err.Error(),
	}
}

func parseSignature(field, value string) (ledger.Signature, error) {
	sig, err := ledger.ParseSignature(value)
	if err != nil {
		return ledger.Signature{}, pkgerrors.Wrapf(errInvalidSignature, "invalid '%s' %q", field, value)
	}
	return sig, nil
}

func parseAddress(field, value string) (ledger.Address, error) {
	addr, err := ledger.ParseAddress(value)
	if err != nil {
		return ledger.Address{}, pkgerrors.Wrapf(errInvalidAddress, "invalid '%s' %q", field, value)
	}
	return addr, nil
}

func parseHash(field, value string) (ledger.Hash, error) {
	hash, err := ledger.ParseHash(value)
	if err != nil {
		return ledger.Hash{}, pkgerrors.Wrapf(errInvalidHash, "invalid '%s' %q", field, value)
	}
	return hash, nil
}

// parseCommitment falls back to the server default when the request does
// not name a commitment.
func parseCommitment(value string, fallback ledger.Commitment) (ledger.Commitment, error) {
	if value == "" {
		return fallback, nil
	}
	commitment, err := ledger.ParseCommitment(value)
	if err != nil {
		return 0, fmt.Errorf("invalid 'commitment': %w", err)
	}
	return commitment, nil
}
