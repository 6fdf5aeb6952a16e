package methods

import (
	"context"
	"errors"

	"github.com/creachadair/jrpc2"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmation"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmer"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

var (
	errMissingTransaction = errors.New("'transaction' is required")
	errMissingSignature   = errors.New("'signature' is required")
	errAmbiguousLifetime  = errors.New("'lifetime' needs either 'blockhash' and 'lastValidBlockHeight' or 'nonceAccount' and 'nonce'")
)

// Confirmer submits transactions and waits for their confirmation.
type Confirmer interface {
	SendAndConfirm(
		ctx context.Context,
		tx confirmer.Transaction,
		commitment ledger.Commitment,
	) (ledger.Signature, confirmation.Outcome)
	WaitForConfirmation(
		ctx context.Context,
		sig ledger.Signature,
		commitment ledger.Commitment,
		lifetime ledger.LifetimeConstraint,
	) confirmation.Outcome
}

type SendAndConfirmTransactionRequest struct {
	// Transaction is the base64 encoded signed transaction.
	Transaction string `json:"transaction"`
	// LastValidBlockHeight bounds blockhash transactions. It is ignored for
	// durable nonce transactions.
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight,omitempty"`
	Commitment           string `json:"commitment,omitempty"`
}

// NewSendAndConfirmTransactionHandler returns a json rpc handler which
// submits a transaction and blocks until it confirms or can no longer land.
func NewSendAndConfirmTransactionHandler(
	logger *log.Entry,
	c Confirmer,
	defaultCommitment ledger.Commitment,
) jrpc2.Handler {
	return NewHandler(func(ctx context.Context, request SendAndConfirmTransactionRequest) (ConfirmationResponse, error) {
		if request.Transaction == "" {
			return ConfirmationResponse{}, invalidParams(errMissingTransaction)
		}
		commitment, err := parseCommitment(request.Commitment, defaultCommitment)
		if err != nil {
			return ConfirmationResponse{}, invalidParams(err)
		}
		tx, err := confirmer.DecodeTransaction(request.Transaction, request.LastValidBlockHeight)
		if err != nil {
			return ConfirmationResponse{}, invalidParams(err)
		}

		sig, outcome := c.SendAndConfirm(ctx, tx, commitment)
		logger.WithField("signature", sig.String()).
			WithField("outcome", outcome.Kind.String()).
			Debug("send and confirm finished")
		return NewConfirmationResponse(sig, outcome), nil
	})
}

// LifetimeParams is the JSON form of a lifetime constraint. Exactly one of
// the two pairs is set.
type LifetimeParams struct {
	Blockhash            string `json:"blockhash,omitempty"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight,omitempty"`
	NonceAccount         string `json:"nonceAccount,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
}

func (p LifetimeParams) Parse() (ledger.LifetimeConstraint, error) {
	blockhashSet := p.Blockhash != "" || p.LastValidBlockHeight != 0
	nonceSet := p.NonceAccount != "" || p.Nonce != ""
	switch {
	case blockhashSet && !nonceSet:
		if p.LastValidBlockHeight == 0 {
			return nil, confirmer.ErrMissingLastValidBlockHeight
		}
		lifetime := ledger.BlockhashLifetime{LastValidBlockHeight: p.LastValidBlockHeight}
		if p.Blockhash != "" {
			hash, err := parseHash("blockhash", p.Blockhash)
			if err != nil {
				return nil, err
			}
			lifetime.Blockhash = hash
		}
		return lifetime, nil
	case nonceSet && !blockhashSet:
		account, err := parseAddress("nonceAccount", p.NonceAccount)
		if err != nil {
			return nil, err
		}
		nonce, err := parseHash("nonce", p.Nonce)
		if err != nil {
			return nil, err
		}
		return ledger.NonceLifetime{NonceAccount: account, ExpectedNonce: nonce}, nil
	default:
		return nil, errAmbiguousLifetime
	}
}

type WaitForTransactionConfirmationRequest struct {
	Signature  string         `json:"signature"`
	Commitment string         `json:"commitment,omitempty"`
	Lifetime   LifetimeParams `json:"lifetime"`
}

// NewWaitForTransactionConfirmationHandler returns a json rpc handler which
// waits for an already submitted transaction.
func NewWaitForTransactionConfirmationHandler(
	logger *log.Entry,
	c Confirmer,
	defaultCommitment ledger.Commitment,
) jrpc2.Handler {
	return NewHandler(func(
		ctx context.Context,
		request WaitForTransactionConfirmationRequest,
	) (ConfirmationResponse, error) {
		if request.Signature == "" {
			return ConfirmationResponse{}, invalidParams(errMissingSignature)
		}
		sig, err := parseSignature("signature", request.Signature)
		if err != nil {
			return ConfirmationResponse{}, invalidParams(err)
		}
		commitment, err := parseCommitment(request.Commitment, defaultCommitment)
		if err != nil {
			return ConfirmationResponse{}, invalidParams(err)
		}
		lifetime, err := request.Lifetime.Parse()
		if err != nil {
			return ConfirmationResponse{}, invalidParams(err)
		}

		outcome := c.WaitForConfirmation(ctx, sig, commitment, lifetime)
		logger.WithField("signature", sig.String()).
			WithField("outcome", outcome.Kind.String()).
			Debug("confirmation wait finished")
		return NewConfirmationResponse(sig, outcome), nil
	})
}
