package methods

import (
	"context"
	"errors"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/db"
)

const (
	// ConfirmationStatusNotFound indicates no attempt was recorded for the
	// signature.
	ConfirmationStatusNotFound = "NOT_FOUND"
	// ConfirmationStatusPending indicates the latest attempt is still waiting.
	ConfirmationStatusPending = "PENDING"
	// ConfirmationStatusFinished indicates the latest attempt has an outcome.
	ConfirmationStatusFinished = "FINISHED"
)

type GetConfirmationRequest struct {
	Signature string `json:"signature"`
}

// GetConfirmationResponse describes the latest recorded confirmation attempt
// for a signature.
type GetConfirmationResponse struct {
	Status     string `json:"status"`
	Signature  string `json:"signature"`
	Commitment string `json:"commitment,omitempty"`
	Lifetime   string `json:"lifetime,omitempty"`

	LastValidBlockHeight uint64 `json:"lastValidBlockHeight,omitempty"`
	NonceAccount         string `json:"nonceAccount,omitempty"`
	Nonce                string `json:"nonce,omitempty"`

	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`

	// StartedAt and FinishedAt are unix timestamps in milliseconds.
	StartedAt  int64 `json:"startedAt,string,omitempty"`
	FinishedAt int64 `json:"finishedAt,string,omitempty"`
}

func GetConfirmation(
	ctx context.Context,
	log *log.Entry,
	reader db.ConfirmationReader,
	request GetConfirmationRequest,
) (GetConfirmationResponse, error) {
	if request.Signature == "" {
		return GetConfirmationResponse{}, invalidParams(errMissingSignature)
	}
	sig, err := parseSignature("signature", request.Signature)
	if err != nil {
		return GetConfirmationResponse{}, invalidParams(err)
	}

	response := GetConfirmationResponse{Signature: sig.String()}
	record, err := reader.GetConfirmation(ctx, sig)
	if errors.Is(err, db.ErrNoConfirmation) {
		response.Status = ConfirmationStatusNotFound
		return response, nil
	} else if err != nil {
		log.WithError(err).
			WithField("signature", response.Signature).
			Errorf("failed to fetch confirmation")
		return response, &jrpc2.Error{
			Code:    jrpc2.InternalError,
			Message: err.Error(),
		}
	}

	response.Commitment = record.Commitment
	response.Lifetime = record.Lifetime
	if record.LastValidBlockHeight.Valid {
		// the journal only stores non-negative heights
		response.LastValidBlockHeight = uint64(record.LastValidBlockHeight.Int64)
	}
	response.NonceAccount = record.NonceAccount.String
	response.Nonce = record.ExpectedNonce.String
	response.StartedAt = record.StartTime().UnixMilli()
	response.Status = ConfirmationStatusPending
	if record.Outcome.Valid {
		response.Status = ConfirmationStatusFinished
		response.Outcome = record.Outcome.String
		response.Error = record.Error.String
	}
	if record.FinishedAt.Valid {
		response.FinishedAt = time.Unix(0, record.FinishedAt.Int64).UnixMilli()
	}
	return response, nil
}

// NewGetConfirmationHandler returns a json rpc handler reading the
// confirmation journal
func NewGetConfirmationHandler(logger *log.Entry, reader db.ConfirmationReader) jrpc2.Handler {
	return NewHandler(func(ctx context.Context, request GetConfirmationRequest) (GetConfirmationResponse, error) {
		return GetConfirmation(ctx, logger, reader, request)
	})
}
