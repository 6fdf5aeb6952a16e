package methods

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/gagliardetto/solana-go"
	"github.com/stellar/go/support/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/db"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

type fakeConfirmationReader struct {
	records map[ledger.Signature]db.Confirmation
	err     error
}

func (r fakeConfirmationReader) GetConfirmation(_ context.Context, sig ledger.Signature) (db.Confirmation, error) {
	if r.err != nil {
		return db.Confirmation{}, r.err
	}
	record, ok := r.records[sig]
	if !ok {
		return db.Confirmation{}, db.ErrNoConfirmation
	}
	return record, nil
}

func (r fakeConfirmationReader) CountConfirmations(context.Context) (int, error) {
	return len(r.records), r.err
}

func TestGetConfirmation(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pending := solana.Signature{1}
	finished := solana.Signature{2}
	reader := fakeConfirmationReader{records: map[ledger.Signature]db.Confirmation{
		pending: {
			Signature:            pending.String(),
			Commitment:           "confirmed",
			Lifetime:             "blockhash",
			LastValidBlockHeight: sql.NullInt64{Int64: 1234, Valid: true},
			StartedAt:            started.UnixNano(),
		},
		finished: {
			Signature:     finished.String(),
			Commitment:    "finalized",
			Lifetime:      "durable_nonce",
			NonceAccount:  sql.NullString{String: "acct", Valid: true},
			ExpectedNonce: sql.NullString{String: "nonce", Valid: true},
			Outcome:       sql.NullString{String: "invalidated", Valid: true},
			Error:         sql.NullString{String: "durable nonce advanced", Valid: true},
			StartedAt:     started.UnixNano(),
			FinishedAt:    sql.NullInt64{Int64: started.Add(3 * time.Second).UnixNano(), Valid: true},
		},
	}}

	response, err := GetConfirmation(context.Background(), log.DefaultLogger, reader,
		GetConfirmationRequest{Signature: pending.String()})
	require.NoError(t, err)
	assert.Equal(t, GetConfirmationResponse{
		Status:               ConfirmationStatusPending,
		Signature:            pending.String(),
		Commitment:           "confirmed",
		Lifetime:             "blockhash",
		LastValidBlockHeight: 1234,
		StartedAt:            started.UnixMilli(),
	}, response)

	response, err = GetConfirmation(context.Background(), log.DefaultLogger, reader,
		GetConfirmationRequest{Signature: finished.String()})
	require.NoError(t, err)
	assert.Equal(t, ConfirmationStatusFinished, response.Status)
	assert.Equal(t, "invalidated", response.Outcome)
	assert.Equal(t, "durable nonce advanced", response.Error)
	assert.Equal(t, "acct", response.NonceAccount)
	assert.Equal(t, "nonce", response.Nonce)
	assert.Equal(t, int64(3000), response.FinishedAt-response.StartedAt)

	response, err = GetConfirmation(context.Background(), log.DefaultLogger, reader,
		GetConfirmationRequest{Signature: solana.Signature{3}.String()})
	require.NoError(t, err)
	assert.Equal(t, ConfirmationStatusNotFound, response.Status)
}

func TestGetConfirmationErrors(t *testing.T) {
	h := NewGetConfirmationHandler(log.DefaultLogger, fakeConfirmationReader{err: errors.New("disk I/O error")})

	_, err := call(t, h, `{"signature": ""}`)
	requireInvalidParams(t, err, "'signature' is required")

	_, err = call(t, h, `{"signature": "`+solana.Signature{3}.String()+`"}`)
	var rpcErr *jrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jrpc2.InternalError, rpcErr.Code)
	assert.Equal(t, "disk I/O error", rpcErr.Message)
}
