package confirmer

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/gagliardetto/solana-go"
	"github.com/stellar/go/support/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmation"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/db"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/rpcclient"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendTransaction(ctx context.Context, wire []byte, opts rpcclient.SendOptions) (ledger.Signature, error) {
	args := m.Called(ctx, wire, opts)
	return args.Get(0).(ledger.Signature), args.Error(1)
}

type mockWaiter struct {
	mock.Mock
}

func (m *mockWaiter) WaitForConfirmation(
	ctx context.Context, sig ledger.Signature, commitment ledger.Commitment, lifetime ledger.LifetimeConstraint,
) confirmation.Outcome {
	args := m.Called(ctx, sig, commitment, lifetime)
	return args.Get(0).(confirmation.Outcome)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordStart(ctx context.Context, attempt db.Attempt) (string, error) {
	args := m.Called(ctx, attempt)
	return args.String(0), args.Error(1)
}

func (m *mockRecorder) RecordOutcome(ctx context.Context, id string, outcome string, cause error) error {
	args := m.Called(ctx, id, outcome, cause)
	return args.Error(0)
}

var (
	testSig      = solana.Signature{0x42}
	testLifetime = ledger.BlockhashLifetime{Blockhash: solana.Hash{1}, LastValidBlockHeight: 300}
)

func TestSendAndConfirm(t *testing.T) {
	sender, waiter, recorder := &mockSender{}, &mockWaiter{}, &mockRecorder{}
	c := New(Config{Logger: log.DefaultLogger, Sender: sender, Waiter: waiter, Recorder: recorder})
	tx := Transaction{Wire: []byte{1, 2, 3}, Signature: testSig, Lifetime: testLifetime}

	sender.On("SendTransaction", mock.Anything, tx.Wire, rpcclient.SendOptions{PreflightCommitment: ledger.Confirmed}).
		Return(testSig, nil).Once()
	recorder.On("RecordStart", mock.Anything, db.Attempt{Signature: testSig, Commitment: ledger.Confirmed, Lifetime: testLifetime}).
		Return("attempt-1", nil).Once()
	waiter.On("WaitForConfirmation", mock.Anything, testSig, ledger.Confirmed, ledger.LifetimeConstraint(testLifetime)).
		Return(confirmation.Outcome{Kind: confirmation.Confirmed}).Once()
	recorder.On("RecordOutcome", mock.Anything, "attempt-1", "confirmed", nil).Return(nil).Once()

	sig, outcome := c.SendAndConfirm(context.Background(), tx, ledger.Confirmed)
	assert.Equal(t, testSig, sig)
	assert.Equal(t, confirmation.Confirmed, outcome.Kind)
	sender.AssertExpectations(t)
	waiter.AssertExpectations(t)
	recorder.AssertExpectations(t)
}

func TestSendFailureSkipsWait(t *testing.T) {
	sender, waiter := &mockSender{}, &mockWaiter{}
	c := New(Config{Logger: log.DefaultLogger, Sender: sender, Waiter: waiter})
	preflight := &jrpc2.Error{Code: -32002, Message: "Transaction simulation failed"}
	sender.On("SendTransaction", mock.Anything, mock.Anything, mock.Anything).
		Return(ledger.Signature{}, preflight).Once()

	sig, outcome := c.SendAndConfirm(context.Background(),
		Transaction{Wire: []byte{1}, Signature: testSig, Lifetime: testLifetime}, ledger.Finalized)
	assert.Equal(t, testSig, sig)
	assert.Equal(t, confirmation.RPCFailure, outcome.Kind)
	assert.True(t, rpcclient.IsPreflightFailure(outcome.Err()))
	waiter.AssertNotCalled(t, "WaitForConfirmation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendAbortedByCaller(t *testing.T) {
	sender := &mockSender{}
	c := New(Config{Logger: log.DefaultLogger, Sender: sender, Waiter: &mockWaiter{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender.On("SendTransaction", mock.Anything, mock.Anything, mock.Anything).
		Return(ledger.Signature{}, context.Canceled).Once()

	_, outcome := c.SendAndConfirm(ctx, Transaction{Signature: testSig, Lifetime: testLifetime}, ledger.Confirmed)
	assert.Equal(t, confirmation.Aborted, outcome.Kind)
	assert.ErrorIs(t, outcome.Err(), context.Canceled)
}

func TestConfirmationTimeoutIsApplied(t *testing.T) {
	waiter, recorder := &mockWaiter{}, &mockRecorder{}
	c := New(Config{
		Logger:              log.DefaultLogger,
		Waiter:              waiter,
		Recorder:            recorder,
		ConfirmationTimeout: time.Minute,
	})
	recorder.On("RecordStart", mock.Anything, mock.Anything).Return("attempt-2", nil).Once()
	waiter.On("WaitForConfirmation", mock.MatchedBy(func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= time.Minute
	}), testSig, ledger.Finalized, mock.Anything).
		Return(confirmation.Outcome{Kind: confirmation.Aborted, Cause: context.DeadlineExceeded}).Once()
	// the outcome is recorded with a live context even though the wait timed out
	recorder.On("RecordOutcome", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }),
		"attempt-2", "aborted", context.DeadlineExceeded).Return(nil).Once()

	outcome := c.WaitForConfirmation(context.Background(), testSig, ledger.Finalized, testLifetime)
	assert.Equal(t, confirmation.Aborted, outcome.Kind)
	waiter.AssertExpectations(t)
	recorder.AssertExpectations(t)
}

func TestRecorderFailureDoesNotFailWait(t *testing.T) {
	waiter, recorder := &mockWaiter{}, &mockRecorder{}
	c := New(Config{Logger: log.DefaultLogger, Waiter: waiter, Recorder: recorder})
	recorder.On("RecordStart", mock.Anything, mock.Anything).Return("", errors.New("disk full")).Once()
	waiter.On("WaitForConfirmation", mock.Anything, testSig, ledger.Confirmed, mock.Anything).
		Return(confirmation.Outcome{Kind: confirmation.Expired}).Once()

	outcome := c.WaitForConfirmation(context.Background(), testSig, ledger.Confirmed, testLifetime)
	assert.Equal(t, confirmation.Expired, outcome.Kind)
	recorder.AssertNotCalled(t, "RecordOutcome", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

type testInstruction struct {
	programID solana.PublicKey
	accounts  []*solana.AccountMeta
	data      []byte
}

func (i testInstruction) ProgramID() solana.PublicKey     { return i.programID }
func (i testInstruction) Accounts() []*solana.AccountMeta { return i.accounts }
func (i testInstruction) Data() ([]byte, error)           { return i.data, nil }

func signedTransaction(t *testing.T, blockhash solana.Hash, instructions ...solana.Instruction) (string, solana.PublicKey) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)
	wire, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(wire), payer.PublicKey()
}

func TestDecodeBlockhashTransaction(t *testing.T) {
	blockhash := solana.Hash{7, 7, 7}
	memo := testInstruction{
		programID: solana.MemoProgramID,
		data:      []byte("hello"),
	}
	encoded, _ := signedTransaction(t, blockhash, memo)

	tx, err := DecodeTransaction(encoded, 1000)
	require.NoError(t, err)
	assert.NotEqual(t, solana.Signature{}, tx.Signature)
	assert.Equal(t, ledger.BlockhashLifetime{Blockhash: blockhash, LastValidBlockHeight: 1000}, tx.Lifetime)

	_, err = DecodeTransaction(encoded, 0)
	assert.ErrorIs(t, err, ErrMissingLastValidBlockHeight)
}

func TestDecodeDurableNonceTransaction(t *testing.T) {
	nonceValue := solana.Hash{9, 9}
	nonceAccount := solana.NewWallet().PublicKey()
	var advance testInstruction
	advance.programID = solana.SystemProgramID
	advance.data = []byte{advanceNonceAccount, 0, 0, 0}

	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	advance.accounts = []*solana.AccountMeta{
		solana.Meta(nonceAccount).WRITE(),
		solana.Meta(solana.SysVarRecentBlockHashesPubkey),
		solana.Meta(payer.PublicKey()).SIGNER(),
	}
	tx, err := solana.NewTransaction([]solana.Instruction{advance}, nonceValue, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(solana.PublicKey) *solana.PrivateKey { return &payer })
	require.NoError(t, err)
	wire, err := tx.MarshalBinary()
	require.NoError(t, err)

	decoded, err := DecodeTransaction(base64.StdEncoding.EncodeToString(wire), 0)
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures[0], decoded.Signature)
	assert.Equal(t, ledger.NonceLifetime{NonceAccount: nonceAccount, ExpectedNonce: nonceValue}, decoded.Lifetime)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeTransaction("not base64!", 10)
	assert.Error(t, err)
	_, err = DecodeTransaction(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), 10)
	assert.Error(t, err)
}

type fixedVersion string

func (v fixedVersion) GetVersion(context.Context) (rpcclient.Version, error) {
	return rpcclient.Version{SolanaCore: string(v)}, nil
}

func TestCheckNodeVersion(t *testing.T) {
	version, err := CheckNodeVersion(context.Background(), fixedVersion("1.18.4"), "1.17.0")
	require.NoError(t, err)
	assert.Equal(t, "1.18.4", version)

	_, err = CheckNodeVersion(context.Background(), fixedVersion("1.16.9"), "1.17.0")
	assert.ErrorIs(t, err, ErrNodeTooOld)

	_, err = CheckNodeVersion(context.Background(), fixedVersion("1.16.9"), "")
	assert.NoError(t, err)

	_, err = CheckNodeVersion(context.Background(), fixedVersion("garbage"), "1.17.0")
	assert.Error(t, err)
}
