package confirmer

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

// advanceNonceAccount is the system program instruction index which
// advances a durable nonce.
const advanceNonceAccount = 4

var (
	ErrUnsignedTransaction         = errors.New("transaction carries no signature")
	ErrMissingLastValidBlockHeight = errors.New("last valid block height is required for blockhash transactions")
)

// Transaction is a signed transaction ready to be submitted.
type Transaction struct {
	Wire      []byte
	Signature ledger.Signature
	Lifetime  ledger.LifetimeConstraint
}

// DecodeTransaction parses a base64 encoded signed transaction. The first
// signature identifies it. A transaction whose first instruction advances a
// durable nonce gets a NonceLifetime, any other gets a BlockhashLifetime
// bounded by lastValidBlockHeight.
func DecodeTransaction(encoded string, lastValidBlockHeight uint64) (Transaction, error) {
	wire, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction is not valid base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(wire))
	if err != nil {
		return Transaction{}, fmt.Errorf("could not decode transaction: %w", err)
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0] == (solana.Signature{}) {
		return Transaction{}, ErrUnsignedTransaction
	}

	result := Transaction{Wire: wire, Signature: tx.Signatures[0]}
	if account, ok := nonceAccount(tx); ok {
		result.Lifetime = ledger.NonceLifetime{
			NonceAccount:  account,
			ExpectedNonce: tx.Message.RecentBlockhash,
		}
		return result, nil
	}
	if lastValidBlockHeight == 0 {
		return Transaction{}, ErrMissingLastValidBlockHeight
	}
	result.Lifetime = ledger.BlockhashLifetime{
		Blockhash:            tx.Message.RecentBlockhash,
		LastValidBlockHeight: lastValidBlockHeight,
	}
	return result, nil
}

// nonceAccount returns the nonce account advanced by the first instruction
// of tx, if that instruction is an AdvanceNonceAccount.
func nonceAccount(tx *solana.Transaction) (ledger.Address, bool) {
	if len(tx.Message.Instructions) == 0 {
		return ledger.Address{}, false
	}
	ix := tx.Message.Instructions[0]
	keys := tx.Message.AccountKeys
	if int(ix.ProgramIDIndex) >= len(keys) || !keys[ix.ProgramIDIndex].Equals(solana.SystemProgramID) {
		return ledger.Address{}, false
	}
	if len(ix.Data) < 4 || binary.LittleEndian.Uint32(ix.Data[:4]) != advanceNonceAccount {
		return ledger.Address{}, false
	}
	if len(ix.Accounts) == 0 || int(ix.Accounts[0]) >= len(keys) {
		return ledger.Address{}, false
	}
	return keys[ix.Accounts[0]], true
}
