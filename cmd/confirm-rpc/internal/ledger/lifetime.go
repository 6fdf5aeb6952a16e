package ledger

import (
	"github.com/gagliardetto/solana-go"
)

type (
	// Signature identifies a submitted transaction.
	Signature = solana.Signature
	// Address is an account address.
	Address = solana.PublicKey
	// Hash is a blockhash or a durable nonce value.
	Hash = solana.Hash
)

// LifetimeKind names the variant of a LifetimeConstraint.
type LifetimeKind string

const (
	LifetimeBlockhash    LifetimeKind = "blockhash"
	LifetimeDurableNonce LifetimeKind = "durable_nonce"
)

// LifetimeConstraint is the condition under which a transaction may still be
// included in a block. It is either a BlockhashLifetime or a NonceLifetime;
// callers are expected to switch over both.
type LifetimeConstraint interface {
	Kind() LifetimeKind
	isLifetimeConstraint()
}

// BlockhashLifetime bounds a transaction by the block height at which its
// recent blockhash stops being accepted.
type BlockhashLifetime struct {
	Blockhash            Hash
	LastValidBlockHeight uint64
}

func (BlockhashLifetime) Kind() LifetimeKind    { return LifetimeBlockhash }
func (BlockhashLifetime) isLifetimeConstraint() {}

// NonceLifetime bounds a transaction by the value stored in a durable nonce
// account when the transaction was built. Once the stored value advances the
// transaction can never land.
type NonceLifetime struct {
	NonceAccount  Address
	ExpectedNonce Hash
}

func (NonceLifetime) Kind() LifetimeKind    { return LifetimeDurableNonce }
func (NonceLifetime) isLifetimeConstraint() {}
