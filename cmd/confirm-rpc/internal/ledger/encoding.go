package ledger

import "github.com/gagliardetto/solana-go"

// ParseSignature decodes a base58 transaction signature.
func ParseSignature(s string) (Signature, error) {
	return solana.SignatureFromBase58(s)
}

// ParseAddress decodes a base58 account address.
func ParseAddress(s string) (Address, error) {
	return solana.PublicKeyFromBase58(s)
}

// ParseHash decodes a base58 blockhash or nonce value.
func ParseHash(s string) (Hash, error) {
	return solana.HashFromBase58(s)
}
