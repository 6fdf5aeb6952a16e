package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/pubsub"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/rpcclient"
)

// The stored nonce of a nonce account follows the version, state and
// authority fields.
const (
	nonceOffset = 40
	nonceLength = 32
)

var ErrNotNonceAccount = errors.New("account data is too short for a nonce account")

type AccountReader interface {
	GetAccountInfo(
		ctx context.Context,
		address ledger.Address,
		commitment ledger.Commitment,
		slice *rpcclient.DataSlice,
	) (*rpcclient.AccountInfo, error)
}

// NonceSignal waits for a durable nonce to advance.
type NonceSignal struct {
	waiter
	accounts AccountReader
}

func NewNonceSignal(cfg Config, accounts AccountReader) *NonceSignal {
	return &NonceSignal{
		waiter:   newWaiter(cfg, "nonce"),
		accounts: accounts,
	}
}

// Wait returns nil once the nonce stored in account differs from expected,
// or once the account no longer exists.
func (s *NonceSignal) Wait(
	ctx context.Context,
	account ledger.Address,
	expected ledger.Hash,
	commitment ledger.Commitment,
) error {
	poll := func(ctx context.Context) (bool, error) {
		info, err := s.accounts.GetAccountInfo(ctx, account, commitment,
			&rpcclient.DataSlice{Offset: nonceOffset, Length: nonceLength})
		if err != nil {
			return false, err
		}
		if info == nil {
			return true, nil
		}
		if len(info.Data) < nonceLength {
			return true, backoff.Permanent(fmt.Errorf("%s: %w", account, ErrNotNonceAccount))
		}
		return solana.HashFromBytes(info.Data[:nonceLength]) != expected, nil
	}
	push := func(ctx context.Context, _ chan<- struct{}) error {
		return s.follow(ctx, pubsub.AccountRequest(account, commitment), func(msg json.RawMessage) (bool, error) {
			n, err := pubsub.DecodeAccountNotification(msg)
			if err != nil {
				return false, err
			}
			if n.Value == nil || n.Value.Lamports == 0 {
				return true, nil
			}
			nonce, err := NonceFromAccountData(n.Value.Data)
			if err != nil {
				return true, backoff.Permanent(fmt.Errorf("%s: %w", account, err))
			}
			return nonce != expected, nil
		})
	}
	return s.wait(ctx, poll, push)
}

// NonceFromAccountData extracts the stored nonce from full nonce account
// data.
func NonceFromAccountData(data []byte) (ledger.Hash, error) {
	if len(data) < nonceOffset+nonceLength {
		return ledger.Hash{}, ErrNotNonceAccount
	}
	return solana.HashFromBytes(data[nonceOffset : nonceOffset+nonceLength]), nil
}
