package pubsub

import (
	"encoding/json"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/rpcclient"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/subscriptions"
)

const (
	SignatureSubscribe   = "signatureSubscribe"
	SignatureUnsubscribe = "signatureUnsubscribe"
	SlotSubscribe        = "slotSubscribe"
	SlotUnsubscribe      = "slotUnsubscribe"
	AccountSubscribe     = "accountSubscribe"
	AccountUnsubscribe   = "accountUnsubscribe"
)

// SignatureRequest subscribes to the status of sig once it reaches
// commitment. The node sends a single notification and then drops the
// subscription on its side.
func SignatureRequest(sig ledger.Signature, commitment ledger.Commitment) subscriptions.Request {
	return subscriptions.Request{
		Method:            SignatureSubscribe,
		UnsubscribeMethod: SignatureUnsubscribe,
		Params: []any{
			sig.String(),
			map[string]any{
				"commitment":                 commitment.String(),
				"enableReceivedNotification": false,
			},
		},
	}
}

// SlotRequest subscribes to slot progress.
func SlotRequest() subscriptions.Request {
	return subscriptions.Request{
		Method:            SlotSubscribe,
		UnsubscribeMethod: SlotUnsubscribe,
	}
}

// AccountRequest subscribes to changes of the account at address.
func AccountRequest(address ledger.Address, commitment ledger.Commitment) subscriptions.Request {
	return subscriptions.Request{
		Method:            AccountSubscribe,
		UnsubscribeMethod: AccountUnsubscribe,
		Params: []any{
			address.String(),
			map[string]any{
				"commitment": commitment.String(),
				"encoding":   "base64",
			},
		},
	}
}

type SignatureNotification struct {
	Context rpcclient.ResponseContext `json:"context"`
	Value   struct {
		Err json.RawMessage `json:"err"`
	} `json:"value"`
}

// Failed reports whether the transaction landed with an on-chain error.
func (n SignatureNotification) Failed() bool {
	return rpcclient.IsPresent(n.Value.Err)
}

type SlotNotification struct {
	Parent uint64 `json:"parent"`
	Root   uint64 `json:"root"`
	Slot   uint64 `json:"slot"`
}

type AccountNotification struct {
	Context rpcclient.ResponseContext `json:"context"`
	// Value is nil when the account was closed.
	Value *rpcclient.AccountInfo `json:"value"`
}

func DecodeSignatureNotification(raw json.RawMessage) (SignatureNotification, error) {
	var n SignatureNotification
	err := json.Unmarshal(raw, &n)
	return n, err
}

func DecodeSlotNotification(raw json.RawMessage) (SlotNotification, error) {
	var n SlotNotification
	err := json.Unmarshal(raw, &n)
	return n, err
}

func DecodeAccountNotification(raw json.RawMessage) (AccountNotification, error) {
	var n AccountNotification
	err := json.Unmarshal(raw, &n)
	return n, err
}
