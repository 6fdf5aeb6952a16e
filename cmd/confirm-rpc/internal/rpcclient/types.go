package rpcclient

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

// ResponseContext is attached to every stateful RPC response. Slot is the
// slot at which the node evaluated the request.
type ResponseContext struct {
	Slot uint64 `json:"slot"`
}

// SignatureStatus is a single entry of the getSignatureStatuses response.
type SignatureStatus struct {
	Slot uint64 `json:"slot"`
	// Confirmations is nil once the block is rooted.
	Confirmations *uint64 `json:"confirmations"`
	// Err holds the on-chain TransactionError, or JSON null on success.
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Commitment returns the commitment level reported for the status. Nodes
// which predate confirmationStatus only report rooted blocks with a nil
// confirmation count.
func (s SignatureStatus) Commitment() (ledger.Commitment, bool) {
	if s.ConfirmationStatus != "" {
		c, err := ledger.ParseCommitment(s.ConfirmationStatus)
		return c, err == nil
	}
	if s.Confirmations == nil {
		return ledger.Finalized, true
	}
	return 0, false
}

// Failed reports whether the transaction landed with an on-chain error.
func (s SignatureStatus) Failed() bool {
	return IsPresent(s.Err)
}

// IsPresent reports whether raw holds a non-null JSON value.
func IsPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

type signatureStatusesResult struct {
	Context ResponseContext    `json:"context"`
	Value   []*SignatureStatus `json:"value"`
}

// EpochInfo is the getEpochInfo response.
type EpochInfo struct {
	AbsoluteSlot     uint64  `json:"absoluteSlot"`
	BlockHeight      uint64  `json:"blockHeight"`
	Epoch            uint64  `json:"epoch"`
	SlotIndex        uint64  `json:"slotIndex"`
	SlotsInEpoch     uint64  `json:"slotsInEpoch"`
	TransactionCount *uint64 `json:"transactionCount,omitempty"`
}

// AccountData is the base64 tuple form of account data: ["<data>", "base64"].
type AccountData []byte

func (d *AccountData) UnmarshalJSON(b []byte) error {
	var tuple []string
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("account data: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("account data: expected [data, encoding], got %d elements", len(tuple))
	}
	if tuple[1] != encodingBase64 {
		return fmt.Errorf("account data: unsupported encoding %q", tuple[1])
	}
	decoded, err := base64.StdEncoding.DecodeString(tuple[0])
	if err != nil {
		return fmt.Errorf("account data: %w", err)
	}
	*d = decoded
	return nil
}

func (d AccountData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{base64.StdEncoding.EncodeToString(d), encodingBase64})
}

// AccountInfo is the value of a getAccountInfo response or of an
// accountNotification.
type AccountInfo struct {
	Lamports   uint64      `json:"lamports"`
	Owner      string      `json:"owner"`
	Data       AccountData `json:"data"`
	Executable bool        `json:"executable"`
	RentEpoch  uint64      `json:"rentEpoch"`
	Space      uint64      `json:"space,omitempty"`
}

type accountInfoResult struct {
	Context ResponseContext `json:"context"`
	Value   *AccountInfo    `json:"value"`
}

// DataSlice limits the account data returned by getAccountInfo.
type DataSlice struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// Version is the getVersion response.
type Version struct {
	SolanaCore string `json:"solana-core"`
	FeatureSet uint32 `json:"feature-set"`
}

// SendOptions are passed along with sendTransaction.
type SendOptions struct {
	PreflightCommitment ledger.Commitment
	SkipPreflight       bool
	// MaxRetries is forwarded to the node when non-nil.
	MaxRetries *uint
}
