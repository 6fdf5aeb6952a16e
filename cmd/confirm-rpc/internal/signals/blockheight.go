package signals

import (
	"context"
	"encoding/json"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/pubsub"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/rpcclient"
)

type EpochInfoReader interface {
	GetEpochInfo(ctx context.Context, commitment ledger.Commitment) (rpcclient.EpochInfo, error)
}

// BlockHeightSignal waits for the block height to pass a transaction's last
// valid block height.
type BlockHeightSignal struct {
	waiter
	epochs EpochInfoReader
}

func NewBlockHeightSignal(cfg Config, epochs EpochInfoReader) *BlockHeightSignal {
	return &BlockHeightSignal{
		waiter: newWaiter(cfg, "block_height"),
		epochs: epochs,
	}
}

// Wait returns nil once the block height observed at commitment exceeds
// lastValidBlockHeight. Slot notifications only cause an early poll: slots
// and block heights do not advance in lockstep. Notifications which do not
// advance past the highest slot seen are skipped.
func (s *BlockHeightSignal) Wait(ctx context.Context, lastValidBlockHeight uint64, commitment ledger.Commitment) error {
	poll := func(ctx context.Context) (bool, error) {
		info, err := s.epochs.GetEpochInfo(ctx, commitment)
		if err != nil {
			return false, err
		}
		return info.BlockHeight > lastValidBlockHeight, nil
	}
	push := func(ctx context.Context, trigger chan<- struct{}) error {
		var lastSlot uint64
		return s.follow(ctx, pubsub.SlotRequest(), func(msg json.RawMessage) (bool, error) {
			notification, err := pubsub.DecodeSlotNotification(msg)
			if err != nil {
				poke(trigger)
				return false, err
			}
			if notification.Slot <= lastSlot {
				return false, nil
			}
			lastSlot = notification.Slot
			s.logger.WithField("slot", notification.Slot).Debug("slot advanced, polling block height")
			poke(trigger)
			return false, nil
		})
	}
	return s.wait(ctx, poll, push)
}
