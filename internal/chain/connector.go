package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Action is a submission request for the destination chain. Data already
// embeds the idempotency key so the destination contract can reject a
// replayed action as a no-op; the key is carried separately for journaling.
type Action struct {
	IdempotencyKey common.Hash
	To             common.Address
	Data           []byte
}

// Connector is the capability surface the relayer needs from one chain.
// Two instances exist: the source (height/log retrieval) and the
// destination (submission). Implementations: RPCConnector over ethclient
// and ScriptedConnector for deterministic tests.
type Connector interface {
	// Connect establishes the RPC session. Idempotent; safe to retry.
	Connect(ctx context.Context) error

	// LatestHeight returns the chain head. Successive calls on a connected
	// instance never go backwards.
	LatestHeight(ctx context.Context) (uint64, error)

	// FetchLogs returns logs for the inclusive range ordered by
	// (blockNumber, logIndex). A RangeError is returned when from > to.
	FetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error)

	// Submit signs and sends an action, returning the submission hash.
	// Rejections surface as a SubmissionError.
	Submit(ctx context.Context, action Action) (common.Hash, error)
}
