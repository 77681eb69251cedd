package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/devblac/bridge-relay/internal/chain"
	"github.com/devblac/bridge-relay/internal/config"
	"github.com/devblac/bridge-relay/internal/decode"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// releaseABI is the destination bridge entrypoint. The key parameter is the
// idempotency key: the contract treats a resubmitted key as a no-op.
const releaseABI = `[{"type":"function","name":"release","inputs":[
	{"name":"key","type":"bytes32"},
	{"name":"to","type":"address"},
	{"name":"token","type":"address"},
	{"name":"amount","type":"uint256"}
]}]`

// Outcome is the result of one relay attempt. A failed outcome is an
// ordinary, retriable result, not an error.
type Outcome struct {
	Delivered  bool
	DestTxHash common.Hash
	Reason     error
}

// Executor submits decoded events to the destination bridge.
type Executor struct {
	dest     chain.Connector
	bridge   common.Address
	spec     config.RelaySpec
	contract abi.ABI
	log      *slog.Logger
}

// NewExecutor builds an executor targeting the given bridge contract.
func NewExecutor(dest chain.Connector, bridge common.Address, spec config.RelaySpec, log *slog.Logger) (*Executor, error) {
	contract, err := abi.JSON(strings.NewReader(releaseABI))
	if err != nil {
		return nil, fmt.Errorf("parse release abi: %w", err)
	}
	return &Executor{
		dest:     dest,
		bridge:   bridge,
		spec:     spec,
		contract: contract,
		log:      log,
	}, nil
}

// Relay packs and submits the release call for one event. The returned error
// is reserved for configuration-level faults (destination unreachable, no
// signing key, a field mapping that names no decoded field); retrying those
// cannot succeed, so they must not consume an event's retry budget. Only
// transient submission rejections land in the outcome and are retried by the
// caller under the same idempotency key.
func (e *Executor) Relay(ctx context.Context, ev *decode.Event) (Outcome, error) {
	key := ev.DedupKey()

	to, err := e.addressField(ev, e.spec.RecipientField)
	if err != nil {
		return Outcome{}, err
	}
	token, err := e.addressField(ev, e.spec.TokenField)
	if err != nil {
		return Outcome{}, err
	}
	amount, err := e.amountField(ev)
	if err != nil {
		return Outcome{}, err
	}

	calldata, err := e.contract.Pack("release", key, to, token, amount)
	if err != nil {
		return Outcome{}, fmt.Errorf("pack release: %w", err)
	}

	hash, err := e.dest.Submit(ctx, chain.Action{
		IdempotencyKey: key,
		To:             e.bridge,
		Data:           calldata,
	})
	if err != nil {
		if chain.IsSubmissionError(err) {
			e.log.Warn("relay submission rejected",
				"source_tx", ev.SourceTxHash.Hex(), "log_index", ev.SourceLogIndex, "error", err)
			return Outcome{Reason: err}, nil
		}
		return Outcome{}, err
	}

	e.log.Info("relayed event",
		"event", ev.Name, "source_tx", ev.SourceTxHash.Hex(), "dest_tx", hash.Hex())
	return Outcome{Delivered: true, DestTxHash: hash}, nil
}

func (e *Executor) addressField(ev *decode.Event, name string) (common.Address, error) {
	v, ok := ev.Fields[name]
	if !ok {
		return common.Address{}, fmt.Errorf("event %s has no field %q", ev.Name, name)
	}
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case string:
		if !common.IsHexAddress(a) {
			return common.Address{}, fmt.Errorf("field %q is not an address: %q", name, a)
		}
		return common.HexToAddress(a), nil
	default:
		return common.Address{}, fmt.Errorf("field %q has type %T, want address", name, v)
	}
}

func (e *Executor) amountField(ev *decode.Event) (*big.Int, error) {
	v, ok := ev.Fields[e.spec.AmountField]
	if !ok {
		return nil, fmt.Errorf("event %s has no field %q", ev.Name, e.spec.AmountField)
	}
	amount, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("field %q has type %T, want uint256", e.spec.AmountField, v)
	}
	return amount, nil
}
