package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event is a decoded log. Ephemeral: only its dedup key ever reaches the
// persisted state.
type Event struct {
	Name           string
	Fields         map[string]any
	SourceTxHash   common.Hash
	SourceLogIndex uint
	BlockNumber    uint64
}

// DedupKey derives the event's deterministic identity from its source
// transaction hash and log position. Pure function of its inputs: the same
// on-chain log always maps to the same key, across restarts. Doubles as the
// destination-side idempotency key.
func (e *Event) DedupKey() common.Hash {
	return DedupKey(e.SourceTxHash, e.SourceLogIndex)
}

// DedupKey hashes (txHash, logIndex) into a stable event identity.
func DedupKey(txHash common.Hash, logIndex uint) common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(logIndex))
	return crypto.Keccak256Hash(txHash.Bytes(), idx[:])
}

// DecodeError marks a log that cannot be decoded against the descriptor.
// Per-event and terminal: the log is reported and skipped, never retried.
type DecodeError struct {
	TxHash common.Hash
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s: %v", e.TxHash.Hex(), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Matches reports whether the log carries this descriptor's signature hash.
func (d *Descriptor) Matches(log types.Log) bool {
	return len(log.Topics) > 0 && log.Topics[0] == d.id
}

// Decode turns a raw log into typed fields. Indexed fields come from the
// topics (slot 0 is the signature hash); address-typed topics keep only the
// low 20 bytes and are formatted EIP-55 checksummed. Data fields unpack from
// the payload in declared order.
func (d *Descriptor) Decode(log types.Log) (*Event, error) {
	fail := func(err error) (*Event, error) {
		return nil, &DecodeError{TxHash: log.TxHash, Err: err}
	}

	if len(log.Topics) != 1+len(d.indexed) {
		return fail(fmt.Errorf("expected %d topics, got %d", 1+len(d.indexed), len(log.Topics)))
	}
	if log.Topics[0] != d.id {
		return fail(fmt.Errorf("signature hash %s does not match %s", log.Topics[0].Hex(), d.id.Hex()))
	}

	fields := make(map[string]any, len(d.indexed)+len(d.data))

	for i, arg := range d.indexed {
		topic := log.Topics[i+1]
		if arg.Type.T == abi.AddressTy {
			fields[arg.Name] = common.BytesToAddress(topic.Bytes()[12:]).Hex()
			continue
		}
		vals, err := abi.Arguments{{Name: arg.Name, Type: arg.Type}}.Unpack(topic.Bytes())
		if err != nil {
			return fail(fmt.Errorf("indexed field %s: %w", arg.Name, err))
		}
		fields[arg.Name] = vals[0]
	}

	vals, err := d.data.Unpack(log.Data)
	if err != nil {
		return fail(fmt.Errorf("data fields: %w", err))
	}
	if len(vals) != len(d.data) {
		return fail(fmt.Errorf("expected %d data values, got %d", len(d.data), len(vals)))
	}
	for i, arg := range d.data {
		fields[arg.Name] = vals[i]
	}

	return &Event{
		Name:           d.Name,
		Fields:         fields,
		SourceTxHash:   log.TxHash,
		SourceLogIndex: log.Index,
		BlockNumber:    log.BlockNumber,
	}, nil
}
