package chain

import (
	"context"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ScriptedConnector is a deterministic Connector driven entirely by
// programmed responses. Tests script heights, per-block logs, and submission
// outcomes instead of relying on randomness or a live node.
type ScriptedConnector struct {
	Name string

	// ConnectErrs is consumed one per Connect call; nil entries succeed.
	// An exhausted queue succeeds.
	ConnectErrs []error

	// Heights is consumed one per LatestHeight call; the last entry repeats
	// once the script runs out.
	Heights []uint64

	// LogsByBlock holds the logs FetchLogs serves, keyed by block number.
	LogsByBlock map[uint64][]types.Log

	// SubmitErrs is consumed one per Submit call; nil entries succeed.
	SubmitErrs []error

	// Submitted records every action passed to Submit, in order.
	Submitted []Action

	connected  bool
	connectIdx int
	heightIdx  int
	submitIdx  int
	lastHeight uint64
}

// Connect consumes the next scripted outcome.
func (s *ScriptedConnector) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}
	var err error
	if s.connectIdx < len(s.ConnectErrs) {
		err = s.ConnectErrs[s.connectIdx]
		s.connectIdx++
	}
	if err != nil {
		return &ConnectionError{Endpoint: s.Name, Err: err}
	}
	s.connected = true
	return nil
}

// LatestHeight serves the scripted height sequence, clamped to be monotonic.
func (s *ScriptedConnector) LatestHeight(ctx context.Context) (uint64, error) {
	if !s.connected {
		return 0, ErrNotConnected
	}
	if len(s.Heights) == 0 {
		return 0, errors.New("no heights scripted")
	}
	h := s.Heights[s.heightIdx]
	if s.heightIdx < len(s.Heights)-1 {
		s.heightIdx++
	}
	if h < s.lastHeight {
		h = s.lastHeight
	}
	s.lastHeight = h
	return h, nil
}

// FetchLogs returns the scripted logs for the range ordered by
// (blockNumber, logIndex).
func (s *ScriptedConnector) FetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	if from > to {
		return nil, &RangeError{From: from, To: to}
	}
	var out []types.Log
	for b := from; b <= to; b++ {
		out = append(out, s.LogsByBlock[b]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// Submit records the action and consumes the next scripted outcome. The
// returned hash is derived from the action so repeated submissions of the
// same action are recognizable.
func (s *ScriptedConnector) Submit(ctx context.Context, action Action) (common.Hash, error) {
	if !s.connected {
		return common.Hash{}, ErrNotConnected
	}
	s.Submitted = append(s.Submitted, action)
	var err error
	if s.submitIdx < len(s.SubmitErrs) {
		err = s.SubmitErrs[s.submitIdx]
		s.submitIdx++
	}
	if err != nil {
		return common.Hash{}, &SubmissionError{Err: err}
	}
	return crypto.Keccak256Hash(action.IdempotencyKey.Bytes(), action.Data), nil
}

// SubmitCountFor counts how many submissions carried the given key.
func (s *ScriptedConnector) SubmitCountFor(key common.Hash) int {
	n := 0
	for _, a := range s.Submitted {
		if a.IdempotencyKey == key {
			n++
		}
	}
	return n
}
