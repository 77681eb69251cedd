package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCConnector talks to an EVM node over ethclient. The zero value is not
// usable; build one with NewRPCConnector and call Connect before use.
type RPCConnector struct {
	endpoint string
	contract common.Address
	key      *ecdsa.PrivateKey

	client     *ethclient.Client
	chainID    *big.Int
	lastHeight uint64
}

// NewRPCConnector builds a connector for one endpoint. contract scopes log
// retrieval; privateKeyHex is only needed on the submission side and may be
// empty elsewhere.
func NewRPCConnector(endpoint string, contract common.Address, privateKeyHex string) (*RPCConnector, error) {
	c := &RPCConnector{
		endpoint: endpoint,
		contract: contract,
	}
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.key = key
	}
	return c, nil
}

// Connect dials the endpoint and verifies it answers. Calling it again on a
// connected instance is a no-op.
func (c *RPCConnector) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	client, err := ethclient.DialContext(ctx, c.endpoint)
	if err != nil {
		return &ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return &ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	c.client = client
	c.chainID = chainID
	return nil
}

// Close releases the RPC client.
func (c *RPCConnector) Close() {
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// LatestHeight returns the head block number. A lagging replica can answer
// with an older head; the last seen height is returned instead so callers
// always observe a monotonic sequence.
func (c *RPCConnector) LatestHeight(ctx context.Context) (uint64, error) {
	if c.client == nil {
		return 0, ErrNotConnected
	}
	h, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, &ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	if h < c.lastHeight {
		return c.lastHeight, nil
	}
	c.lastHeight = h
	return h, nil
}

// FetchLogs retrieves the watched contract's logs for an inclusive range,
// ordered by (blockNumber, logIndex).
func (c *RPCConnector) FetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}
	if from > to {
		return nil, &RangeError{From: from, To: to}
	}
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
	})
	if err != nil {
		return nil, &ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	return logs, nil
}

// Submit signs the action with the configured key and sends it.
func (c *RPCConnector) Submit(ctx context.Context, action Action) (common.Hash, error) {
	if c.client == nil {
		return common.Hash{}, ErrNotConnected
	}
	if c.key == nil {
		return common.Hash{}, fmt.Errorf("connector %s has no signing key", c.endpoint)
	}

	from := crypto.PubkeyToAddress(c.key.PublicKey)
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, &SubmissionError{Err: fmt.Errorf("pending nonce: %w", err)}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &SubmissionError{Err: fmt.Errorf("gas price: %w", err)}
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &action.To,
		Data: action.Data,
	})
	if err != nil {
		return common.Hash{}, &SubmissionError{Err: fmt.Errorf("estimate gas: %w", err)}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &action.To,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     action.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &SubmissionError{Err: err}
	}
	return signed.Hash(), nil
}
