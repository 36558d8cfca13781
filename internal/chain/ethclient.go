package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCClient adapts go-ethereum's ethclient.Client to the Client interface,
// the way the teacher's core/services/eth wraps the same underlying type.
type RPCClient struct {
	inner *ethclient.Client
}

// Dial connects to an RPC endpoint and wraps it as a Client.
func Dial(rawurl string) (*RPCClient, error) {
	c, err := ethclient.Dial(rawurl)
	if err != nil {
		return nil, err
	}
	return &RPCClient{inner: c}, nil
}

func (c *RPCClient) ChainID(ctx context.Context) (int64, error) {
	id, err := c.inner.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Int64(), nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.inner.BlockNumber(ctx)
}

func (c *RPCClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.inner.HeaderByNumber(ctx, number)
}

func (c *RPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.inner.FilterLogs(ctx, q)
}

func (c *RPCClient) Close() {
	c.inner.Close()
}
