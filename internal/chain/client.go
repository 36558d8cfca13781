// Package chain declares the upstream collaborator interfaces from
// spec.md §6: the chain RPC adapter and the WebSocket subscription
// adapter. The RPC adapter is implemented over github.com/ethereum/go-ethereum's
// ethclient, the way the teacher's core/services/eth.Client wraps it.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the chain RPC adapter consumed by LogFetcher and BlockCache,
// per spec.md §6.
type Client interface {
	ChainID(ctx context.Context) (int64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Subscription is a single upstream push subscription, matching
// go-ethereum's ethereum.Subscription contract. LogSubscriber does not use
// it; it tracks its own subscription ids over a raw WebSocket.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// FilterSpec is one (address, topics) LogFetcher/LogSubscriber subscription
// entry, per spec.md §4.B/§4.C.
type FilterSpec struct {
	Address common.Address
	Topics  [][]common.Hash
}
