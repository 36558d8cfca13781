// Package logfetcher implements spec.md §4.B: a parallel-bounded getLogs
// scan over a set of (address, topics) subscriptions, grounded on the
// pack's ChainIndexor log_fetcher.go (chunked ethereum.FilterQuery scans)
// and the teacher's ethSubscriber.backfillLogs shape.
package logfetcher

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/pkg/errors"

	"github.com/synfutures/oyster-indexer/internal/chain"
	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/logger"
)

// DefaultParallel is the default concurrency bound from spec.md §4.B.
const DefaultParallel = 10

// LogFetcher issues one getLogs call per subscription, bounded to Parallel
// concurrent in-flight requests. Subscriptions are append-only.
type LogFetcher struct {
	client   chain.Client
	chainID  int64
	parallel int
	log      logger.Logger

	mu   sync.Mutex
	subs []chain.FilterSpec
}

// New constructs a LogFetcher with the given concurrency bound (default
// DefaultParallel).
func New(client chain.Client, chainID int64, parallel int) *LogFetcher {
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	return &LogFetcher{
		client:   client,
		chainID:  chainID,
		parallel: parallel,
		log:      logger.With("logfetcher"),
	}
}

// AddSubscription appends a new (address, topics) subscription. Subscriptions
// are append-only per spec.md §4.B.
func (f *LogFetcher) AddSubscription(spec chain.FilterSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, spec)
}

// Subscriptions returns a snapshot of the current subscription list.
func (f *LogFetcher) Subscriptions() []chain.FilterSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.FilterSpec(nil), f.subs...)
}

// Fetch issues one getLogs per subscription for [from, to] with at most
// Parallel concurrent requests, concatenating and sorting results by
// Position. Ordering across subscriptions is not guaranteed by the
// underlying adapter; Fetch sorts before returning.
func (f *LogFetcher) Fetch(ctx context.Context, from, to uint64) ([]chainmodel.Log, error) {
	return f.fetchFor(ctx, from, to, f.Subscriptions())
}

// FetchForSubscription runs a single-subscription fetch, used by the
// Ingestor's single-instrument catch-up re-fetch (spec.md §4.F step 3.b).
func (f *LogFetcher) FetchForSubscription(ctx context.Context, from, to uint64, spec chain.FilterSpec) ([]chainmodel.Log, error) {
	return f.fetchFor(ctx, from, to, []chain.FilterSpec{spec})
}

func (f *LogFetcher) fetchFor(ctx context.Context, from, to uint64, subs []chain.FilterSpec) ([]chainmodel.Log, error) {
	if len(subs) == 0 {
		return nil, nil
	}

	sem := make(chan struct{}, f.parallel)
	results := make([][]chainmodel.Log, len(subs))
	errs := make([]error, len(subs))

	var wg sync.WaitGroup
	for i, spec := range subs {
		wg.Add(1)
		go func(i int, spec chain.FilterSpec) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}

			logs, err := f.fetchOne(ctx, from, to, spec)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = logs
		}(i, spec)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, errors.Wrap(err, "logfetcher: getLogs")
		}
	}

	var out []chainmodel.Log
	for _, r := range results {
		out = append(out, r...)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Position().Less(out[j].Position())
	})

	return out, nil
}

func (f *LogFetcher) fetchOne(ctx context.Context, from, to uint64, spec chain.FilterSpec) ([]chainmodel.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: blockNumberOf(from),
		ToBlock:   blockNumberOf(to),
		Addresses: addrSlice(spec.Address),
		Topics:    spec.Topics,
	}

	logs, err := f.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]chainmodel.Log, len(logs))
	for i, l := range logs {
		out[i] = chainmodel.Log{
			ChainID:          f.chainID,
			Address:          l.Address,
			BlockNumber:      l.BlockNumber,
			BlockHash:        l.BlockHash,
			TxHash:           l.TxHash,
			TransactionIndex: uint64(l.TxIndex),
			LogIndex:         uint64(l.Index),
			Topics:           l.Topics,
			Data:             l.Data,
			Removed:          l.Removed,
		}
	}
	return out, nil
}
