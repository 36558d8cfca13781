// Package reorg implements spec.md §4.I: the ReorgDetector, a sliding-
// window reconciliation between freshly fetched logs and the EventStore
// that triggers a coordinated StorageProcessor/SnapshotDriver rewind.
// Grounded on the pack's watcher internal/ingestion/reconciler.go chunked
// FilterLogs + map-based reconciliation shape, and broadcaster.go's
// "keep only what's within finality depth" philosophy applied here to
// reconciliation-window bookkeeping.
package reorg

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gorm.io/gorm"

	"github.com/synfutures/oyster-indexer/internal/blockcache"
	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/logfetcher"
	"github.com/synfutures/oyster-indexer/internal/logger"
	"github.com/synfutures/oyster-indexer/internal/store"
)

// DefaultSpan/DefaultDelay/DefaultInterval are the ReorgDetector parameters
// from spec.md §4.I.
const (
	DefaultSpan     = 100
	DefaultDelay    = 10
	DefaultInterval = 10
)

const commitRetries = 3

var commitBackoff = backoff.Backoff{Min: 333 * time.Millisecond, Max: 333 * time.Millisecond, Factor: 1}

// Parser mirrors storage.Parser to avoid an import cycle between storage
// and reorg; both are grounded on the same Gate/Config/Instrument ABI
// selection described in spec.md §3.
type Parser interface {
	Parse(l chainmodel.Log) (*chainmodel.ParsedLog, error)
}

// Blocker is the StorageProcessor surface used to serialize storage writes
// against reconciliation, per spec.md §5.
type Blocker interface {
	Block() func()
	Reorg(ctx context.Context, fromBlock uint64) error
}

// SnapshotReorger is the SnapshotDriver surface invoked on a confirmed
// reorg, per spec.md §4.H.
type SnapshotReorger interface {
	Reorg(ctx context.Context, reorgBlock uint64) error
}

// Detector is the ReorgDetector component from spec.md §4.I.
type Detector struct {
	chainID    int64
	db         *gorm.DB
	fetcher    *logfetcher.LogFetcher
	events     *store.EventStore
	blockCache *blockcache.BlockCache
	parser     Parser
	processor  Blocker
	driver     SnapshotReorger
	log        logger.Logger

	// OnReorg, if set, is notified after a coordinated rewind so that
	// consumers of in-flight state (the RPC server's generating/generated
	// snapshot bookkeeping, per spec.md §4.J) can invalidate accordingly.
	OnReorg func(reorgBlock uint64)

	span, delay, interval uint64

	// synced gates OnNewStoredBlockNumber until the Ingestor's first
	// onSynced fires, per spec.md §4.I: reconciliation only triggers after
	// the synced signal, never during initial backfill/catch-up.
	synced atomic.Bool

	mu               sync.Mutex
	lastCheckedBlock uint64
	running          bool
}

// MarkSynced opens the OnNewStoredBlockNumber gate. Call once, from the
// Ingestor's onSynced hook.
func (d *Detector) MarkSynced() {
	d.synced.Store(true)
}

// New constructs a Detector with default span/delay/interval.
func New(chainID int64, db *gorm.DB, fetcher *logfetcher.LogFetcher, events *store.EventStore, bc *blockcache.BlockCache, parser Parser, processor Blocker, driver SnapshotReorger) *Detector {
	return &Detector{
		chainID:    chainID,
		db:         db,
		fetcher:    fetcher,
		events:     events,
		blockCache: bc,
		parser:     parser,
		processor:  processor,
		driver:     driver,
		log:        logger.With("reorg"),
		span:       DefaultSpan,
		delay:      DefaultDelay,
		interval:   DefaultInterval,
	}
}

// OnNewStoredBlockNumber is the trigger from spec.md §4.I, fired after the
// synced signal on every newStoredBlockNumber(n).
func (d *Detector) OnNewStoredBlockNumber(ctx context.Context, n, latestStoredBlock uint64) {
	if !d.synced.Load() {
		return
	}
	if n < d.delay || latestStoredBlock == 0 {
		return
	}

	to := n - d.delay
	if latestStoredBlock-1 < to {
		to = latestStoredBlock - 1
	}
	var from uint64
	if to > d.span {
		from = to - d.span
	}

	d.mu.Lock()
	if d.running || d.lastCheckedBlock+d.interval > from {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
		}()
		if err := d.Reconcile(ctx, from, to); err != nil {
			d.log.Warnw("reorg: reconciliation failed", "from", from, "to", to, "err", err)
		}
	}()
}

// Reconcile implements spec.md §4.I steps 1-5.
func (d *Detector) Reconcile(ctx context.Context, from, to uint64) error {
	// Step 1: stream existing events in range into a map by id.
	existing, err := d.scanExisting(ctx, from, to)
	if err != nil {
		return errors.Wrap(err, "reorg: scan existing")
	}

	// Step 2: fetch the same range, sorted by Position.
	fetched, err := d.fetcher.Fetch(ctx, from, to)
	if err != nil {
		return errors.Wrap(err, "reorg: fetch")
	}

	var needSave []chainmodel.StoredEvent
	var reorgedBlock uint64
	haveReorgedBlock := false

	for _, l := range fetched {
		id := l.ID()
		if _, ok := existing[id]; ok {
			delete(existing, id)
			continue
		}

		parsed, perr := d.parser.Parse(l)
		if perr != nil || parsed == nil {
			continue
		}

		var ts *int64
		if hdr, herr := d.blockCache.GetBlock(ctx, l.BlockNumber); herr == nil {
			t := int64(hdr.Time)
			ts = &t
		}

		args, aerr := marshalArgs(parsed.Args)
		if aerr != nil {
			return aerr
		}

		needSave = append(needSave, chainmodel.StoredEvent{
			ID: id, ChainID: d.chainID, Address: l.Address, BlockNumber: l.BlockNumber,
			BlockHash: l.BlockHash, TxHash: l.TxHash, TransactionIndex: l.TransactionIndex,
			LogIndex: l.LogIndex, Topics: l.Topics, Data: l.Data, Removed: l.Removed,
			Name: parsed.Name, SerializedArgs: args, Timestamp: ts,
		})
		if !haveReorgedBlock || l.BlockNumber < reorgedBlock {
			reorgedBlock = l.BlockNumber
			haveReorgedBlock = true
		}
	}

	// Step 3: never delete leftover existing entries (explicit policy, see
	// DESIGN.md open-question decision).

	// Step 4: commit needSave transactionally, with bounded retry.
	if len(needSave) > 0 {
		if err := d.commitWithRetry(ctx, needSave); err != nil {
			return err
		}
	}

	// Step 5: coordinated rewind if a reorg was detected.
	if haveReorgedBlock {
		release := d.processor.Block()
		err := d.driver.Reorg(ctx, reorgedBlock)
		if err == nil {
			err = d.processor.Reorg(ctx, reorgedBlock)
		}
		release()
		if err != nil {
			return errors.Wrap(err, "reorg: coordinated rewind")
		}
		if d.OnReorg != nil {
			d.OnReorg(reorgedBlock)
		}
	}

	d.mu.Lock()
	d.lastCheckedBlock = from
	d.mu.Unlock()
	return nil
}

func (d *Detector) scanExisting(ctx context.Context, from, to uint64) (map[common.Hash]struct{}, error) {
	fromPos := chainmodel.Position{}
	if from > 0 {
		fromPos = chainmodel.UpperBoundOfBlock(from - 1)
	}
	toPos := chainmodel.UpperBoundOfBlock(to)

	cursor, err := d.events.FindAllOrderByBTLASC(ctx, d.chainID, fromPos, &toPos, 1000)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Hash]struct{})
	for {
		rows, done, err := d.events.Next(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.ID] = struct{}{}
		}
		if done {
			break
		}
	}
	return out, nil
}

func (d *Detector) commitWithRetry(ctx context.Context, rows []chainmodel.StoredEvent) error {
	b := commitBackoff
	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		lastErr = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, ev := range rows {
				if err := d.events.Create(ctx, tx, ev); err != nil {
					return err
				}
			}
			return nil
		})
		if lastErr == nil {
			return nil
		}
		d.log.Warnw("reorg: commit failed, retrying", "attempt", attempt, "err", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return errors.Wrap(lastErr, "reorg: commit exhausted retries")
}
