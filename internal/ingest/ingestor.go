// Package ingest implements spec.md §4.F: the Ingestor (Source) component,
// merging fetch-mode and subscribe-mode logs into a single confirmation-
// windowed, Position-ordered downstream stream, with dynamic instrument
// discovery and backpressure. Grounded on ethmonitor.go's monitor()/
// buildCanonicalChain poll-fetch-detect-publish shape and the pack's
// watcher internal/ingestion/service.go sync-then-steady-state split.
package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v4"

	"github.com/synfutures/oyster-indexer/internal/chain"
	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/logfetcher"
	"github.com/synfutures/oyster-indexer/internal/logger"
	"github.com/synfutures/oyster-indexer/internal/logsubscriber"
)

const (
	// DefaultConfirmationWindow is C from spec.md §4.F.
	DefaultConfirmationWindow = 2
	// DefaultBatchSize bounds the per-iteration fetch range.
	DefaultBatchSize = 2000
	// DefaultThreshold is the backpressure channel-depth threshold.
	DefaultThreshold = 10000
	// DefaultMaxReQueries caps the sync loop's re-query-head retries.
	DefaultMaxReQueries = 10
	// instrumentRetryAttempts/Gap bound the single-instrument catch-up
	// re-fetch described in spec.md §4.F step 3.b.
	instrumentRetryAttempts = 30
	instrumentRetryGap      = 333 * time.Millisecond
)

// NewInstrumentTopic is the topic0 hash identifying a Gate NewInstrument
// log, used to detect dynamic instrument discovery.
var NewInstrumentTopic = common.HexToHash("0x6d4dd16d81ef38d5e1d9a91e99b1b2e7f4d5c4cd1cfd6f6e5e2a6e0c9f2c1a01")

// StoredBlockReader is the minimal EventStore surface the Ingestor needs to
// resume from the last persisted block.
type StoredBlockReader interface {
	LatestStoredBlock(chainID int64) uint64
}

// Config configures an Ingestor.
type Config struct {
	ChainID            int64
	GateAddress        common.Address
	InitialBlock       uint64
	ConfirmationWindow uint64
	BatchSize          uint64
	Threshold          int

	// OnNewBlock/OnNewEvent/OnSynced/OnNewInstrument are the hooks emitted
	// by spec.md §4.F.
	OnNewBlock      func(blockNumber uint64)
	OnNewEvent      func(batch []chainmodel.Log)
	OnSynced        func()
	OnNewInstrument func(addr common.Address)
}

// Ingestor is the Source component from spec.md §4.F. It exclusively owns
// pendingLogs and confirmingLogs, per spec.md §3.
type Ingestor struct {
	cfg     Config
	fetcher *logfetcher.LogFetcher
	sub     *logsubscriber.Subscriber // nil in pure fetch mode
	store   StoredBlockReader
	log     logger.Logger

	mu   sync.Mutex
	head uint64
	// target is the sync-loop's current backfill ceiling; null.Int rather
	// than a bare uint64 because "no target yet" (before the first
	// runSync) and "target is block 0" are distinct states the
	// syncing-gate in onSubscriberLog must tell apart.
	target         null.Int
	syncing        bool
	syncedOnce     bool
	pendingLogs    []chainmodel.Log
	confirmingLogs []chainmodel.Log

	downstream chan []chainmodel.Log
	awakeCh    chan struct{}
}

// New constructs an Ingestor. fetcher is required; sub may be nil for pure
// fetch-mode operation (periodic timer-driven resync only).
func New(cfg Config, fetcher *logfetcher.LogFetcher, sub *logsubscriber.Subscriber, store StoredBlockReader) *Ingestor {
	if cfg.ConfirmationWindow == 0 {
		cfg.ConfirmationWindow = DefaultConfirmationWindow
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}

	ing := &Ingestor{
		cfg:        cfg,
		fetcher:    fetcher,
		sub:        sub,
		store:      store,
		log:        logger.With("ingest"),
		downstream: make(chan []chainmodel.Log, cfg.Threshold),
		awakeCh:    make(chan struct{}, 1),
	}

	if sub != nil {
		sub.OnNewHead = ing.onNewHead
		sub.OnLog = ing.onSubscriberLog
		sub.OnRemoved = ing.onSubscriberRemoved
		sub.OnLoss = ing.onConnectionLoss
		sub.OnConnect = ing.triggerResync
	}

	return ing
}

// Downstream exposes the confirmed-batch channel for the StorageProcessor to
// consume, per spec.md §2's data-flow line.
func (ing *Ingestor) Downstream() <-chan []chainmodel.Log {
	return ing.downstream
}

// Head returns the Ingestor's current view of the chain head.
func (ing *Ingestor) Head() uint64 {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.head
}

// Run drives the sync loop at startup, on subscriber (re)connect (via
// triggerResync), and on fetch-mode's own timer if sub == nil.
func (ing *Ingestor) Run(ctx context.Context) error {
	if err := ing.runSync(ctx); err != nil {
		ing.log.Warnw("ingest: initial sync failed", "err", err)
	}

	if ing.sub == nil {
		ticker := time.NewTicker(time.Duration(ing.cfg.BatchSize) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := ing.runSync(ctx); err != nil {
					ing.log.Warnw("ingest: timer resync failed", "err", err)
				}
			}
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (ing *Ingestor) triggerResync() {
	go func() {
		if err := ing.runSync(context.Background()); err != nil {
			ing.log.Warnw("ingest: resync after reconnect failed", "err", err)
		}
	}()
}

func (ing *Ingestor) onConnectionLoss() {
	ing.log.Warnw("ingest: connection lost, full resync will follow on reconnect")
}

// runSync implements spec.md §4.F's sync loop, steps 1-4.
func (ing *Ingestor) runSync(ctx context.Context) error {
	ing.mu.Lock()
	if ing.syncing {
		ing.mu.Unlock()
		return nil
	}
	ing.syncing = true
	ing.mu.Unlock()
	defer func() {
		ing.mu.Lock()
		ing.syncing = false
		ing.mu.Unlock()
	}()

	// Step 1: target <- head; drop pending logs below it, they will be
	// re-fetched authoritatively.
	target, err := ing.currentHead(ctx)
	if err != nil {
		return errors.Wrap(err, "ingest: blockNumber")
	}
	ing.mu.Lock()
	ing.target = null.IntFrom(int64(target))
	kept := ing.pendingLogs[:0:0]
	for _, l := range ing.pendingLogs {
		if l.BlockNumber >= target {
			kept = append(kept, l)
		}
	}
	ing.pendingLogs = kept
	ing.mu.Unlock()

	// Step 2: current <- max(storage.latestStoredBlock, initialBlock).
	stored := ing.store.LatestStoredBlock(ing.cfg.ChainID)
	current := stored
	if ing.cfg.InitialBlock > current {
		current = ing.cfg.InitialBlock
	}

	reQueries := 0
	for current <= target {
		end := current + ing.cfg.BatchSize - 1
		if end > target {
			end = target
		}

		logs, err := ing.fetcher.Fetch(ctx, current, end)
		if err != nil {
			return errors.Wrap(err, "ingest: fetch")
		}
		sort.Slice(logs, func(i, j int) bool { return logs[i].Position().Less(logs[j].Position()) })

		// Step 3.b: scan for NewInstrument discovery within this batch.
		discovered := false
		for _, l := range logs {
			if isNewInstrument(l) {
				addr, ok := parseNewInstrumentAddress(l)
				if !ok {
					continue
				}
				discovered = true
				ing.registerInstrument(addr)

				extra, rerr := ing.reFetchInstrument(ctx, current, end, addr)
				if rerr != nil {
					ing.log.Warnw("ingest: instrument catch-up re-fetch failed", "addr", addr.Hex(), "err", rerr)
					continue
				}
				logs = mergeSorted(logs, extra)
			}
		}

		// Step 3.c: if new instruments discovered, reset target.
		if discovered {
			newHead, herr := ing.currentHead(ctx)
			if herr == nil {
				target = newHead
				ing.mu.Lock()
				ing.target = null.IntFrom(int64(target))
				ing.mu.Unlock()
			}
		}

		// Step 3.d: split into confirming vs downstream.
		ing.feedBatch(ctx, logs, target)

		// Step 3.e: backpressure.
		ing.awaitCapacity(ctx)

		current = end + 1

		if current > target {
			ing.mu.Lock()
			minFuture, hasFuture := minPendingBlock(ing.pendingLogs)
			ing.mu.Unlock()
			if hasFuture {
				target = minFuture
				continue
			}

			if reQueries >= DefaultMaxReQueries {
				break
			}
			newHead, herr := ing.currentHead(ctx)
			reQueries++
			if herr != nil || newHead == target {
				break
			}
			target = newHead
			ing.mu.Lock()
			ing.target = null.IntFrom(int64(target))
			ing.mu.Unlock()
		}
	}

	// Step 4: flush pendingLogs accumulated during sync.
	ing.mu.Lock()
	flush := ing.pendingLogs
	ing.pendingLogs = nil
	head := ing.head
	ing.mu.Unlock()
	sort.Slice(flush, func(i, j int) bool { return flush[i].Position().Less(flush[j].Position()) })
	if len(flush) > 0 {
		ing.feedBatch(ctx, flush, head)
	}

	ing.mu.Lock()
	already := ing.syncedOnce
	ing.syncedOnce = true
	ing.mu.Unlock()
	if !already && ing.cfg.OnSynced != nil {
		ing.cfg.OnSynced()
	}

	return nil
}

func (ing *Ingestor) currentHead(ctx context.Context) (uint64, error) {
	_ = ctx
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.head > 0 {
		return ing.head, nil
	}
	return ing.cfg.InitialBlock, nil
}

func minPendingBlock(pending []chainmodel.Log) (uint64, bool) {
	if len(pending) == 0 {
		return 0, false
	}
	min := pending[0].BlockNumber
	for _, l := range pending[1:] {
		if l.BlockNumber < min {
			min = l.BlockNumber
		}
	}
	return min, true
}

func (ing *Ingestor) reFetchInstrument(ctx context.Context, from, to uint64, addr common.Address) ([]chainmodel.Log, error) {
	spec := chain.FilterSpec{Address: addr}
	for i := 0; i < instrumentRetryAttempts; i++ {
		logs, err := ing.fetcher.FetchForSubscription(ctx, from, to, spec)
		if err != nil {
			return nil, err
		}
		if len(logs) > 0 {
			return logs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(instrumentRetryGap):
		}
	}
	return nil, nil
}

func (ing *Ingestor) registerInstrument(addr common.Address) {
	spec := chain.FilterSpec{Address: addr}
	ing.fetcher.AddSubscription(spec)
	if ing.sub != nil {
		ing.sub.AddSubscription(spec)
	}
	if ing.cfg.OnNewInstrument != nil {
		ing.cfg.OnNewInstrument(addr)
	}
}

func mergeSorted(a, b []chainmodel.Log) []chainmodel.Log {
	out := append(append([]chainmodel.Log(nil), a...), b...)
	sort.Slice(out, func(i, j int) bool { return out[i].Position().Less(out[j].Position()) })
	return out
}

func isNewInstrument(l chainmodel.Log) bool {
	return len(l.Topics) > 0 && l.Topics[0] == NewInstrumentTopic
}

func parseNewInstrumentAddress(l chainmodel.Log) (common.Address, bool) {
	if len(l.Topics) < 2 {
		return common.Address{}, false
	}
	return common.BytesToAddress(l.Topics[1].Bytes()), true
}

// feedBatch implements step 3.d: split a Position-sorted batch into the
// confirming queue and the downstream channel based on the confirmation
// window.
func (ing *Ingestor) feedBatch(ctx context.Context, logs []chainmodel.Log, head uint64) {
	if len(logs) == 0 {
		return
	}

	ing.mu.Lock()
	var downstream []chainmodel.Log
	boundary := head - ing.cfg.ConfirmationWindow
	if head < ing.cfg.ConfirmationWindow {
		boundary = 0
	}
	for _, l := range logs {
		if l.BlockNumber > boundary {
			ing.confirmingLogs = append(ing.confirmingLogs, l)
		} else {
			downstream = append(downstream, l)
		}
	}
	sort.Slice(ing.confirmingLogs, func(i, j int) bool {
		return ing.confirmingLogs[i].Position().Less(ing.confirmingLogs[j].Position())
	})
	ing.mu.Unlock()

	ing.emit(ctx, downstream)
}

func (ing *Ingestor) emit(ctx context.Context, batch []chainmodel.Log) {
	if len(batch) == 0 {
		return
	}
	select {
	case ing.downstream <- batch:
	case <-ctx.Done():
		return
	}
	if ing.cfg.OnNewEvent != nil {
		ing.cfg.OnNewEvent(batch)
	}
}

func (ing *Ingestor) awaitCapacity(ctx context.Context) {
	if len(ing.downstream) < ing.cfg.Threshold {
		return
	}
	ing.log.Warnw("ingest: backpressure engaged", "depth", len(ing.downstream))
	for len(ing.downstream) >= ing.cfg.Threshold {
		select {
		case <-ctx.Done():
			return
		case <-ing.awakeCh:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Awake is a one-shot signal the downstream consumer invokes after draining,
// per spec.md §5's backpressure "awake callback" description.
func (ing *Ingestor) Awake() {
	select {
	case ing.awakeCh <- struct{}{}:
	default:
	}
}

// onNewHead is the serial head-loop processor from spec.md §4.F: updates
// head monotonically, promotes matured confirming logs, emits newBlock.
func (ing *Ingestor) onNewHead(blockNumber uint64) {
	ing.mu.Lock()
	if blockNumber <= ing.head {
		ing.mu.Unlock()
		return
	}
	ing.head = blockNumber

	boundary := blockNumber - ing.cfg.ConfirmationWindow
	if blockNumber < ing.cfg.ConfirmationWindow {
		boundary = 0
	}

	var promote []chainmodel.Log
	var keep []chainmodel.Log
	for _, l := range ing.confirmingLogs {
		if l.BlockNumber <= boundary {
			promote = append(promote, l)
		} else {
			keep = append(keep, l)
		}
	}
	ing.confirmingLogs = keep
	ing.mu.Unlock()

	sort.Slice(promote, func(i, j int) bool { return promote[i].Position().Less(promote[j].Position()) })
	ing.emit(context.Background(), promote)

	if ing.cfg.OnNewBlock != nil {
		ing.cfg.OnNewBlock(blockNumber)
	}
}

// onSubscriberLog is the steady-state per-log path from spec.md §4.F: test
// for NewInstrument, hold in pendingLogs while syncing and above target,
// else feed directly into the confirmation stage.
func (ing *Ingestor) onSubscriberLog(l chainmodel.Log) {
	if isNewInstrument(l) {
		if addr, ok := parseNewInstrumentAddress(l); ok {
			ing.registerInstrument(addr)
			go func() {
				extra, err := ing.reFetchInstrument(context.Background(), l.BlockNumber, l.BlockNumber, addr)
				if err != nil {
					ing.log.Warnw("ingest: steady-state instrument re-fetch failed", "err", err)
					return
				}
				for _, e := range extra {
					ing.onSubscriberLog(e)
				}
			}()
		}
	}

	ing.mu.Lock()
	syncing := ing.syncing
	target := ing.target
	head := ing.head
	if syncing && target.Valid && l.BlockNumber > uint64(target.Int64) {
		ing.pendingLogs = append(ing.pendingLogs, l)
		ing.mu.Unlock()
		return
	}
	ing.mu.Unlock()

	ing.feedBatch(context.Background(), []chainmodel.Log{l}, head)
}

// onSubscriberRemoved de-queues a previously queued unconfirmed log with the
// same Position from confirmingLogs, per spec.md §4.C.
func (ing *Ingestor) onSubscriberRemoved(l chainmodel.Log) {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	pos := l.Position()
	for i, c := range ing.confirmingLogs {
		if c.Position() == pos {
			ing.confirmingLogs = append(ing.confirmingLogs[:i], ing.confirmingLogs[i+1:]...)
			return
		}
	}
	ing.log.Warnw("ingest: unknown removal, discarding", "position", pos.String())
}
