// Package storage implements spec.md §4.G: the StorageProcessor, a
// transactional batch consumer of confirmed logs that persists them into
// the EventStore and dispatches parsed events to a static handler table.
// Grounded on broadcaster.go's WasAlreadyConsumed/MarkConsumed idempotency
// contract and the teacher's per-named-event dispatch convention — the
// reflection-based lookup becomes a plain map[string]Handler per the
// REDESIGN note in spec.md §9.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/logger"
	"github.com/synfutures/oyster-indexer/internal/store"
)

// DefaultBatchSize bounds the batch a single consume() call drains, per
// spec.md §4.G.
const DefaultBatchSize = 1000

// DefaultRetryBackoff is the fixed retry delay for a failed batch.
const DefaultRetryBackoff = time.Second

// Parser selects one of the Gate/Config/Instrument ABIs by address and
// parses a raw Log into a ParsedLog. Per spec.md §1, parse semantics beyond
// name/args extraction are out of scope; Parser is the seam a concrete ABI
// decoder plugs into.
type Parser interface {
	Parse(l chainmodel.Log) (*chainmodel.ParsedLog, error)
}

// Handler processes one named event inside the batch transaction. The only
// in-scope built-in handler is NewInstrument; all others are supplied by the
// caller (e.g. the application-state engine's own event-specific hooks).
type Handler func(ctx context.Context, tx *gorm.DB, id common.Hash, log chainmodel.Log, parsed chainmodel.ParsedLog, processed bool) error

// Processor is the StorageProcessor component from spec.md §4.G. It is the
// EventStore's writer for confirmed batches; the ReorgDetector also writes
// the events it reconciles.
type Processor struct {
	db         *gorm.DB
	chainID    int64
	events     *store.EventStore
	instr      *store.InstrumentStore
	cache      *store.Cache
	parser     Parser
	log        logger.Logger
	batchSize  int

	handlers map[string]Handler

	batchMu sync.Mutex // held for the duration of a single batch; Block() acquires it to serialize against reorg

	latest uint64

	OnNewStoredBlockNumber func(n uint64)
	OnNewParsedEvent       func(log chainmodel.Log, parsed chainmodel.ParsedLog, processed bool)
}

// New constructs a Processor with the built-in NewInstrument handler
// registered.
func New(db *gorm.DB, chainID int64, events *store.EventStore, instr *store.InstrumentStore, cache *store.Cache, parser Parser) *Processor {
	p := &Processor{
		db:        db,
		chainID:   chainID,
		events:    events,
		instr:     instr,
		cache:     cache,
		parser:    parser,
		log:       logger.With("storage"),
		batchSize: DefaultBatchSize,
		handlers:  make(map[string]Handler),
	}
	p.RegisterHandler("NewInstrument", p.handleNewInstrument)
	return p
}

// RegisterHandler adds a named event handler to the static dispatch table.
// Call before Run starts consuming.
func (p *Processor) RegisterHandler(name string, h Handler) {
	p.handlers[name] = h
}

// Run consumes batches from downstream until ctx is cancelled, in batches of
// up to DefaultBatchSize, per spec.md §4.G.
func (p *Processor) Run(ctx context.Context, downstream <-chan []chainmodel.Log) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-downstream:
			if !ok {
				return nil
			}
			for len(batch) > 0 {
				n := p.batchSize
				if n > len(batch) {
					n = len(batch)
				}
				if err := p.consume(ctx, batch[:n], false); err != nil {
					return err
				}
				batch = batch[n:]
			}
		}
	}
}

// Block returns a release handle after any in-flight batch completes; while
// held, no new batch starts. This is the single serialization point between
// the storage writer and the ReorgDetector, per spec.md §5.
func (p *Processor) Block() func() {
	p.batchMu.Lock()
	return func() { p.batchMu.Unlock() }
}

// consume runs processLogs for one batch inside a single transaction,
// retrying with DefaultRetryBackoff on any failure until success or ctx
// cancellation, per spec.md §4.G.
func (p *Processor) consume(ctx context.Context, batch []chainmodel.Log, reprocessing bool) error {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	for {
		latest, err := p.processLogs(ctx, batch, reprocessing)
		if err == nil {
			if latest > p.latest {
				p.latest = latest
				if perr := p.persistLatest(ctx, latest); perr != nil {
					p.log.Warnw("storage: failed to persist latest block", "err", perr)
				}
				if p.OnNewStoredBlockNumber != nil {
					p.OnNewStoredBlockNumber(latest)
				}
			}
			return nil
		}

		p.log.Warnw("storage: batch failed, retrying", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(DefaultRetryBackoff):
		}
	}
}

const cacheName = "StorageCache"

func (p *Processor) persistLatest(ctx context.Context, latest uint64) error {
	if err := p.cache.Set(p.chainID, cacheName, "blockNumber", latest); err != nil {
		return err
	}
	return p.cache.Save(ctx, nil, p.chainID, cacheName)
}

func (p *Processor) processLogs(ctx context.Context, batch []chainmodel.Log, reprocessing bool) (uint64, error) {
	var latest uint64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, l := range batch {
			if l.BlockNumber > latest {
				latest = l.BlockNumber
			}
			if err := p.processOne(ctx, tx, l, reprocessing); err != nil {
				return err
			}
		}
		return nil
	})
	return latest, err
}

func (p *Processor) processOne(ctx context.Context, tx *gorm.DB, l chainmodel.Log, reprocessing bool) error {
	id := l.ID()

	existing, err := p.events.FindOne(ctx, p.chainID, id, l.BlockNumber)
	if err != nil {
		return errors.Wrap(err, "storage: findOne")
	}
	if existing != nil && existing.Status.HasStatus(chainmodel.StatusProcessed) && !reprocessing {
		return nil
	}

	parsed, err := p.parser.Parse(l)
	if err != nil {
		p.log.Warnw("storage: parse failed, skipping", "log", l.ID().Hex(), "err", err)
		return nil
	}
	if parsed == nil {
		return nil
	}

	processed := existing != nil
	if h, ok := p.handlers[parsed.Name]; ok {
		if err := h(ctx, tx, id, l, *parsed, processed); err != nil {
			return errors.Wrapf(err, "storage: handler %s", parsed.Name)
		}
	}

	serializedArgs, err := serializeArgs(parsed.Args)
	if err != nil {
		return err
	}

	if existing == nil {
		ev := chainmodel.StoredEvent{
			ID: id, ChainID: p.chainID, Address: l.Address, BlockNumber: l.BlockNumber,
			BlockHash: l.BlockHash, TxHash: l.TxHash, TransactionIndex: l.TransactionIndex,
			LogIndex: l.LogIndex, Topics: l.Topics, Data: l.Data, Removed: l.Removed,
			Name: parsed.Name, SerializedArgs: serializedArgs, Status: chainmodel.StatusProcessed,
		}
		if err := p.events.Create(ctx, tx, ev); err != nil {
			return errors.Wrap(err, "storage: create")
		}
	} else if !existing.Status.HasStatus(chainmodel.StatusProcessed) {
		existing.Status |= chainmodel.StatusProcessed
		if err := p.events.DestroyOne(ctx, tx, p.chainID, id, l.BlockNumber); err != nil {
			return err
		}
		if err := p.events.Create(ctx, tx, *existing); err != nil {
			return err
		}
	}

	if p.OnNewParsedEvent != nil {
		p.OnNewParsedEvent(l, *parsed, processed)
	}
	return nil
}

// Reorg re-processes stored events from Position > (fromBlock-1, max, max)
// forward, bypassing re-parse and forcing reprocessing=true, per spec.md
// §4.G.
func (p *Processor) Reorg(ctx context.Context, fromBlock uint64) error {
	from := chainmodel.Position{}
	if fromBlock > 0 {
		from = chainmodel.UpperBoundOfBlock(fromBlock - 1)
	}

	cursor, err := p.events.FindAllOrderByBTLASC(ctx, p.chainID, from, nil, 1000)
	if err != nil {
		return err
	}

	for {
		rows, done, err := p.events.Next(ctx, cursor)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := p.reprocessParsed(ctx, rows); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

// reprocessParsed replays already-persisted events without re-parsing,
// calling handlers and emitting newParsedEvent with reprocessing=true. Like
// processOne's existing-but-unprocessed branch, it sets and persists the
// StatusProcessed bit for any row that doesn't already carry it — otherwise
// a reorg-rediscovered row stays permanently unprocessed and a later batch
// touching the same Position would re-run its handler a second time. It
// runs under the handle the caller obtained from Block(), so it does not
// take batchMu itself.
func (p *Processor) reprocessParsed(ctx context.Context, rows []chainmodel.StoredEvent) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ev := range rows {
			args, err := deserializeArgs(ev.SerializedArgs)
			if err != nil {
				return err
			}
			parsed := chainmodel.ParsedLog{Name: ev.Name, Args: args}

			if h, ok := p.handlers[ev.Name]; ok {
				if err := h(ctx, tx, ev.ID, ev.Log(), parsed, true); err != nil {
					return errors.Wrapf(err, "storage: reorg handler %s", ev.Name)
				}
			}

			if !ev.Status.HasStatus(chainmodel.StatusProcessed) {
				ev.Status |= chainmodel.StatusProcessed
				if err := p.events.DestroyOne(ctx, tx, p.chainID, ev.ID, ev.BlockNumber); err != nil {
					return err
				}
				if err := p.events.Create(ctx, tx, ev); err != nil {
					return err
				}
			}

			if p.OnNewParsedEvent != nil {
				p.OnNewParsedEvent(ev.Log(), parsed, true)
			}
		}
		return nil
	})
}

func (p *Processor) handleNewInstrument(ctx context.Context, tx *gorm.DB, id common.Hash, l chainmodel.Log, parsed chainmodel.ParsedLog, processed bool) error {
	_ = id
	_ = processed
	addr, ok := parsed.Args["instrument"].(common.Address)
	if !ok {
		return nil
	}
	return p.instr.Create(ctx, tx, store.Instrument{ChainID: p.chainID, Address: addr, StartBlock: l.BlockNumber})
}
