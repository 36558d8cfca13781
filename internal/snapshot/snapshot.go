// Package snapshot implements spec.md §4.H: the SnapshotDriver maintaining
// a live in-memory application-state Snapshot, plus the shared getSnapshot
// replay algorithm used both by the live driver and by RequestHandler's
// on-demand materialization. Grounded on ethmonitor.go's retention-limit
// bookkeeping (applied here to snapshot retention rather than block
// retention) and the teacher's "keep-at-least-one" pruning philosophy.
package snapshot

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/ierrors"
	"github.com/synfutures/oyster-indexer/internal/logger"
	"github.com/synfutures/oyster-indexer/internal/store"
)

// DefaultInterval is the persistence interval (in blocks) from spec.md §4.H.
const DefaultInterval = 1800

// DefaultOutdated is the retention horizon (in blocks) from spec.md §4.H.
const DefaultOutdated = 43200

// DefaultPersistSchedule is the wall-clock safety-net persistence cadence:
// OnNewParsedEvent's block-delta check only fires persist() while new
// events keep arriving, so a quiet chain could leave liveSnapshot
// unpersisted indefinitely without this.
const DefaultPersistSchedule = "@every 1m"

// State is the opaque application-state engine contract from spec.md §6:
// new snapshot construction, deterministic log application, and
// serialize/deserialize. processParsedLog semantics are out of scope per
// spec.md §1 — State.Apply is treated as a pure-ish mutator.
type State interface {
	Apply(log chainmodel.Log, parsed chainmodel.ParsedLog) error
	Serialize() ([]byte, error)
	Clone() State
}

// StateFactory constructs a fresh, zero-value State, or deserializes one
// from a prior Serialize() payload.
type StateFactory interface {
	New() State
	Deserialize(data []byte) (State, error)
}

// EventScanner is the EventStore surface needed to replay logs in Position
// order, matching store.EventStore's Cursor-based streaming contract.
type EventScanner interface {
	FindAllOrderByBTLASC(ctx context.Context, chainID int64, from chainmodel.Position, to *chainmodel.Position, limit int) (*store.Cursor, error)
	Next(ctx context.Context, c *store.Cursor) ([]chainmodel.StoredEvent, bool, error)
	LatestStoredBlock(chainID int64) uint64
}

// ErrReorging is returned by GetLatestSnapshot while a reorg is in flight.
var ErrReorging = ierrors.ErrReorging

// SnapshotWriter is the store.SnapshotStore surface the Driver needs,
// narrowed to an interface so replay/reorg logic can be exercised against a
// fake in tests without a live database.
type SnapshotWriter interface {
	Save(ctx context.Context, tx *gorm.DB, chainID int64, pos chainmodel.Position, serialized []byte) error
	DestroyFromBlock(ctx context.Context, tx *gorm.DB, chainID int64, fromBlock uint64) error
	DestroyUpToExcluding(ctx context.Context, tx *gorm.DB, chainID int64, upToBlock uint64, keep chainmodel.Position) error
	NearestAtOrBefore(ctx context.Context, chainID int64, pos chainmodel.Position) (*chainmodel.StoredSnapshot, error)
}

// CacheWriter is the store.Cache surface the Driver needs.
type CacheWriter interface {
	Set(chainID int64, name, path string, value interface{}) error
	Save(ctx context.Context, tx *gorm.DB, chainID int64, name string) error
}

// Driver is the SnapshotDriver component from spec.md §4.H.
type Driver struct {
	chainID int64
	db      *gorm.DB
	events  EventScanner
	store   SnapshotWriter
	cache   CacheWriter
	factory StateFactory
	log     logger.Logger

	interval uint64
	outdated uint64

	mu                 sync.Mutex
	liveSnapshot       State
	livePosition       chainmodel.Position
	lastPersistedBlock uint64
	reorging           bool

	ctrl  chan controlMsg
	cronS *cron.Cron
}

type controlMsg struct {
	reorgBlock uint64
	done       chan error
}

const cacheName = "SnapshotDriverCache"

// New constructs a Driver. interval/outdated default per spec.md §4.H.
func New(chainID int64, db *gorm.DB, events EventScanner, snapStore SnapshotWriter, cache CacheWriter, factory StateFactory, interval, outdated uint64) *Driver {
	if interval == 0 {
		interval = DefaultInterval
	}
	if outdated == 0 {
		outdated = DefaultOutdated
	}
	return &Driver{
		chainID:  chainID,
		db:       db,
		events:   events,
		store:    snapStore,
		cache:    cache,
		factory:  factory,
		log:      logger.With("snapshot"),
		interval: interval,
		outdated: outdated,
		ctrl:     make(chan controlMsg, 1),
		cronS:    cron.New(),
	}
}

// OnInit materializes liveSnapshot up to EventStore.latestStoredBlock and
// persists if due, per spec.md §4.H.
func (d *Driver) OnInit(ctx context.Context) error {
	to := chainmodel.UpperBoundOfBlock(d.events.LatestStoredBlock(d.chainID))
	snap, pos, err := d.GetSnapshot(ctx, to, nil, nil)
	if err != nil {
		return errors.Wrap(err, "snapshot: onInit replay")
	}

	d.mu.Lock()
	d.liveSnapshot = snap
	d.livePosition = pos
	due := pos.BlockNumber-d.lastPersistedBlock >= d.interval
	d.mu.Unlock()

	if due {
		return d.persist(ctx)
	}
	return nil
}

// Worker drains control messages (reorgs) serially; must drain before stop,
// per spec.md §5's ordering table. It also runs a scheduled safety-net
// persist so liveSnapshot doesn't go unpersisted during a quiet chain.
func (d *Driver) Worker(ctx context.Context) {
	_, err := d.cronS.AddFunc(DefaultPersistSchedule, func() {
		if err := d.persist(ctx); err != nil {
			d.log.Warnw("snapshot: scheduled persist failed", "err", err)
		}
	})
	if err != nil {
		d.log.Warnw("snapshot: failed to schedule persist", "err", err)
	}
	d.cronS.Start()
	defer d.cronS.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.ctrl:
			msg.done <- d.handleReorg(ctx, msg.reorgBlock)
		}
	}
}

// Reorg enqueues a reorg control message and blocks until handled, per
// spec.md §4.H.
func (d *Driver) Reorg(ctx context.Context, reorgBlock uint64) error {
	msg := controlMsg{reorgBlock: reorgBlock, done: make(chan error, 1)}
	select {
	case d.ctrl <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) handleReorg(ctx context.Context, reorgBlock uint64) error {
	d.mu.Lock()
	d.reorging = true
	d.liveSnapshot = nil
	d.livePosition = chainmodel.Position{}
	d.mu.Unlock()

	if err := d.store.DestroyFromBlock(ctx, nil, d.chainID, reorgBlock); err != nil {
		d.mu.Lock()
		d.reorging = false
		d.mu.Unlock()
		return errors.Wrap(err, "snapshot: reorg destroy")
	}

	to := chainmodel.Position{}
	if reorgBlock > 0 {
		to = chainmodel.UpperBoundOfBlock(reorgBlock - 1)
	}
	snap, pos, err := d.GetSnapshot(ctx, to, nil, nil)
	if err != nil {
		d.mu.Lock()
		d.reorging = false
		d.mu.Unlock()
		return errors.Wrap(err, "snapshot: reorg replay")
	}

	d.mu.Lock()
	d.liveSnapshot = snap
	d.livePosition = pos
	d.reorging = false
	d.mu.Unlock()
	return nil
}

// OnNewParsedEvent applies an incoming parsed event to liveSnapshot, per
// spec.md §4.H's out-of-order detection and retention/persistence rules.
func (d *Driver) OnNewParsedEvent(ctx context.Context, l chainmodel.Log, parsed chainmodel.ParsedLog) error {
	d.mu.Lock()
	if d.reorging || d.liveSnapshot == nil {
		d.mu.Unlock()
		return nil
	}

	pos := l.Position()
	outOfOrder := pos.Less(d.livePosition)

	if err := d.liveSnapshot.Apply(l, parsed); err != nil {
		d.mu.Unlock()
		return errors.Wrap(err, "snapshot: apply")
	}

	if outOfOrder {
		d.mu.Unlock()
		// Invalidate stored snapshots at or above the out-of-order block;
		// livePosition is intentionally NOT advanced (see DESIGN.md open
		// question decision).
		return d.store.DestroyFromBlock(ctx, nil, d.chainID, l.BlockNumber)
	}
	d.livePosition = pos
	due := l.BlockNumber-d.lastPersistedBlock >= d.interval
	d.mu.Unlock()

	if due {
		return d.persist(ctx)
	}
	return nil
}

func (d *Driver) persist(ctx context.Context) error {
	d.mu.Lock()
	pos := d.livePosition
	snap := d.liveSnapshot
	d.mu.Unlock()
	if snap == nil {
		return nil
	}

	serialized, err := snap.Serialize()
	if err != nil {
		return errors.Wrap(err, "snapshot: serialize")
	}

	head := d.events.LatestStoredBlock(d.chainID)
	var cutoff uint64
	if head > d.outdated {
		cutoff = head - d.outdated
	}

	// The row to keep among the outdated set is the newest one at or below
	// cutoff, not pos (pos is the live position being saved now and almost
	// always sits above cutoff, which would make the exclusion a no-op and
	// prune every outdated snapshot instead of leaving a replay base).
	keep := pos
	if nearest, nerr := d.store.NearestAtOrBefore(ctx, d.chainID, chainmodel.UpperBoundOfBlock(cutoff)); nerr != nil {
		return errors.Wrap(nerr, "snapshot: nearestAtOrBefore cutoff")
	} else if nearest != nil {
		keep = nearest.Position
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.store.DestroyUpToExcluding(ctx, tx, d.chainID, cutoff, keep); err != nil {
			return err
		}
		if err := d.store.Save(ctx, tx, d.chainID, pos, serialized); err != nil {
			return err
		}
		if err := d.cache.Set(d.chainID, cacheName, "lastPersistedBlock", pos.BlockNumber); err != nil {
			return err
		}
		if err := d.cache.Save(ctx, tx, d.chainID, cacheName); err != nil {
			return err
		}
		d.mu.Lock()
		d.lastPersistedBlock = pos.BlockNumber
		d.mu.Unlock()
		return nil
	})
}

// GetLatestSnapshot returns the live snapshot, or ErrReorging while a reorg
// is in flight (ierrors.ErrUnavailable before the first snapshot is live),
// per spec.md §4.H.
func (d *Driver) GetLatestSnapshot() (State, chainmodel.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reorging {
		return nil, chainmodel.Position{}, ErrReorging
	}
	if d.liveSnapshot == nil {
		return nil, chainmodel.Position{}, errors.Wrap(ierrors.ErrUnavailable, "snapshot: not yet initialized")
	}
	return d.liveSnapshot.Clone(), d.livePosition, nil
}

// ReplayBase is an optional starting point for GetSnapshot, per spec.md
// §4.H's getSnapshot(to, from?, ...) contract.
type ReplayBase struct {
	Position chainmodel.Position
	State    State
}

// GetSnapshot is the shared replay algorithm from spec.md §4.H: starting
// from the nearest stored snapshot at or before `to` (or from an explicit
// base), scan EventStore.findAllOrderByBTLASC and apply in order, aborting
// on signal between batches.
func (d *Driver) GetSnapshot(ctx context.Context, to chainmodel.Position, from *ReplayBase, progress func(chainmodel.Position)) (State, chainmodel.Position, error) {
	var startState State
	var startPos chainmodel.Position

	if from != nil {
		startState = from.State
		startPos = from.Position
	} else {
		stored, err := d.store.NearestAtOrBefore(ctx, d.chainID, to)
		if err != nil {
			return nil, chainmodel.Position{}, err
		}
		if stored != nil {
			st, derr := d.factory.Deserialize(stored.Serialized)
			if derr != nil {
				return nil, chainmodel.Position{}, derr
			}
			startState = st
			startPos = stored.Position
		} else {
			startState = d.factory.New()
			startPos = chainmodel.Position{}
		}
	}

	return d.replay(ctx, startState, startPos, to, progress)
}

func (d *Driver) replay(ctx context.Context, state State, from, to chainmodel.Position, progress func(chainmodel.Position)) (State, chainmodel.Position, error) {
	cursor, err := d.events.FindAllOrderByBTLASC(ctx, d.chainID, from, &to, 1000)
	if err != nil {
		return nil, chainmodel.Position{}, err
	}

	latest := from
	for {
		select {
		case <-ctx.Done():
			return state, latest, ctx.Err()
		default:
		}

		rows, done, err := d.events.Next(ctx, cursor)
		if err != nil {
			return nil, chainmodel.Position{}, err
		}
		for _, ev := range rows {
			args, aerr := deserializeStoredArgs(ev.SerializedArgs)
			if aerr != nil {
				return nil, chainmodel.Position{}, aerr
			}
			if err := state.Apply(ev.Log(), chainmodel.ParsedLog{Name: ev.Name, Args: args}); err != nil {
				return nil, chainmodel.Position{}, errors.Wrapf(err, "snapshot: apply %s", ev.Name)
			}
			latest = ev.Position()
		}
		if progress != nil && len(rows) > 0 {
			progress(latest)
		}
		if done {
			break
		}
	}

	return state, latest, nil
}
