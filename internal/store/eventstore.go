// Package store implements the persistence layer of spec.md §3/§4.D/§4.E:
// the partitioned EventStore, the SnapshotStore, and the Cache, grounded on
// core/services/feeds/orm.go's pattern of a struct wrapping *gorm.DB with
// one raw-SQL method per operation.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/logger"
)

// NMax is the default sub-table capacity from spec.md §3.
const NMax = 1_000_000

// EventIndex tracks one sub-table's upper block boundary and occupancy,
// per spec.md §3.
type EventIndex struct {
	ChainID        int64
	K              int
	BlockNumberMax uint64
	Size           int
}

func tableName(chainID int64, k int) string {
	return fmt.Sprintf("events_%d_%d", chainID, k)
}

// EventStore is the horizontally partitioned log table described in
// spec.md §4.D. create/destroyOne must be called serially per chain; the
// writers are the StorageProcessor and the ReorgDetector (for reconciled
// events), and the store's mutex serializes their calls.
type EventStore struct {
	db  *gorm.DB
	log logger.Logger

	mu      sync.Mutex
	indexes map[int64][]*EventIndex // ordered by K, per chain
}

// NewEventStore constructs an EventStore bound to db.
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{
		db:      db,
		log:     logger.With("eventstore"),
		indexes: make(map[int64][]*EventIndex),
	}
}

// Init loads all EventIndex rows (ordered by k) for chainID and ensures
// sub-tables events_{chainId}_0..events_{chainId}_{last+runway} exist, per
// spec.md §4.D. runway defaults to 30 pre-created tables ahead of the tail.
func (s *EventStore) Init(ctx context.Context, chainID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).Exec(`
		CREATE TABLE IF NOT EXISTS event_index (
			chain_id bigint NOT NULL,
			k int NOT NULL,
			block_number_max bigint NOT NULL DEFAULT 0,
			size int NOT NULL DEFAULT 0,
			PRIMARY KEY (chain_id, k)
		)`).Error; err != nil {
		return errors.Wrap(err, "eventstore: create event_index")
	}

	var rows []EventIndex
	if err := s.db.WithContext(ctx).Raw(`
		SELECT chain_id, k, block_number_max, size FROM event_index
		WHERE chain_id = ? ORDER BY k ASC`, chainID).Scan(&rows).Error; err != nil {
		return errors.Wrap(err, "eventstore: load event_index")
	}

	idx := make([]*EventIndex, 0, len(rows)+1)
	for i := range rows {
		r := rows[i]
		idx = append(idx, &r)
	}
	if len(idx) == 0 {
		idx = append(idx, &EventIndex{ChainID: chainID, K: 0})
		if err := s.persistIndexLocked(ctx, nil, idx[0]); err != nil {
			return err
		}
	}

	last := idx[len(idx)-1].K
	for k := 0; k <= last+30; k++ {
		if err := s.ensureSubTable(ctx, chainID, k); err != nil {
			return err
		}
	}

	s.indexes[chainID] = idx
	return nil
}

func (s *EventStore) ensureSubTable(ctx context.Context, chainID int64, k int) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id bytea PRIMARY KEY,
			address bytea NOT NULL,
			block_number bigint NOT NULL,
			block_hash bytea NOT NULL,
			tx_hash bytea NOT NULL,
			transaction_index bigint NOT NULL,
			log_index bigint NOT NULL,
			topics bytea NOT NULL,
			data bytea NOT NULL,
			removed boolean NOT NULL DEFAULT false,
			name text NOT NULL,
			serialized_args jsonb NOT NULL DEFAULT '{}',
			timestamp bigint,
			status smallint NOT NULL DEFAULT 0
		)`, tableName(chainID, k))
	return s.db.WithContext(ctx).Exec(stmt).Error
}

func (s *EventStore) persistIndexLocked(ctx context.Context, tx *gorm.DB, idx *EventIndex) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	return db.WithContext(ctx).Exec(`
		INSERT INTO event_index (chain_id, k, block_number_max, size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain_id, k) DO UPDATE SET
			block_number_max = excluded.block_number_max,
			size = excluded.size
	`, idx.ChainID, idx.K, idx.BlockNumberMax, idx.Size).Error
}

// Create locates the target sub-table per spec.md §3's placement invariant
// and inserts the event, updating blockNumber_max and size atomically with
// the insert under tx if provided. Must be called serially per chain.
func (s *EventStore) Create(ctx context.Context, tx *gorm.DB, e chainmodel.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexes[e.ChainID]
	if len(idx) == 0 {
		return errors.Errorf("eventstore: chain %d not initialized", e.ChainID)
	}

	// Smallest-k sub-table whose blockNumber_max >= e.blockNumber.
	target := -1
	for i, row := range idx {
		if row.BlockNumberMax >= e.BlockNumber {
			target = i
			break
		}
	}

	isTail := target == -1 || target == len(idx)-1
	if target == -1 {
		target = len(idx) - 1
	}

	if isTail && idx[target].Size >= NMax {
		newK := len(idx)
		if err := s.ensureSubTable(ctx, e.ChainID, newK); err != nil {
			return err
		}
		newRow := &EventIndex{ChainID: e.ChainID, K: newK}
		idx = append(idx, newRow)
		s.indexes[e.ChainID] = idx
		target = newK
	}

	row := idx[target]
	if err := s.insertInto(ctx, tx, e.ChainID, row.K, e); err != nil {
		return err
	}

	if e.BlockNumber > row.BlockNumberMax {
		row.BlockNumberMax = e.BlockNumber
	}
	row.Size++

	return s.persistIndexLocked(ctx, tx, row)
}

func (s *EventStore) insertInto(ctx context.Context, tx *gorm.DB, chainID int64, k int, e chainmodel.StoredEvent) error {
	db := s.db
	if tx != nil {
		db = tx
	}

	topics, err := encodeTopics(e.Topics)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, address, block_number, block_hash, tx_hash,
			transaction_index, log_index, topics, data, removed,
			name, serialized_args, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, tableName(chainID, k))

	return db.WithContext(ctx).Exec(stmt,
		e.ID.Bytes(), e.Address.Bytes(), e.BlockNumber, e.BlockHash.Bytes(), e.TxHash.Bytes(),
		e.TransactionIndex, e.LogIndex, topics, e.Data, e.Removed,
		e.Name, datatypes.JSON(e.SerializedArgs), e.Timestamp, e.Status,
	).Error
}

// FindOne sequentially probes only sub-tables whose block range may contain
// blockNumber, per spec.md §4.D, returning the first match or nil.
func (s *EventStore) FindOne(ctx context.Context, chainID int64, id common.Hash, blockNumber uint64) (*chainmodel.StoredEvent, error) {
	s.mu.Lock()
	idx := append([]*EventIndex(nil), s.indexes[chainID]...)
	s.mu.Unlock()

	prevMax := uint64(0)
	for _, row := range idx {
		if prevMax < blockNumber && blockNumber <= row.BlockNumberMax {
			ev, err := s.findInTable(ctx, chainID, row.K, id)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				return ev, nil
			}
		}
		prevMax = row.BlockNumberMax
	}

	// blockNumber may exceed every known blockNumber_max (not yet rolled
	// into the index) — fall back to probing the tail.
	if len(idx) > 0 {
		tail := idx[len(idx)-1]
		if blockNumber > tail.BlockNumberMax {
			return s.findInTable(ctx, chainID, tail.K, id)
		}
	}
	return nil, nil
}

func (s *EventStore) findInTable(ctx context.Context, chainID int64, k int, id common.Hash) (*chainmodel.StoredEvent, error) {
	var rows []dbEvent
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE id = ? LIMIT 1`, tableName(chainID, k))
	if err := s.db.WithContext(ctx).Raw(stmt, id.Bytes()).Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "eventstore: findOne")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ev, err := rows[0].toStoredEvent(chainID)
	return &ev, err
}

// DestroyOne locates the sub-table as in FindOne, deletes matching rows and
// decrements size, persisting the index row under tx.
func (s *EventStore) DestroyOne(ctx context.Context, tx *gorm.DB, chainID int64, id common.Hash, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexes[chainID]
	prevMax := uint64(0)
	for _, row := range idx {
		if prevMax < blockNumber && blockNumber <= row.BlockNumberMax {
			db := s.db
			if tx != nil {
				db = tx
			}
			stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tableName(chainID, row.K))
			res := db.WithContext(ctx).Exec(stmt, id.Bytes())
			if res.Error != nil {
				return errors.Wrap(res.Error, "eventstore: destroyOne")
			}
			if res.RowsAffected > 0 {
				row.Size -= int(res.RowsAffected)
				return s.persistIndexLocked(ctx, tx, row)
			}
			return nil
		}
		prevMax = row.BlockNumberMax
	}
	return nil
}

// Cursor is the continuation-cursor contract from spec.md §9's REDESIGN
// note (async generators become a Cursor / (batch,nextCursor,done) tuple).
type Cursor struct {
	chainID    int64
	from, to   *chainmodel.Position
	lowerExcl  bool // '>' vs '>='
	tableIdx   int
	offset     int
	limit      int
	done       bool
	idx        []*EventIndex
}

// FindAllOrderByBTLASC streams logs strictly ordered by Position across
// sub-tables, using a strict '>' lower bound (re-anchored after each batch)
// and a '<=' upper bound, per spec.md §4.D.
func (s *EventStore) FindAllOrderByBTLASC(ctx context.Context, chainID int64, from chainmodel.Position, to *chainmodel.Position, limit int) (*Cursor, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.mu.Lock()
	idx := append([]*EventIndex(nil), s.indexes[chainID]...)
	s.mu.Unlock()

	return &Cursor{
		chainID:   chainID,
		from:      &from,
		to:        to,
		lowerExcl: true,
		limit:     limit,
		idx:       idx,
	}, nil
}

// Next yields the next batch of StoredEvents, re-anchoring the lower bound
// after each yielded batch via the last Position seen.
func (s *EventStore) Next(ctx context.Context, c *Cursor) ([]chainmodel.StoredEvent, bool, error) {
	if c.done {
		return nil, true, nil
	}

	var out []chainmodel.StoredEvent
	for c.tableIdx < len(c.idx) {
		row := c.idx[c.tableIdx]
		if c.to != nil && row.K > 0 {
			prevMax := c.idx[c.tableIdx-1].BlockNumberMax
			if prevMax > c.to.BlockNumber {
				c.tableIdx = len(c.idx)
				break
			}
		}

		batch, err := s.scanTable(ctx, c.chainID, row.K, *c.from, c.to, c.lowerExcl, c.offset, c.limit)
		if err != nil {
			return nil, false, err
		}

		if len(batch) == 0 {
			c.tableIdx++
			c.offset = 0
			continue
		}

		out = append(out, batch...)
		last := batch[len(batch)-1].Position()
		c.from = &last
		c.lowerExcl = true

		if len(batch) < c.limit {
			c.tableIdx++
			c.offset = 0
		} else {
			c.offset = 0 // re-anchored by Position, not offset, across pages
		}
		break
	}

	done := c.tableIdx >= len(c.idx)
	c.done = done
	return out, done, nil
}

func (s *EventStore) scanTable(ctx context.Context, chainID int64, k int, from chainmodel.Position, to *chainmodel.Position, lowerExcl bool, offset, limit int) ([]chainmodel.StoredEvent, error) {
	stmt := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE (block_number > ? OR (block_number = ? AND transaction_index > ?) OR (block_number = ? AND transaction_index = ? AND log_index > ?))
	`, tableName(chainID, k))
	queryArgs := []interface{}{from.BlockNumber, from.BlockNumber, from.TransactionIndex, from.BlockNumber, from.TransactionIndex, from.LogIndex}
	if !lowerExcl {
		stmt = fmt.Sprintf(`
			SELECT * FROM %s
			WHERE (block_number > ? OR (block_number = ? AND transaction_index > ?) OR (block_number = ? AND transaction_index = ? AND log_index >= ?))
		`, tableName(chainID, k))
	}

	if to != nil {
		stmt += ` AND (block_number < ? OR (block_number = ? AND transaction_index < ?) OR (block_number = ? AND transaction_index = ? AND log_index <= ?))`
		queryArgs = append(queryArgs, to.BlockNumber, to.BlockNumber, to.TransactionIndex, to.BlockNumber, to.TransactionIndex, to.LogIndex)
	}

	stmt += ` ORDER BY block_number ASC, transaction_index ASC, log_index ASC LIMIT ? OFFSET ?`
	queryArgs = append(queryArgs, limit, offset)

	var rows []dbEvent
	if err := s.db.WithContext(ctx).Raw(stmt, queryArgs...).Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "eventstore: scanTable")
	}

	out := make([]chainmodel.StoredEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toStoredEvent(chainID)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// LatestStoredBlock returns the highest blockNumber_max across sub-tables
// for chainID, used by Ingestor's sync loop as `storage.latestStoredBlock`.
func (s *EventStore) LatestStoredBlock(chainID int64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexes[chainID]
	if len(idx) == 0 {
		return 0
	}
	return idx[len(idx)-1].BlockNumberMax
}

// TotalSize sums size(k) across all sub-tables.
func (s *EventStore) TotalSize(chainID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, row := range s.indexes[chainID] {
		total += row.Size
	}
	return total
}

// Indexes returns a read-only snapshot of the EventIndex rows, ordered by k.
func (s *EventStore) Indexes(chainID int64) []EventIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventIndex, len(s.indexes[chainID]))
	for i, row := range s.indexes[chainID] {
		out[i] = *row
	}
	sort.Slice(out, func(i, j int) bool { return out[i].K < out[j].K })
	return out
}

type dbEvent struct {
	ID               []byte
	Address          []byte
	BlockNumber      uint64
	BlockHash        []byte
	TxHash           []byte
	TransactionIndex uint64
	LogIndex         uint64
	Topics           []byte
	Data             []byte
	Removed          bool
	Name             string
	SerializedArgs   datatypes.JSON
	Timestamp        *int64
	Status           uint8
}

func (r dbEvent) toStoredEvent(chainID int64) (chainmodel.StoredEvent, error) {
	topics, err := decodeTopics(r.Topics)
	if err != nil {
		return chainmodel.StoredEvent{}, err
	}
	return chainmodel.StoredEvent{
		ID:               common.BytesToHash(r.ID),
		ChainID:          chainID,
		Address:          common.BytesToAddress(r.Address),
		BlockNumber:      r.BlockNumber,
		BlockHash:        common.BytesToHash(r.BlockHash),
		TxHash:           common.BytesToHash(r.TxHash),
		TransactionIndex: r.TransactionIndex,
		LogIndex:         r.LogIndex,
		Topics:           topics,
		Data:             r.Data,
		Removed:          r.Removed,
		Name:             r.Name,
		SerializedArgs:   []byte(r.SerializedArgs),
		Timestamp:        r.Timestamp,
		Status:           chainmodel.EventStatus(r.Status),
	}, nil
}

func encodeTopics(topics []common.Hash) ([]byte, error) {
	raw := make([]string, len(topics))
	for i, t := range topics {
		raw[i] = t.Hex()
	}
	return json.Marshal(raw)
}

func decodeTopics(b []byte) ([]common.Hash, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "eventstore: decode topics")
	}
	out := make([]common.Hash, len(raw))
	for i, s := range raw {
		out[i] = common.HexToHash(s)
	}
	return out, nil
}
