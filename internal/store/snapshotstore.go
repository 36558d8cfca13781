package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
)

// SnapshotStore persists serialized Snapshots keyed by (chainId, Position),
// per spec.md §4.E.
type SnapshotStore struct {
	db *gorm.DB
}

// NewSnapshotStore constructs a SnapshotStore bound to db.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Init creates the snapshots table if it doesn't already exist.
func (s *SnapshotStore) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			chain_id bigint NOT NULL,
			block_number bigint NOT NULL,
			transaction_index bigint NOT NULL,
			log_index bigint NOT NULL,
			serialized jsonb NOT NULL,
			PRIMARY KEY (chain_id, block_number, transaction_index, log_index)
		)`).Error
}

// Save creates a row at exactly the given Position only if none exists yet —
// save() is idempotent per spec.md §4.E.
func (s *SnapshotStore) Save(ctx context.Context, tx *gorm.DB, chainID int64, pos chainmodel.Position, serialized []byte) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	return db.WithContext(ctx).Exec(`
		INSERT INTO snapshots (chain_id, block_number, transaction_index, log_index, serialized)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, block_number, transaction_index, log_index) DO NOTHING
	`, chainID, pos.BlockNumber, pos.TransactionIndex, pos.LogIndex, datatypes.JSON(serialized)).Error
}

// DestroyFromBlock deletes every snapshot row with blockNumber >= fromBlock,
// used for reorg and out-of-order invalidation. Outdated-snapshot pruning
// goes through DestroyUpToExcluding instead.
func (s *SnapshotStore) DestroyFromBlock(ctx context.Context, tx *gorm.DB, chainID int64, fromBlock uint64) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	return db.WithContext(ctx).Exec(`
		DELETE FROM snapshots WHERE chain_id = ? AND block_number >= ?
	`, chainID, fromBlock).Error
}

// DestroyUpToExcluding deletes snapshot rows with blockNumber <= upToBlock,
// excluding the single row at keepPosition (the "keep-at-least-one" rule
// from spec.md §4.H).
func (s *SnapshotStore) DestroyUpToExcluding(ctx context.Context, tx *gorm.DB, chainID int64, upToBlock uint64, keep chainmodel.Position) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	return db.WithContext(ctx).Exec(`
		DELETE FROM snapshots
		WHERE chain_id = ? AND block_number <= ?
		  AND NOT (block_number = ? AND transaction_index = ? AND log_index = ?)
	`, chainID, upToBlock, keep.BlockNumber, keep.TransactionIndex, keep.LogIndex).Error
}

type dbSnapshot struct {
	BlockNumber      uint64
	TransactionIndex uint64
	LogIndex         uint64
	Serialized       datatypes.JSON
}

// NearestAtOrBefore returns the unique row with maximum Position <= pos.
func (s *SnapshotStore) NearestAtOrBefore(ctx context.Context, chainID int64, pos chainmodel.Position) (*chainmodel.StoredSnapshot, error) {
	var row dbSnapshot
	err := s.db.WithContext(ctx).Raw(`
		SELECT block_number, transaction_index, log_index, serialized
		FROM snapshots
		WHERE chain_id = ?
		  AND (block_number < ? OR (block_number = ? AND transaction_index < ?) OR (block_number = ? AND transaction_index = ? AND log_index <= ?))
		ORDER BY block_number DESC, transaction_index DESC, log_index DESC
		LIMIT 1
	`, chainID, pos.BlockNumber, pos.BlockNumber, pos.TransactionIndex, pos.BlockNumber, pos.TransactionIndex, pos.LogIndex).Scan(&row).Error
	if err != nil {
		return nil, errors.Wrap(err, "snapshotstore: nearestAtOrBefore")
	}
	if row.Serialized == nil {
		return nil, nil
	}
	return &chainmodel.StoredSnapshot{
		ChainID: chainID,
		Position: chainmodel.Position{
			BlockNumber:      row.BlockNumber,
			TransactionIndex: row.TransactionIndex,
			LogIndex:         row.LogIndex,
		},
		Serialized: []byte(row.Serialized),
	}, nil
}

// List returns every snapshot's identifying Position for chainID, used by
// the listSnapshots RPC method (spec.md §6).
func (s *SnapshotStore) List(ctx context.Context, chainID int64) ([]chainmodel.Position, error) {
	var rows []dbSnapshot
	if err := s.db.WithContext(ctx).Raw(`
		SELECT block_number, transaction_index, log_index FROM snapshots WHERE chain_id = ?
		ORDER BY block_number ASC, transaction_index ASC, log_index ASC
	`, chainID).Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "snapshotstore: list")
	}
	out := make([]chainmodel.Position, len(rows))
	for i, r := range rows {
		out[i] = chainmodel.Position{BlockNumber: r.BlockNumber, TransactionIndex: r.TransactionIndex, LogIndex: r.LogIndex}
	}
	return out, nil
}
