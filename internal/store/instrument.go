package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Instrument is a contract address discovered via a NewInstrument Gate log,
// per the GLOSSARY. Persisted so a restart can rehydrate the set of
// addresses LogFetcher/LogSubscriber must track.
type Instrument struct {
	ChainID     int64
	Address     common.Address
	StartBlock  uint64
}

// InstrumentStore persists discovered Instrument addresses.
type InstrumentStore struct {
	db *gorm.DB
}

// NewInstrumentStore constructs an InstrumentStore bound to db.
func NewInstrumentStore(db *gorm.DB) *InstrumentStore {
	return &InstrumentStore{db: db}
}

// Init creates the instruments table if it doesn't already exist.
func (s *InstrumentStore) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			chain_id bigint NOT NULL,
			address bytea NOT NULL,
			start_block bigint NOT NULL,
			PRIMARY KEY (chain_id, address)
		)`).Error
}

// Create inserts a newly discovered instrument, idempotently.
func (s *InstrumentStore) Create(ctx context.Context, tx *gorm.DB, inst Instrument) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	return db.WithContext(ctx).Exec(`
		INSERT INTO instruments (chain_id, address, start_block) VALUES (?, ?, ?)
		ON CONFLICT (chain_id, address) DO NOTHING
	`, inst.ChainID, inst.Address.Bytes(), inst.StartBlock).Error
}

type dbInstrument struct {
	Address    []byte
	StartBlock uint64
}

// All lists every known instrument address for chainID, used to rehydrate
// LogFetcher/LogSubscriber subscriptions on startup.
func (s *InstrumentStore) All(ctx context.Context, chainID int64) ([]Instrument, error) {
	var rows []dbInstrument
	if err := s.db.WithContext(ctx).Raw(`
		SELECT address, start_block FROM instruments WHERE chain_id = ?
	`, chainID).Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "instrumentstore: all")
	}
	out := make([]Instrument, len(rows))
	for i, r := range rows {
		out[i] = Instrument{ChainID: chainID, Address: common.BytesToAddress(r.Address), StartBlock: r.StartBlock}
	}
	return out, nil
}
