package chainmodel

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Log is the raw event log shape from spec.md §3, a thin wrapper around
// go-ethereum's core/types.Log that adds the chainId the teacher's
// broadcaster.go carries implicitly through its ORM/config layer.
type Log struct {
	ChainID          int64
	Address          common.Address
	BlockNumber      uint64
	BlockHash        common.Hash
	TxHash           common.Hash
	TransactionIndex uint64
	LogIndex         uint64
	Topics           []common.Hash
	Data             []byte
	Removed          bool
}

// Position extracts the Position triple from the log.
func (l Log) Position() Position {
	return Position{
		BlockNumber:      l.BlockNumber,
		TransactionIndex: l.TransactionIndex,
		LogIndex:         l.LogIndex,
	}
}

// ID computes the synthetic stable id H(chainId, address, blockHash, txHash,
// logIndex) from spec.md §3, a 256-bit Keccak hash over the big-endian
// encoding of each field, matching go-ethereum's own hashing idiom
// (crypto.Keccak256Hash) used throughout the teacher's dependency tree.
func (l Log) ID() common.Hash {
	var buf []byte

	chainIDBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(chainIDBytes, uint64(l.ChainID))
	buf = append(buf, chainIDBytes...)

	buf = append(buf, l.Address.Bytes()...)
	buf = append(buf, l.BlockHash.Bytes()...)
	buf = append(buf, l.TxHash.Bytes()...)

	logIndexBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(logIndexBytes, l.LogIndex)
	buf = append(buf, logIndexBytes...)

	return crypto.Keccak256Hash(buf)
}

// ParsedLog is the result of parsing a raw Log against one of the Gate,
// Config or Instrument ABIs, per spec.md §3. Args is kept opaque (a
// map keyed by argument name) since processParsedLog's semantics are out
// of scope per spec.md §1.
type ParsedLog struct {
	Name string
	Args map[string]interface{}
}

// EventStatus is the StoredEvent status bitmask from spec.md §3.
type EventStatus uint8

const (
	// StatusProcessed marks an event that has been applied to the
	// application state at least once.
	StatusProcessed EventStatus = 1 << iota
)

// HasStatus reports whether the given bit is set.
func (s EventStatus) HasStatus(bit EventStatus) bool { return s&bit != 0 }

// StoredEvent is the persisted representation of a Log plus its parsed name,
// serialized args, and status bitmask, per spec.md §3.
type StoredEvent struct {
	ID               common.Hash
	ChainID          int64
	Address          common.Address
	BlockNumber      uint64
	BlockHash        common.Hash
	TxHash           common.Hash
	TransactionIndex uint64
	LogIndex         uint64
	Topics           []common.Hash
	Data             []byte
	Removed          bool

	Name          string
	SerializedArgs []byte // JSON-encoded ParsedLog.Args
	Timestamp     *int64
	Status        EventStatus
}

// Log reconstructs the raw Log embedded in this StoredEvent.
func (e StoredEvent) Log() Log {
	return Log{
		ChainID:          e.ChainID,
		Address:          e.Address,
		BlockNumber:      e.BlockNumber,
		BlockHash:        e.BlockHash,
		TxHash:           e.TxHash,
		TransactionIndex: e.TransactionIndex,
		LogIndex:         e.LogIndex,
		Topics:           e.Topics,
		Data:             e.Data,
		Removed:          e.Removed,
	}
}

// Position extracts the Position triple from the stored event.
func (e StoredEvent) Position() Position {
	return Position{
		BlockNumber:      e.BlockNumber,
		TransactionIndex: e.TransactionIndex,
		LogIndex:         e.LogIndex,
	}
}

// StoredSnapshot is the persisted serialized Snapshot keyed by (chainId,
// Position), per spec.md §3.
type StoredSnapshot struct {
	ChainID    int64
	Position   Position
	Serialized []byte
}
