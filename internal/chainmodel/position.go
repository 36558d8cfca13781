// Package chainmodel defines the data model of spec.md §3: Log, ParsedLog,
// Position, StoredEvent and StoredSnapshot, grounded on go-ethereum's
// core/types.Log shape as used throughout the teacher's broadcaster.go.
package chainmodel

import "fmt"

// Position is the total-ordered triple (blockNumber, transactionIndex,
// logIndex) from spec.md §3.
type Position struct {
	BlockNumber      uint64
	TransactionIndex uint64
	LogIndex         uint64
}

// Compare returns -1, 0 or 1 the way sort.Interface comparisons expect,
// ordering lexicographically by (blockNumber, transactionIndex, logIndex).
func (p Position) Compare(o Position) int {
	if p.BlockNumber != o.BlockNumber {
		if p.BlockNumber < o.BlockNumber {
			return -1
		}
		return 1
	}
	if p.TransactionIndex != o.TransactionIndex {
		if p.TransactionIndex < o.TransactionIndex {
			return -1
		}
		return 1
	}
	if p.LogIndex != o.LogIndex {
		if p.LogIndex < o.LogIndex {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether p strictly precedes o.
func (p Position) Less(o Position) bool { return p.Compare(o) < 0 }

// LessEq reports whether p precedes or equals o.
func (p Position) LessEq(o Position) bool { return p.Compare(o) <= 0 }

// MaxPosition is used as an open upper bound, e.g. "> (fromBlock-1, ∞, ∞)"
// in spec.md §4.G's reorg re-processing rule.
var MaxPosition = Position{
	BlockNumber:      ^uint64(0),
	TransactionIndex: ^uint64(0),
	LogIndex:         ^uint64(0),
}

// UpperBoundOfBlock returns the Position representing the end of the given
// block, i.e. (blockNumber, ∞, ∞) — used for the reorg cutoff in spec.md
// §4.G: "Position > (fromBlock-1, ∞, ∞)".
func UpperBoundOfBlock(blockNumber uint64) Position {
	return Position{
		BlockNumber:      blockNumber,
		TransactionIndex: ^uint64(0),
		LogIndex:         ^uint64(0),
	}
}

// String always renders the position as "{block}-{tx}-{log}"; it has no
// block-only form. Snapshot ids, including the block-only form, are built by
// rpcserver's snapID.
func (p Position) String() string {
	return fmt.Sprintf("%d-%d-%d", p.BlockNumber, p.TransactionIndex, p.LogIndex)
}
