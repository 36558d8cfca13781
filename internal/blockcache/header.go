package blockcache

import "github.com/ethereum/go-ethereum/common"

// Header is the minimal block header shape cached by BlockCache.
type Header struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Time       uint64
}
