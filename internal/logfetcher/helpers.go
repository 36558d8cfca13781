package logfetcher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func blockNumberOf(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}

func addrSlice(a common.Address) []common.Address {
	return []common.Address{a}
}
