package rpcserver

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DecimalString renders a *big.Int as a base-10 string via shopspring/decimal,
// the wire encoding spec.md §6 mandates for every BigInt-valued field in
// queryAccount/queryAMM results.
func DecimalString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, 0).String()
}
