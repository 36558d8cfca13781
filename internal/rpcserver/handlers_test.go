package rpcserver

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
)

// TestSnapID_Formatting pins the "{chainId}-{blockNumber}[-{tx}-{log}]"
// encoding from spec.md §6, including the literal example
// "81457-2737538-10-23".
func TestSnapID_Formatting(t *testing.T) {
	assert.Equal(t, "81457-2737538", snapID(81457, chainmodel.Position{BlockNumber: 2737538}, false))
	assert.Equal(t, "81457-2737538-10-23", snapID(81457, chainmodel.Position{BlockNumber: 2737538, TransactionIndex: 10, LogIndex: 23}, true))
}

func TestDerefOr(t *testing.T) {
	var nilPtr *uint64
	assert.Equal(t, uint64(0), derefOr(nilPtr))
	v := uint64(7)
	assert.Equal(t, uint64(7), derefOr(&v))
}

// TestDecimalString_EncodesBigIntExactly pins the BigInt-as-decimal-string
// wire encoding from spec.md §6 for values exceeding float64 precision.
func TestDecimalString_EncodesBigIntExactly(t *testing.T) {
	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	assert.True(t, ok)
	assert.Equal(t, "123456789012345678901234567890", DecimalString(huge))
	assert.Equal(t, "0", DecimalString(big.NewInt(0)))
	assert.Equal(t, "-42", DecimalString(big.NewInt(-42)))
}
