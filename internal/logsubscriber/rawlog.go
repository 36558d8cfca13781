package logsubscriber

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
)

// rawLog mirrors the JSON shape of an eth_subscribe("logs") notification,
// decoded field-by-field since go-ethereum's own types.Log lacks JSON tags
// for the hex-string wire encoding used over the subscription channel.
type rawLog struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	BlockHash        string   `json:"blockHash"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

func (r rawLog) toLog(chainID int64) (chainmodel.Log, error) {
	blockNumber, err := parseHexU64(r.BlockNumber)
	if err != nil {
		return chainmodel.Log{}, err
	}
	txIndex, err := parseHexU64(r.TransactionIndex)
	if err != nil {
		return chainmodel.Log{}, err
	}
	logIndex, err := parseHexU64(r.LogIndex)
	if err != nil {
		return chainmodel.Log{}, err
	}

	data, err := hexDecode(r.Data)
	if err != nil {
		return chainmodel.Log{}, err
	}

	topics := make([]common.Hash, len(r.Topics))
	for i, t := range r.Topics {
		topics[i] = common.HexToHash(t)
	}

	return chainmodel.Log{
		ChainID:          chainID,
		Address:          common.HexToAddress(r.Address),
		BlockNumber:      blockNumber,
		BlockHash:        common.HexToHash(r.BlockHash),
		TxHash:           common.HexToHash(r.TransactionHash),
		TransactionIndex: txIndex,
		LogIndex:         logIndex,
		Topics:           topics,
		Data:             data,
		Removed:          r.Removed,
	}, nil
}

func parseHexU64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}

func hexDecode(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}
