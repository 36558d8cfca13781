package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
)

type stubStore struct{ latest uint64 }

func (s stubStore) LatestStoredBlock(chainID int64) uint64 { return s.latest }

func newTestIngestor(t *testing.T, confirmationWindow uint64) *Ingestor {
	t.Helper()
	cfg := Config{ChainID: 1, ConfirmationWindow: confirmationWindow, Threshold: 100}
	ing := New(cfg, nil, nil, stubStore{})
	return ing
}

func logAt(blockNumber uint64) chainmodel.Log {
	return chainmodel.Log{ChainID: 1, BlockNumber: blockNumber}
}

// TestFeedBatch_ConfirmationBoundary pins the intended confirm() split from
// spec.md §8 scenario 3: with head H and window C, a log at blockNumber <=
// H-C is released downstream immediately; a log at blockNumber > H-C stays
// held in confirmingLogs until a later head advance promotes it.
func TestFeedBatch_ConfirmationBoundary(t *testing.T) {
	ing := newTestIngestor(t, 2)
	head := uint64(100)

	logs := []chainmodel.Log{logAt(97), logAt(98), logAt(99), logAt(100)}
	ing.feedBatch(context.Background(), logs, head)

	require.Len(t, ing.downstream, 1)
	released := <-ing.downstream
	require.Len(t, released, 2)
	assert.Equal(t, uint64(97), released[0].BlockNumber)
	assert.Equal(t, uint64(98), released[1].BlockNumber)

	ing.mu.Lock()
	held := append([]chainmodel.Log(nil), ing.confirmingLogs...)
	ing.mu.Unlock()
	require.Len(t, held, 2)
	assert.Equal(t, uint64(99), held[0].BlockNumber)
	assert.Equal(t, uint64(100), held[1].BlockNumber)
}

// TestFeedBatch_HeadBelowWindow covers the edge case where head has not yet
// advanced past the confirmation window: every log is held, none released.
func TestFeedBatch_HeadBelowWindow(t *testing.T) {
	ing := newTestIngestor(t, 5)
	head := uint64(2)

	ing.feedBatch(context.Background(), []chainmodel.Log{logAt(1), logAt(2)}, head)

	assert.Len(t, ing.downstream, 0)
	ing.mu.Lock()
	held := len(ing.confirmingLogs)
	ing.mu.Unlock()
	assert.Equal(t, 2, held)
}

// TestOnNewHead_PromotesMaturedConfirmingLogs pins that a later head advance
// promotes confirming logs once they fall at or before head-C. With C=2 and
// head=100 (boundary=98), feedBatch already releases 98 immediately,
// leaving only {99,100} held; onNewHead(103) (boundary=101) then promotes
// both.
func TestOnNewHead_PromotesMaturedConfirmingLogs(t *testing.T) {
	ing := newTestIngestor(t, 2)
	ing.feedBatch(context.Background(), []chainmodel.Log{logAt(98), logAt(99), logAt(100)}, 100)

	require.Len(t, ing.downstream, 1)
	fed := <-ing.downstream
	require.Len(t, fed, 1)
	assert.Equal(t, uint64(98), fed[0].BlockNumber)

	ing.mu.Lock()
	held := append([]chainmodel.Log(nil), ing.confirmingLogs...)
	ing.mu.Unlock()
	require.Len(t, held, 2)

	ing.onNewHead(103)

	require.Len(t, ing.downstream, 1)
	promoted := <-ing.downstream
	assert.ElementsMatch(t, []uint64{99, 100}, []uint64{promoted[0].BlockNumber, promoted[1].BlockNumber})

	ing.mu.Lock()
	remaining := len(ing.confirmingLogs)
	ing.mu.Unlock()
	assert.Equal(t, 0, remaining)
}
