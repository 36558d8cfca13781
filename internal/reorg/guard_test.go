package reorg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// newTestDetector builds a Detector with no live chain dependencies, valid
// only for exercising the pure window-math/guard logic in
// OnNewStoredBlockNumber that returns before touching the fetcher.
func newTestDetector() *Detector {
	d := &Detector{span: DefaultSpan, delay: DefaultDelay, interval: DefaultInterval}
	d.MarkSynced()
	return d
}

// TestOnNewStoredBlockNumber_BelowDelay_NoOp pins that a block number below
// the delay window (or an empty EventStore) is a silent no-op.
func TestOnNewStoredBlockNumber_BelowDelay_NoOp(t *testing.T) {
	d := newTestDetector()
	d.OnNewStoredBlockNumber(context.Background(), d.delay-1, 1000)
	assert.False(t, d.running)
	assert.Equal(t, uint64(0), d.lastCheckedBlock)
}

// TestOnNewStoredBlockNumber_AlreadyRunning_Skips pins that a reconciliation
// already in flight suppresses a concurrent one.
func TestOnNewStoredBlockNumber_AlreadyRunning_Skips(t *testing.T) {
	d := newTestDetector()
	d.running = true
	d.OnNewStoredBlockNumber(context.Background(), d.delay+1000, 1000)
	assert.True(t, d.running, "still marked running; no second reconciliation was launched")
}

// TestOnNewStoredBlockNumber_NotYetSynced_NoOp pins that reconciliation
// never triggers before MarkSynced fires, even with a block number that
// would otherwise clear the delay/interval guards.
func TestOnNewStoredBlockNumber_NotYetSynced_NoOp(t *testing.T) {
	d := &Detector{span: DefaultSpan, delay: DefaultDelay, interval: DefaultInterval}
	d.OnNewStoredBlockNumber(context.Background(), d.delay+1000, 1000)
	assert.False(t, d.running)
	assert.Equal(t, uint64(0), d.lastCheckedBlock)
}

// TestOnNewStoredBlockNumber_TooSoonAfterLastCheck_Skips pins the interval
// guard: reconciliation does not re-run until lastCheckedBlock+interval<=from.
func TestOnNewStoredBlockNumber_TooSoonAfterLastCheck_Skips(t *testing.T) {
	d := newTestDetector()
	d.lastCheckedBlock = 990
	// from = to - span; choose n/latestStoredBlock so from lands at 991,
	// just inside the guard (991 < 990+interval=1000).
	d.OnNewStoredBlockNumber(context.Background(), 1101, 1092)
	assert.False(t, d.running, "guard should have prevented a reconciliation from being launched")
}
