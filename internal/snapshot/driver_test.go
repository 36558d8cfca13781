package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/store"
)

// fakeState is a minimal State recording every applied event name, enough to
// pin ordering and out-of-order behavior without a real application-state
// engine.
type fakeState struct {
	applied []string
}

func (s *fakeState) Apply(l chainmodel.Log, parsed chainmodel.ParsedLog) error {
	s.applied = append(s.applied, parsed.Name)
	return nil
}
func (s *fakeState) Serialize() ([]byte, error) { return []byte("{}"), nil }
func (s *fakeState) Clone() State {
	return &fakeState{applied: append([]string(nil), s.applied...)}
}

type fakeFactory struct{}

func (fakeFactory) New() State                        { return &fakeState{} }
func (fakeFactory) Deserialize([]byte) (State, error) { return &fakeState{}, nil }

// fakeEventScanner replays a fixed, Position-ordered slice of StoredEvents,
// ignoring the from/to bounds (tests construct the slice already in range).
type fakeEventScanner struct {
	rows   []chainmodel.StoredEvent
	latest uint64
}

func (f *fakeEventScanner) FindAllOrderByBTLASC(ctx context.Context, chainID int64, from chainmodel.Position, to *chainmodel.Position, limit int) (*store.Cursor, error) {
	return &store.Cursor{}, nil
}

func (f *fakeEventScanner) Next(ctx context.Context, c *store.Cursor) ([]chainmodel.StoredEvent, bool, error) {
	rows := f.rows
	f.rows = nil
	return rows, true, nil
}

func (f *fakeEventScanner) LatestStoredBlock(chainID int64) uint64 { return f.latest }

// fakeSnapshotWriter records DestroyFromBlock calls without touching a
// database, so the out-of-order invalidation path can be observed directly.
type fakeSnapshotWriter struct {
	destroyedFromBlock []uint64
}

func (f *fakeSnapshotWriter) Save(ctx context.Context, tx *gorm.DB, chainID int64, pos chainmodel.Position, serialized []byte) error {
	return nil
}
func (f *fakeSnapshotWriter) DestroyFromBlock(ctx context.Context, tx *gorm.DB, chainID int64, fromBlock uint64) error {
	f.destroyedFromBlock = append(f.destroyedFromBlock, fromBlock)
	return nil
}
func (f *fakeSnapshotWriter) DestroyUpToExcluding(ctx context.Context, tx *gorm.DB, chainID int64, upToBlock uint64, keep chainmodel.Position) error {
	return nil
}
func (f *fakeSnapshotWriter) NearestAtOrBefore(ctx context.Context, chainID int64, pos chainmodel.Position) (*chainmodel.StoredSnapshot, error) {
	return nil, nil
}

func newTestDriver() (*Driver, *fakeSnapshotWriter) {
	writer := &fakeSnapshotWriter{}
	d := New(1, nil, &fakeEventScanner{}, writer, nil, fakeFactory{}, DefaultInterval, DefaultOutdated)
	d.liveSnapshot = &fakeState{}
	d.livePosition = chainmodel.Position{BlockNumber: 100}
	return d, writer
}

// TestOnNewParsedEvent_OutOfOrder_DoesNotRewindLivePosition pins the §9 open
// question decision: an out-of-order apply still mutates state, but
// livePosition is intentionally NOT rewound, and stored snapshots at or
// above the out-of-order block are invalidated instead.
func TestOnNewParsedEvent_OutOfOrder_DoesNotRewindLivePosition(t *testing.T) {
	d, writer := newTestDriver()

	outOfOrderLog := chainmodel.Log{BlockNumber: 90}
	err := d.OnNewParsedEvent(context.Background(), outOfOrderLog, chainmodel.ParsedLog{Name: "Stale"})
	require.NoError(t, err)

	assert.Equal(t, chainmodel.Position{BlockNumber: 100}, d.livePosition, "livePosition must not rewind on out-of-order apply")
	assert.Equal(t, []string{"Stale"}, d.liveSnapshot.(*fakeState).applied, "state must still be applied")
	assert.Equal(t, []uint64{90}, writer.destroyedFromBlock, "stored snapshots at/above the out-of-order block must be invalidated")
}

// TestOnNewParsedEvent_InOrder_AdvancesLivePosition is the complementary
// baseline: an in-order apply advances livePosition normally.
func TestOnNewParsedEvent_InOrder_AdvancesLivePosition(t *testing.T) {
	d, writer := newTestDriver()

	inOrderLog := chainmodel.Log{BlockNumber: 101}
	err := d.OnNewParsedEvent(context.Background(), inOrderLog, chainmodel.ParsedLog{Name: "Fresh"})
	require.NoError(t, err)

	assert.Equal(t, chainmodel.Position{BlockNumber: 101}, d.livePosition)
	assert.Empty(t, writer.destroyedFromBlock)
}

// TestGetSnapshot_ReplaysFromExplicitBase exercises the shared replay
// algorithm against an explicit ReplayBase, bypassing the NearestAtOrBefore
// stored-snapshot lookup entirely.
func TestGetSnapshot_ReplaysFromExplicitBase(t *testing.T) {
	events := &fakeEventScanner{rows: []chainmodel.StoredEvent{
		{ChainID: 1, BlockNumber: 11, Name: "A"},
		{ChainID: 1, BlockNumber: 12, Name: "B"},
	}}
	d := New(1, nil, events, &fakeSnapshotWriter{}, nil, fakeFactory{}, DefaultInterval, DefaultOutdated)

	base := &ReplayBase{Position: chainmodel.Position{BlockNumber: 10}, State: &fakeState{}}
	to := chainmodel.Position{BlockNumber: 12, TransactionIndex: ^uint64(0), LogIndex: ^uint64(0)}

	var progressed []chainmodel.Position
	state, pos, err := d.GetSnapshot(context.Background(), to, base, func(p chainmodel.Position) {
		progressed = append(progressed, p)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), pos.BlockNumber)
	assert.Equal(t, []string{"A", "B"}, state.(*fakeState).applied)
	require.Len(t, progressed, 1)
	assert.Equal(t, uint64(12), progressed[0].BlockNumber)
}
