package consensus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hf-timestd/internal/detect"
	"github.com/banshee-data/hf-timestd/internal/fsutil"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/timeutil"
)

type memoryHistory struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (h *memoryHistory) AppendConsensus(_ context.Context, res Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.results = append(h.results, res)
	return nil
}

func (h *memoryHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func TestPublisherWritesAtomically(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	p := NewPublisher(fsys, "/state/consensus.json")

	_, ok := p.Latest()
	assert.False(t, ok)

	res := newTestCombiner(t, Config{}, sourceOf(
		meas("WWV_10", detect.WWV, 10.0),
		meas("CHU_7850", detect.CHU, 10.5),
	)).Cycle()
	require.NoError(t, p.Publish(res))
	assert.False(t, fsys.HasTemporary())

	onDisk, err := ReadSnapshot(fsys, "/state/consensus.json")
	require.NoError(t, err)
	assert.Equal(t, res.State, onDisk.State)
	assert.Equal(t, res.OffsetMs, onDisk.OffsetMs)
	assert.Equal(t, res.Stations[detect.CHU].Channels, onDisk.Stations[detect.CHU].Channels)

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, res.ID, latest.ID)
}

func TestPublisherKeepsPreviousSnapshotOnFailure(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	p := NewPublisher(fsys, "/state/consensus.json")
	require.NoError(t, p.Publish(Result{ID: "first", State: StateNoData}))

	fsys.FailWrites(1)
	assert.Error(t, p.Publish(Result{ID: "second", State: StateLocked}))

	onDisk, err := ReadSnapshot(fsys, "/state/consensus.json")
	require.NoError(t, err)
	assert.Equal(t, "first", onDisk.ID)
	assert.False(t, fsys.HasTemporary())
}

func TestRunnerRunOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	history := &memoryHistory{}
	comb := newTestCombiner(t, Config{}, sourceOf(meas("WWV_10", detect.WWV, 4)))

	r := NewRunner(comb, NewPublisher(fsutil.NewMemoryFileSystem(), ""))
	r.History = history
	r.Metrics = monitoring.NewMetrics(reg)

	res := r.RunOnce(context.Background())
	assert.Equal(t, StateSingleSource, res.State)
	assert.Equal(t, 1, history.len())

	expected := `
# HELP timestd_consensus_offset_ms Global consensus local-minus-UTC offset.
# TYPE timestd_consensus_offset_ms gauge
timestd_consensus_offset_ms 4
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "timestd_consensus_offset_ms"))

	// history failures do not stop publication
	history.err = errors.New("disk full")
	r.RunOnce(context.Background())
	_, ok := r.Publisher.Latest()
	assert.True(t, ok)
}

func TestRunnerTicks(t *testing.T) {
	clock := timeutil.NewMockClock(now)
	comb, err := NewCombiner(Config{}, sourceOf(meas("WWV_10", detect.WWV, 1)), clock)
	require.NoError(t, err)

	history := &memoryHistory{}
	r := NewRunner(comb, NewPublisher(nil, ""))
	r.Clock = clock
	r.History = history
	r.Interval = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return history.len() == 1 }, time.Second, time.Millisecond)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return history.len() == 2 }, time.Second, time.Millisecond)

	r.Stop()
	r.Stop()
}
