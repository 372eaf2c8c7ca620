package stream

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hed1ad/spiked/pkg/checkpoint"
	"github.com/hed1ad/spiked/pkg/detectors"
	"github.com/hed1ad/spiked/pkg/detectors/iid"
)

func newTestManager(t *testing.T, opts ...iid.Option) (*Manager, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	m, err := NewManager(zap.NewNop(), metrics, opts...)
	require.NoError(t, err)
	return m, metrics
}

func TestNewManagerRejectsInvalidOptions(t *testing.T) {
	_, err := NewManager(nil, nil, iid.WithConfidence(100))
	assert.ErrorIs(t, err, iid.ErrConfiguration)
}

func TestObserveCreatesIndependentSeries(t *testing.T) {
	m, metrics := newTestManager(t, iid.WithHistoryLength(2))

	for _, v := range []float64{5, 5, 5} {
		_, err := m.Observe("a", v)
		require.NoError(t, err)
	}
	p, err := m.Observe("b", 10)
	require.NoError(t, err)
	assert.False(t, p.Alert, "b has no history yet")

	p, err = m.Observe("a", 10)
	require.NoError(t, err)
	assert.True(t, p.Alert)

	assert.Equal(t, []string{"a", "b"}, m.Keys())
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.observations.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.alerts.WithLabelValues("a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.alerts.WithLabelValues("b")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.series))
}

func TestObserveRejectsNonFinite(t *testing.T) {
	m, metrics := newTestManager(t)

	_, err := m.Observe("a", math.NaN())
	assert.ErrorIs(t, err, iid.ErrInvalidInput)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rejected.WithLabelValues("a")))

	d, ok := m.Get("a")
	require.True(t, ok)
	assert.Zero(t, d.Count())
}

func TestFit(t *testing.T) {
	m, _ := newTestManager(t, iid.WithHistoryLength(3))
	require.NoError(t, m.Fit("a", []float64{1, 1, 1}))
	assert.ErrorIs(t, m.Fit("a", nil), iid.ErrInvalidState)

	p, err := m.Observe("a", 9)
	require.NoError(t, err)
	assert.True(t, p.Alert)
}

func TestConcurrentSeries(t *testing.T) {
	m, metrics := newTestManager(t, iid.WithHistoryLength(16))

	var wg sync.WaitGroup
	keys := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, err := m.Observe(key, float64(i%7))
				assert.NoError(t, err)
			}
		}(key)
	}
	wg.Wait()

	for _, key := range keys {
		d, ok := m.Get(key)
		require.True(t, ok)
		assert.Equal(t, uint64(200), d.Count())
		assert.Equal(t, 200.0, testutil.ToFloat64(metrics.observations.WithLabelValues(key)))
	}
}

func TestCheckpointRestore(t *testing.T) {
	ctx := context.Background()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	series := map[string][]float64{
		"cpu":  {1, 2, 1, 2, 1, 2, 1, 2},
		"disk": {10, 11, 10, 12, 10, 11},
	}

	original, _ := newTestManager(t, iid.WithHistoryLength(4), iid.WithMode(iid.ModeChangePoint))
	for key, values := range series {
		for _, v := range values {
			_, err := original.Observe(key, v)
			require.NoError(t, err)
		}
	}
	require.NoError(t, original.Checkpoint(ctx, store))

	resumed, _ := newTestManager(t)
	require.NoError(t, resumed.Restore(ctx, store))
	assert.Equal(t, []string{"cpu", "disk"}, resumed.Keys())

	for key := range series {
		for _, v := range []float64{1, 40, 2, 2} {
			want, err := original.Observe(key, v)
			require.NoError(t, err)
			got, err := resumed.Observe(key, v)
			require.NoError(t, err)
			assert.Equal(t, want, got, key)
		}
	}

	d, ok := resumed.Get("cpu")
	require.True(t, ok)
	assert.Equal(t, iid.ModeChangePoint, d.Config().Mode, "checkpoint keeps its own config")
}

func TestRestoreKeyNotFound(t *testing.T) {
	ctx := context.Background()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	m, _ := newTestManager(t)
	err = m.RestoreKey(ctx, store, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRestoreRejectsCorruptCheckpoint(t *testing.T) {
	ctx := context.Background()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "bad", []byte("garbage")))

	m, _ := newTestManager(t)
	err = m.Restore(ctx, store)
	assert.ErrorIs(t, err, iid.ErrSerialization)
	assert.Empty(t, m.Keys())
}

func TestRun(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m, err := NewManager(zap.New(core), NewMetrics(prometheus.NewRegistry()), iid.WithHistoryLength(4))
	require.NoError(t, err)

	input := make(chan float64, 8)
	output := make(chan detectors.Prediction, 8)
	for _, v := range []float64{3, 3, math.Inf(1), 3, 3, 30} {
		input <- v
	}
	close(input)

	require.NoError(t, m.Run(context.Background(), "s", input, output))

	var results []detectors.Prediction
	for p := range output {
		results = append(results, p)
	}
	require.Len(t, results, 5)
	assert.True(t, results[4].Alert)
	assert.Equal(t, 1, logs.FilterMessage("skipping observation").Len())
}

func TestRunCancelled(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Run(ctx, "s", make(chan float64), make(chan detectors.Prediction))
	assert.ErrorIs(t, err, context.Canceled)
}
