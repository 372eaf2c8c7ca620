package iid

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSaveRestoreRoundTrip(t *testing.T) {
	integers := generateSeries(400, 9)
	for i := range integers {
		// Coarse values produce plenty of ties.
		integers[i] = math.Round(integers[i] * 2)
	}

	tests := []struct {
		name   string
		opts   []Option
		series []float64
	}{
		{
			name:   "spike kernel",
			opts:   []Option{WithHistoryLength(25)},
			series: generateSeries(400, 1),
		},
		{
			name:   "change point power",
			opts:   []Option{WithHistoryLength(25), WithMode(ModeChangePoint)},
			series: generateSeries(400, 2),
		},
		{
			name:   "change point mixture one-sided",
			opts:   []Option{WithHistoryLength(40), WithMode(ModeChangePoint), WithMartingale(MartingaleMixture), WithSide(SidePositive)},
			series: generateSeries(400, 3),
		},
		{
			name:   "rank randomized ties",
			opts:   []Option{WithHistoryLength(30), WithPValueMethod(PValueRank), WithTieBreak(TieRandomized), WithSeed(99)},
			series: integers,
		},
		{
			name:   "window not yet full",
			opts:   []Option{WithHistoryLength(500), WithMartingaleLength(1000)},
			series: generateSeries(400, 4),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original, err := New(tt.opts...)
			require.NoError(t, err)
			require.NoError(t, original.Fit(tt.series[:100]))
			_, err = original.Predict(tt.series[100:200])
			require.NoError(t, err)

			blob, err := original.Save()
			require.NoError(t, err)
			assert.NotEmpty(t, blob)

			restored, err := Restore(blob)
			require.NoError(t, err)
			assert.Equal(t, original.Config(), restored.Config())
			assert.Equal(t, original.History(), restored.History())
			assert.Equal(t, original.Count(), restored.Count())
			assert.Equal(t, original.LogMartingale(), restored.LogMartingale())

			want, err := original.Predict(tt.series[200:])
			require.NoError(t, err)
			got, err := restored.Predict(tt.series[200:])
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// A second round trip from the continued state still agrees.
			again, err := restored.Save()
			require.NoError(t, err)
			final, err := original.Save()
			require.NoError(t, err)
			assert.Equal(t, final, again)
		})
	}
}

func TestLoadIntoExistingDetector(t *testing.T) {
	src, err := New(WithHistoryLength(5), WithConfidence(99))
	require.NoError(t, err)
	require.NoError(t, src.Fit([]float64{1, 2, 3, 4, 5, 6}))
	blob, err := src.Save()
	require.NoError(t, err)

	dst, err := New(WithHistoryLength(50), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, dst.Load(blob))

	assert.True(t, dst.Fitted())
	assert.Equal(t, 99.0, dst.Config().Confidence)
	assert.Equal(t, []float64{2, 3, 4, 5, 6}, dst.History())
	assert.Equal(t, uint64(6), dst.Count())

	// A restored detector is fit and cannot be refit.
	assert.ErrorIs(t, dst.Fit(nil), ErrInvalidState)
}

func TestRestoreRejectsCorruptBlobs(t *testing.T) {
	d, err := New(WithHistoryLength(4))
	require.NoError(t, err)
	require.NoError(t, d.Fit([]float64{1, 2, 3}))
	blob, err := d.Save()
	require.NoError(t, err)

	corrupt := func(f func(b []byte) []byte) []byte {
		c := make([]byte, len(blob))
		copy(c, blob)
		return f(c)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "header only", data: blob[:headerSize]},
		{name: "truncated payload", data: blob[:len(blob)-7]},
		{name: "trailing garbage", data: append(corrupt(func(b []byte) []byte { return b }), 0)},
		{name: "bad magic", data: corrupt(func(b []byte) []byte { b[0] = 'X'; return b })},
		{name: "unknown version", data: corrupt(func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[4:], CheckpointVersion+1)
			return b
		})},
		{name: "flipped payload byte", data: corrupt(func(b []byte) []byte { b[headerSize+3] ^= 0xff; return b })},
		{name: "bad checksum", data: corrupt(func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Restore(tt.data)
			assert.ErrorIs(t, err, ErrSerialization)
		})
	}
}

func TestRestoreRejectsInconsistentState(t *testing.T) {
	valid := DefaultConfig()
	valid.HistoryLength = 2
	valid.MartingaleLength = 2

	invalidConfig := valid
	invalidConfig.Confidence = 100

	tests := []struct {
		name string
		snap Snapshot
	}{
		{name: "invalid config", snap: Snapshot{Config: invalidConfig, Count: 1}},
		{name: "history over capacity", snap: Snapshot{Config: valid, History: []float64{1, 2, 3}, Count: 3}},
		{name: "bets over capacity", snap: Snapshot{Config: valid, Bets: []float64{1, 2, 3}, Count: 3}},
		{name: "history longer than count", snap: Snapshot{Config: valid, History: []float64{1, 2}, Count: 1}},
		{name: "non-finite history", snap: Snapshot{Config: valid, History: []float64{math.NaN()}, Count: 1}},
		{name: "non-finite bet", snap: Snapshot{Config: valid, Bets: []float64{math.Inf(1)}, Count: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeSnapshot(tt.snap)
			assert.ErrorIs(t, err, ErrSerialization)

			_, err = Restore(frameSnapshot(t, tt.snap))
			assert.ErrorIs(t, err, ErrSerialization)
		})
	}
}

func TestSaveRejectsUnrestorableState(t *testing.T) {
	d, err := New(WithHistoryLength(3))
	require.NoError(t, err)
	require.NoError(t, d.Fit([]float64{1, 2, 3}))

	d.bets.Push(math.Inf(1))
	_, err = d.Save()
	assert.ErrorIs(t, err, ErrSerialization)
}

// frameSnapshot writes s in the checkpoint format without validating it.
func frameSnapshot(t *testing.T, s Snapshot) []byte {
	t.Helper()
	var payload bytes.Buffer
	require.NoError(t, gob.NewEncoder(&payload).Encode(s))

	out := make([]byte, headerSize, headerSize+payload.Len()+trailerSize)
	copy(out, checkpointMagic[:])
	binary.BigEndian.PutUint16(out[4:], CheckpointVersion)
	binary.BigEndian.PutUint32(out[6:], uint32(payload.Len()))
	out = append(out, payload.Bytes()...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(payload.Bytes()))
}

func TestFailedLoadLeavesDetectorUnchanged(t *testing.T) {
	d, err := New(WithHistoryLength(3))
	require.NoError(t, err)
	require.NoError(t, d.Fit([]float64{7, 8, 9}))

	err = d.Load([]byte("not a checkpoint at all"))
	assert.ErrorIs(t, err, ErrSerialization)
	assert.Equal(t, []float64{7, 8, 9}, d.History())
	assert.Equal(t, 3, d.Config().HistoryLength)
}

func TestDecodeSnapshot(t *testing.T) {
	d, err := New(WithHistoryLength(3), WithMode(ModeChangePoint))
	require.NoError(t, err)
	require.NoError(t, d.Fit([]float64{1, 2, 3, 4}))
	blob, err := d.Save()
	require.NoError(t, err)

	s, err := DecodeSnapshot(blob)
	require.NoError(t, err)
	assert.Equal(t, ModeChangePoint, s.Config.Mode)
	assert.Equal(t, []float64{2, 3, 4}, s.History)
	assert.Len(t, s.Bets, 3)
	assert.Equal(t, uint64(4), s.Count)
	assert.Equal(t, d.LogMartingale(), s.LogMartingale())
}
