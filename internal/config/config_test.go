package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/spiked/pkg/checkpoint"
	"github.com/hed1ad/spiked/pkg/detectors/iid"
)

func TestDefaults(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 95.0, cfg.Detector.Confidence)
	assert.Equal(t, 100, cfg.Detector.HistoryLength)
	assert.Equal(t, "spike", cfg.Detector.Mode)
	assert.Equal(t, "info", cfg.Logging.Level)

	opts, err := cfg.Detector.Options()
	require.NoError(t, err)
	d, err := iid.New(opts...)
	require.NoError(t, err)
	assert.Equal(t, 100, d.Config().MartingaleLength)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spiked.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
detector:
  confidence: 99.5
  history_length: 12
  mode: changepoint
  side: negative
  martingale: mixture
checkpoint:
  backend: file
  path: /tmp/ckpt
`), 0o600))

	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 99.5, cfg.Detector.Confidence)
	assert.Equal(t, "file", cfg.Checkpoint.Backend)

	opts, err := cfg.Detector.Options()
	require.NoError(t, err)
	d, err := iid.New(opts...)
	require.NoError(t, err)

	got := d.Config()
	assert.Equal(t, 12, got.HistoryLength)
	assert.Equal(t, iid.ModeChangePoint, got.Mode)
	assert.Equal(t, iid.SideNegative, got.Side)
	assert.Equal(t, iid.MartingaleMixture, got.Martingale)
}

func TestMissingExplicitConfigFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SPIKED_DETECTOR_HISTORY_LENGTH", "7")
	t.Setenv("SPIKED_DETECTOR_SIDE", "positive")

	v, err := New("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Detector.HistoryLength)
	assert.Equal(t, "positive", cfg.Detector.Side)
}

func TestOptionsRejectUnknownEnum(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("detector.mode", "seasonal")

	cfg, err := Load(v)
	require.NoError(t, err)
	_, err = cfg.Detector.Options()
	assert.ErrorIs(t, err, iid.ErrConfiguration)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name     string
		cfg      CheckpointConfig
		wantNil  bool
		wantType any
		wantErr  bool
	}{
		{name: "disabled", cfg: CheckpointConfig{}, wantNil: true},
		{name: "file", cfg: CheckpointConfig{Backend: "file", Path: filepath.Join(dir, "files")}, wantType: &checkpoint.FileStore{}},
		{name: "sqlite", cfg: CheckpointConfig{Backend: "sqlite", Path: filepath.Join(dir, "c.db")}, wantType: &checkpoint.SQLiteStore{}},
		{name: "file without path", cfg: CheckpointConfig{Backend: "file"}, wantErr: true},
		{name: "unknown backend", cfg: CheckpointConfig{Backend: "s3", Path: "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := tt.cfg.OpenStore(ctx)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, store)
				return
			}
			defer store.Close()
			assert.IsType(t, tt.wantType, store)
		})
	}
}
