// Package stream runs one detector per named series and checkpoints them as
// a group.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hed1ad/spiked/pkg/checkpoint"
	"github.com/hed1ad/spiked/pkg/detectors"
	"github.com/hed1ad/spiked/pkg/detectors/iid"
)

// Manager owns an independent detector for every series key. Different
// series can be observed in parallel; observations of one series are
// serialized by that series' detector.
type Manager struct {
	mu        sync.RWMutex
	detectors map[string]*iid.Detector

	opts    []iid.Option
	logger  *zap.Logger
	metrics *Metrics
}

// NewManager validates opts by building a throwaway detector and returns an
// empty manager. New series get a detector built from opts and fit on an
// empty warm-up.
func NewManager(logger *zap.Logger, metrics *Metrics, opts ...iid.Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if _, err := iid.New(opts...); err != nil {
		return nil, err
	}

	return &Manager{
		detectors: make(map[string]*iid.Detector),
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// getOrCreate returns the detector for key, creating it if needed.
func (m *Manager) getOrCreate(key string) (*iid.Detector, error) {
	m.mu.RLock()
	d, ok := m.detectors[key]
	m.mu.RUnlock()
	if ok {
		return d, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock.
	if d, ok = m.detectors[key]; ok {
		return d, nil
	}

	d, err := m.newDetector(key)
	if err != nil {
		return nil, err
	}
	if err := d.Fit(nil); err != nil {
		return nil, err
	}
	m.detectors[key] = d
	m.metrics.setSeries(len(m.detectors))
	return d, nil
}

func (m *Manager) newDetector(key string) (*iid.Detector, error) {
	opts := append([]iid.Option{}, m.opts...)
	opts = append(opts, iid.WithLogger(m.logger.With(zap.String("series", key))))
	return iid.New(opts...)
}

// Fit creates the detector for key and warms it up on series. It fails when
// key already has a detector.
func (m *Manager) Fit(key string, series []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.detectors[key]; ok {
		return fmt.Errorf("%w: series %q is already fit", iid.ErrInvalidState, key)
	}
	d, err := m.newDetector(key)
	if err != nil {
		return err
	}
	if err := d.Fit(series); err != nil {
		return err
	}
	m.detectors[key] = d
	m.metrics.setSeries(len(m.detectors))
	return nil
}

// Observe scores value on the series key, creating its detector on first use.
func (m *Manager) Observe(key string, value float64) (detectors.Prediction, error) {
	d, err := m.getOrCreate(key)
	if err != nil {
		return detectors.Prediction{}, err
	}

	p, err := d.PredictOne(value)
	if err != nil {
		m.metrics.reject(key)
		return detectors.Prediction{}, err
	}
	m.metrics.observe(key, p)
	return p, nil
}

// Run observes every value from input on key until input is closed or ctx
// is done. Rejected values are logged and skipped. Run closes output when it
// returns.
func (m *Manager) Run(ctx context.Context, key string, input <-chan float64, output chan<- detectors.Prediction) error {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case value, ok := <-input:
			if !ok {
				return nil
			}

			p, err := m.Observe(key, value)
			if errors.Is(err, iid.ErrInvalidInput) {
				m.logger.Warn("skipping observation", zap.String("series", key), zap.Error(err))
				continue
			}
			if err != nil {
				return err
			}

			select {
			case output <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Get returns the detector for key.
func (m *Manager) Get(key string) (*iid.Detector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.detectors[key]
	return d, ok
}

// Keys returns the tracked series keys in ascending order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.detectors))
	for k := range m.detectors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// snapshot returns a copy of the detector map (avoids holding lock during store writes).
func (m *Manager) snapshot() map[string]*iid.Detector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]*iid.Detector, len(m.detectors))
	for k, v := range m.detectors {
		cp[k] = v
	}
	return cp
}

// Checkpoint saves every detector to store under its series key.
func (m *Manager) Checkpoint(ctx context.Context, store checkpoint.Store) error {
	all := m.snapshot()
	for key, d := range all {
		blob, err := d.Save()
		if err != nil {
			return fmt.Errorf("checkpoint %q: %w", key, err)
		}
		if err := store.Save(ctx, key, blob); err != nil {
			return err
		}
	}
	m.logger.Info("checkpointed series", zap.Int("count", len(all)))
	return nil
}

// Restore loads the checkpoint of every key in store, replacing detectors
// already tracked under the same key. Checkpoints keep their own
// configuration; only the logger comes from the manager.
func (m *Manager) Restore(ctx context.Context, store checkpoint.Store) error {
	keys, err := store.List(ctx)
	if err != nil {
		return err
	}

	restored := make(map[string]*iid.Detector, len(keys))
	for _, key := range keys {
		if err := m.restoreInto(ctx, store, key, restored); err != nil {
			return err
		}
	}

	m.mu.Lock()
	for k, d := range restored {
		m.detectors[k] = d
	}
	m.metrics.setSeries(len(m.detectors))
	m.mu.Unlock()

	m.logger.Info("restored series", zap.Int("count", len(restored)))
	return nil
}

// RestoreKey loads the checkpoint of a single series. It returns
// checkpoint.ErrNotFound when the store has none.
func (m *Manager) RestoreKey(ctx context.Context, store checkpoint.Store, key string) error {
	restored := make(map[string]*iid.Detector, 1)
	if err := m.restoreInto(ctx, store, key, restored); err != nil {
		return err
	}

	m.mu.Lock()
	m.detectors[key] = restored[key]
	m.metrics.setSeries(len(m.detectors))
	m.mu.Unlock()
	return nil
}

func (m *Manager) restoreInto(ctx context.Context, store checkpoint.Store, key string, into map[string]*iid.Detector) error {
	blob, err := store.Load(ctx, key)
	if err != nil {
		return err
	}
	d, err := iid.Restore(blob, iid.WithLogger(m.logger.With(zap.String("series", key))))
	if err != nil {
		return fmt.Errorf("restore %q: %w", key, err)
	}
	into[key] = d
	return nil
}
