// Package iid implements an online spike and change-point detector for
// scalar series whose points are independent and identically distributed
// under normal operation.
//
// Each observation is scored against a bounded window of the observations
// before it: an empirical p-value measures how surprising it is, and a
// martingale over the p-value sequence accumulates evidence that the series
// stopped being random. Spike mode alerts on the p-value of a single point,
// change-point mode on the accumulated martingale.
package iid

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/hed1ad/spiked/pkg/detectors"
)

// Compile-time interface guard.
var _ detectors.StreamDetector = (*Detector)(nil)

// Detector scores a scalar stream one observation at a time.
//
// A Detector owns its state exclusively. Calls are serialized by an internal
// mutex, but a detector is meant to be driven by a single writer; use one
// Detector per series for parallel workloads.
type Detector struct {
	mu sync.RWMutex

	cfg    Config
	logger *zap.Logger

	// State, captured by Save.
	window *Window // observations preceding the next one
	bets   *Window // recent log bets; their sum is the log martingale
	count  uint64
	fitted bool
}

// New creates an unfit Detector with the given options. It fails with
// ErrConfiguration when the resulting configuration is invalid.
func New(opts ...Option) (*Detector, error) {
	d := &Detector{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.cfg.MartingaleLength == 0 {
		d.cfg.MartingaleLength = d.cfg.HistoryLength
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}

	d.window = NewWindow(d.cfg.HistoryLength)
	d.bets = NewWindow(d.cfg.MartingaleLength)

	return d, nil
}

// Fit warms the detector up on series and makes it ready for prediction.
// Every warm-up point is processed exactly like a predicted one, but its
// prediction is discarded. An empty series is allowed. Fit can be called
// only once.
func (d *Detector) Fit(series []float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fitted {
		return fmt.Errorf("%w: detector is already fit", ErrInvalidState)
	}
	if err := checkSeries(series); err != nil {
		d.logger.Warn("rejected warm-up series", zap.Error(err))
		return err
	}

	for _, x := range series {
		d.step(x)
	}
	d.fitted = true

	d.logger.Info("detector fit",
		zap.Int("warmup", len(series)),
		zap.Stringer("mode", d.cfg.Mode),
		zap.Float64("confidence", d.cfg.Confidence),
		zap.Int("history_length", d.cfg.HistoryLength))

	return nil
}

// Predict scores every value of series in order. The batch is validated
// first, so a non-finite value rejects the whole batch without changing
// state.
func (d *Detector) Predict(series []float64) ([]detectors.Prediction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.fitted {
		return nil, errNotFit
	}
	if err := checkSeries(series); err != nil {
		d.logger.Warn("rejected batch", zap.Error(err))
		return nil, err
	}

	out := make([]detectors.Prediction, len(series))
	for i, x := range series {
		out[i] = d.step(x)
	}
	return out, nil
}

// PredictOne scores a single observation. A non-finite value fails with
// ErrInvalidInput and leaves the detector unchanged.
func (d *Detector) PredictOne(value float64) (detectors.Prediction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.fitted {
		return detectors.Prediction{}, errNotFit
	}
	if err := checkValue(value); err != nil {
		d.logger.Warn("rejected observation", zap.Uint64("index", d.count), zap.Error(err))
		return detectors.Prediction{}, err
	}

	return d.step(value), nil
}

// PredictStream scores values from input until it is closed or ctx is done.
// Invalid values are skipped. PredictStream closes output when it returns.
func (d *Detector) PredictStream(ctx context.Context, input <-chan float64, output chan<- detectors.Prediction) error {
	defer close(output)

	if !d.Fitted() {
		return errNotFit
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case value, ok := <-input:
			if !ok {
				return nil
			}

			p, err := d.PredictOne(value)
			if err != nil {
				continue
			}

			select {
			case output <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// step runs one observation through the detector. x must be finite.
func (d *Detector) step(x float64) detectors.Prediction {
	reported, decision := sided(d.cfg.Side, d.upperTail(x))
	if !finite(reported) || !finite(decision) {
		reported, decision = 0.5, 1
	}

	// The martingale bets on the reported p-value; decision only gates
	// spike alerts.
	bet := logBet(d.cfg.Martingale, d.cfg.PowerEpsilon, reported)
	if !finite(bet) {
		bet = 0
	}
	d.bets.Push(bet)
	score := d.logMartingale()

	var alert bool
	switch d.cfg.Mode {
	case ModeChangePoint:
		alert = score > d.cfg.changeThreshold()
		if alert {
			// Re-arm so a sustained change alerts once.
			d.bets.Reset()
		}
	default:
		alert = decision < d.cfg.Threshold()
	}

	d.window.Push(x)
	d.count++

	if alert {
		d.logger.Debug("alert",
			zap.Uint64("index", d.count-1),
			zap.Float64("value", x),
			zap.Float64("p_value", reported),
			zap.Float64("log_martingale", score))
	}

	return detectors.Prediction{
		Alert:         alert,
		Value:         x,
		PValue:        reported,
		LogMartingale: score,
	}
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Fitted reports whether the detector accepts predictions.
func (d *Detector) Fitted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fitted
}

// Count returns the number of observations processed, warm-up included.
func (d *Detector) Count() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}

// LogMartingale returns the current log martingale score.
func (d *Detector) LogMartingale() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.logMartingale()
}

// History returns the window contents, oldest first.
func (d *Detector) History() []float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.window.Values()
}

var errNotFit = fmt.Errorf("%w: detector is not fit", ErrInvalidState)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func checkValue(v float64) error {
	if !finite(v) {
		return fmt.Errorf("%w: non-finite observation %v", ErrInvalidInput, v)
	}
	return nil
}

func checkSeries(series []float64) error {
	for i, v := range series {
		if err := checkValue(v); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	return nil
}
