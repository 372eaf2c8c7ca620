// Package detectors defines the contract shared by streaming scalar anomaly detectors.
package detectors

import "context"

// Detector is the common interface for online scalar anomaly detectors.
type Detector interface {
	// Fit warms the detector up on an initial series. It is allowed once.
	Fit(series []float64) error

	// Predict scores every value of series in order, advancing the detector.
	Predict(series []float64) ([]Prediction, error)

	// PredictOne scores a single observation and advances the detector.
	PredictOne(value float64) (Prediction, error)

	// Save serializes the detector configuration and state to bytes.
	Save() ([]byte, error)

	// Load replaces the detector configuration and state from bytes.
	Load(data []byte) error
}

// StreamDetector extends Detector with streaming capabilities.
type StreamDetector interface {
	Detector

	// PredictStream scores values from a channel and outputs predictions.
	// It closes output when it returns.
	PredictStream(ctx context.Context, input <-chan float64, output chan<- Prediction) error
}

// Prediction is the result of scoring one observation.
type Prediction struct {
	// Alert reports whether the observation crossed the alert threshold.
	Alert bool
	// Value is the raw observation.
	Value float64
	// PValue is the side-adjusted p-value in [0, 1].
	PValue float64
	// LogMartingale is the log of the running martingale after this observation.
	LogMartingale float64
}

// Vector returns the fixed {alert, value, pValue} output vector.
func (p Prediction) Vector() []float64 {
	alert := 0.0
	if p.Alert {
		alert = 1
	}
	return []float64{alert, p.Value, p.PValue}
}

// AlertCount returns the number of alerted predictions.
func AlertCount(predictions []Prediction) int {
	n := 0
	for _, p := range predictions {
		if p.Alert {
			n++
		}
	}
	return n
}
