// Package io provides input/output utilities for scalar series.
package io

import (
	"context"

	"github.com/hed1ad/spiked/pkg/detectors"
)

// Reader is the interface for reading a scalar series from various sources.
type Reader interface {
	// Read returns the complete series.
	Read() ([]float64, error)

	// Stream returns a channel of observations for real-time processing.
	Stream(ctx context.Context) (<-chan float64, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close flushes and releases resources.
	Close() error
}

// Result is a prediction together with its position in the series.
type Result struct {
	Index         uint64  `json:"index"`
	Alert         bool    `json:"alert"`
	Value         float64 `json:"value"`
	PValue        float64 `json:"p_value"`
	LogMartingale float64 `json:"log_martingale"`
}

// NewResult pairs a prediction with its index.
func NewResult(index uint64, p detectors.Prediction) Result {
	return Result{
		Index:         index,
		Alert:         p.Alert,
		Value:         p.Value,
		PValue:        p.PValue,
		LogMartingale: p.LogMartingale,
	}
}
