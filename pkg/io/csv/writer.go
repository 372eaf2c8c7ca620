package csv

import (
	"encoding/csv"
	"io"
	"strconv"

	spikedio "github.com/hed1ad/spiked/pkg/io"
)

// Compile-time interface guard.
var _ spikedio.Writer = (*Writer)(nil)

// Header is the row written before the first result.
var Header = []string{"index", "alert", "value", "p_value", "log_martingale"}

// Writer writes results as CSV rows.
type Writer struct {
	w           *csv.Writer
	wroteHeader bool
}

// NewWriter creates a Writer on dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(dst)}
}

// Write outputs a single result.
func (w *Writer) Write(result spikedio.Result) error {
	if !w.wroteHeader {
		if err := w.w.Write(Header); err != nil {
			return err
		}
		w.wroteHeader = true
	}

	alert := "0"
	if result.Alert {
		alert = "1"
	}
	return w.w.Write([]string{
		strconv.FormatUint(result.Index, 10),
		alert,
		strconv.FormatFloat(result.Value, 'g', -1, 64),
		strconv.FormatFloat(result.PValue, 'f', 6, 64),
		strconv.FormatFloat(result.LogMartingale, 'f', 6, 64),
	})
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []spikedio.Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes buffered rows. The destination is not closed.
func (w *Writer) Close() error {
	w.w.Flush()
	return w.w.Error()
}
