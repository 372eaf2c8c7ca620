package main

import (
	"encoding/json"
	"fmt"
	"io"

	spikedio "github.com/hed1ad/spiked/pkg/io"
	"github.com/hed1ad/spiked/pkg/io/csv"
)

func newResultWriter(format string, w io.Writer) (spikedio.Writer, error) {
	switch format {
	case "table":
		return newTableWriter(w), nil
	case "csv":
		return csv.NewWriter(w), nil
	case "json":
		return &jsonWriter{enc: json.NewEncoder(w)}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q: must be table, csv or json", format)
	}
}

// tableWriter prints fixed-width rows so live streams show up immediately.
type tableWriter struct {
	w           io.Writer
	wroteHeader bool
}

func newTableWriter(w io.Writer) *tableWriter {
	return &tableWriter{w: w}
}

func (t *tableWriter) Write(r spikedio.Result) error {
	if !t.wroteHeader {
		if _, err := fmt.Fprintf(t.w, "%8s %5s %12s %8s %14s\n", "Index", "Alert", "Score", "P-Value", "Log-Martingale"); err != nil {
			return err
		}
		t.wroteHeader = true
	}
	alert := 0
	if r.Alert {
		alert = 1
	}
	_, err := fmt.Fprintf(t.w, "%8d %5d %12.2f %8.2f %14.4f\n", r.Index, alert, r.Value, r.PValue, r.LogMartingale)
	return err
}

func (t *tableWriter) WriteAll(results []spikedio.Result) error {
	for _, r := range results {
		if err := t.Write(r); err != nil {
			return err
		}
	}
	return nil
}

func (t *tableWriter) Close() error { return nil }

// jsonWriter writes one JSON object per line.
type jsonWriter struct {
	enc *json.Encoder
}

func (j *jsonWriter) Write(r spikedio.Result) error {
	return j.enc.Encode(r)
}

func (j *jsonWriter) WriteAll(results []spikedio.Result) error {
	for _, r := range results {
		if err := j.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func (j *jsonWriter) Close() error { return nil }
