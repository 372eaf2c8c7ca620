// Package csv reads a scalar series from one column of a CSV file and writes
// detection results as CSV.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Reader reads one numeric column of a CSV stream.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	column    string
	index     int
	skipped   int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithColumn selects the column by header name. It requires a header row.
func WithColumn(name string) Option {
	return func(r *Reader) {
		r.column = name
	}
}

// WithColumnIndex selects the column by zero-based position.
func WithColumnIndex(i int) Option {
	return func(r *Reader) {
		r.index = i
	}
}

// NewReader opens filename for reading.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReaderFrom reads CSV from src, which the caller keeps ownership of.
func NewReaderFrom(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, opts...)
}

func newReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:    csv.NewReader(src),
		hasHeader: true,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	if r.index < 0 {
		return nil, fmt.Errorf("negative column index %d", r.index)
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		r.headers = headers
	}

	if r.column != "" {
		if !r.hasHeader {
			return nil, errors.New("column name given for a CSV without header")
		}
		r.index = -1
		for i, h := range r.headers {
			if strings.TrimSpace(h) == r.column {
				r.index = i
				break
			}
		}
		if r.index < 0 {
			return nil, fmt.Errorf("column %q not found in header %v", r.column, r.headers)
		}
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns how many malformed rows have been skipped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns the whole selected column.
func (r *Reader) Read() ([]float64, error) {
	var series []float64

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		v, err := r.parse(record)
		if err != nil {
			r.skipped++
			continue // Skip malformed rows
		}
		series = append(series, v)
	}

	return series, nil
}

// Stream returns a channel of values for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan float64, error) {
	out := make(chan float64, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				record, err := r.reader.Read()
				if err == io.EOF {
					return
				}
				if err != nil {
					var perr *csv.ParseError
					if errors.As(err, &perr) {
						r.skipped++
						continue
					}
					return
				}

				v, err := r.parse(record)
				if err != nil {
					r.skipped++
					continue
				}

				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// parse extracts the selected column as a float.
func (r *Reader) parse(record []string) (float64, error) {
	if r.index >= len(record) {
		return 0, errors.New("short row")
	}
	return strconv.ParseFloat(strings.TrimSpace(record[r.index]), 64)
}
