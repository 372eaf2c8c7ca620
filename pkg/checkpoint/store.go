// Package checkpoint persists detector checkpoints under string keys, one
// key per series.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned when no checkpoint exists for a key.
var ErrNotFound = errors.New("checkpoint not found")

// Store keeps opaque checkpoint blobs.
type Store interface {
	// Save stores blob under key, replacing any previous checkpoint.
	Save(ctx context.Context, key string, blob []byte) error

	// Load returns the checkpoint stored under key or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes the checkpoint under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every stored key in ascending order.
	List(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,254}$`)

// ValidateKey checks that key is usable by every store, including as a file name.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid checkpoint key %q", key)
	}
	return nil
}
