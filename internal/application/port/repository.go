package port

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Change signals that another context wrote Key.
type Change struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// KVStore is the persisted key/value storage shared by stores.
// Values are opaque JSON blobs.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Watch delivers changes made by other contexts until ctx is done.
	// Writes made through this instance are not reported.
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}
