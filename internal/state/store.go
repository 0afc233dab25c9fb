package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key that starts with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
