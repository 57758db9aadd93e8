// Package storage provides the key-value persistence used by the wallet.
// Values are JSON documents stored under string keys.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("key not found")
	ErrMalformed = errors.New("malformed value")
)

type Backend string

const (
	BoltBackend   Backend = "bolt"
	SQLiteBackend Backend = "sqlite"
	RedisBackend  Backend = "redis"
	MemoryBackend Backend = "memory"
)

// KeyValueStore is a string keyed store of JSON serializable values.
type KeyValueStore interface {
	// Get returns nil and no error if the key does not exist.
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Close() error
}

// GetJSON reads the value under key into v. It returns ErrNotFound
// if there is no value and an error wrapping ErrMalformed if the
// value could not be decoded.
func GetJSON(store KeyValueStore, key string, v any) error {
	data, err := store.Get(key)
	if err != nil {
		return fmt.Errorf("error reading '%v': %w", key, err)
	}
	if data == nil {
		return ErrNotFound
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w under '%v': %v", ErrMalformed, key, err)
	}
	return nil
}

func SetJSON(store KeyValueStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}
	if err := store.Set(key, data); err != nil {
		return fmt.Errorf("error writing '%v': %w", key, err)
	}
	return nil
}

// Open initializes the store for the backend. path is used by the
// file based backends and redisURL by the redis backend.
func Open(backend Backend, path, redisURL string) (KeyValueStore, error) {
	switch backend {
	case BoltBackend, "":
		return InitBolt(path)
	case SQLiteBackend:
		return InitSQLite(path)
	case RedisBackend:
		return InitRedis(redisURL, "nutw:")
	case MemoryBackend:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend '%v'", backend)
	}
}
