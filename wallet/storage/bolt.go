package storage

import (
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const walletBucket = "wallet"

type BoltStore struct {
	bolt *bolt.DB
}

// InitBolt opens (or creates) the wallet db at path/wallet.db
func InitBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	boltdb := &BoltStore{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		db.Close()
		return nil, err
	}

	return boltdb, nil
}

func (db *BoltStore) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(walletBucket))
		return err
	})
}

func (db *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		walletb := tx.Bucket([]byte(walletBucket))
		v := walletb.Get([]byte(key))
		if v != nil {
			// bolt values are only valid for the life of the transaction
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (db *BoltStore) Set(key string, value []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		walletb := tx.Bucket([]byte(walletBucket))
		return walletb.Put([]byte(key), value)
	})
}

func (db *BoltStore) Close() error {
	return db.bolt.Close()
}
