package wallet

import (
	"time"

	"github.com/elnosh/multinut/wallet/payment"
	"github.com/elnosh/multinut/wallet/storage"
)

type Config struct {
	WalletPath     string
	StorageBackend storage.Backend
	// only used by the redis backend
	RedisURL string

	// mint added on first load if the wallet has no mints
	DefaultMintURL string
	Unit           string

	PollInterval time.Duration
	LogLevel     string
	// per mint, 0 means unlimited
	MintRequestsPerSecond int
}

func DefaultConfig() Config {
	return Config{
		StorageBackend: storage.BoltBackend,
		Unit:           "sat",
		PollInterval:   payment.DefaultPollInterval,
		LogLevel:       "info",
	}
}
