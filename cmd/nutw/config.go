package main

import (
	"errors"
	"log"
	"net/url"
	"os"
	"path/filepath"

	"github.com/elnosh/multinut/wallet"
	"github.com/elnosh/multinut/wallet/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// WalletPathKey is the directory of the wallet db and config file
	WalletPathKey = "WALLET_PATH"
	// StorageBackendKey is one of bolt, sqlite, redis or memory
	StorageBackendKey = "STORAGE_BACKEND"
	RedisURLKey       = "REDIS_URL"
	// MintURLKey is the mint added when the wallet has none
	MintURLKey = "MINT_URL"
	UnitKey    = "UNIT"
	// PollIntervalKey is how often unpaid invoices are checked, e.g. 5s
	PollIntervalKey = "POLL_INTERVAL"
	// LogLevelKey is a logrus level name
	LogLevelKey = "LOG_LEVEL"
	// MintRequestsPerSecondKey limits requests to each mint. 0 means no limit
	MintRequestsPerSecondKey = "MINT_REQUESTS_PER_SECOND"
)

func walletConfig() wallet.Config {
	path := setWalletPath()

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		// .env is optional
		godotenv.Load(envPath)
	}

	defaults := wallet.DefaultConfig()

	vip := viper.New()
	vip.AutomaticEnv()
	vip.SetDefault(WalletPathKey, path)
	vip.SetDefault(StorageBackendKey, string(defaults.StorageBackend))
	vip.SetDefault(MintURLKey, getMintURL())
	vip.SetDefault(UnitKey, defaults.Unit)
	vip.SetDefault(PollIntervalKey, defaults.PollInterval)
	vip.SetDefault(LogLevelKey, "warn")
	vip.SetDefault(MintRequestsPerSecondKey, 0)

	vip.SetConfigName("config")
	vip.SetConfigType("yaml")
	vip.AddConfigPath(path)
	if err := vip.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	return wallet.Config{
		WalletPath:            vip.GetString(WalletPathKey),
		StorageBackend:        storage.Backend(vip.GetString(StorageBackendKey)),
		RedisURL:              vip.GetString(RedisURLKey),
		DefaultMintURL:        vip.GetString(MintURLKey),
		Unit:                  vip.GetString(UnitKey),
		PollInterval:          vip.GetDuration(PollIntervalKey),
		LogLevel:              vip.GetString(LogLevelKey),
		MintRequestsPerSecond: vip.GetInt(MintRequestsPerSecondKey),
	}
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".multinut", "wallet")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func getMintURL() string {
	mintUrl := os.Getenv("MINT_URL")
	if len(mintUrl) > 0 {
		return mintUrl
	}

	mintHost := os.Getenv("MINT_HOST")
	mintPort := os.Getenv("MINT_PORT")
	if len(mintHost) == 0 || len(mintPort) == 0 {
		return "http://127.0.0.1:3338"
	}

	url := &url.URL{
		Scheme: "http",
		Host:   mintHost + ":" + mintPort,
	}
	return url.String()
}
