// Package wallet ties the proof ledger, the wallet registry and the
// payment and transfer flows into a multi-mint Cashu wallet.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/wallet/client"
	"github.com/elnosh/multinut/wallet/ledger"
	"github.com/elnosh/multinut/wallet/payment"
	"github.com/elnosh/multinut/wallet/pubsub"
	"github.com/elnosh/multinut/wallet/registry"
	"github.com/elnosh/multinut/wallet/storage"
	"github.com/elnosh/multinut/wallet/transfer"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoActiveWallet = errors.New("no active wallet")
	ErrNoProofs       = errors.New("no proofs in wallet")
	ErrSameMint       = errors.New("cannot transfer to a wallet of the same mint")
)

type Wallet struct {
	config Config
	store  storage.KeyValueStore
	logger logrus.FieldLogger

	ledger   *ledger.Ledger
	registry *registry.Registry
	flow     *payment.Flow
	transfer *transfer.Transfer
}

type options struct {
	store     storage.KeyValueStore
	newClient registry.ClientFactory
	logger    logrus.FieldLogger
}

type Option func(*options)

// WithStore uses store instead of opening the configured backend.
// The wallet takes ownership of it and closes it on Close.
func WithStore(store storage.KeyValueStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithClientFactory replaces the HTTP mint client.
func WithClientFactory(newClient registry.ClientFactory) Option {
	return func(o *options) {
		o.newClient = newClient
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newLogger(level string) logrus.FieldLogger {
	logger := logrus.New()
	if level == "" {
		return logger
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("invalid log level '%v', using %v", level, logger.GetLevel())
		return logger
	}
	logger.SetLevel(lvl)
	return logger
}

func openStore(config Config) (storage.KeyValueStore, error) {
	switch config.StorageBackend {
	case storage.BoltBackend, storage.SQLiteBackend, "":
		if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
			return nil, err
		}
	}
	return storage.Open(config.StorageBackend, config.WalletPath, config.RedisURL)
}

// LoadWallet opens the wallet storage and restores the registered
// wallets, the active wallet and the polls of unpaid mint quotes.
// If there are no wallets yet and a default mint is configured, it is
// added and made active. A default mint that cannot be reached only
// logs a warning.
func LoadWallet(ctx context.Context, config Config, opts ...Option) (*Wallet, error) {
	if config.Unit == "" {
		config.Unit = "sat"
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = newLogger(config.LogLevel)
	}
	logger := o.logger

	if o.newClient == nil {
		rps := config.MintRequestsPerSecond
		o.newClient = func(mintURL string) client.MintClient {
			return client.NewHTTPClient(mintURL,
				client.WithRateLimit(rps),
				client.WithLogger(logger),
			)
		}
	}

	store := o.store
	if store == nil {
		var err error
		store, err = openStore(config)
		if err != nil {
			return nil, fmt.Errorf("error opening wallet storage: %v", err)
		}
	}

	w := &Wallet{
		config:   config,
		store:    store,
		logger:   logger.WithField("component", "wallet"),
		ledger:   ledger.New(store, logger),
		registry: registry.New(store, o.newClient, logger),
	}
	w.flow = payment.New(w.ledger, w.registry, payment.Config{
		PollInterval: config.PollInterval,
		Logger:       logger,
	})
	w.transfer = transfer.New(w.ledger, store, logger)

	if err := w.registry.Init(ctx); err != nil {
		w.Close()
		return nil, fmt.Errorf("error loading wallets: %v", err)
	}

	if len(w.registry.Wallets()) == 0 && config.DefaultMintURL != "" {
		if _, err := w.registry.AddWallet(ctx, config.DefaultMintURL, config.Unit); err != nil {
			w.logger.WithError(err).WithField("mint", config.DefaultMintURL).
				Warn("could not add default mint")
		}
	}

	if resumed := w.flow.ResumePending(w.registry.Wallet); resumed > 0 {
		w.logger.Infof("resumed %v pending mint quotes", resumed)
	}

	return w, nil
}

func (w *Wallet) Balance() uint64 {
	return w.ledger.Balance()
}

// BalanceByWallet returns the balance of each keyset id.
func (w *Wallet) BalanceByWallet() map[string]uint64 {
	return w.ledger.BalanceByWallet()
}

// Subscribe returns a subscriber that gets a ledger.BalanceEvent after
// every change to the proofs.
func (w *Wallet) Subscribe() *pubsub.Subscriber {
	return w.ledger.Subscribe()
}

func (w *Wallet) Unsubscribe(s *pubsub.Subscriber) {
	w.ledger.Unsubscribe(s)
}

func (w *Wallet) Wallets() []*registry.WalletHandle {
	return w.registry.Wallets()
}

func (w *Wallet) ActiveWallet() *registry.WalletHandle {
	return w.registry.ActiveWallet()
}

func (w *Wallet) MintURLs() []string {
	return w.registry.MintURLs()
}

// AddMint registers the keyset of the mint for unit. An empty unit
// uses the configured one.
func (w *Wallet) AddMint(ctx context.Context, mintURL, unit string) (*registry.WalletHandle, error) {
	if unit == "" {
		unit = w.config.Unit
	}
	return w.registry.AddWallet(ctx, mintURL, unit)
}

func (w *Wallet) LookupMint(ctx context.Context, mintURL string) (*registry.MintLookup, error) {
	return w.registry.LookupMint(ctx, mintURL)
}

func (w *Wallet) SetActiveWallet(keysetId string) error {
	handle, err := w.registry.Wallet(keysetId)
	if err != nil {
		return err
	}
	return w.registry.SetActiveWallet(handle)
}

func (w *Wallet) activeWallet() (*registry.WalletHandle, error) {
	active := w.registry.ActiveWallet()
	if active == nil {
		return nil, ErrNoActiveWallet
	}
	return active, nil
}

// Receive requests an invoice for amount from the active wallet's mint.
// The proofs are minted once the invoice is paid and onSuccess is
// called with them.
func (w *Wallet) Receive(ctx context.Context, amount uint64, onSuccess func(cashu.Proofs)) (string, error) {
	active, err := w.activeWallet()
	if err != nil {
		return "", err
	}
	return w.flow.Receive(ctx, active, amount, onSuccess)
}

func (w *Wallet) PendingMintQuotes() []registry.MintQuote {
	return w.registry.PendingMintQuotes()
}

func (w *Wallet) CancelMintQuote(quoteId string) error {
	return w.flow.Cancel(quoteId)
}

// Pay pays the invoice with proofs from the active wallet.
func (w *Wallet) Pay(ctx context.Context, invoice string) (*payment.SendResult, error) {
	active, err := w.activeWallet()
	if err != nil {
		return nil, err
	}
	return w.flow.Send(ctx, active, invoice)
}

// Transfer moves every proof of the active wallet to the wallet with
// keyset toKeysetId and makes that wallet active. The destination must
// be on a different mint. It returns the amount received on the
// destination.
func (w *Wallet) Transfer(ctx context.Context, toKeysetId string) (uint64, error) {
	from, err := w.activeWallet()
	if err != nil {
		return 0, err
	}
	to, err := w.registry.Wallet(toKeysetId)
	if err != nil {
		return 0, err
	}
	if to.MintURL == from.MintURL {
		return 0, ErrSameMint
	}

	proofs := w.ledger.ProofsByKeyset(from.KeysetID)
	if len(proofs) == 0 {
		return 0, ErrNoProofs
	}

	amount, err := w.transfer.Swap(ctx, from, to, proofs)
	if err != nil {
		return 0, err
	}

	if err := w.registry.SetActiveWallet(to); err != nil {
		w.logger.WithError(err).Warn("could not activate transfer destination")
	}
	return amount, nil
}

func (w *Wallet) PendingTransfers() ([]transfer.PendingTransfer, error) {
	return w.transfer.PendingTransfers()
}

// ResumeTransfer retries minting on the destination of a transfer
// whose invoice was paid but whose proofs were never minted.
func (w *Wallet) ResumeTransfer(ctx context.Context, transferId string) (uint64, error) {
	return w.transfer.Resume(ctx, transferId, w.registry.Wallet)
}

// ExportToken encodes all the proofs of the keyset as a V4 token.
// The proofs stay in the wallet.
func (w *Wallet) ExportToken(keysetId string) (string, error) {
	handle, err := w.registry.Wallet(keysetId)
	if err != nil {
		return "", err
	}
	token, _, err := w.exportToken(handle)
	return token, err
}

func (w *Wallet) exportToken(handle *registry.WalletHandle) (string, cashu.Proofs, error) {
	proofs := w.ledger.ProofsByKeyset(handle.KeysetID)
	if len(proofs) == 0 {
		return "", nil, ErrNoProofs
	}

	token, err := cashu.NewTokenV4(proofs, handle.MintURL, handle.Unit, false)
	if err != nil {
		return "", nil, err
	}
	serialized, err := token.Serialize()
	if err != nil {
		return "", nil, err
	}
	return serialized, proofs, nil
}

// SendOffline encodes all the proofs of the active wallet as a token
// and removes them from the wallet.
func (w *Wallet) SendOffline() (string, error) {
	active, err := w.activeWallet()
	if err != nil {
		return "", err
	}

	token, proofs, err := w.exportToken(active)
	if err != nil {
		return "", err
	}
	if err := w.ledger.RemoveProofs(proofs); err != nil {
		return "", fmt.Errorf("error removing sent proofs: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"keyset": active.KeysetID,
		"amount": proofs.Amount(),
	}).Info("proofs sent offline")
	return token, nil
}

func DecodeToken(token string) (cashu.Token, error) {
	return cashu.DecodeToken(token)
}

// Close stops the pending receive polls and closes the storage.
func (w *Wallet) Close() error {
	w.flow.Close()
	w.ledger.Close()
	return w.store.Close()
}
