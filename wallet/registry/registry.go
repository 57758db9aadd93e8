// Package registry keeps track of the mints and keysets the wallet
// holds proofs for. Each keyset is a wallet, identified by its keyset id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/elnosh/multinut/cashu/nuts/nut04"
	"github.com/elnosh/multinut/cashu/nuts/nut06"
	"github.com/elnosh/multinut/wallet/client"
	"github.com/elnosh/multinut/wallet/storage"
	"github.com/sirupsen/logrus"
)

const (
	mintURLsKey          = "mintUrls"
	activeWalletKey      = "activeWalletKeysetId"
	pendingMintQuotesKey = "pendingMintQuotes"
)

var (
	ErrNoKeysetForUnit = errors.New("mint has no keyset for unit")
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrQuoteNotFound   = errors.New("pending mint quote not found")
)

// WalletHandle is a keyset of a mint together with the client to talk
// to that mint. Handles are not modified once registered.
type WalletHandle struct {
	MintURL  string
	KeysetID string
	Unit     string
	Keys     map[uint64]string
	Client   client.MintClient
}

// keysetRecord is what gets persisted for each keyset under its mint URL.
type keysetRecord struct {
	KeysetID string            `json:"keysetId"`
	Unit     string            `json:"unit"`
	Keys     map[uint64]string `json:"keys"`
}

// MintQuote is a mint quote waiting to be paid and minted.
type MintQuote struct {
	QuoteID  string      `json:"quoteId"`
	Invoice  string      `json:"invoice"`
	Amount   uint64      `json:"amount"`
	State    nut04.State `json:"state"`
	KeysetID string      `json:"keysetId"`
	MintURL  string      `json:"mintUrl"`
}

type MintLookup struct {
	MintURL string
	Info    *nut06.MintInfo
	// distinct units in the order the mint lists its keysets
	Units   []string
	Keysets []client.KeysetInfo
}

type ClientFactory func(mintURL string) client.MintClient

type Registry struct {
	store     storage.KeyValueStore
	newClient ClientFactory
	logger    logrus.FieldLogger

	mu            sync.RWMutex
	clients       map[string]client.MintClient
	mintURLs      []string
	wallets       map[string]*WalletHandle
	order         []string
	active        *WalletHandle
	pendingQuotes []MintQuote
}

func New(store storage.KeyValueStore, newClient ClientFactory, logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		store:     store,
		newClient: newClient,
		logger:    logger.WithField("component", "registry"),
		clients:   make(map[string]client.MintClient),
		wallets:   make(map[string]*WalletHandle),
	}
}

func normalizeURL(mintURL string) string {
	return strings.TrimSuffix(strings.TrimSpace(mintURL), "/")
}

// getJSON reads key into v. It reports false if there was nothing usable.
func (r *Registry) getJSON(key string, v any) (bool, error) {
	err := storage.GetJSON(r.store, key, v)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case errors.Is(err, storage.ErrMalformed):
		r.logger.WithError(err).Warnf("ignoring malformed '%v'", key)
		return false, nil
	default:
		return false, err
	}
}

// clientFor returns the client for the mint, creating it the first time.
// Must be called with r.mu held.
func (r *Registry) clientFor(mintURL string) client.MintClient {
	c, ok := r.clients[mintURL]
	if !ok {
		c = r.newClient(mintURL)
		r.clients[mintURL] = c
	}
	return c
}

func (r *Registry) client(mintURL string) client.MintClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientFor(mintURL)
}

// Init loads the persisted wallets, the active wallet and the pending
// mint quotes. Keysets are checked against their mint but a keyset
// that is no longer active, or a mint that cannot be reached, only
// produces a warning.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()

	var mintURLs []string
	if _, err := r.getJSON(mintURLsKey, &mintURLs); err != nil {
		r.mu.Unlock()
		return err
	}

	r.mintURLs = nil
	r.wallets = make(map[string]*WalletHandle)
	r.order = nil
	for _, mintURL := range mintURLs {
		var records []keysetRecord
		if _, err := r.getJSON(mintURL, &records); err != nil {
			r.mu.Unlock()
			return err
		}
		r.mintURLs = append(r.mintURLs, mintURL)
		for _, record := range records {
			r.register(mintURL, record)
		}
	}

	var activeId string
	if _, err := r.getJSON(activeWalletKey, &activeId); err != nil {
		r.mu.Unlock()
		return err
	}
	r.active = r.wallets[activeId]
	if r.active == nil && len(r.order) > 0 {
		r.active = r.wallets[r.order[0]]
		if activeId != "" {
			r.logger.WithField("keyset", activeId).Warn("active wallet not found, using first wallet")
		}
	}

	var quotes []MintQuote
	if _, err := r.getJSON(pendingMintQuotesKey, &quotes); err != nil {
		r.mu.Unlock()
		return err
	}
	r.pendingQuotes = quotes

	handles := r.walletsLocked()
	r.mu.Unlock()

	r.validateKeysets(ctx, handles)
	return nil
}

func (r *Registry) validateKeysets(ctx context.Context, handles []*WalletHandle) {
	byMint := make(map[string][]*WalletHandle)
	for _, handle := range handles {
		byMint[handle.MintURL] = append(byMint[handle.MintURL], handle)
	}

	for mintURL, mintHandles := range byMint {
		logger := r.logger.WithField("mint", mintURL)
		keysets, err := mintHandles[0].Client.GetKeySets(ctx)
		if err != nil {
			logger.WithError(err).Warn("could not reach mint to check keysets")
			continue
		}
		active := make(map[string]bool, len(keysets))
		for _, keyset := range keysets {
			active[keyset.Id] = keyset.Active
		}
		for _, handle := range mintHandles {
			if !active[handle.KeysetID] {
				logger.WithField("keyset", handle.KeysetID).Warn("keyset is no longer active")
			}
		}
	}
}

// register adds the handle in memory. Must be called with r.mu held.
func (r *Registry) register(mintURL string, record keysetRecord) *WalletHandle {
	if handle, ok := r.wallets[record.KeysetID]; ok {
		return handle
	}
	handle := &WalletHandle{
		MintURL:  mintURL,
		KeysetID: record.KeysetID,
		Unit:     record.Unit,
		Keys:     record.Keys,
		Client:   r.clientFor(mintURL),
	}
	r.wallets[record.KeysetID] = handle
	r.order = append(r.order, record.KeysetID)
	return handle
}

// pickKeyset prefers an active keyset for the unit.
func pickKeyset(keysets []client.KeysetInfo, unit string) (client.KeysetInfo, bool) {
	var fallback *client.KeysetInfo
	for i, keyset := range keysets {
		if keyset.Unit != unit {
			continue
		}
		if keyset.Active {
			return keyset, true
		}
		if fallback == nil {
			fallback = &keysets[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return client.KeysetInfo{}, false
}

// AddWallet registers the keyset of the mint for the unit. If the mint
// has no keyset for the unit, ErrNoKeysetForUnit is returned and nothing
// is persisted. The first wallet added becomes the active one.
func (r *Registry) AddWallet(ctx context.Context, mintURL, unit string) (*WalletHandle, error) {
	mintURL = normalizeURL(mintURL)
	mintClient := r.client(mintURL)

	keysets, err := mintClient.GetKeySets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}
	keyset, ok := pickKeyset(keysets, unit)
	if !ok {
		return nil, fmt.Errorf("%w '%v'", ErrNoKeysetForUnit, unit)
	}

	if handle, err := r.Wallet(keyset.Id); err == nil {
		return handle, nil
	}

	keys, err := mintClient.GetKeys(ctx, keyset.Id)
	if err != nil {
		return nil, fmt.Errorf("error getting keys from mint: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record := keysetRecord{KeysetID: keyset.Id, Unit: keyset.Unit, Keys: keys}
	if err := r.persistKeyset(mintURL, record); err != nil {
		return nil, err
	}

	handle := r.register(mintURL, record)
	if r.active == nil {
		if err := storage.SetJSON(r.store, activeWalletKey, handle.KeysetID); err != nil {
			return nil, err
		}
		r.active = handle
	}

	r.logger.WithFields(logrus.Fields{
		"mint":   mintURL,
		"keyset": handle.KeysetID,
		"unit":   handle.Unit,
	}).Info("added wallet")
	return handle, nil
}

// persistKeyset appends the record under the mint URL and the mint URL
// to the list of mints, each only if missing. Must be called with r.mu held.
func (r *Registry) persistKeyset(mintURL string, record keysetRecord) error {
	var records []keysetRecord
	if _, err := r.getJSON(mintURL, &records); err != nil {
		return err
	}
	if !slices.ContainsFunc(records, func(kr keysetRecord) bool { return kr.KeysetID == record.KeysetID }) {
		records = append(records, record)
		if err := storage.SetJSON(r.store, mintURL, records); err != nil {
			return err
		}
	}

	if !slices.Contains(r.mintURLs, mintURL) {
		mintURLs := append(slices.Clone(r.mintURLs), mintURL)
		if err := storage.SetJSON(r.store, mintURLsKey, mintURLs); err != nil {
			return err
		}
		r.mintURLs = mintURLs
	}
	return nil
}

// SetActiveWallet makes the handle the active wallet. A nil handle
// is ignored.
func (r *Registry) SetActiveWallet(handle *WalletHandle) error {
	if handle == nil {
		r.logger.Warn("no wallet to set as active")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, ok := r.wallets[handle.KeysetID]
	if !ok {
		return fmt.Errorf("%w: '%v'", ErrWalletNotFound, handle.KeysetID)
	}
	if err := storage.SetJSON(r.store, activeWalletKey, registered.KeysetID); err != nil {
		return err
	}
	r.active = registered
	return nil
}

// ActiveWallet returns nil if there are no wallets.
func (r *Registry) ActiveWallet() *WalletHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) Wallet(keysetId string) (*WalletHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.wallets[keysetId]
	if !ok {
		return nil, fmt.Errorf("%w: '%v'", ErrWalletNotFound, keysetId)
	}
	return handle, nil
}

// Wallets returns the wallets in the order they were added.
func (r *Registry) Wallets() []*WalletHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.walletsLocked()
}

func (r *Registry) walletsLocked() []*WalletHandle {
	handles := make([]*WalletHandle, 0, len(r.order))
	for _, id := range r.order {
		handles = append(handles, r.wallets[id])
	}
	return handles
}

func (r *Registry) MintURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.mintURLs)
}

// LookupMint gets the info and the units supported by a mint
// without adding it.
func (r *Registry) LookupMint(ctx context.Context, mintURL string) (*MintLookup, error) {
	mintURL = normalizeURL(mintURL)
	mintClient := r.client(mintURL)

	info, err := mintClient.GetInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting mint info: %w", err)
	}
	keysets, err := mintClient.GetKeySets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}

	units := make([]string, 0)
	for _, keyset := range keysets {
		if !slices.Contains(units, keyset.Unit) {
			units = append(units, keyset.Unit)
		}
	}

	return &MintLookup{MintURL: mintURL, Info: info, Units: units, Keysets: keysets}, nil
}

// AddPendingMintQuote saves the quote, replacing any quote with the same id.
func (r *Registry) AddPendingMintQuote(quote MintQuote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	quotes := slices.DeleteFunc(slices.Clone(r.pendingQuotes), func(q MintQuote) bool {
		return q.QuoteID == quote.QuoteID
	})
	quotes = append(quotes, quote)
	return r.savePendingQuotes(quotes)
}

// RemovePendingMintQuote is a no-op if there is no quote with the id.
func (r *Registry) RemovePendingMintQuote(quoteId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.pendingQuotes, func(q MintQuote) bool { return q.QuoteID == quoteId })
	if idx < 0 {
		return nil
	}
	quotes := slices.Delete(slices.Clone(r.pendingQuotes), idx, idx+1)
	return r.savePendingQuotes(quotes)
}

func (r *Registry) UpdatePendingMintQuoteState(quoteId string, state nut04.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.pendingQuotes, func(q MintQuote) bool { return q.QuoteID == quoteId })
	if idx < 0 {
		return fmt.Errorf("%w: '%v'", ErrQuoteNotFound, quoteId)
	}
	if r.pendingQuotes[idx].State == state {
		return nil
	}
	quotes := slices.Clone(r.pendingQuotes)
	quotes[idx].State = state
	return r.savePendingQuotes(quotes)
}

func (r *Registry) PendingMintQuotes() []MintQuote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.pendingQuotes)
}

// savePendingQuotes persists and then swaps in the quotes.
// Must be called with r.mu held.
func (r *Registry) savePendingQuotes(quotes []MintQuote) error {
	if err := storage.SetJSON(r.store, pendingMintQuotesKey, quotes); err != nil {
		return err
	}
	r.pendingQuotes = quotes
	return nil
}
