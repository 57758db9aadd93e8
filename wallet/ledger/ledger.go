// Package ledger keeps the set of unspent proofs held by the wallet
// across all mints and keysets.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/wallet/pubsub"
	"github.com/elnosh/multinut/wallet/storage"
	"github.com/sirupsen/logrus"
)

const (
	proofsKey = "proofs"

	// BalanceTopic is the topic on which balance events are published.
	BalanceTopic = "balance"
)

var (
	ErrDuplicateProof = errors.New("proof already in ledger")
	ErrProofNotFound  = errors.New("proof not in ledger")
)

type DuplicateProofError struct {
	Secret string
}

func (e *DuplicateProofError) Error() string {
	return fmt.Sprintf("proof with secret '%v' already in ledger", e.Secret)
}

func (e *DuplicateProofError) Unwrap() error {
	return ErrDuplicateProof
}

type ProofNotFoundError struct {
	Secret string
}

func (e *ProofNotFoundError) Error() string {
	return fmt.Sprintf("proof with secret '%v' not in ledger", e.Secret)
}

func (e *ProofNotFoundError) Unwrap() error {
	return ErrProofNotFound
}

// BalanceEvent is the JSON payload published after every change.
type BalanceEvent struct {
	Balance  uint64            `json:"balance"`
	ByWallet map[string]uint64 `json:"by_wallet"`
}

type Ledger struct {
	store  storage.KeyValueStore
	pubsub *pubsub.PubSub
	logger logrus.FieldLogger

	// serializes read-modify-write of the proofs
	mu sync.Mutex

	lockMu        sync.RWMutex
	lockCount     int
	lockedBalance uint64
}

func New(store storage.KeyValueStore, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{
		store:  store,
		pubsub: pubsub.NewPubSub(),
		logger: logger.WithField("component", "ledger"),
	}
}

// load reads the persisted proofs. Missing or undecodable data is
// treated as an empty ledger.
func (l *Ledger) load() (cashu.Proofs, error) {
	var proofs cashu.Proofs
	err := storage.GetJSON(l.store, proofsKey, &proofs)
	switch {
	case err == nil:
		return proofs, nil
	case errors.Is(err, storage.ErrNotFound):
		return cashu.Proofs{}, nil
	case errors.Is(err, storage.ErrMalformed):
		l.logger.WithError(err).Warn("ignoring malformed proofs in storage")
		return cashu.Proofs{}, nil
	default:
		return nil, err
	}
}

func (l *Ledger) save(proofs cashu.Proofs) error {
	if err := storage.SetJSON(l.store, proofsKey, proofs); err != nil {
		return err
	}
	l.publish(proofs)
	return nil
}

func (l *Ledger) publish(proofs cashu.Proofs) {
	event := BalanceEvent{Balance: proofs.Amount(), ByWallet: byKeyset(proofs)}
	payload, err := json.Marshal(event)
	if err != nil {
		l.logger.WithError(err).Error("could not encode balance event")
		return
	}
	l.pubsub.Publish(BalanceTopic, payload)
}

// Proofs returns a copy of all the proofs in storage order.
func (l *Ledger) Proofs() cashu.Proofs {
	proofs, err := l.load()
	if err != nil {
		l.logger.WithError(err).Error("could not read proofs")
		return cashu.Proofs{}
	}
	return proofs
}

// Balance returns the sum of all proofs. While the balance is locked it
// returns the amount observed when the lock was taken.
func (l *Ledger) Balance() uint64 {
	l.lockMu.RLock()
	defer l.lockMu.RUnlock()

	if l.lockCount > 0 {
		return l.lockedBalance
	}
	return l.Proofs().Amount()
}

// LockBalance freezes the value reported by Balance until the matching
// UnlockBalance. Locks nest. Stored proofs are not affected.
func (l *Ledger) LockBalance() {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()

	if l.lockCount == 0 {
		l.lockedBalance = l.Proofs().Amount()
	}
	l.lockCount++
}

func (l *Ledger) UnlockBalance() {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()

	if l.lockCount > 0 {
		l.lockCount--
	}
}

// BalanceByWallet returns the balance for each keyset id.
// It is never affected by LockBalance.
func (l *Ledger) BalanceByWallet() map[string]uint64 {
	return byKeyset(l.Proofs())
}

func byKeyset(proofs cashu.Proofs) map[string]uint64 {
	balances := make(map[string]uint64)
	for _, proof := range proofs {
		balances[proof.Id] += proof.Amount
	}
	return balances
}

func (l *Ledger) ProofsByKeyset(keysetId string) cashu.Proofs {
	proofs := cashu.Proofs{}
	for _, proof := range l.Proofs() {
		if proof.Id == keysetId {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

// AddProofs appends the proofs to the ledger. If the secret of any of
// them is already in the ledger, or repeated in the batch, nothing is
// added and a *DuplicateProofError is returned.
func (l *Ledger) AddProofs(proofs cashu.Proofs) error {
	if len(proofs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored, err := l.load()
	if err != nil {
		return err
	}

	secrets := make(map[string]struct{}, len(stored)+len(proofs))
	for _, proof := range stored {
		secrets[proof.Secret] = struct{}{}
	}
	for _, proof := range proofs {
		if _, ok := secrets[proof.Secret]; ok {
			return &DuplicateProofError{Secret: proof.Secret}
		}
		secrets[proof.Secret] = struct{}{}
	}

	updated := make(cashu.Proofs, 0, len(stored)+len(proofs))
	updated = append(updated, stored...)
	updated = append(updated, proofs...)
	if err := l.save(updated); err != nil {
		return fmt.Errorf("could not save proofs: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"count":  len(proofs),
		"amount": proofs.Amount(),
	}).Debug("added proofs")
	return nil
}

// RemoveProofs removes the proofs matching by secret. If any of them
// is not in the ledger, nothing is removed and a *ProofNotFoundError
// is returned.
func (l *Ledger) RemoveProofs(proofs cashu.Proofs) error {
	if len(proofs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored, err := l.load()
	if err != nil {
		return err
	}

	storedSecrets := make(map[string]struct{}, len(stored))
	for _, proof := range stored {
		storedSecrets[proof.Secret] = struct{}{}
	}
	toRemove := make(map[string]struct{}, len(proofs))
	for _, proof := range proofs {
		if _, ok := storedSecrets[proof.Secret]; !ok {
			return &ProofNotFoundError{Secret: proof.Secret}
		}
		toRemove[proof.Secret] = struct{}{}
	}

	updated := make(cashu.Proofs, 0, len(stored))
	for _, proof := range stored {
		if _, ok := toRemove[proof.Secret]; !ok {
			updated = append(updated, proof)
		}
	}
	if err := l.save(updated); err != nil {
		return fmt.Errorf("could not save proofs: %w", err)
	}

	l.logger.WithField("count", len(toRemove)).Debug("removed proofs")
	return nil
}

// SelectProofsForAmount greedily picks proofs in storage order,
// optionally only from keysetId, until their sum reaches amount.
// It returns nil if the available proofs are not enough.
func (l *Ledger) SelectProofsForAmount(amount uint64, keysetId string) cashu.Proofs {
	if amount == 0 {
		return nil
	}

	var selected cashu.Proofs
	var sum uint64
	for _, proof := range l.Proofs() {
		if keysetId != "" && proof.Id != keysetId {
			continue
		}
		selected = append(selected, proof)
		sum += proof.Amount
		if sum >= amount {
			return selected
		}
	}
	return nil
}

// Clear removes every proof.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.save(cashu.Proofs{})
}

// Subscribe returns a subscriber that receives a BalanceEvent
// after every change to the ledger.
func (l *Ledger) Subscribe() *pubsub.Subscriber {
	return l.pubsub.Subscribe(BalanceTopic)
}

func (l *Ledger) Unsubscribe(s *pubsub.Subscriber) {
	l.pubsub.Unsubscribe(s, BalanceTopic)
}

// Close closes all the subscribers. The store is owned by the caller.
func (l *Ledger) Close() {
	l.pubsub.Close()
}
