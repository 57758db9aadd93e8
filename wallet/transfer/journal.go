package transfer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/wallet/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const pendingTransfersKey = "pendingTransfers"

var ErrTransferNotFound = errors.New("pending transfer not found")

// PendingTransfer is a transfer whose proofs are being, or were, melted
// on the source mint but not yet minted on the destination.
type PendingTransfer struct {
	ID           string       `json:"id"`
	FromKeysetID string       `json:"fromKeysetId"`
	ToKeysetID   string       `json:"toKeysetId"`
	ToMintURL    string       `json:"toMintUrl"`
	MintQuoteID  string       `json:"mintQuoteId"`
	MintAmount   uint64       `json:"mintAmount"`
	MeltedProofs cashu.Proofs `json:"meltedProofs"`
	CreatedAt    int64        `json:"createdAt"`
}

// Journal persists the pending transfers.
type Journal struct {
	store  storage.KeyValueStore
	logger logrus.FieldLogger
	mu     sync.Mutex
}

func NewJournal(store storage.KeyValueStore, logger logrus.FieldLogger) *Journal {
	return &Journal{store: store, logger: logger}
}

func (j *Journal) load() ([]PendingTransfer, error) {
	var transfers []PendingTransfer
	err := storage.GetJSON(j.store, pendingTransfersKey, &transfers)
	switch {
	case err == nil:
		return transfers, nil
	case errors.Is(err, storage.ErrNotFound):
		return []PendingTransfer{}, nil
	case errors.Is(err, storage.ErrMalformed):
		j.logger.WithError(err).Warn("ignoring malformed pending transfers")
		return []PendingTransfer{}, nil
	default:
		return nil, err
	}
}

// Add assigns an id to the transfer and saves it.
func (j *Journal) Add(transfer PendingTransfer) (PendingTransfer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	transfer.ID = uuid.NewString()
	transfer.CreatedAt = time.Now().Unix()

	transfers, err := j.load()
	if err != nil {
		return transfer, err
	}
	transfers = append(transfers, transfer)
	if err := storage.SetJSON(j.store, pendingTransfersKey, transfers); err != nil {
		return transfer, fmt.Errorf("could not save pending transfer: %w", err)
	}
	return transfer, nil
}

func (j *Journal) Get(id string) (PendingTransfer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	transfers, err := j.load()
	if err != nil {
		return PendingTransfer{}, err
	}
	idx := slices.IndexFunc(transfers, func(t PendingTransfer) bool { return t.ID == id })
	if idx < 0 {
		return PendingTransfer{}, fmt.Errorf("%w: '%v'", ErrTransferNotFound, id)
	}
	return transfers[idx], nil
}

func (j *Journal) Remove(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	transfers, err := j.load()
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(transfers, func(t PendingTransfer) bool { return t.ID == id })
	if idx < 0 {
		return nil
	}
	transfers = slices.Delete(transfers, idx, idx+1)
	return storage.SetJSON(j.store, pendingTransfersKey, transfers)
}

func (j *Journal) List() ([]PendingTransfer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.load()
}
