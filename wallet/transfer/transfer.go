// Package transfer moves value between wallets of different mints by
// melting proofs on the source mint to pay a mint quote invoice from
// the destination mint.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/wallet/client"
	"github.com/elnosh/multinut/wallet/registry"
	"github.com/elnosh/multinut/wallet/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/sirupsen/logrus"
)

// MaxQuoteAttempts bounds the negotiation of a mint and melt quote pair.
const MaxQuoteAttempts = 5

var (
	ErrUnitMismatch    = errors.New("wallets have different units")
	ErrKeysetMismatch  = errors.New("proofs are not from the keyset of the source wallet")
	ErrNoValidQuote    = errors.New("could not find a melt quote covered by the proofs")
	ErrMeltFailed      = errors.New("melt failed")
	ErrPartialTransfer = errors.New("proofs melted but not minted")
	ErrNoWallet        = errors.New("wallet not set")
	ErrJournal         = errors.New("could not journal transfer")
)

// PartialTransferError is returned when the invoice was paid with the
// proofs of the source wallet but minting on the destination failed.
// The transfer is kept in the journal and can be retried with Resume.
type PartialTransferError struct {
	TransferID string
	Err        error
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("transfer '%v': %v: %v", e.TransferID, ErrPartialTransfer, e.Err)
}

func (e *PartialTransferError) Unwrap() []error {
	return []error{ErrPartialTransfer, e.Err}
}

type Ledger interface {
	AddProofs(proofs cashu.Proofs) error
	RemoveProofs(proofs cashu.Proofs) error
	LockBalance()
	UnlockBalance()
}

type WalletLookup func(keysetId string) (*registry.WalletHandle, error)

type Transfer struct {
	ledger  Ledger
	journal *Journal
	logger  logrus.FieldLogger
}

func New(ledger Ledger, store storage.KeyValueStore, logger logrus.FieldLogger) *Transfer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "transfer")
	return &Transfer{
		ledger:  ledger,
		journal: NewJournal(store, logger),
		logger:  logger,
	}
}

type quotePair struct {
	mint   *client.MintQuote
	melt   *client.MeltQuote
	amount uint64
}

// negotiate looks for a mint quote on the destination whose invoice
// can be paid on the source with at most total. After each attempt the
// amount is reduced by what the melt would be short.
func (t *Transfer) negotiate(
	ctx context.Context,
	from, to *registry.WalletHandle,
	total uint64,
	logger logrus.FieldLogger,
) (*quotePair, error) {
	candidate := total
	for attempt := 1; attempt <= MaxQuoteAttempts; attempt++ {
		mintQuote, err := to.Client.CreateMintQuote(ctx, to.Unit, candidate)
		if err != nil {
			return nil, fmt.Errorf("error requesting mint quote: %w", err)
		}
		meltQuote, err := from.Client.CreateMeltQuote(ctx, from.Unit, mintQuote.Request)
		if err != nil {
			return nil, fmt.Errorf("error requesting melt quote: %w", err)
		}

		required := meltQuote.AmountRequired()
		logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"amount":   candidate,
			"required": required,
		}).Debug("got quote pair")

		if required <= total {
			if meltQuote.FeeReserve >= candidate {
				break
			}
			return &quotePair{mint: mintQuote, melt: meltQuote, amount: candidate}, nil
		}

		short := required - total
		if short >= candidate {
			break
		}
		candidate -= short
	}
	return nil, ErrNoValidQuote
}

// Swap moves the value of proofs from one wallet to the other and
// returns the amount minted on the destination. The proofs must all be
// from the keyset of the source wallet and both wallets must have the
// same unit. Nothing is spent unless a quote pair is found within
// MaxQuoteAttempts and the transfer is saved in the journal.
func (t *Transfer) Swap(
	ctx context.Context,
	from, to *registry.WalletHandle,
	proofs cashu.Proofs,
) (uint64, error) {
	if from == nil || to == nil {
		return 0, ErrNoWallet
	}
	if from.Unit != to.Unit {
		return 0, fmt.Errorf("%w: '%v' and '%v'", ErrUnitMismatch, from.Unit, to.Unit)
	}
	ids := proofs.KeysetIds()
	if len(ids) != 1 || ids[0] != from.KeysetID {
		return 0, ErrKeysetMismatch
	}

	logger := t.logger.WithFields(logrus.Fields{
		"from": from.KeysetID,
		"to":   to.KeysetID,
	})

	t.ledger.LockBalance()
	defer t.ledger.UnlockBalance()

	total := proofs.Amount()
	pair, err := t.negotiate(ctx, from, to, total, logger)
	if err != nil {
		return 0, err
	}
	if invoice, err := decodepay.Decodepay(pair.mint.Request); err == nil {
		logger = logger.WithField("hash", invoice.PaymentHash)
	}

	// the journal entry must exist before the proofs are spent
	pending, err := t.journal.Add(PendingTransfer{
		FromKeysetID: from.KeysetID,
		ToKeysetID:   to.KeysetID,
		ToMintURL:    to.MintURL,
		MintQuoteID:  pair.mint.QuoteID,
		MintAmount:   pair.amount - pair.melt.FeeReserve,
		MeltedProofs: proofs,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrJournal, err)
	}
	logger = logger.WithField("transfer", pending.ID)

	meltResult, err := from.Client.MeltTokens(ctx, from.KeysetID, pair.melt, proofs)
	if err == nil && !meltResult.Paid {
		err = errors.New("invoice was not paid")
	}
	if err != nil {
		if removeErr := t.journal.Remove(pending.ID); removeErr != nil {
			logger.WithError(removeErr).Warn("could not remove failed transfer from journal")
		}
		return 0, fmt.Errorf("%w: %w", ErrMeltFailed, err)
	}

	if err := t.ledger.RemoveProofs(proofs); err != nil {
		logger.WithError(err).Error("could not remove melted proofs")
	}
	if len(meltResult.Change) > 0 {
		if err := t.ledger.AddProofs(meltResult.Change); err != nil {
			logger.WithError(err).Error("could not store melt change")
		}
	}

	return t.mint(ctx, to, pending, logger)
}

// mint completes a journaled transfer on the destination wallet.
func (t *Transfer) mint(
	ctx context.Context,
	to *registry.WalletHandle,
	pending PendingTransfer,
	logger logrus.FieldLogger,
) (uint64, error) {
	newProofs, err := to.Client.MintTokens(ctx, to.KeysetID, pending.MintAmount, pending.MintQuoteID)
	if err != nil {
		logger.WithError(err).Error("invoice paid but minting failed, transfer can be resumed")
		return 0, &PartialTransferError{TransferID: pending.ID, Err: err}
	}

	if err := t.ledger.AddProofs(newProofs); err != nil {
		logger.WithError(err).Errorf("could not store %v minted proofs", len(newProofs))
		return 0, &PartialTransferError{TransferID: pending.ID, Err: err}
	}

	if err := t.journal.Remove(pending.ID); err != nil {
		logger.WithError(err).Warn("could not remove completed transfer from journal")
	}

	amount := newProofs.Amount()
	logger.WithField("amount", amount).Info("transfer completed")
	return amount, nil
}

// Resume retries the mint step of a journaled transfer.
func (t *Transfer) Resume(ctx context.Context, transferId string, lookup WalletLookup) (uint64, error) {
	pending, err := t.journal.Get(transferId)
	if err != nil {
		return 0, err
	}
	to, err := lookup(pending.ToKeysetID)
	if err != nil {
		return 0, err
	}

	t.ledger.LockBalance()
	defer t.ledger.UnlockBalance()

	logger := t.logger.WithFields(logrus.Fields{
		"transfer": pending.ID,
		"to":       to.KeysetID,
	})
	return t.mint(ctx, to, pending, logger)
}

func (t *Transfer) PendingTransfers() ([]PendingTransfer, error) {
	return t.journal.List()
}
