// Package payment implements receiving over Lightning, by polling mint
// quotes until paid, and sending by melting proofs to pay an invoice.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/cashu/nuts/nut04"
	"github.com/elnosh/multinut/wallet/ledger"
	"github.com/elnosh/multinut/wallet/registry"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/sirupsen/logrus"
)

const DefaultPollInterval = 5 * time.Second

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrNoWallet            = errors.New("no wallet selected")
	ErrFlowClosed          = errors.New("payment flow closed")
)

type InsufficientBalanceError struct {
	Balance  uint64
	Required uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %v but %v is required", e.Balance, e.Required)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Ledger is the part of the proof ledger used by the flow.
type Ledger interface {
	AddProofs(proofs cashu.Proofs) error
	RemoveProofs(proofs cashu.Proofs) error
	SelectProofsForAmount(amount uint64, keysetId string) cashu.Proofs
	BalanceByWallet() map[string]uint64
	LockBalance()
	UnlockBalance()
}

// QuoteTracker persists the mint quotes being polled so they
// can be resumed after a restart.
type QuoteTracker interface {
	AddPendingMintQuote(quote registry.MintQuote) error
	RemovePendingMintQuote(quoteId string) error
	UpdatePendingMintQuoteState(quoteId string, state nut04.State) error
	PendingMintQuotes() []registry.MintQuote
}

type WalletLookup func(keysetId string) (*registry.WalletHandle, error)

type Config struct {
	PollInterval time.Duration
	Logger       logrus.FieldLogger
}

type Flow struct {
	ledger       Ledger
	quotes       QuoteTracker
	pollInterval time.Duration
	logger       logrus.FieldLogger

	// guards polls and closed. Held while storing minted proofs so
	// a cancelled poll never writes to the ledger.
	mu     sync.Mutex
	polls  map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func New(ledger Ledger, quotes QuoteTracker, config Config) *Flow {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Flow{
		ledger:       ledger,
		quotes:       quotes,
		pollInterval: config.PollInterval,
		logger:       config.Logger.WithField("component", "payment"),
		polls:        make(map[string]context.CancelFunc),
	}
}

// Receive requests a mint quote for amount and returns its invoice.
// The quote is then polled in the background until it is paid, at which
// point the proofs are minted, added to the ledger and passed to
// onSuccess. onSuccess may be nil. ctx only bounds the quote request;
// the poll runs until paid, cancelled or the flow is closed.
func (f *Flow) Receive(
	ctx context.Context,
	wallet *registry.WalletHandle,
	amount uint64,
	onSuccess func(cashu.Proofs),
) (string, error) {
	if wallet == nil {
		return "", ErrNoWallet
	}
	if amount == 0 {
		return "", ErrInvalidAmount
	}

	mintQuote, err := wallet.Client.CreateMintQuote(ctx, wallet.Unit, amount)
	if err != nil {
		return "", fmt.Errorf("error requesting mint quote: %w", err)
	}

	quote := registry.MintQuote{
		QuoteID:  mintQuote.QuoteID,
		Invoice:  mintQuote.Request,
		Amount:   amount,
		State:    mintQuote.State,
		KeysetID: wallet.KeysetID,
		MintURL:  wallet.MintURL,
	}
	if err := f.quotes.AddPendingMintQuote(quote); err != nil {
		return "", fmt.Errorf("error saving mint quote: %w", err)
	}

	if err := f.startPoll(quote, wallet, onSuccess); err != nil {
		return "", err
	}

	f.logger.WithFields(logrus.Fields{
		"quote":  quote.QuoteID,
		"keyset": wallet.KeysetID,
		"amount": amount,
	}).Info("waiting for invoice to be paid")
	return quote.Invoice, nil
}

// ResumePending restarts the polls of the persisted pending quotes.
// It returns the number of polls started.
func (f *Flow) ResumePending(lookup WalletLookup) int {
	started := 0
	for _, quote := range f.quotes.PendingMintQuotes() {
		logger := f.logger.WithField("quote", quote.QuoteID)
		wallet, err := lookup(quote.KeysetID)
		if err != nil {
			logger.WithError(err).Warn("no wallet for pending quote")
			continue
		}
		if err := f.startPoll(quote, wallet, nil); err != nil {
			logger.WithError(err).Warn("could not resume pending quote")
			continue
		}
		started++
	}
	return started
}

func (f *Flow) startPoll(quote registry.MintQuote, wallet *registry.WalletHandle, onSuccess func(cashu.Proofs)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFlowClosed
	}
	if _, ok := f.polls[quote.QuoteID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.polls[quote.QuoteID] = cancel

	p := &receivePoll{
		flow:      f,
		quote:     quote,
		wallet:    wallet,
		onSuccess: onSuccess,
		logger: f.logger.WithFields(logrus.Fields{
			"quote":  quote.QuoteID,
			"keyset": wallet.KeysetID,
		}),
	}
	f.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Polling reports whether the quote is being polled.
func (f *Flow) Polling(quoteId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.polls[quoteId]
	return ok
}

// Cancel stops polling the quote and drops it from the pending quotes.
func (f *Flow) Cancel(quoteId string) error {
	f.stop(quoteId)
	return f.quotes.RemovePendingMintQuote(quoteId)
}

func (f *Flow) stop(quoteId string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cancel, ok := f.polls[quoteId]; ok {
		cancel()
		delete(f.polls, quoteId)
	}
}

// Close cancels all polls and waits for them to return. Pending quotes
// stay persisted to be resumed later.
func (f *Flow) Close() {
	f.mu.Lock()
	f.closed = true
	for quoteId, cancel := range f.polls {
		cancel()
		delete(f.polls, quoteId)
	}
	f.mu.Unlock()

	f.wg.Wait()
}

type receivePoll struct {
	flow      *Flow
	quote     registry.MintQuote
	wallet    *registry.WalletHandle
	onSuccess func(cashu.Proofs)
	logger    logrus.FieldLogger

	// proofs minted but not yet stored
	minted cashu.Proofs
}

func (p *receivePoll) run(ctx context.Context) {
	defer p.flow.wg.Done()
	defer p.flow.stop(p.quote.QuoteID)

	ticker := time.NewTicker(p.flow.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if done := p.tick(ctx); done {
			return
		}
	}
}

// tick returns true once the poll is finished.
func (p *receivePoll) tick(ctx context.Context) bool {
	if p.minted == nil {
		state, err := p.wallet.Client.CheckMintQuote(ctx, p.quote.QuoteID)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			p.logger.WithError(err).Warn("error checking mint quote state")
			return false
		}

		switch state.State {
		case nut04.Issued:
			p.logger.Info("mint quote already issued")
			p.removeQuote()
			return true
		case nut04.Paid:
		default:
			return false
		}

		if p.quote.State != nut04.Paid {
			p.quote.State = nut04.Paid
			if err := p.flow.quotes.UpdatePendingMintQuoteState(p.quote.QuoteID, nut04.Paid); err != nil {
				p.logger.WithError(err).Warn("could not update mint quote state")
			}
		}

		proofs, err := p.wallet.Client.MintTokens(ctx, p.wallet.KeysetID, p.quote.Amount, p.quote.QuoteID)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			var cashuErr cashu.Error
			if errors.As(err, &cashuErr) && cashuErr.Code == cashu.MintQuoteAlreadyIssuedErrCode {
				p.logger.Warn("mint quote already issued")
				p.removeQuote()
				return true
			}
			p.logger.WithError(err).Warn("error minting tokens")
			return false
		}
		p.minted = proofs
	}

	p.flow.mu.Lock()
	if ctx.Err() != nil {
		p.flow.mu.Unlock()
		p.logger.Warn("receive cancelled, minted proofs not stored")
		return true
	}
	err := p.flow.ledger.AddProofs(p.minted)
	p.flow.mu.Unlock()
	if err != nil {
		// retrying would add the same proofs again
		if errors.Is(err, ledger.ErrDuplicateProof) {
			p.logger.WithError(err).Error("minted proofs already in ledger, dropping mint quote")
			p.removeQuote()
			return true
		}
		p.logger.WithError(err).Error("could not store minted proofs")
		return false
	}

	p.removeQuote()
	p.logger.WithField("amount", p.minted.Amount()).Info("received payment")
	if p.onSuccess != nil {
		p.onSuccess(p.minted)
	}
	return true
}

func (p *receivePoll) removeQuote() {
	if err := p.flow.quotes.RemovePendingMintQuote(p.quote.QuoteID); err != nil {
		p.logger.WithError(err).Warn("could not remove pending mint quote")
	}
}

type SendResult struct {
	Paid     bool
	Preimage string
	QuoteID  string
	Amount   uint64
	// fee reserve charged minus the change returned
	Fee uint64
}

// Send pays the invoice with proofs of the wallet's keyset. If the
// keyset does not have enough to cover the quote amount plus fee reserve,
// an *InsufficientBalanceError is returned without spending anything.
// An unpaid invoice is reported in the result, not as an error.
func (f *Flow) Send(ctx context.Context, wallet *registry.WalletHandle, invoice string) (*SendResult, error) {
	if wallet == nil {
		return nil, ErrNoWallet
	}
	logger := f.logger.WithField("keyset", wallet.KeysetID)

	if bolt11, err := decodepay.Decodepay(invoice); err != nil {
		logger.WithError(err).Debug("could not decode invoice")
	} else {
		logger = logger.WithField("hash", bolt11.PaymentHash)
		logger.WithField("msat", bolt11.MSatoshi).Debug("paying invoice")
	}

	meltQuote, err := wallet.Client.CreateMeltQuote(ctx, wallet.Unit, invoice)
	if err != nil {
		return nil, fmt.Errorf("error requesting melt quote: %w", err)
	}
	required := meltQuote.AmountRequired()

	proofs := f.ledger.SelectProofsForAmount(required, wallet.KeysetID)
	if proofs == nil {
		return nil, &InsufficientBalanceError{
			Balance:  f.ledger.BalanceByWallet()[wallet.KeysetID],
			Required: required,
		}
	}

	f.ledger.LockBalance()
	defer f.ledger.UnlockBalance()

	meltResult, err := wallet.Client.MeltTokens(ctx, wallet.KeysetID, meltQuote, proofs)
	if err != nil {
		return nil, fmt.Errorf("error melting proofs: %w", err)
	}

	result := &SendResult{
		Paid:     meltResult.Paid,
		Preimage: meltResult.Preimage,
		QuoteID:  meltQuote.QuoteID,
		Amount:   meltQuote.Amount,
	}

	if meltResult.Paid {
		if err := f.ledger.RemoveProofs(proofs); err != nil {
			return result, fmt.Errorf("invoice paid but could not remove spent proofs: %w", err)
		}
		spent := proofs.Amount() - meltResult.Change.Amount()
		if spent > meltQuote.Amount {
			result.Fee = spent - meltQuote.Amount
		}
	} else {
		logger.WithField("quote", meltQuote.QuoteID).Warn("invoice was not paid")
	}

	if len(meltResult.Change) > 0 {
		if err := f.ledger.AddProofs(meltResult.Change); err != nil {
			return result, fmt.Errorf("could not store change: %w", err)
		}
	}

	return result, nil
}
