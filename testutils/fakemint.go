package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/cashu/nuts/nut04"
	"github.com/elnosh/multinut/cashu/nuts/nut05"
	"github.com/elnosh/multinut/cashu/nuts/nut06"
	"github.com/elnosh/multinut/crypto"
	"github.com/elnosh/multinut/wallet/client"
	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

// method names for call counts and errors
const (
	MethodGetInfo         = "GetInfo"
	MethodGetKeySets      = "GetKeySets"
	MethodGetKeys         = "GetKeys"
	MethodCreateMintQuote = "CreateMintQuote"
	MethodCheckMintQuote  = "CheckMintQuote"
	MethodMintTokens      = "MintTokens"
	MethodCreateMeltQuote = "CreateMeltQuote"
	MethodMeltTokens      = "MeltTokens"
)

type fakeMintQuote struct {
	quote       client.MintQuote
	paymentHash string
}

type fakeMeltQuote struct {
	quote       client.MeltQuote
	paymentHash string
}

// FakeMint is an in-process client.MintClient backed by a real keyset.
// Mint quotes are paid with PayMintQuote or by melting on another
// FakeMint in the same LightningNetwork.
type FakeMint struct {
	URL    string
	Keyset *crypto.MintKeyset
	// other keysets listed by GetKeySets
	ExtraKeysets []client.KeysetInfo
	// FeeReserve returns the fee reserve for a melt of amount.
	FeeReserve func(amount uint64) uint64
	// FeePaid returns the fee actually used out of the reserve.
	FeePaid func(reserve uint64) uint64

	network *LightningNetwork

	mu          sync.Mutex
	calls       map[string]int
	errs        map[string]error
	mintQuotes  map[string]*fakeMintQuote
	meltQuotes  map[string]*fakeMeltQuote
	spent       map[string]bool
	meltUnpaid  bool
	autoPayMint bool
}

func NewFakeMint(url, seed string, network *LightningNetwork) *FakeMint {
	if network == nil {
		network = NewLightningNetwork()
	}
	return &FakeMint{
		URL:        url,
		Keyset:     crypto.GenerateKeyset(seed, "0/0/0"),
		FeeReserve: func(uint64) uint64 { return 0 },
		FeePaid:    func(reserve uint64) uint64 { return reserve },
		network:    network,
		calls:      make(map[string]int),
		errs:       make(map[string]error),
		mintQuotes: make(map[string]*fakeMintQuote),
		meltQuotes: make(map[string]*fakeMeltQuote),
		spent:      make(map[string]bool),
	}
}

// SetError makes every call to method fail with err until it is
// set back to nil.
func (m *FakeMint) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

// SetMeltUnpaid makes melts report the invoice as not paid.
func (m *FakeMint) SetMeltUnpaid(unpaid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meltUnpaid = unpaid
}

// SetAutoPay makes new mint quotes paid right away.
func (m *FakeMint) SetAutoPay(autoPay bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoPayMint = autoPay
}

func (m *FakeMint) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// called records the call and returns the configured error for method.
// Must be called with m.mu held.
func (m *FakeMint) called(method string) error {
	m.calls[method]++
	return m.errs[method]
}

// PayMintQuote marks the quote as paid.
func (m *FakeMint) PayMintQuote(quoteId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.mintQuotes[quoteId]; ok && q.quote.State == nut04.Unpaid {
		q.quote.State = nut04.Paid
	}
}

// SetMintQuoteState forces the state of the quote.
func (m *FakeMint) SetMintQuoteState(quoteId string, state nut04.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.mintQuotes[quoteId]; ok {
		q.quote.State = state
	}
}

func (m *FakeMint) IsSpent(secret string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[secret]
}

func (m *FakeMint) GetInfo(ctx context.Context) (*nut06.MintInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called(MethodGetInfo); err != nil {
		return nil, err
	}

	setting := nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: m.Keyset.Unit}}}
	return &nut06.MintInfo{
		Name:    "fake mint " + m.URL,
		Version: "fakemint/0.1.0",
		Nuts:    nut06.Nuts{Nut04: setting, Nut05: setting},
	}, nil
}

func (m *FakeMint) GetKeySets(ctx context.Context) ([]client.KeysetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called(MethodGetKeySets); err != nil {
		return nil, err
	}

	keysets := []client.KeysetInfo{{Id: m.Keyset.Id, Unit: m.Keyset.Unit, Active: m.Keyset.Active}}
	return append(keysets, m.ExtraKeysets...), nil
}

func (m *FakeMint) GetKeys(ctx context.Context, keysetId string) (map[uint64]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called(MethodGetKeys); err != nil {
		return nil, err
	}

	if keysetId != m.Keyset.Id {
		return nil, cashu.UnknownKeysetErr
	}
	return m.Keyset.DerivePublic(), nil
}

func (m *FakeMint) CreateMintQuote(ctx context.Context, unit string, amount uint64) (*client.MintQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called(MethodCreateMintQuote); err != nil {
		return nil, err
	}
	if unit != m.Keyset.Unit {
		return nil, cashu.UnitNotSupportedErr
	}

	invoice, _, paymentHash, err := CreateFakeInvoice(amount)
	if err != nil {
		return nil, err
	}

	state := nut04.Unpaid
	if m.autoPayMint {
		state = nut04.Paid
	}
	q := &fakeMintQuote{
		quote: client.MintQuote{
			QuoteID: uuid.NewString(),
			Request: invoice,
			Amount:  amount,
			State:   state,
		},
		paymentHash: paymentHash,
	}
	m.mintQuotes[q.quote.QuoteID] = q
	m.network.register(paymentHash, func() { m.PayMintQuote(q.quote.QuoteID) })

	quote := q.quote
	return &quote, nil
}

func (m *FakeMint) CheckMintQuote(ctx context.Context, quoteId string) (*client.MintQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called(MethodCheckMintQuote); err != nil {
		return nil, err
	}

	q, ok := m.mintQuotes[quoteId]
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}
	quote := q.quote
	return &quote, nil
}

func (m *FakeMint) MintTokens(ctx context.Context, keysetId string, amount uint64, quoteId string) (cashu.Proofs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called(MethodMintTokens); err != nil {
		return nil, err
	}

	q, ok := m.mintQuotes[quoteId]
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}
	if keysetId != m.Keyset.Id {
		return nil, cashu.UnknownKeysetErr
	}
	switch q.quote.State {
	case nut04.Unpaid:
		return nil, cashu.MintQuoteRequestNotPaid
	case nut04.Issued:
		return nil, cashu.MintQuoteAlreadyIssued
	}
	if amount > q.quote.Amount {
		return nil, cashu.BuildCashuError("amount exceeds quote amount", cashu.AmountLimitExceeded)
	}

	q.quote.State = nut04.Issued
	return SignedProofs(m.Keyset, amount), nil
}

func (m *FakeMint) CreateMeltQuote(ctx context.Context, unit string, invoice string) (*client.MeltQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called(MethodCreateMeltQuote); err != nil {
		return nil, err
	}
	if unit != m.Keyset.Unit {
		return nil, cashu.UnitNotSupportedErr
	}

	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid invoice: %v", err), cashu.MeltQuoteErrCode)
	}
	amount := uint64(bolt11.MSatoshi) / 1000

	q := &fakeMeltQuote{
		quote: client.MeltQuote{
			QuoteID:    uuid.NewString(),
			Request:    invoice,
			Amount:     amount,
			FeeReserve: m.FeeReserve(amount),
			State:      nut05.Unpaid,
		},
		paymentHash: bolt11.PaymentHash,
	}
	m.meltQuotes[q.quote.QuoteID] = q

	quote := q.quote
	return &quote, nil
}

func (m *FakeMint) MeltTokens(
	ctx context.Context,
	keysetId string,
	quote *client.MeltQuote,
	proofs cashu.Proofs,
) (*client.MeltResult, error) {
	m.mu.Lock()
	if err := m.called(MethodMeltTokens); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	q, ok := m.meltQuotes[quote.QuoteID]
	if !ok {
		m.mu.Unlock()
		return nil, cashu.QuoteNotExistErr
	}
	if q.quote.State == nut05.Paid {
		m.mu.Unlock()
		return nil, cashu.BuildCashuError("quote already paid", cashu.MeltQuoteAlreadyPaidErrCode)
	}
	for _, proof := range proofs {
		if m.spent[proof.Secret] {
			m.mu.Unlock()
			return nil, cashu.ProofAlreadyUsedErr
		}
	}
	inputs := proofs.Amount()
	if inputs < q.quote.AmountRequired() {
		m.mu.Unlock()
		return nil, cashu.InsufficientProofsAmount
	}
	if m.meltUnpaid {
		m.mu.Unlock()
		return &client.MeltResult{Paid: false}, nil
	}

	for _, proof := range proofs {
		m.spent[proof.Secret] = true
	}
	q.quote.State = nut05.Paid
	change := inputs - q.quote.Amount - m.FeePaid(q.quote.FeeReserve)
	m.mu.Unlock()

	// settle outside the lock, the invoice may belong to this same mint
	m.network.pay(q.paymentHash)

	result := &client.MeltResult{Paid: true, Preimage: FakePreimage}
	if change > 0 {
		result.Change = SignedProofs(m.Keyset, change)
	}
	return result, nil
}
