package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/cashu/nuts/nut04"
	"github.com/elnosh/multinut/testutils"
	"github.com/elnosh/multinut/wallet/client"
	"github.com/elnosh/multinut/wallet/client/mocks"
	"github.com/elnosh/multinut/wallet/ledger"
	"github.com/elnosh/multinut/wallet/registry"
	"github.com/elnosh/multinut/wallet/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testMintURL  = "http://fakemint.test"
	pollInterval = 10 * time.Millisecond
	waitFor      = 2 * time.Second
)

type testEnv struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	flow     *Flow
	mint     *testutils.FakeMint
	wallet   *registry.WalletHandle
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := testutils.QuietLogger()

	mint := testutils.NewFakeMint(testMintURL, "paymentseed", nil)
	reg := registry.New(store, func(string) client.MintClient { return mint }, logger)
	wallet, err := reg.AddWallet(context.Background(), testMintURL, "sat")
	require.NoError(t, err)

	l := ledger.New(store, logger)
	flow := New(l, reg, Config{PollInterval: pollInterval, Logger: logger})
	t.Cleanup(flow.Close)

	return &testEnv{ledger: l, registry: reg, flow: flow, mint: mint, wallet: wallet}
}

func quoteIdFor(t *testing.T, reg *registry.Registry, invoice string) string {
	t.Helper()
	for _, quote := range reg.PendingMintQuotes() {
		if quote.Invoice == invoice {
			return quote.QuoteID
		}
	}
	t.Fatalf("no pending quote for invoice '%v'", invoice)
	return ""
}

func TestReceive(t *testing.T) {
	env := setup(t)

	received := make(chan cashu.Proofs, 2)
	invoice, err := env.flow.Receive(context.Background(), env.wallet, 21, func(proofs cashu.Proofs) {
		received <- proofs
	})
	require.NoError(t, err)
	assert.NotEmpty(t, invoice)

	quoteId := quoteIdFor(t, env.registry, invoice)
	assert.True(t, env.flow.Polling(quoteId))

	// unpaid quote keeps polling without touching the ledger
	require.Eventually(t, func() bool {
		return env.mint.Calls(testutils.MethodCheckMintQuote) >= 2
	}, waitFor, pollInterval)
	assert.Equal(t, uint64(0), env.ledger.Balance())

	env.mint.PayMintQuote(quoteId)

	select {
	case proofs := <-received:
		assert.Equal(t, uint64(21), proofs.Amount())
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for payment")
	}

	assert.Equal(t, uint64(21), env.ledger.Balance())
	assert.Empty(t, env.registry.PendingMintQuotes())
	assert.Eventually(t, func() bool { return !env.flow.Polling(quoteId) }, waitFor, pollInterval)

	// callback was called exactly once
	time.Sleep(5 * pollInterval)
	assert.Len(t, received, 0)
	assert.Equal(t, 1, env.mint.Calls(testutils.MethodMintTokens))
}

func TestReceiveTransientErrors(t *testing.T) {
	env := setup(t)

	received := make(chan cashu.Proofs, 1)
	invoice, err := env.flow.Receive(context.Background(), env.wallet, 8, func(proofs cashu.Proofs) {
		received <- proofs
	})
	require.NoError(t, err)
	quoteId := quoteIdFor(t, env.registry, invoice)

	env.mint.SetError(testutils.MethodCheckMintQuote, errors.New("connection reset"))
	env.mint.PayMintQuote(quoteId)
	require.Eventually(t, func() bool {
		return env.mint.Calls(testutils.MethodCheckMintQuote) >= 3
	}, waitFor, pollInterval)
	assert.True(t, env.flow.Polling(quoteId))

	env.mint.SetError(testutils.MethodCheckMintQuote, nil)
	select {
	case proofs := <-received:
		assert.Equal(t, uint64(8), proofs.Amount())
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for payment")
	}
}

func TestConcurrentReceives(t *testing.T) {
	env := setup(t)
	env.mint.SetAutoPay(true)

	amounts := []uint64{1, 2, 3, 5, 8, 13, 21, 34}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var total uint64
	for _, amount := range amounts {
		wg.Add(1)
		_, err := env.flow.Receive(context.Background(), env.wallet, amount, func(proofs cashu.Proofs) {
			mu.Lock()
			total += proofs.Amount()
			mu.Unlock()
			wg.Done()
		})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for payments")
	}

	assert.Equal(t, uint64(87), total)
	assert.Equal(t, uint64(87), env.ledger.Balance())
	assert.Empty(t, env.registry.PendingMintQuotes())
}

func TestReceiveIssuedElsewhere(t *testing.T) {
	env := setup(t)

	var called atomic.Bool
	invoice, err := env.flow.Receive(context.Background(), env.wallet, 4, func(cashu.Proofs) { called.Store(true) })
	require.NoError(t, err)
	quoteId := quoteIdFor(t, env.registry, invoice)

	env.mint.SetMintQuoteState(quoteId, nut04.Issued)
	require.Eventually(t, func() bool { return !env.flow.Polling(quoteId) }, waitFor, pollInterval)

	assert.False(t, called.Load())
	assert.Empty(t, env.registry.PendingMintQuotes())
	assert.Equal(t, 0, env.mint.Calls(testutils.MethodMintTokens))
}

func TestCancelReceive(t *testing.T) {
	env := setup(t)

	invoice, err := env.flow.Receive(context.Background(), env.wallet, 4, func(cashu.Proofs) {
		t.Error("cancelled receive should not succeed")
	})
	require.NoError(t, err)
	quoteId := quoteIdFor(t, env.registry, invoice)

	require.NoError(t, env.flow.Cancel(quoteId))
	assert.False(t, env.flow.Polling(quoteId))
	assert.Empty(t, env.registry.PendingMintQuotes())

	env.mint.PayMintQuote(quoteId)
	time.Sleep(5 * pollInterval)
	assert.Equal(t, uint64(0), env.ledger.Balance())
}

func TestCloseStopsPolls(t *testing.T) {
	env := setup(t)

	invoice, err := env.flow.Receive(context.Background(), env.wallet, 16, nil)
	require.NoError(t, err)
	quoteId := quoteIdFor(t, env.registry, invoice)

	env.flow.Close()
	assert.False(t, env.flow.Polling(quoteId))

	env.mint.PayMintQuote(quoteId)
	time.Sleep(5 * pollInterval)
	assert.Equal(t, uint64(0), env.ledger.Balance())

	// quote stays persisted to resume later
	assert.Len(t, env.registry.PendingMintQuotes(), 1)

	_, err = env.flow.Receive(context.Background(), env.wallet, 1, nil)
	assert.ErrorIs(t, err, ErrFlowClosed)
}

func TestResumePending(t *testing.T) {
	env := setup(t)

	invoice, err := env.flow.Receive(context.Background(), env.wallet, 13, nil)
	require.NoError(t, err)
	quoteId := quoteIdFor(t, env.registry, invoice)
	env.flow.Close()

	// an orphan quote for a wallet that does not exist anymore
	require.NoError(t, env.registry.AddPendingMintQuote(registry.MintQuote{QuoteID: "orphan", KeysetID: "00gone"}))

	flow := New(env.ledger, env.registry, Config{PollInterval: pollInterval, Logger: testutils.QuietLogger()})
	defer flow.Close()

	started := flow.ResumePending(env.registry.Wallet)
	assert.Equal(t, 1, started)
	assert.True(t, flow.Polling(quoteId))

	env.mint.PayMintQuote(quoteId)
	require.Eventually(t, func() bool { return env.ledger.Balance() == 13 }, waitFor, pollInterval)
}

func TestReceiveInvalid(t *testing.T) {
	env := setup(t)

	_, err := env.flow.Receive(context.Background(), nil, 1, nil)
	assert.ErrorIs(t, err, ErrNoWallet)
	_, err = env.flow.Receive(context.Background(), env.wallet, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	env.mint.SetError(testutils.MethodCreateMintQuote, cashu.StandardErr)
	_, err = env.flow.Receive(context.Background(), env.wallet, 1, nil)
	assert.ErrorIs(t, err, cashu.StandardErr)
	assert.Empty(t, env.registry.PendingMintQuotes())
}

func TestSendInsufficientBalance(t *testing.T) {
	ctrl := gomock.NewController(t)
	mint := mocks.NewMockMintClient(ctrl)
	store := storage.NewMemoryStore()
	logger := testutils.QuietLogger()

	l := ledger.New(store, logger)
	reg := registry.New(store, func(string) client.MintClient { return mint }, logger)
	flow := New(l, reg, Config{PollInterval: pollInterval, Logger: logger})
	defer flow.Close()

	wallet := &registry.WalletHandle{MintURL: testMintURL, KeysetID: "00a", Unit: "sat", Client: mint}
	require.NoError(t, l.AddProofs(testutils.Proofs("00a", 1, 4)))
	// proofs from another keyset do not count
	require.NoError(t, l.AddProofs(testutils.Proofs("00b", 64)))

	mint.EXPECT().CreateMeltQuote(gomock.Any(), "sat", "lnbc100n1fake").
		Return(&client.MeltQuote{QuoteID: "melt", Amount: 8, FeeReserve: 2}, nil).
		Times(1)
	mint.EXPECT().MeltTokens(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	mint.EXPECT().MintTokens(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	result, err := flow.Send(context.Background(), wallet, "lnbc100n1fake")
	assert.Nil(t, result)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	var balanceErr *InsufficientBalanceError
	require.True(t, errors.As(err, &balanceErr))
	assert.Equal(t, uint64(5), balanceErr.Balance)
	assert.Equal(t, uint64(10), balanceErr.Required)
	assert.Equal(t, uint64(69), l.Balance())
}

func TestSend(t *testing.T) {
	env := setup(t)
	env.mint.FeeReserve = func(uint64) uint64 { return 4 }
	env.mint.FeePaid = func(uint64) uint64 { return 1 }
	require.NoError(t, env.ledger.AddProofs(testutils.SignedProofs(env.mint.Keyset, 64)))
	require.NoError(t, env.ledger.AddProofs(testutils.SignedProofs(env.mint.Keyset, 32)))

	invoice, _, _, err := testutils.CreateFakeInvoice(50)
	require.NoError(t, err)

	result, err := env.flow.Send(context.Background(), env.wallet, invoice)
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, testutils.FakePreimage, result.Preimage)
	assert.Equal(t, uint64(50), result.Amount)
	assert.Equal(t, uint64(1), result.Fee)

	// 64 was melted, 13 came back as change
	assert.Equal(t, uint64(96-51), env.ledger.Balance())
	for _, proof := range env.ledger.Proofs() {
		assert.False(t, env.mint.IsSpent(proof.Secret))
	}
}

func TestSendNotPaid(t *testing.T) {
	env := setup(t)
	proofs := testutils.SignedProofs(env.mint.Keyset, 16)
	require.NoError(t, env.ledger.AddProofs(proofs))
	env.mint.SetMeltUnpaid(true)

	invoice, _, _, err := testutils.CreateFakeInvoice(10)
	require.NoError(t, err)

	result, err := env.flow.Send(context.Background(), env.wallet, invoice)
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.Equal(t, uint64(16), env.ledger.Balance())
	assert.Equal(t, proofs, env.ledger.Proofs())
}

func TestSendMeltError(t *testing.T) {
	env := setup(t)
	require.NoError(t, env.ledger.AddProofs(testutils.SignedProofs(env.mint.Keyset, 16)))
	env.mint.SetError(testutils.MethodMeltTokens, errors.New("timeout"))

	invoice, _, _, err := testutils.CreateFakeInvoice(10)
	require.NoError(t, err)

	_, err = env.flow.Send(context.Background(), env.wallet, invoice)
	assert.Error(t, err)
	assert.Equal(t, uint64(16), env.ledger.Balance())
}

func TestSendLocksBalance(t *testing.T) {
	ctrl := gomock.NewController(t)
	mint := mocks.NewMockMintClient(ctrl)
	store := storage.NewMemoryStore()
	logger := testutils.QuietLogger()

	l := ledger.New(store, logger)
	flow := New(l, registry.New(store, nil, logger), Config{Logger: logger})
	defer flow.Close()

	wallet := &registry.WalletHandle{MintURL: testMintURL, KeysetID: "00a", Unit: "sat", Client: mint}
	proofs := testutils.Proofs("00a", 8, 2)
	require.NoError(t, l.AddProofs(proofs))

	quote := &client.MeltQuote{QuoteID: "melt", Amount: 8, FeeReserve: 0}
	mint.EXPECT().CreateMeltQuote(gomock.Any(), "sat", "lnbc").Return(quote, nil)
	mint.EXPECT().MeltTokens(gomock.Any(), "00a", quote, proofs[:1]).
		DoAndReturn(func(context.Context, string, *client.MeltQuote, cashu.Proofs) (*client.MeltResult, error) {
			// balance shown while melting is the one before the send
			assert.Equal(t, uint64(10), l.Balance())
			return &client.MeltResult{Paid: true, Preimage: "pre"}, nil
		})

	result, err := flow.Send(context.Background(), wallet, "lnbc")
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, uint64(2), l.Balance())
}

func TestReceiveDuplicateProofs(t *testing.T) {
	ctrl := gomock.NewController(t)
	mint := mocks.NewMockMintClient(ctrl)
	store := storage.NewMemoryStore()
	logger := testutils.QuietLogger()

	l := ledger.New(store, logger)
	reg := registry.New(store, func(string) client.MintClient { return mint }, logger)
	flow := New(l, reg, Config{PollInterval: pollInterval, Logger: logger})
	defer flow.Close()

	wallet := &registry.WalletHandle{MintURL: testMintURL, KeysetID: "00a", Unit: "sat", Client: mint}
	stored := testutils.Proofs("00a", 4)
	require.NoError(t, l.AddProofs(stored))

	mint.EXPECT().CreateMintQuote(gomock.Any(), "sat", uint64(4)).
		Return(&client.MintQuote{QuoteID: "mq", Request: "lnbc", Amount: 4, State: nut04.Unpaid}, nil)
	mint.EXPECT().CheckMintQuote(gomock.Any(), "mq").
		Return(&client.MintQuote{QuoteID: "mq", Request: "lnbc", Amount: 4, State: nut04.Paid}, nil).
		MinTimes(1)
	// the mint hands back proofs the ledger already holds
	mint.EXPECT().MintTokens(gomock.Any(), "00a", uint64(4), "mq").Return(stored, nil).Times(1)

	var called atomic.Bool
	_, err := flow.Receive(context.Background(), wallet, 4, func(cashu.Proofs) {
		called.Store(true)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !flow.Polling("mq") }, waitFor, pollInterval)
	assert.Empty(t, reg.PendingMintQuotes())
	assert.False(t, called.Load())
	assert.Equal(t, uint64(4), l.Balance())
}
