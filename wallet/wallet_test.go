package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/testutils"
	"github.com/elnosh/multinut/wallet/client"
	"github.com/elnosh/multinut/wallet/ledger"
	"github.com/elnosh/multinut/wallet/payment"
	"github.com/elnosh/multinut/wallet/storage"
	"github.com/elnosh/multinut/wallet/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mintAURL     = "http://mint-a.test"
	mintBURL     = "http://mint-b.test"
	pollInterval = 10 * time.Millisecond
	waitFor      = 2 * time.Second
)

type testEnv struct {
	store *storage.MemoryStore
	mintA *testutils.FakeMint
	mintB *testutils.FakeMint
	mints map[string]*testutils.FakeMint
}

func newTestEnv() *testEnv {
	network := testutils.NewLightningNetwork()
	mintA := testutils.NewFakeMint(mintAURL, "wallet-seed-a", network)
	mintB := testutils.NewFakeMint(mintBURL, "wallet-seed-b", network)
	return &testEnv{
		store: storage.NewMemoryStore(),
		mintA: mintA,
		mintB: mintB,
		mints: map[string]*testutils.FakeMint{mintAURL: mintA, mintBURL: mintB},
	}
}

func (env *testEnv) load(t *testing.T) *Wallet {
	t.Helper()
	config := DefaultConfig()
	config.DefaultMintURL = mintAURL
	config.PollInterval = pollInterval

	w, err := LoadWallet(context.Background(), config,
		WithStore(env.store),
		WithLogger(testutils.QuietLogger()),
		WithClientFactory(func(url string) client.MintClient { return env.mints[url] }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

// fund receives amount on the active wallet and waits for the proofs.
func fund(t *testing.T, w *Wallet, mint *testutils.FakeMint, amount uint64) {
	t.Helper()
	received := make(chan cashu.Proofs, 1)
	invoice, err := w.Receive(context.Background(), amount, func(proofs cashu.Proofs) {
		received <- proofs
	})
	require.NoError(t, err)

	var quoteId string
	for _, quote := range w.PendingMintQuotes() {
		if quote.Invoice == invoice {
			quoteId = quote.QuoteID
		}
	}
	require.NotEmpty(t, quoteId)
	mint.PayMintQuote(quoteId)

	select {
	case proofs := <-received:
		require.Equal(t, amount, proofs.Amount())
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for mint quote to be paid")
	}
}

func TestLoadWalletDefaultMint(t *testing.T) {
	env := newTestEnv()
	w := env.load(t)

	active := w.ActiveWallet()
	require.NotNil(t, active)
	assert.Equal(t, mintAURL, active.MintURL)
	assert.Equal(t, env.mintA.Keyset.Id, active.KeysetID)
	assert.Equal(t, []string{mintAURL}, w.MintURLs())
	assert.Equal(t, uint64(0), w.Balance())
}

func TestLoadWalletUnreachableMint(t *testing.T) {
	env := newTestEnv()
	env.mintA.SetError(testutils.MethodGetKeySets, errors.New("connection refused"))

	w := env.load(t)
	assert.Nil(t, w.ActiveWallet())
	assert.Empty(t, w.Wallets())

	_, err := w.Receive(context.Background(), 10, nil)
	assert.ErrorIs(t, err, ErrNoActiveWallet)
	_, err = w.SendOffline()
	assert.ErrorIs(t, err, ErrNoActiveWallet)
}

func TestReceiveAndPay(t *testing.T) {
	env := newTestEnv()
	env.mintA.FeeReserve = func(uint64) uint64 { return 2 }
	env.mintA.FeePaid = func(uint64) uint64 { return 1 }
	w := env.load(t)

	fund(t, w, env.mintA, 64)
	assert.Equal(t, uint64(64), w.Balance())
	assert.Empty(t, w.PendingMintQuotes())

	invoice, _, _, err := testutils.CreateFakeInvoice(20)
	require.NoError(t, err)

	result, err := w.Pay(context.Background(), invoice)
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, uint64(1), result.Fee)
	assert.Equal(t, uint64(43), w.Balance())

	invoice, _, _, err = testutils.CreateFakeInvoice(100)
	require.NoError(t, err)
	_, err = w.Pay(context.Background(), invoice)
	assert.ErrorIs(t, err, payment.ErrInsufficientBalance)
	assert.Equal(t, uint64(43), w.Balance())
}

func TestBalanceEvents(t *testing.T) {
	env := newTestEnv()
	w := env.load(t)

	sub := w.Subscribe()
	defer w.Unsubscribe(sub)

	fund(t, w, env.mintA, 16)

	select {
	case msg := <-sub.GetMessages():
		var event ledger.BalanceEvent
		require.NoError(t, json.Unmarshal(msg.Payload(), &event))
		assert.Equal(t, uint64(16), event.Balance)
		assert.Equal(t, uint64(16), event.ByWallet[env.mintA.Keyset.Id])
	case <-time.After(waitFor):
		t.Fatal("no balance event")
	}
}

func TestTransfer(t *testing.T) {
	env := newTestEnv()
	w := env.load(t)

	to, err := w.AddMint(context.Background(), mintBURL, "")
	require.NoError(t, err)
	assert.Equal(t, mintAURL, w.ActiveWallet().MintURL)

	_, err = w.Transfer(context.Background(), to.KeysetID)
	assert.ErrorIs(t, err, ErrNoProofs)

	fund(t, w, env.mintA, 32)

	amount, err := w.Transfer(context.Background(), to.KeysetID)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), amount)

	assert.Equal(t, to.KeysetID, w.ActiveWallet().KeysetID)
	balances := w.BalanceByWallet()
	assert.Equal(t, uint64(32), balances[to.KeysetID])
	assert.Zero(t, balances[env.mintA.Keyset.Id])

	pending, err := w.PendingTransfers()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTransferSameMint(t *testing.T) {
	env := newTestEnv()
	w := env.load(t)
	fund(t, w, env.mintA, 32)

	_, err := w.Transfer(context.Background(), w.ActiveWallet().KeysetID)
	assert.ErrorIs(t, err, ErrSameMint)

	assert.Equal(t, uint64(32), w.Balance())
	assert.Zero(t, env.mintA.Calls(testutils.MethodCreateMeltQuote))
	assert.Zero(t, env.mintA.Calls(testutils.MethodMeltTokens))
}

func TestTransferPartialAndResume(t *testing.T) {
	env := newTestEnv()
	w := env.load(t)

	to, err := w.AddMint(context.Background(), mintBURL, "")
	require.NoError(t, err)
	fund(t, w, env.mintA, 8)

	env.mintB.SetError(testutils.MethodMintTokens, errors.New("mint unavailable"))
	_, err = w.Transfer(context.Background(), to.KeysetID)
	var partial *transfer.PartialTransferError
	require.ErrorAs(t, err, &partial)

	// destination is only activated after a completed transfer
	assert.Equal(t, env.mintA.Keyset.Id, w.ActiveWallet().KeysetID)
	assert.Equal(t, uint64(0), w.Balance())

	pending, err := w.PendingTransfers()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, partial.TransferID, pending[0].ID)

	env.mintB.SetError(testutils.MethodMintTokens, nil)
	amount, err := w.ResumeTransfer(context.Background(), partial.TransferID)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), amount)
	assert.Equal(t, uint64(8), w.BalanceByWallet()[to.KeysetID])
}

func TestSendOffline(t *testing.T) {
	env := newTestEnv()
	w := env.load(t)

	fund(t, w, env.mintA, 21)

	exported, err := w.ExportToken(env.mintA.Keyset.Id)
	require.NoError(t, err)
	assert.Equal(t, uint64(21), w.Balance())

	token, err := w.SendOffline()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), w.Balance())

	decoded, err := DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint64(21), decoded.Amount())
	assert.Equal(t, mintAURL, decoded.Mint())
	assert.ElementsMatch(t, decoded.Proofs(), mustDecode(t, exported).Proofs())

	_, err = w.SendOffline()
	assert.ErrorIs(t, err, ErrNoProofs)
}

func mustDecode(t *testing.T, token string) cashu.Token {
	t.Helper()
	decoded, err := DecodeToken(token)
	require.NoError(t, err)
	return decoded
}

func TestResumePendingQuotesOnLoad(t *testing.T) {
	env := newTestEnv()
	w := env.load(t)

	invoice, err := w.Receive(context.Background(), 5, nil)
	require.NoError(t, err)
	quotes := w.PendingMintQuotes()
	require.Len(t, quotes, 1)
	assert.Equal(t, invoice, quotes[0].Invoice)
	require.NoError(t, w.Close())

	env.mintA.PayMintQuote(quotes[0].QuoteID)

	reloaded := env.load(t)
	require.Eventually(t, func() bool {
		return reloaded.Balance() == 5
	}, waitFor, pollInterval)
	assert.Empty(t, reloaded.PendingMintQuotes())
}

func TestSetActiveWallet(t *testing.T) {
	env := newTestEnv()
	w := env.load(t)

	to, err := w.AddMint(context.Background(), mintBURL, "sat")
	require.NoError(t, err)

	require.NoError(t, w.SetActiveWallet(to.KeysetID))
	assert.Equal(t, mintBURL, w.ActiveWallet().MintURL)

	assert.Error(t, w.SetActiveWallet("00ffffffffffffff"))
	assert.Equal(t, mintBURL, w.ActiveWallet().MintURL)

	// active wallet survives a reload
	reloaded := env.load(t)
	assert.Equal(t, to.KeysetID, reloaded.ActiveWallet().KeysetID)
}
