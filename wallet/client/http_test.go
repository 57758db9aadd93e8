package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/cashu/nuts/nut01"
	"github.com/elnosh/multinut/cashu/nuts/nut02"
	"github.com/elnosh/multinut/cashu/nuts/nut04"
	"github.com/elnosh/multinut/cashu/nuts/nut05"
	"github.com/elnosh/multinut/cashu/nuts/nut06"
	"github.com/elnosh/multinut/crypto"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPreimage = "0000000000000000000000000000000000000000000000000000000000000001"

type fakeMint struct {
	keyset *crypto.MintKeyset
	// unused part of the fee reserve returned as change
	change uint64
}

func (m *fakeMint) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/info", m.info).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", m.keysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", m.keys).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/quote/bolt11", m.mintQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote}", m.mintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", m.mint).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", m.meltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/bolt11", m.melt).Methods(http.MethodPost)
	return r
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, cashuErr cashu.Error) {
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(cashuErr)
}

func (m *fakeMint) info(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, nut06.MintInfo{
		Name: "fake mint",
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: "bolt11", Unit: "sat"}}},
		},
	})
}

func (m *fakeMint) keysets(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{
		{Id: m.keyset.Id, Unit: "sat", Active: true},
		{Id: "00ffd48b8f5ecf80", Unit: "usd", Active: false, InputFeePpk: 100},
	}})
}

func (m *fakeMint) keys(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if id != m.keyset.Id {
		writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	writeJSON(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{
		{Id: m.keyset.Id, Unit: "sat", Keys: m.keyset.DerivePublic()},
	}})
}

func (m *fakeMint) mintQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintQuoteBolt11Request
	json.NewDecoder(req.Body).Decode(&request)
	if request.Unit != "sat" {
		writeErr(rw, cashu.UnitNotSupportedErr)
		return
	}
	writeJSON(rw, nut04.PostMintQuoteBolt11Response{
		Quote:   "quote-id",
		Request: "lnbc1fakeinvoice",
		State:   nut04.Unpaid,
	})
}

func (m *fakeMint) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	quote := mux.Vars(req)["quote"]
	if quote == "legacy" {
		// old mints only send the paid flag
		rw.Write([]byte(`{"quote":"legacy","request":"lnbc1","paid":true}`))
		return
	}
	writeJSON(rw, nut04.PostMintQuoteBolt11Response{
		Quote:   quote,
		Request: "lnbc1fakeinvoice",
		Amount:  13,
		State:   nut04.Paid,
	})
}

func (m *fakeMint) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, err
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, err
		}
		C_ := crypto.SignBlindedMessage(B_, m.keyset.Keys[output.Amount].PrivateKey)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			Id:     m.keyset.Id,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
		}
	}
	return signatures, nil
}

func (m *fakeMint) mint(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintBolt11Request
	json.NewDecoder(req.Body).Decode(&request)
	if request.Quote == "issued" {
		writeErr(rw, cashu.MintQuoteAlreadyIssued)
		return
	}
	signatures, err := m.sign(request.Outputs)
	if err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}
	writeJSON(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (m *fakeMint) meltQuote(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, nut05.PostMeltQuoteBolt11Response{
		Quote:      "melt-quote",
		Amount:     10,
		FeeReserve: 4,
		State:      nut05.Unpaid,
	})
}

func (m *fakeMint) melt(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltBolt11Request
	json.NewDecoder(req.Body).Decode(&request)

	var change cashu.BlindedMessages
	for i, amount := range cashu.AmountSplit(m.change) {
		if i >= len(request.Outputs) {
			break
		}
		output := request.Outputs[i]
		output.Amount = amount
		change = append(change, output)
	}
	signatures, err := m.sign(change)
	if err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}
	writeJSON(rw, nut05.PostMeltQuoteBolt11Response{
		Quote:    request.Quote,
		Amount:   10,
		State:    nut05.Paid,
		Preimage: testPreimage,
		Change:   signatures,
	})
}

func newTestClient(t *testing.T) (*HTTPClient, *fakeMint) {
	t.Helper()
	mint := &fakeMint{keyset: crypto.GenerateKeyset("fakemintseed", "0/0/0"), change: 3}
	server := httptest.NewServer(mint.router())
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewHTTPClient(server.URL+"/", WithLogger(logger), WithRateLimit(1000)), mint
}

func verifyProofs(t *testing.T, keyset *crypto.MintKeyset, proofs cashu.Proofs) {
	t.Helper()
	for _, proof := range proofs {
		C_bytes, err := hex.DecodeString(proof.C)
		require.NoError(t, err)
		C, err := secp256k1.ParsePubKey(C_bytes)
		require.NoError(t, err)
		k := keyset.Keys[proof.Amount].PrivateKey
		assert.True(t, crypto.Verify([]byte(proof.Secret), k, C), "invalid proof for amount %v", proof.Amount)
	}
}

func TestGetInfoAndKeysets(t *testing.T) {
	client, mint := newTestClient(t)
	ctx := context.Background()

	info, err := client.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fake mint", info.Name)
	_, ok := info.MintMethod("bolt11", "sat")
	assert.True(t, ok)

	keysets, err := client.GetKeySets(ctx)
	require.NoError(t, err)
	require.Len(t, keysets, 2)
	assert.Equal(t, KeysetInfo{Id: mint.keyset.Id, Unit: "sat", Active: true}, keysets[0])
	assert.Equal(t, uint(100), keysets[1].InputFeePpk)

	keys, err := client.GetKeys(ctx, mint.keyset.Id)
	require.NoError(t, err)
	assert.Equal(t, mint.keyset.DerivePublic(), keys)

	_, err = client.GetKeys(ctx, "00aaaaaaaaaaaaaa")
	var cashuErr cashu.Error
	require.True(t, errors.As(err, &cashuErr))
	assert.Equal(t, cashu.UnknownKeysetErrCode, cashuErr.Code)
}

func TestMintTokens(t *testing.T) {
	client, mint := newTestClient(t)
	ctx := context.Background()

	quote, err := client.CreateMintQuote(ctx, "sat", 13)
	require.NoError(t, err)
	assert.Equal(t, "quote-id", quote.QuoteID)
	assert.Equal(t, nut04.Unpaid, quote.State)
	assert.Equal(t, uint64(13), quote.Amount)

	state, err := client.CheckMintQuote(ctx, quote.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, nut04.Paid, state.State)

	legacy, err := client.CheckMintQuote(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, nut04.Paid, legacy.State)

	proofs, err := client.MintTokens(ctx, mint.keyset.Id, 13, quote.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), proofs.Amount())
	assert.Len(t, proofs, 3)
	verifyProofs(t, mint.keyset, proofs)

	_, err = client.MintTokens(ctx, mint.keyset.Id, 13, "issued")
	assert.ErrorIs(t, err, cashu.MintQuoteAlreadyIssued)

	_, err = client.CreateMintQuote(ctx, "eur", 13)
	var cashuErr cashu.Error
	require.True(t, errors.As(err, &cashuErr))
	assert.Equal(t, cashu.UnitErrCode, cashuErr.Code)
}

func TestMeltTokens(t *testing.T) {
	client, mint := newTestClient(t)
	ctx := context.Background()

	quote, err := client.CreateMeltQuote(ctx, "sat", "lnbc1fakeinvoice")
	require.NoError(t, err)
	assert.Equal(t, uint64(14), quote.AmountRequired())
	assert.Equal(t, "lnbc1fakeinvoice", quote.Request)

	inputs := cashu.Proofs{{Amount: 16, Id: mint.keyset.Id, Secret: "s", C: "c"}}
	result, err := client.MeltTokens(ctx, mint.keyset.Id, quote, inputs)
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, testPreimage, result.Preimage)
	assert.Equal(t, uint64(3), result.Change.Amount())
	verifyProofs(t, mint.keyset, result.Change)
}

func TestMintErrorsDoNotTripBreaker(t *testing.T) {
	client, mint := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := client.MintTokens(ctx, mint.keyset.Id, 1, "issued")
		require.ErrorIs(t, err, cashu.MintQuoteAlreadyIssued)
	}
	_, err := client.GetInfo(ctx)
	assert.NoError(t, err)
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	client := NewHTTPClient(server.URL, WithLogger(logger))

	for i := 0; i < 5; i++ {
		_, err := client.GetInfo(context.Background())
		require.Error(t, err)
	}
	_, err := client.GetInfo(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load())
}

func TestCreateBlankOutputs(t *testing.T) {
	tests := []struct {
		feeReserve uint64
		expected   int
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{1000, 10},
	}

	for _, test := range tests {
		out, err := createBlankOutputs("009a1f293253e41e", test.feeReserve)
		require.NoError(t, err)
		assert.Len(t, out.messages, test.expected, "fee reserve %v", test.feeReserve)
		for _, msg := range out.messages {
			assert.Equal(t, uint64(1), msg.Amount)
		}
	}
}

func TestConstructProofsMismatch(t *testing.T) {
	keyset := crypto.GenerateKeyset("seed", "path")
	out, err := createBlindedMessages(keyset.Id, 1)
	require.NoError(t, err)

	signatures := cashu.BlindedSignatures{{Amount: 1}, {Amount: 1}}
	_, err = constructProofs(signatures, out, keyset.PublicKeys())
	assert.Error(t, err)
}
