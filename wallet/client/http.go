package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/cashu/nuts/nut01"
	"github.com/elnosh/multinut/cashu/nuts/nut02"
	"github.com/elnosh/multinut/cashu/nuts/nut04"
	"github.com/elnosh/multinut/cashu/nuts/nut05"
	"github.com/elnosh/multinut/cashu/nuts/nut06"
	"github.com/elnosh/multinut/crypto"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

const defaultTimeout = 30 * time.Second

type Option func(*HTTPClient)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *HTTPClient) {
		c.http = httpClient
	}
}

// WithRateLimit limits the requests per second sent to the mint.
// A value <= 0 disables the limit.
func WithRateLimit(rps int) Option {
	return func(c *HTTPClient) {
		if rps > 0 {
			c.limiter = ratelimit.New(rps)
		} else {
			c.limiter = ratelimit.NewUnlimited()
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// HTTPClient talks to a single mint.
type HTTPClient struct {
	mintURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter ratelimit.Limiter
	logger  logrus.FieldLogger

	keysMu sync.Mutex
	keys   map[string]map[uint64]*secp256k1.PublicKey
}

func NewHTTPClient(mintURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		mintURL: strings.TrimSuffix(mintURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: ratelimit.NewUnlimited(),
		logger:  logrus.StandardLogger(),
		keys:    make(map[string]map[uint64]*secp256k1.PublicKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("mint", c.mintURL)
	c.cb = newCircuitBreaker(c.mintURL, c.logger)
	return c
}

func newCircuitBreaker(name string, logger logrus.FieldLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Warn("mint seems down, stop allowing requests")
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				logger.Info("checking mint status")
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				logger.Info("mint seems ok, restart allowing requests")
			}
		},
	})
}

func (c *HTTPClient) MintURL() string {
	return c.mintURL
}

func (c *HTTPClient) GetInfo(ctx context.Context) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := c.get(ctx, "/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func (c *HTTPClient) GetKeySets(ctx context.Context) ([]KeysetInfo, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, "/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}

	keysets := make([]KeysetInfo, len(keysetsRes.Keysets))
	for i, keyset := range keysetsRes.Keysets {
		keysets[i] = KeysetInfo{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		}
	}
	return keysets, nil
}

func (c *HTTPClient) GetKeys(ctx context.Context, keysetId string) (map[uint64]string, error) {
	var keysRes nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys/"+keysetId, &keysRes); err != nil {
		return nil, err
	}

	for _, keyset := range keysRes.Keysets {
		if keyset.Id == keysetId {
			return keyset.Keys, nil
		}
	}
	return nil, fmt.Errorf("mint did not return keys for keyset '%v'", keysetId)
}

// publicKeys returns the parsed keys of the keyset, fetching them
// from the mint the first time.
func (c *HTTPClient) publicKeys(ctx context.Context, keysetId string) (map[uint64]*secp256k1.PublicKey, error) {
	c.keysMu.Lock()
	keys, ok := c.keys[keysetId]
	c.keysMu.Unlock()
	if ok {
		return keys, nil
	}

	hexKeys, err := c.GetKeys(ctx, keysetId)
	if err != nil {
		return nil, err
	}
	keys, err = crypto.MapPubKeys(hexKeys)
	if err != nil {
		return nil, err
	}
	if id := crypto.DeriveKeysetId(keys); id != keysetId {
		c.logger.WithField("keyset", keysetId).Warnf("keyset id derived from keys is '%v'", id)
	}

	c.keysMu.Lock()
	c.keys[keysetId] = keys
	c.keysMu.Unlock()
	return keys, nil
}

func (c *HTTPClient) CreateMintQuote(ctx context.Context, unit string, amount uint64) (*MintQuote, error) {
	request := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: unit}
	var response nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, "/v1/mint/quote/bolt11", request, &response); err != nil {
		return nil, err
	}

	return &MintQuote{
		QuoteID: response.Quote,
		Request: response.Request,
		Amount:  amount,
		State:   response.QuoteState(),
		Expiry:  response.Expiry,
	}, nil
}

func (c *HTTPClient) CheckMintQuote(ctx context.Context, quoteId string) (*MintQuote, error) {
	var response nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, "/v1/mint/quote/bolt11/"+quoteId, &response); err != nil {
		return nil, err
	}

	return &MintQuote{
		QuoteID: response.Quote,
		Request: response.Request,
		Amount:  response.Amount,
		State:   response.QuoteState(),
		Expiry:  response.Expiry,
	}, nil
}

func (c *HTTPClient) MintTokens(
	ctx context.Context,
	keysetId string,
	amount uint64,
	quoteId string,
) (cashu.Proofs, error) {
	keys, err := c.publicKeys(ctx, keysetId)
	if err != nil {
		return nil, err
	}

	out, err := createBlindedMessages(keysetId, amount)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	request := nut04.PostMintBolt11Request{Quote: quoteId, Outputs: out.messages}
	var response nut04.PostMintBolt11Response
	if err := c.post(ctx, "/v1/mint/bolt11", request, &response); err != nil {
		return nil, err
	}

	proofs, err := constructProofs(response.Signatures, out, keys)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}
	return proofs, nil
}

func (c *HTTPClient) CreateMeltQuote(ctx context.Context, unit string, invoice string) (*MeltQuote, error) {
	request := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: unit}
	var response nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/quote/bolt11", request, &response); err != nil {
		return nil, err
	}

	return &MeltQuote{
		QuoteID:    response.Quote,
		Request:    invoice,
		Amount:     response.Amount,
		FeeReserve: response.FeeReserve,
		State:      response.State,
		Expiry:     response.Expiry,
	}, nil
}

// MeltTokens sends the proofs to pay the quote. Blank outputs are sent
// along so the mint can return the unused fee reserve as change.
func (c *HTTPClient) MeltTokens(
	ctx context.Context,
	keysetId string,
	quote *MeltQuote,
	proofs cashu.Proofs,
) (*MeltResult, error) {
	keys, err := c.publicKeys(ctx, keysetId)
	if err != nil {
		return nil, err
	}

	blank, err := createBlankOutputs(keysetId, quote.FeeReserve)
	if err != nil {
		return nil, fmt.Errorf("error creating blank outputs: %v", err)
	}

	request := nut05.PostMeltBolt11Request{
		Quote:   quote.QuoteID,
		Inputs:  proofs,
		Outputs: blank.messages,
	}
	var response nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/bolt11", request, &response); err != nil {
		return nil, err
	}

	result := &MeltResult{Paid: response.IsPaid(), Preimage: response.Preimage}
	if len(response.Change) > 0 {
		change, err := constructProofs(response.Change, blank, keys)
		if err != nil {
			return nil, fmt.Errorf("error constructing change proofs: %v", err)
		}
		result.Change = change
	}
	return result, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, response any) error {
	return c.do(ctx, http.MethodGet, path, nil, response)
}

func (c *HTTPClient) post(ctx context.Context, path string, request, response any) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}
	return c.do(ctx, http.MethodPost, path, requestBody, response)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, requestBody []byte, response any) error {
	c.limiter.Take()

	// errors returned by the mint are a result, not a failure of the mint,
	// so they are passed through the breaker as the value.
	res, err := c.cb.Execute(func() (interface{}, error) {
		var body io.Reader
		if requestBody != nil {
			body = bytes.NewReader(requestBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.mintURL+path, body)
		if err != nil {
			return nil, err
		}
		if requestBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		return parse(resp, response)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("mint '%v' unavailable: %w", c.mintURL, err)
		}
		return err
	}
	if mintErr, ok := res.(cashu.Error); ok {
		return mintErr
	}
	return nil
}

func parse(resp *http.Response, response any) (interface{}, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.Unmarshal(body, &errResponse); err != nil {
			return nil, fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mint returned status %v: %s", resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, response); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil, nil
}
