// Package client implements the Cashu mint protocol used by the wallet.
//
// MintClient is the capability the rest of the wallet depends on.
// HTTPClient implements it against a mint's HTTP API, doing the blinding
// of outputs and unblinding of signatures so callers only see proofs.
package client

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks . MintClient

import (
	"context"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/cashu/nuts/nut04"
	"github.com/elnosh/multinut/cashu/nuts/nut05"
	"github.com/elnosh/multinut/cashu/nuts/nut06"
)

type KeysetInfo struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
}

type MintQuote struct {
	QuoteID string
	// bolt11 invoice to pay
	Request string
	Amount  uint64
	State   nut04.State
	Expiry  int64
}

type MeltQuote struct {
	QuoteID    string
	Request    string
	Amount     uint64
	FeeReserve uint64
	State      nut05.State
	Expiry     int64
}

// AmountRequired is the amount of proofs needed to pay the quote.
func (q MeltQuote) AmountRequired() uint64 {
	return q.Amount + q.FeeReserve
}

type MeltResult struct {
	Paid     bool
	Preimage string
	// proofs returned for the unused part of the fee reserve
	Change cashu.Proofs
}

type MintClient interface {
	GetInfo(ctx context.Context) (*nut06.MintInfo, error)
	GetKeySets(ctx context.Context) ([]KeysetInfo, error)
	GetKeys(ctx context.Context, keysetId string) (map[uint64]string, error)
	CreateMintQuote(ctx context.Context, unit string, amount uint64) (*MintQuote, error)
	CheckMintQuote(ctx context.Context, quoteId string) (*MintQuote, error)
	MintTokens(ctx context.Context, keysetId string, amount uint64, quoteId string) (cashu.Proofs, error)
	CreateMeltQuote(ctx context.Context, unit string, invoice string) (*MeltQuote, error)
	MeltTokens(ctx context.Context, keysetId string, quote *MeltQuote, proofs cashu.Proofs) (*MeltResult, error)
}
