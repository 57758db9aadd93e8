package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// LightningNetwork connects fake mints so that a melt on one of them
// pays the invoices created by the others.
type LightningNetwork struct {
	mu       sync.Mutex
	invoices map[string]func()
}

func NewLightningNetwork() *LightningNetwork {
	return &LightningNetwork{invoices: make(map[string]func())}
}

// register calls onPaid when the invoice with the payment hash is paid.
func (ln *LightningNetwork) register(paymentHash string, onPaid func()) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.invoices[paymentHash] = onPaid
}

// pay settles the invoice if it belongs to the network. Invoices from
// outside the network are considered paid.
func (ln *LightningNetwork) pay(paymentHash string) {
	ln.mu.Lock()
	onPaid, ok := ln.invoices[paymentHash]
	delete(ln.invoices, paymentHash)
	ln.mu.Unlock()

	if ok {
		onPaid()
	}
}

// CreateFakeInvoice returns a valid bolt11 invoice for the amount in sats
// along with its preimage and payment hash.
func CreateFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
