//go:build ignore_vet
// +build ignore_vet

package main

import (
	"context"
	"fmt"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/wallet"
)

func main() {
	ctx := context.Background()

	config := wallet.DefaultConfig()
	config.WalletPath = "./multinut"
	config.DefaultMintURL = "http://localhost:3338"

	w, err := wallet.LoadWallet(ctx, config)
	defer w.Close()

	// Receive: proofs are minted in the background once the invoice is paid
	invoice, err := w.Receive(ctx, 42, func(proofs cashu.Proofs) {
		fmt.Printf("received %v sats\n", proofs.Amount())
	})
	fmt.Println(invoice)


	// Add a second mint and move everything there
	other, err := w.AddMint(ctx, "http://localhost:3339", "sat")
	amount, err := w.Transfer(ctx, other.KeysetID)

	// Pay invoice from the active wallet
	result, err := w.Pay(ctx, "lnbc100n1pja0w9pdqqx...")
	fmt.Println(result.Preimage)

	// Send all proofs of the active wallet as a token
	token, err := w.SendOffline()
	fmt.Println(token)
}
