package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/wallet"
	"github.com/elnosh/multinut/wallet/payment"
	"github.com/elnosh/multinut/wallet/transfer"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Wallet

func setupWallet(ctx *cli.Context) error {
	config := walletConfig()

	var err error
	nutw, err = wallet.LoadWallet(ctx.Context, config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func closeWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:   "nutw",
		Usage:  "multi-mint cashu cli wallet",
		Before: setupWallet,
		After:  closeWallet,
		Commands: []*cli.Command{
			balanceCmd,
			mintsCmd,
			addMintCmd,
			lookupCmd,
			useCmd,
			receiveCmd,
			payCmd,
			transferCmd,
			exportCmd,
			decodeCmd,
			pendingCmd,
			resumeCmd,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Total balance and balance of each mint",
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balances := nutw.BalanceByWallet()

	fmt.Printf("%v sats\n\n", nutw.Balance())
	for _, handle := range nutw.Wallets() {
		fmt.Printf("%v (%v): %v %v\n", handle.MintURL, handle.KeysetID, balances[handle.KeysetID], handle.Unit)
	}
	return nil
}

var mintsCmd = &cli.Command{
	Name:   "mints",
	Usage:  "List the wallets of each mint",
	Action: listMints,
}

func listMints(ctx *cli.Context) error {
	active := nutw.ActiveWallet()
	for _, handle := range nutw.Wallets() {
		marker := " "
		if active != nil && active.KeysetID == handle.KeysetID {
			marker = "*"
		}
		fmt.Printf("%v %v\t%v\t%v\n", marker, handle.KeysetID, handle.Unit, handle.MintURL)
	}
	return nil
}

const unitFlag = "unit"

var addMintCmd = &cli.Command{
	Name:      "addmint",
	Usage:     "Add a wallet for the keyset of a mint",
	ArgsUsage: "[MINT URL]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  unitFlag,
			Usage: "Unit of the keyset to use",
		},
	},
	Action: addMint,
}

func addMint(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a mint url"))
	}

	handle, err := nutw.AddMint(ctx.Context, args.First(), ctx.String(unitFlag))
	if err != nil {
		printErr(err)
	}
	fmt.Printf("added wallet %v for %v\n", handle.KeysetID, handle.MintURL)
	return nil
}

var lookupCmd = &cli.Command{
	Name:      "lookup",
	Usage:     "Show info and keysets of a mint",
	ArgsUsage: "[MINT URL]",
	Action:    lookupMint,
}

func lookupMint(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a mint url"))
	}

	lookup, err := nutw.LookupMint(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	if lookup.Info != nil {
		fmt.Printf("name: %v\n", lookup.Info.Name)
		if len(lookup.Info.Description) > 0 {
			fmt.Printf("description: %v\n", lookup.Info.Description)
		}
	}
	fmt.Printf("units: %v\n\n", lookup.Units)
	for _, keyset := range lookup.Keysets {
		fmt.Printf("%v\t%v\tactive: %v\tinput fee ppk: %v\n", keyset.Id, keyset.Unit, keyset.Active, keyset.InputFeePpk)
	}
	return nil
}

var useCmd = &cli.Command{
	Name:      "use",
	Usage:     "Set the active wallet",
	ArgsUsage: "[KEYSET ID]",
	Action:    useWallet,
}

func useWallet(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a keyset id"))
	}

	if err := nutw.SetActiveWallet(args.First()); err != nil {
		printErr(err)
	}
	fmt.Printf("active wallet: %v\n", args.First())
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Request an invoice and mint the ecash once it is paid",
	ArgsUsage: "[AMOUNT]",
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to receive"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	received := make(chan cashu.Proofs, 1)
	invoice, err := nutw.Receive(ctx.Context, amount, func(proofs cashu.Proofs) {
		received <- proofs
	})
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", invoice)
	fmt.Println("waiting for invoice to be paid...")

	select {
	case proofs := <-received:
		fmt.Printf("%v sats received\n", proofs.Amount())
	case <-ctx.Context.Done():
		fmt.Println("\ninvoice will be checked again the next time the wallet is loaded")
	}
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice from the active wallet",
	ArgsUsage: "[INVOICE]",
	Action:    pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}
	invoice := args.First()

	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		printErr(fmt.Errorf("invalid invoice: %v", err))
	}
	fmt.Printf("paying %v sats\n", bolt11.MSatoshi/1000)

	result, err := nutw.Pay(ctx.Context, invoice)
	if err != nil {
		var balanceErr *payment.InsufficientBalanceError
		if errors.As(err, &balanceErr) {
			printErr(fmt.Errorf("not enough funds: have %v but need %v (amount + fee reserve)",
				balanceErr.Balance, balanceErr.Required))
		}
		printErr(err)
	}

	if !result.Paid {
		fmt.Println("invoice was not paid")
		return nil
	}
	fmt.Printf("invoice paid. fee: %v sats\npreimage: %v\n", result.Fee, result.Preimage)
	return nil
}

var transferCmd = &cli.Command{
	Name:      "transfer",
	Usage:     "Move all the ecash of the active wallet to another wallet of the same unit",
	ArgsUsage: "[KEYSET ID]",
	Action:    transferFunds,
}

func transferFunds(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify the keyset id of the destination wallet"))
	}

	amount, err := nutw.Transfer(ctx.Context, args.First())
	if err != nil {
		var partial *transfer.PartialTransferError
		if errors.As(err, &partial) {
			printErr(fmt.Errorf("%v\n\nthe invoice was paid but the ecash could not be minted. "+
				"Run 'nutw resume %v' to try again", err, partial.TransferID))
		}
		printErr(err)
	}

	fmt.Printf("%v sats transferred\n", amount)
	return nil
}

const removeFlag = "remove"

var exportCmd = &cli.Command{
	Name:      "export",
	Usage:     "Encode the ecash of a wallet as a token",
	ArgsUsage: "[KEYSET ID]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  removeFlag,
			Usage: "Remove the exported proofs from the active wallet",
		},
	},
	Action: export,
}

func export(ctx *cli.Context) error {
	var token string
	var err error

	if ctx.Bool(removeFlag) {
		token, err = nutw.SendOffline()
	} else {
		keysetId := ctx.Args().First()
		if len(keysetId) == 0 {
			active := nutw.ActiveWallet()
			if active == nil {
				printErr(wallet.ErrNoActiveWallet)
			}
			keysetId = active.KeysetID
		}
		token, err = nutw.ExportToken(keysetId)
	}
	if err != nil {
		printErr(err)
	}

	fmt.Println(token)
	return nil
}

var decodeCmd = &cli.Command{
	Name:      "decode",
	Usage:     "Decode a cashu token",
	ArgsUsage: "[TOKEN]",
	Action:    decode,
}

func decode(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	token, err := wallet.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("mint: %v\n", token.Mint())
	fmt.Printf("amount: %v\n", token.Amount())
	for _, proof := range token.Proofs() {
		fmt.Printf("  %v\t%v\n", proof.Id, proof.Amount)
	}
	return nil
}

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "List unpaid invoices and unfinished transfers",
	Action: pending,
}

func pending(ctx *cli.Context) error {
	quotes := nutw.PendingMintQuotes()
	fmt.Printf("invoices (%v)\n", len(quotes))
	for _, quote := range quotes {
		fmt.Printf("  %v\t%v sats\t%v\t%v\n", quote.QuoteID, quote.Amount, quote.State, quote.MintURL)
	}

	transfers, err := nutw.PendingTransfers()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("\ntransfers (%v)\n", len(transfers))
	for _, t := range transfers {
		fmt.Printf("  %v\t%v sats\t%v -> %v\t%v\n", t.ID, t.MintAmount, t.FromKeysetID,
			t.ToKeysetID, time.Unix(t.CreatedAt, 0).Format(time.DateTime))
	}
	return nil
}

var resumeCmd = &cli.Command{
	Name:      "resume",
	Usage:     "Retry minting the ecash of an unfinished transfer",
	ArgsUsage: "[TRANSFER ID]",
	Action:    resume,
}

func resume(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a transfer id"))
	}

	amount, err := nutw.ResumeTransfer(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats transferred\n", amount)
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	if nutw != nil {
		nutw.Close()
	}
	os.Exit(1)
}
