package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cardex-io/cardex/pkg/crypto"
)

// commit-bid computes a sealed-bid commitment for an auction. Run it
// locally, submit the printed commitment, then reveal the amount and
// nonce after the auction ends.
func main() {
	var (
		keyHex   = flag.String("key", "", "bidder private key hex (generated if empty)")
		cardID   = flag.Uint64("card", 0, "card id under auction")
		amount   = flag.Int64("amount", 0, "bid amount in minor units (cents)")
		nonceHex = flag.String("nonce", "", "32-byte nonce hex (generated if empty)")
	)
	flag.Parse()

	if *cardID == 0 || *amount <= 0 {
		fmt.Fprintln(os.Stderr, "usage: commit-bid -card <id> -amount <cents> [-key <hex>] [-nonce <hex>]")
		os.Exit(1)
	}

	var signer *crypto.Signer
	var err error
	if *keyHex == "" {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	}

	var nonce crypto.Nonce
	if *nonceHex == "" {
		nonce, err = crypto.RandomNonce()
	} else {
		nonce, err = crypto.ParseNonce(*nonceHex)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	commitment := crypto.ComputeCommitment(signer.Address(), *cardID, *amount, nonce)

	fmt.Printf("\nBidder:     %s\n", signer.Address().Hex())
	fmt.Printf("Card:       %d\n", *cardID)
	fmt.Printf("Amount:     %d\n", *amount)
	fmt.Printf("Nonce:      %s (KEEP UNTIL REVEAL!)\n", nonce.Hex())
	fmt.Printf("Commitment: %s\n", commitment.Hex())
}
