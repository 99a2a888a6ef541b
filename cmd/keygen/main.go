package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"farm-ledger/internal/wallet"
)

func main() {
	keyPath := flag.String("key", "wallet.pem", "path of the ed25519 key file; created when missing")
	flag.Parse()

	_, statErr := os.Stat(*keyPath)

	acct, err := wallet.LoadOrCreateAccount(*keyPath)
	if err != nil {
		log.Fatalf("Failed to load key: %v", err)
	}

	if os.IsNotExist(statErr) {
		log.Printf("Generated new key at %s", *keyPath)
	}
	fmt.Println(acct.Address())
}
