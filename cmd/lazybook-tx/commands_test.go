package main

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
	"github.com/uhyunpark/lazybook/pkg/crypto"
)

func TestCreateSignsVerifiableTx(t *testing.T) {
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"create",
		"--key", signer.PrivateKeyHex(),
		"--nonce", "7",
		"--chain-id", "99",
		"--token-in", "0x0000000000000000000000000000000000000de0",
		"--token-out", "0x000000000000000000000000000000000000ba5e",
		"--start-price", "1000000000000000000",
		"--slope", "-5",
		"--amount", "250",
		"--buy",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() = %v", err)
	}

	tx, err := transaction.ParseTransaction(out.Bytes())
	if err != nil {
		t.Fatalf("ParseTransaction() = %v", err)
	}
	domain := crypto.NewDomain(99, common.HexToAddress(verifyingContract))
	got, err := transaction.NewVerifier(domain).Verify(tx)
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if got != signer.Address() {
		t.Errorf("signer = %s, want %s", got.Hex(), signer.Address().Hex())
	}
	if tx.Create.Slope != "-5" || !tx.Create.IsBuy || tx.Create.Nonce != "7" {
		t.Errorf("payload = %+v", tx.Create)
	}
}
