package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
	"github.com/uhyunpark/lazybook/pkg/crypto"
)

var (
	keyHex            string
	chainID           uint64
	verifyingContract string
	submitURL         string
	nonce             uint64
)

var rootCmd = &cobra.Command{
	Use:          "lazybook-tx",
	Short:        "Sign lazybook transactions",
	SilenceUsage: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new secp256k1 key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "address:     %s\n", signer.Address().Hex())
		fmt.Fprintf(out, "private key: %s\n", signer.PrivateKeyHex())
		return nil
	},
}

var (
	tokenIn, tokenOut  string
	startPrice, amount string
	slope              string
	isBuy              bool
	buyID, sellID, oid uint64
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Sign an order creation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := loadKey()
		if err != nil {
			return err
		}
		p := orderbook.OrderParams{IsBuy: isBuy}
		if p.TokenIn, err = parseAddress("token-in", tokenIn); err != nil {
			return err
		}
		if p.TokenOut, err = parseAddress("token-out", tokenOut); err != nil {
			return err
		}
		if p.StartPrice, err = uint256.FromDecimal(startPrice); err != nil {
			return fmt.Errorf("invalid --start-price: %w", err)
		}
		if p.Amount, err = uint256.FromDecimal(amount); err != nil {
			return fmt.Errorf("invalid --amount: %w", err)
		}
		var ok bool
		if p.Slope, ok = new(big.Int).SetString(slope, 10); !ok {
			return fmt.Errorf("invalid --slope %q", slope)
		}
		return signAndEmit(cmd, signer, transaction.NewCreate(signer.Address(), p, nonce))
	},
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Sign a match of a buy order against a sell order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := loadKey()
		if err != nil {
			return err
		}
		return signAndEmit(cmd, signer, transaction.NewMatch(signer.Address(), buyID, sellID, nonce))
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Sign an order cancellation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := loadKey()
		if err != nil {
			return err
		}
		return signAndEmit(cmd, signer, transaction.NewCancel(signer.Address(), oid, nonce))
	},
}

func init() {
	for _, c := range []*cobra.Command{createCmd, matchCmd, cancelCmd} {
		c.Flags().StringVar(&keyHex, "key", "", "hex private key of the signer")
		c.Flags().Uint64Var(&nonce, "nonce", 0, "signer nonce, above the last one used")
		c.Flags().Uint64Var(&chainID, "chain-id", 1337, "EIP-712 chain id")
		c.Flags().StringVar(&verifyingContract, "verifying-contract", "0x00000000000000000000000000000000000b00c5", "EIP-712 verifying contract (the node's custody address)")
		c.Flags().StringVar(&submitURL, "submit", "", "node API base URL, e.g. http://localhost:8080")
		_ = c.MarkFlagRequired("key")
		_ = c.MarkFlagRequired("nonce")
	}

	createCmd.Flags().StringVar(&tokenIn, "token-in", "", "token escrowed by the order")
	createCmd.Flags().StringVar(&tokenOut, "token-out", "", "token received by the order")
	createCmd.Flags().StringVar(&startPrice, "start-price", "", "price at creation, scaled by 1e18")
	createCmd.Flags().StringVar(&slope, "slope", "0", "price change per second, scaled by 1e18, may be negative")
	createCmd.Flags().StringVar(&amount, "amount", "", "escrowed amount of token-in")
	createCmd.Flags().BoolVar(&isBuy, "buy", false, "create a buy order (escrows quote)")
	for _, f := range []string{"token-in", "token-out", "start-price", "amount"} {
		_ = createCmd.MarkFlagRequired(f)
	}

	matchCmd.Flags().Uint64Var(&buyID, "buy-id", 0, "buy order id")
	matchCmd.Flags().Uint64Var(&sellID, "sell-id", 0, "sell order id")
	_ = matchCmd.MarkFlagRequired("buy-id")
	_ = matchCmd.MarkFlagRequired("sell-id")

	cancelCmd.Flags().Uint64Var(&oid, "order-id", 0, "order to cancel")
	_ = cancelCmd.MarkFlagRequired("order-id")

	rootCmd.AddCommand(keygenCmd, createCmd, matchCmd, cancelCmd)
}

func loadKey() (*crypto.Signer, error) {
	return crypto.FromPrivateKeyHex(keyHex)
}

func parseAddress(flag, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid --%s %q", flag, s)
	}
	return common.HexToAddress(s), nil
}

func signAndEmit(cmd *cobra.Command, signer *crypto.Signer, tx *transaction.SignedTransaction) error {
	domain := crypto.NewDomain(chainID, common.HexToAddress(verifyingContract))
	if err := transaction.NewVerifier(domain).Sign(signer, tx); err != nil {
		return err
	}
	raw, err := tx.Serialize()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if submitURL == "" {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(out, pretty.String())
		return nil
	}
	resp, err := submit(submitURL, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, resp)
	return nil
}

func submit(base string, raw []byte) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimRight(base, "/")+"/api/v1/tx", "application/json", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("submit: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}
