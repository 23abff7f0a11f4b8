package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/crypto"
)

type TxType string

const (
	TxTypeCreate TxType = "create"
	TxTypeMatch  TxType = "match"
	TxTypeCancel TxType = "cancel"
)

var ErrMalformed = errors.New("malformed transaction")

// SignedTransaction is the wire form of every book operation.
//
//	{
//	  "type": "create",
//	  "create": {
//	    "tokenIn": "0x…", "tokenOut": "0x…",
//	    "startPrice": "1000000000000000000", "slope": "-1000000000000000",
//	    "amount": "200000000000000000000", "isBuy": true,
//	    "nonce": "7", "owner": "0x…"
//	  },
//	  "signature": "0x…"
//	}
type SignedTransaction struct {
	Type      TxType         `json:"type"`
	Create    *CreatePayload `json:"create,omitempty"`
	Match     *MatchPayload  `json:"match,omitempty"`
	Cancel    *CancelPayload `json:"cancel,omitempty"`
	Signature string         `json:"signature"`
}

// Integers are decimal strings so wallets and JSON numbers never lose precision.
type CreatePayload struct {
	TokenIn    string `json:"tokenIn"`
	TokenOut   string `json:"tokenOut"`
	StartPrice string `json:"startPrice"`
	Slope      string `json:"slope"`
	Amount     string `json:"amount"`
	IsBuy      bool   `json:"isBuy"`
	Nonce      string `json:"nonce"`
	Owner      string `json:"owner"`
}

type MatchPayload struct {
	BuyID  string `json:"buyId"`
	SellID string `json:"sellId"`
	Nonce  string `json:"nonce"`
	Taker  string `json:"taker"`
}

type CancelPayload struct {
	OrderID string `json:"orderId"`
	Nonce   string `json:"nonce"`
	Owner   string `json:"owner"`
}

func parseUint256(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrMalformed, field, s, err)
	}
	return v, nil
}

func parseInt256(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrMalformed, field, s)
	}
	return v, nil
}

func parseID(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformed, field, s)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q", ErrMalformed, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseNonce(s string) (uint64, error) {
	return parseID("nonce", s)
}

// ToEIP712 converts the payload to its signed form.
func (p *CreatePayload) ToEIP712() (*crypto.CreateOrderEIP712, error) {
	tokenIn, err := parseAddress("tokenIn", p.TokenIn)
	if err != nil {
		return nil, err
	}
	tokenOut, err := parseAddress("tokenOut", p.TokenOut)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", p.Owner)
	if err != nil {
		return nil, err
	}
	startPrice, err := parseUint256("startPrice", p.StartPrice)
	if err != nil {
		return nil, err
	}
	slope, err := parseInt256("slope", p.Slope)
	if err != nil {
		return nil, err
	}
	amount, err := parseUint256("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := parseNonce(p.Nonce)
	if err != nil {
		return nil, err
	}
	return &crypto.CreateOrderEIP712{
		TokenIn:    tokenIn,
		TokenOut:   tokenOut,
		StartPrice: startPrice.ToBig(),
		Slope:      slope,
		Amount:     amount.ToBig(),
		IsBuy:      p.IsBuy,
		Nonce:      new(big.Int).SetUint64(nonce),
		Owner:      owner,
	}, nil
}

// Params converts the payload into book parameters.
func (p *CreatePayload) Params() (orderbook.OrderParams, error) {
	o, err := p.ToEIP712()
	if err != nil {
		return orderbook.OrderParams{}, err
	}
	startPrice, _ := uint256.FromBig(o.StartPrice)
	amount, _ := uint256.FromBig(o.Amount)
	return orderbook.OrderParams{
		TokenIn:    o.TokenIn,
		TokenOut:   o.TokenOut,
		StartPrice: startPrice,
		Slope:      o.Slope,
		Amount:     amount,
		IsBuy:      o.IsBuy,
	}, nil
}

func FromCreateEIP712(o *crypto.CreateOrderEIP712) *CreatePayload {
	return &CreatePayload{
		TokenIn:    o.TokenIn.Hex(),
		TokenOut:   o.TokenOut.Hex(),
		StartPrice: o.StartPrice.String(),
		Slope:      o.Slope.String(),
		Amount:     o.Amount.String(),
		IsBuy:      o.IsBuy,
		Nonce:      o.Nonce.String(),
		Owner:      o.Owner.Hex(),
	}
}

func (p *MatchPayload) ToEIP712() (*crypto.MatchOrdersEIP712, error) {
	buyID, err := parseID("buyId", p.BuyID)
	if err != nil {
		return nil, err
	}
	sellID, err := parseID("sellId", p.SellID)
	if err != nil {
		return nil, err
	}
	nonce, err := parseNonce(p.Nonce)
	if err != nil {
		return nil, err
	}
	taker, err := parseAddress("taker", p.Taker)
	if err != nil {
		return nil, err
	}
	return &crypto.MatchOrdersEIP712{BuyID: buyID, SellID: sellID, Nonce: new(big.Int).SetUint64(nonce), Taker: taker}, nil
}

func FromMatchEIP712(m *crypto.MatchOrdersEIP712) *MatchPayload {
	return &MatchPayload{
		BuyID:  strconv.FormatUint(m.BuyID, 10),
		SellID: strconv.FormatUint(m.SellID, 10),
		Nonce:  m.Nonce.String(),
		Taker:  m.Taker.Hex(),
	}
}

func (p *CancelPayload) ToEIP712() (*crypto.CancelOrderEIP712, error) {
	id, err := parseID("orderId", p.OrderID)
	if err != nil {
		return nil, err
	}
	nonce, err := parseNonce(p.Nonce)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", p.Owner)
	if err != nil {
		return nil, err
	}
	return &crypto.CancelOrderEIP712{OrderID: id, Nonce: new(big.Int).SetUint64(nonce), Owner: owner}, nil
}

func FromCancelEIP712(c *crypto.CancelOrderEIP712) *CancelPayload {
	return &CancelPayload{
		OrderID: strconv.FormatUint(c.OrderID, 10),
		Nonce:   c.Nonce.String(),
		Owner:   c.Owner.Hex(),
	}
}

// Nonce returns the payload nonce of a validated transaction.
func (tx *SignedTransaction) Nonce() (uint64, error) {
	switch tx.Type {
	case TxTypeCreate:
		return parseNonce(tx.Create.Nonce)
	case TxTypeMatch:
		return parseNonce(tx.Match.Nonce)
	case TxTypeCancel:
		return parseNonce(tx.Cancel.Nonce)
	}
	return 0, fmt.Errorf("%w: unknown type %q", ErrMalformed, tx.Type)
}

func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &tx, nil
}

// Validate checks structure only; signatures are checked by Verifier.
func (tx *SignedTransaction) Validate() error {
	if tx.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	var payloads int
	for _, set := range []bool{tx.Create != nil, tx.Match != nil, tx.Cancel != nil} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("%w: expected exactly one payload, got %d", ErrMalformed, payloads)
	}

	switch tx.Type {
	case TxTypeCreate:
		if tx.Create == nil {
			return fmt.Errorf("%w: create type requires create payload", ErrMalformed)
		}
	case TxTypeMatch:
		if tx.Match == nil {
			return fmt.Errorf("%w: match type requires match payload", ErrMalformed)
		}
	case TxTypeCancel:
		if tx.Cancel == nil {
			return fmt.Errorf("%w: cancel type requires cancel payload", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrMalformed, tx.Type)
	}
	return nil
}

// ParseTransaction decodes and structurally validates raw bytes.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Hash identifies raw transaction bytes.
func Hash(raw []byte) common.Hash {
	return ethcrypto.Keccak256Hash(raw)
}
