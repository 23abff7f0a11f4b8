package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures across chains and deployments.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func DefaultDomain() EIP712Domain {
	return NewDomain(1337, common.Address{})
}

func NewDomain(chainID uint64, verifyingContract common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "LazyBook",
		Version:           "1",
		ChainID:           new(big.Int).SetUint64(chainID),
		VerifyingContract: verifyingContract,
	}
}

// CreateOrderEIP712 is what a wallet signs to place an order.
type CreateOrderEIP712 struct {
	TokenIn    common.Address
	TokenOut   common.Address
	StartPrice *big.Int
	Slope      *big.Int // int256
	Amount     *big.Int
	IsBuy      bool
	Nonce      *big.Int
	Owner      common.Address
}

// MatchOrdersEIP712 is signed by whoever asks for a pair to be settled.
type MatchOrdersEIP712 struct {
	BuyID  uint64
	SellID uint64
	Nonce  *big.Int
	Taker  common.Address
}

type CancelOrderEIP712 struct {
	OrderID uint64
	Nonce   *big.Int
	Owner   common.Address
}

const (
	PrimaryCreateOrder = "CreateOrder"
	PrimaryMatchOrders = "MatchOrders"
	PrimaryCancelOrder = "CancelOrder"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var messageTypes = map[string][]apitypes.Type{
	PrimaryCreateOrder: {
		{Name: "tokenIn", Type: "address"},
		{Name: "tokenOut", Type: "address"},
		{Name: "startPrice", Type: "uint256"},
		{Name: "slope", Type: "int256"},
		{Name: "amount", Type: "uint256"},
		{Name: "isBuy", Type: "bool"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
	PrimaryMatchOrders: {
		{Name: "buyId", Type: "uint256"},
		{Name: "sellId", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "taker", Type: "address"},
	},
	PrimaryCancelOrder: {
		{Name: "orderId", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
}

func (o *CreateOrderEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"tokenIn":    o.TokenIn.Hex(),
		"tokenOut":   o.TokenOut.Hex(),
		"startPrice": o.StartPrice.String(),
		"slope":      o.Slope.String(),
		"amount":     o.Amount.String(),
		"isBuy":      o.IsBuy,
		"nonce":      o.Nonce.String(),
		"owner":      o.Owner.Hex(),
	}
}

func (m *MatchOrdersEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"buyId":  strconv.FormatUint(m.BuyID, 10),
		"sellId": strconv.FormatUint(m.SellID, 10),
		"nonce":  m.Nonce.String(),
		"taker":  m.Taker.Hex(),
	}
}

func (c *CancelOrderEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"orderId": strconv.FormatUint(c.OrderID, 10),
		"nonce":   c.Nonce.String(),
		"owner":   c.Owner.Hex(),
	}
}

// EIP712Signer hashes the three transaction kinds under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedData(primary string, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        messageTypes[primary],
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

func (e *EIP712Signer) hash(primary string, msg apitypes.TypedDataMessage) ([]byte, error) {
	typedData := e.typedData(primary, msg)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", primary, err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := make([]byte, 0, 66)
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, typedDataHash...)
	return crypto.Keccak256(rawData), nil
}

func (e *EIP712Signer) HashCreateOrder(o *CreateOrderEIP712) ([]byte, error) {
	return e.hash(PrimaryCreateOrder, o.message())
}

func (e *EIP712Signer) HashMatchOrders(m *MatchOrdersEIP712) ([]byte, error) {
	return e.hash(PrimaryMatchOrders, m.message())
}

func (e *EIP712Signer) HashCancelOrder(c *CancelOrderEIP712) ([]byte, error) {
	return e.hash(PrimaryCancelOrder, c.message())
}

// SignDigest signs a digest produced by one of the Hash methods.
func (e *EIP712Signer) SignDigest(signer *Signer, digest []byte) ([]byte, error) {
	return signer.Sign(digest)
}

// TypedDataJSON renders the payload for eth_signTypedData_v4.
func (e *EIP712Signer) TypedDataJSON(v interface{}) (string, error) {
	var typedData apitypes.TypedData
	switch p := v.(type) {
	case *CreateOrderEIP712:
		typedData = e.typedData(PrimaryCreateOrder, p.message())
	case *MatchOrdersEIP712:
		typedData = e.typedData(PrimaryMatchOrders, p.message())
	case *CancelOrderEIP712:
		typedData = e.typedData(PrimaryCancelOrder, p.message())
	default:
		return "", fmt.Errorf("unsupported typed data %T", v)
	}
	out, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
