package transaction

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/lazybook/pkg/crypto"
)

var ErrBadSignature = errors.New("signature does not match signer")

// Verifier authenticates signed transactions against one EIP-712 domain.
type Verifier struct {
	eip712 *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712: crypto.NewEIP712Signer(domain)}
}

// Digest returns the EIP-712 digest the signer must have signed, together
// with the address the payload claims as signer.
func (v *Verifier) Digest(tx *SignedTransaction) ([]byte, common.Address, error) {
	switch tx.Type {
	case TxTypeCreate:
		o, err := tx.Create.ToEIP712()
		if err != nil {
			return nil, common.Address{}, err
		}
		h, err := v.eip712.HashCreateOrder(o)
		return h, o.Owner, err
	case TxTypeMatch:
		m, err := tx.Match.ToEIP712()
		if err != nil {
			return nil, common.Address{}, err
		}
		h, err := v.eip712.HashMatchOrders(m)
		return h, m.Taker, err
	case TxTypeCancel:
		c, err := tx.Cancel.ToEIP712()
		if err != nil {
			return nil, common.Address{}, err
		}
		h, err := v.eip712.HashCancelOrder(c)
		return h, c.Owner, err
	}
	return nil, common.Address{}, fmt.Errorf("%w: unknown transaction type %q", ErrMalformed, tx.Type)
}

// Verify returns the authenticated signer. The claimed owner or taker must
// be the address recovered from the signature.
func (v *Verifier) Verify(tx *SignedTransaction) (common.Address, error) {
	digest, claimed, err := v.Digest(tx)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := crypto.DecodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	recovered, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if recovered != claimed {
		return common.Address{}, fmt.Errorf("%w: recovered %s, claimed %s", ErrBadSignature, recovered.Hex(), claimed.Hex())
	}
	return recovered, nil
}

// Sign fills in tx.Signature for the given key.
func (v *Verifier) Sign(signer *crypto.Signer, tx *SignedTransaction) error {
	digest, _, err := v.Digest(tx)
	if err != nil {
		return err
	}
	sig, err := v.eip712.SignDigest(signer, digest)
	if err != nil {
		return err
	}
	tx.Signature = crypto.EncodeSignature(sig)
	return nil
}
