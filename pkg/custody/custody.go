// Package custody holds the signing key that pays for uploads. A wallet
// authorizes one unit at a time by signing the unit's ciphertext digest.
package custody

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	bsvhash "github.com/bsv-blockchain/go-sdk/primitives/hash"
	"github.com/mr-tron/base58/base58"

	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// AddressPrefix starts every wallet address.
const AddressPrefix = "arv1"

var (
	// ErrBadSignature means an authorization does not verify.
	ErrBadSignature = errors.New("custody: signature does not verify")
	// ErrOwnerMismatch means the public key does not belong to the claimed owner.
	ErrOwnerMismatch = errors.New("custody: public key does not match owner")
)

// Wallet is a secp256k1 signing key.
type Wallet struct {
	priv *ec.PrivateKey
}

// Generate creates a wallet with a fresh key.
func Generate() (*Wallet, error) {
	priv, err := ec.NewPrivateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindEntropy, "custody.Generate", "", err)
	}
	return &Wallet{priv: priv}, nil
}

// FromBytes restores a wallet from a 32 byte scalar.
func FromBytes(b []byte) (*Wallet, error) {
	if len(b) != 32 {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "custody.FromBytes", "", fmt.Errorf("private key must be 32 bytes, got %d", len(b)))
	}
	priv, _ := ec.PrivateKeyFromBytes(append([]byte(nil), b...))
	return &Wallet{priv: priv}, nil
}

// Address identifies the wallet owner.
func (w *Wallet) Address() string { return addressOf(w.priv.PubKey()) }

// PublicKeyHex is the compressed public key in hex.
func (w *Wallet) PublicKeyHex() string { return hex.EncodeToString(w.priv.PubKey().Compressed()) }

// Authorize signs the hex SHA-256 digest of a ciphertext blob.
func (w *Wallet) Authorize(digest string) (transport.Authorization, error) {
	msg, err := authMessage(digest)
	if err != nil {
		return transport.Authorization{}, err
	}
	sig, err := w.priv.Sign(msg)
	if err != nil {
		return transport.Authorization{}, xerrors.Wrap(xerrors.KindInternal, "custody.Authorize", "", err)
	}
	return transport.Authorization{
		Owner:     w.Address(),
		PublicKey: w.PublicKeyHex(),
		Signature: hex.EncodeToString(sig.Serialize()),
		Digest:    digest,
	}, nil
}

// Verify checks that auth was signed by the key behind auth.Owner.
func Verify(auth transport.Authorization) error {
	const op = "custody.Verify"
	msg, err := authMessage(auth.Digest)
	if err != nil {
		return err
	}
	rawPub, err := hex.DecodeString(auth.PublicKey)
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnauthorized, op, auth.Owner, err)
	}
	pub, err := ec.PublicKeyFromBytes(rawPub)
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnauthorized, op, auth.Owner, err)
	}
	if addressOf(pub) != auth.Owner {
		return xerrors.Wrap(xerrors.KindUnauthorized, op, auth.Owner, ErrOwnerMismatch)
	}
	rawSig, err := hex.DecodeString(auth.Signature)
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnauthorized, op, auth.Owner, err)
	}
	sig, err := ec.ParseDERSignature(rawSig)
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnauthorized, op, auth.Owner, err)
	}
	if !sig.Verify(msg, pub) {
		return xerrors.Wrap(xerrors.KindUnauthorized, op, auth.Owner, ErrBadSignature)
	}
	return nil
}

func addressOf(pub *ec.PublicKey) string {
	return AddressPrefix + base58.Encode(bsvhash.Hash160(pub.Compressed()))
}

// authMessage is the domain separated hash Authorize signs.
func authMessage(digest string) ([]byte, error) {
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != sha256.Size {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "custody.authMessage", digest,
			fmt.Errorf("digest must be %d hex bytes", sha256.Size))
	}
	sum := sha256.Sum256(append([]byte("arvault unit authorization\x00"), raw...))
	return sum[:], nil
}
