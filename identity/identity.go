// Package identity gives a node a kyber Ed25519 key pair, a short node id
// derived from its public key, and Schnorr signatures over transport payloads.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"go.dedis.ch/kyber/v4/suites"
)

var (
	ErrBadPublicKey = errors.New("invalid public key")
	ErrBadSignature = errors.New("invalid signature")
)

var suite suites.Suite = suites.MustFind("Ed25519")

// Identity is a node key pair.
type Identity struct {
	secret kyber.Scalar
	public kyber.Point
	pub    []byte
	id     string
}

// Generate picks a fresh random key pair.
func Generate() (*Identity, error) {
	secret := suite.Scalar().Pick(suite.RandomStream())
	public := suite.Point().Mul(secret, nil)
	pub, err := public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}
	return &Identity{
		secret: secret,
		public: public,
		pub:    pub,
		id:     IDFromPublicKey(pub),
	}, nil
}

// ID returns the node id: the hex form of the first 8 bytes of SHA-256 over
// the public key.
func (i *Identity) ID() string {
	return i.id
}

// PublicKey returns the marshalled public key.
func (i *Identity) PublicKey() []byte {
	return append([]byte(nil), i.pub...)
}

func (i *Identity) Sign(msg []byte) ([]byte, error) {
	return schnorr.Sign(suite, i.secret, msg)
}

// IDFromPublicKey derives the node id of a marshalled public key.
func IDFromPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Verify checks sig over msg against the marshalled public key pub.
func Verify(pub, msg, sig []byte) error {
	public := suite.Point()
	if err := public.UnmarshalBinary(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if err := schnorr.Verify(suite, public, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// VerifyFrom is Verify that also requires pub to belong to the node id.
func VerifyFrom(id string, pub, msg, sig []byte) error {
	if IDFromPublicKey(pub) != id {
		return fmt.Errorf("%w: key does not belong to node %s", ErrBadPublicKey, id)
	}
	return Verify(pub, msg, sig)
}
