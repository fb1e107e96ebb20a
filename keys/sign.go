package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

var (
	ErrBadSignature   = errors.New("keys: signature invalid")
	ErrUnsupportedKey = errors.New("keys: unsupported public key")
)

// Signer produces signatures an account's counterparts can check against
// PublicKey.
type Signer interface {
	PublicKey() string
	Sign(message []byte) (string, error)
}

type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keys: ed25519 seed must be %d bytes", ed25519.SeedSize)
	}
	return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) PublicKey() string {
	return AlgEd25519 + ":" + base64.StdEncoding.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}

// Sign returns a base64 signature over sha256(message).
func (s *Ed25519Signer) Sign(message []byte) (string, error) {
	digest := sha256.Sum256(message)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest[:])), nil
}

type Dilithium3Signer struct {
	pub  *mode3.PublicKey
	priv *mode3.PrivateKey
}

// NewDilithium3Signer generates a fresh post-quantum keypair from rand.
func NewDilithium3Signer(rand io.Reader) (*Dilithium3Signer, error) {
	pub, priv, err := mode3.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &Dilithium3Signer{pub: pub, priv: priv}, nil
}

func (s *Dilithium3Signer) PublicKey() string {
	b, _ := s.pub.MarshalBinary()
	return AlgDilithium3 + ":" + base64.StdEncoding.EncodeToString(b)
}

// Sign returns a base64 dilithium3 signature over sha3-256(message).
func (s *Dilithium3Signer) Sign(message []byte) (string, error) {
	digest := sha3.Sum256(message)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, digest[:], sig)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks sig over message against an "<alg>:<base64>" public key.
func Verify(publicKey string, message []byte, sig string) error {
	alg, enc, ok := strings.Cut(publicKey, ":")
	if !ok {
		return fmt.Errorf("%w: missing algorithm prefix", ErrUnsupportedKey)
	}
	pub, err := decodeBase64(enc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	raw, err := decodeBase64(sig)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrBadSignature, err)
	}

	switch alg {
	case AlgEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 key length %d", ErrUnsupportedKey, len(pub))
		}
		if len(raw) != ed25519.SignatureSize {
			return fmt.Errorf("%w: ed25519 signature length %d", ErrBadSignature, len(raw))
		}
		digest := sha256.Sum256(message)
		if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], raw) {
			return ErrBadSignature
		}
		return nil
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		if len(raw) != mode3.SignatureSize {
			return fmt.Errorf("%w: dilithium3 signature length %d", ErrBadSignature, len(raw))
		}
		digest := sha3.Sum256(message)
		if !mode3.Verify(&pk, digest[:], raw) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKey, alg)
	}
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
