package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const deriveTag = "bverify-custody-account-v1"

// DeriveAccountSeed derives a per-account Ed25519 seed from a root seed, so
// one operator secret can back several ledger accounts.
func DeriveAccountSeed(rootSeed []byte, account string) ([]byte, error) {
	if len(rootSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", ed25519.SeedSize)
	}
	if err := CheckKeyName(account); err != nil {
		return nil, err
	}

	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(deriveTag))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("account:"))
	_, _ = h.Write([]byte(account))
	return h.Sum(nil)[:ed25519.SeedSize], nil
}

// PublicKeyFromSeed returns the "ed25519:<base64>" public key for seed.
func PublicKeyFromSeed(seed []byte) (string, error) {
	s, err := NewEd25519Signer(seed)
	if err != nil {
		return "", err
	}
	return s.PublicKey(), nil
}

// Address is a short stable identifier derived from a public key string.
func Address(publicKey string) string {
	sum := sha256.Sum256([]byte(publicKey))
	return "bv" + hex.EncodeToString(sum[:20])
}
