package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyStore keeps one Ed25519 seed per account under Directory:
//
//	<dir>/<account>.key    hex seed, mode 0600
type KeyStore struct {
	Directory string
}

type KeyEntry struct {
	Account   string
	PublicKey string
}

func DefaultDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bverify", "keys"), nil
}

// OpenKeyStore uses DefaultDirectory when directory is empty.
func OpenKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		if directory, err = DefaultDirectory(); err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) path(account string) string {
	return filepath.Join(ks.Directory, account+".key")
}

// CheckKeyName accepts letters, digits, '-' and '_'.
func CheckKeyName(name string) error {
	if name == "" {
		return errors.New("key name cannot be empty")
	}
	for _, c := range name {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in key name", c)
	}
	return nil
}

func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimPrefix(strings.TrimSpace(seedHex), "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(data))
	}
	return data, nil
}

// Create stores seed for account. A nil seed generates a random one. It
// refuses to replace an existing key unless overwrite is set.
func (ks *KeyStore) Create(account string, seed []byte, overwrite bool) (publicKey string, err error) {
	if err := CheckKeyName(account); err != nil {
		return "", err
	}
	if seed == nil {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return "", err
		}
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("expected seed length of %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(ks.Directory, 0o700); err != nil {
		return "", err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(ks.path(account), flags, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return PublicKeyFromSeed(seed)
}

// Signer loads the signer for account.
func (ks *KeyStore) Signer(account string) (Signer, error) {
	if err := CheckKeyName(account); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ks.path(account))
	if err != nil {
		return nil, err
	}
	seed, err := ParseSeedHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("keys: %s: %w", account, err)
	}
	return NewEd25519Signer(seed)
}

func (ks *KeyStore) List() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []KeyEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".key") {
			continue
		}
		account := strings.TrimSuffix(name, ".key")
		s, err := ks.Signer(account)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyEntry{Account: account, PublicKey: s.PublicKey()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}
