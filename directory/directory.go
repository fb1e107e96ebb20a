// Package directory resolves account identifiers to their public identity.
//
// The directory is an external service from the ledger's point of view: the
// core only reads it. Static serves a YAML file, Redis reads a shared hash
// per account, and Cached puts a bounded-staleness LRU in front of either.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"bverify.dev/custody/model"
)

var ErrNotFound = errors.New("directory: account not found")

type Directory interface {
	Resolve(ctx context.Context, id string) (model.Account, error)
}

// Static is an immutable in-memory directory.
type Static struct {
	accounts map[string]model.Account
}

// NewStatic validates accounts and indexes them by ID.
func NewStatic(accounts ...model.Account) (*Static, error) {
	m := make(map[string]model.Account, len(accounts))
	for _, a := range accounts {
		if a.ID == "" {
			return nil, errors.New("directory: account id is required")
		}
		if !a.Role.Valid() {
			return nil, fmt.Errorf("directory: account %s has invalid role %q", a.ID, a.Role)
		}
		if _, dup := m[a.ID]; dup {
			return nil, fmt.Errorf("directory: duplicate account %s", a.ID)
		}
		m[a.ID] = a
	}
	return &Static{accounts: m}, nil
}

type file struct {
	Accounts []model.Account `yaml:"accounts"`
}

// LoadFile reads a YAML document of the form:
//
//	accounts:
//	  - id: wh-1
//	    name: North Silo
//	    role: warehouse
//	    public_key: ed25519:...
func LoadFile(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("directory: %s: %w", path, err)
	}
	return NewStatic(f.Accounts...)
}

func (s *Static) Resolve(ctx context.Context, id string) (model.Account, error) {
	if a, ok := s.accounts[id]; ok {
		return a, nil
	}
	return model.Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Accounts lists every account sorted by ID.
func (s *Static) Accounts() []model.Account {
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
