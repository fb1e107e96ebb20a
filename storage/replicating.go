package storage

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"bverify.dev/custody/cidutil"
)

// Named pairs a CAS with the backend name it was opened under.
type Named struct {
	Name string
	CAS  CAS
}

// Replicated mirrors every checkpoint block into all backends.
//
// Put succeeds only when every backend stored the block under the expected
// CID. Get and Has consult the backends in order, so the first backend is
// the primary read path.
type Replicated struct {
	Backends []Named
}

var _ CAS = Replicated{}

func (r Replicated) Put(b []byte) (cid.Cid, error) {
	if len(r.Backends) == 0 {
		return cid.Undef, errors.New("storage: no replicated backends")
	}
	want, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return cid.Undef, err
	}
	for _, n := range r.Backends {
		got, err := n.CAS.Put(b)
		if err != nil {
			return cid.Undef, fmt.Errorf("storage: %s: %w", n.Name, err)
		}
		if !got.Equals(want) {
			return cid.Undef, fmt.Errorf("storage: %s: %w", n.Name, ErrCIDMismatch)
		}
	}
	return want, nil
}

// Get returns the first copy found. A backend error other than ErrNotFound
// stops the search.
func (r Replicated) Get(id cid.Cid) ([]byte, error) {
	for _, n := range r.Backends {
		b, err := n.CAS.Get(id)
		switch {
		case err == nil:
			return b, nil
		case IsNotFound(err):
			continue
		default:
			return nil, fmt.Errorf("storage: %s: %w", n.Name, err)
		}
	}
	return nil, ErrNotFound
}

func (r Replicated) Has(id cid.Cid) bool {
	for _, n := range r.Backends {
		if n.CAS.Has(id) {
			return true
		}
	}
	return false
}

// Missing lists the backends that do not hold id.
func (r Replicated) Missing(id cid.Cid) []string {
	var out []string
	for _, n := range r.Backends {
		if !n.CAS.Has(id) {
			out = append(out, n.Name)
		}
	}
	return out
}
