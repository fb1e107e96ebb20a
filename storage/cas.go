// Package storage defines the content-addressed block store that holds
// ledger checkpoints and exported audit bundles.
package storage

import "github.com/ipfs/go-cid"

// CAS is a minimal content-addressable storage interface.
//
// Contract:
// - Put MUST be idempotent.
// - Stored blocks MUST be immutable.
// - CIDs MUST be the raw sha2-256 CIDv1 of the bytes written.
// - Get MUST return ErrNotFound when the CID is absent, and MUST verify the
//   bytes it returns against the requested CID.
type CAS interface {
	Put(bytes []byte) (cid.Cid, error)
	Get(id cid.Cid) ([]byte, error)
	Has(id cid.Cid) bool
}
