// Package leveldb stores CAS blocks in a goleveldb database keyed by the
// binary CID.
package leveldb

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"bverify.dev/custody/cidutil"
	"bverify.dev/custody/storage"
	"bverify.dev/custody/storage/casregistry"
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "leveldb",
		Description: "goleveldb database",
		Open: func(dir string) (storage.CAS, func() error, error) {
			cas, err := Open(dir)
			if err != nil {
				return nil, nil, err
			}
			return cas, cas.Close, nil
		},
	})
}

type CAS struct {
	db *leveldb.DB
	// mu serialises the check-then-write in Put.
	mu sync.Mutex
}

var _ storage.CAS = (*CAS)(nil)

// Open opens (or creates) the database at dir.
func Open(dir string) (*CAS, error) {
	if dir == "" {
		return nil, errors.New("leveldb: directory is required")
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &CAS{db: db}, nil
}

func (c *CAS) Close() error { return c.db.Close() }

func (c *CAS) Put(b []byte) (cid.Cid, error) {
	id, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return cid.Undef, err
	}
	key := id.Bytes()

	c.mu.Lock()
	defer c.mu.Unlock()
	existing, err := c.db.Get(key, nil)
	switch {
	case err == nil:
		if !bytes.Equal(existing, b) {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	case errors.Is(err, leveldb.ErrNotFound):
	case errors.Is(err, leveldb.ErrClosed):
		return cid.Undef, storage.ErrClosed
	default:
		return cid.Undef, err
	}
	if err := c.db.Put(key, b, &opt.WriteOptions{Sync: true}); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

func (c *CAS) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	b, err := c.db.Get(id.Bytes(), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, storage.ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return nil, storage.ErrClosed
	case err != nil:
		return nil, err
	}
	got, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, storage.ErrCIDMismatch
	}
	return b, nil
}

func (c *CAS) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	ok, err := c.db.Has(id.Bytes(), nil)
	return err == nil && ok
}
