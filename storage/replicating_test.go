package storage_test

import (
	"errors"
	"testing"

	"github.com/ipfs/go-cid"

	"bverify.dev/custody/storage"
	"bverify.dev/custody/storage/localfs"
	"bverify.dev/custody/storage/testkit"
)

func openPair(t *testing.T) (storage.Replicated, *localfs.CAS, *localfs.CAS) {
	t.Helper()
	a, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	b, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return storage.Replicated{Backends: []storage.Named{{Name: "a", CAS: a}, {Name: "b", CAS: b}}}, a, b
}

func TestReplicated_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		r, _, _ := openPair(t)
		return r
	})
}

func TestReplicated_WritesEveryBackend(t *testing.T) {
	r, a, b := openPair(t)
	id, err := r.Put([]byte("checkpoint"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !a.Has(id) || !b.Has(id) {
		t.Fatalf("block not replicated: missing %v", r.Missing(id))
	}
}

func TestReplicated_ReadsFallBack(t *testing.T) {
	r, a, b := openPair(t)
	id, err := b.Put([]byte("only in b"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if a.Has(id) {
		t.Fatalf("a should not hold the block")
	}
	got, err := r.Get(id)
	if err != nil || string(got) != "only in b" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if m := r.Missing(id); len(m) != 1 || m[0] != "a" {
		t.Fatalf("Missing = %v", m)
	}
}

// brokenCAS fails every read with a non-NotFound error.
type brokenCAS struct{ storage.CAS }

func (brokenCAS) Get(cid.Cid) ([]byte, error) { return nil, storage.ErrCIDMismatch }

func TestReplicated_BrokenPrimaryStopsRead(t *testing.T) {
	_, a, b := openPair(t)
	r := storage.Replicated{Backends: []storage.Named{{Name: "a", CAS: brokenCAS{a}}, {Name: "b", CAS: b}}}
	id, err := r.Put([]byte("block"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := r.Get(id); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("Get: got %v want ErrCIDMismatch", err)
	}
}

func TestReplicated_Empty(t *testing.T) {
	if _, err := (storage.Replicated{}).Put([]byte("x")); err == nil {
		t.Fatalf("expected error with no backends")
	}
}
