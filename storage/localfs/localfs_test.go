package localfs

import (
	"os"
	"testing"

	"bverify.dev/custody/storage"
	"bverify.dev/custody/storage/casregistry"
	"bverify.dev/custody/storage/testkit"
)

func TestLocalFS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		t.Helper()
		cas, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return cas
	})
}

func TestLocalFS_CorruptedBlockIsNotRepaired(t *testing.T) {
	cas, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	orig := []byte(`{"v":1,"applied":0,"receipts":[]}`)
	id, err := cas.Put(orig)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	path := cas.pathFor(id)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := cas.Get(id); err != storage.ErrCIDMismatch {
		t.Fatalf("Get after corruption: got %v want %v", err, storage.ErrCIDMismatch)
	}
	if _, err := cas.Put(orig); err != storage.ErrImmutable {
		t.Fatalf("Put after corruption: got %v want %v", err, storage.ErrImmutable)
	}
}

func TestLocalFS_Registered(t *testing.T) {
	cas, closeFn, err := casregistry.Open("localfs", t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer closeFn()
	if _, ok := cas.(*CAS); !ok {
		t.Fatalf("unexpected CAS type %T", cas)
	}
}
