package keys

import (
	"strings"
	"testing"
)

func TestDeriveAccountSeedDeterministic(t *testing.T) {
	root := testSeed(0)

	a, err := DeriveAccountSeed(root, "warehouse-1")
	if err != nil {
		t.Fatalf("DeriveAccountSeed: %v", err)
	}
	b, _ := DeriveAccountSeed(root, "warehouse-1")
	if string(a) != string(b) {
		t.Fatalf("expected deterministic derivation")
	}
	c, _ := DeriveAccountSeed(root, "depositor-1")
	if string(a) == string(c) {
		t.Fatalf("expected different accounts to derive different seeds")
	}
	if _, err := DeriveAccountSeed(root[:5], "x"); err == nil {
		t.Fatalf("expected short root seed to fail")
	}
	if _, err := DeriveAccountSeed(root, "bad name"); err == nil {
		t.Fatalf("expected invalid account name to fail")
	}
}

func TestAddress(t *testing.T) {
	pk, err := PublicKeyFromSeed(testSeed(7))
	if err != nil {
		t.Fatalf("PublicKeyFromSeed: %v", err)
	}
	a := Address(pk)
	if !strings.HasPrefix(a, "bv") || len(a) != 42 {
		t.Fatalf("unexpected address %q", a)
	}
	if Address(pk) != a {
		t.Fatalf("address not stable")
	}
}
