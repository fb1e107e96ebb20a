package keys

import (
	"testing"
)

func TestKeyStore_CreateSignerList(t *testing.T) {
	ks, err := OpenKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenKeyStore: %v", err)
	}
	pub, err := ks.Create("wh", testSeed(3), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ks.Create("wh", testSeed(4), false); err == nil {
		t.Fatalf("expected Create to refuse overwrite")
	}
	if _, err := ks.Create("dep", nil, false); err != nil {
		t.Fatalf("Create random: %v", err)
	}

	s, err := ks.Signer("wh")
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	if s.PublicKey() != pub {
		t.Fatalf("public key mismatch: %s vs %s", s.PublicKey(), pub)
	}

	list, err := ks.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Account != "dep" || list[1].Account != "wh" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestParseSeedHex(t *testing.T) {
	if _, err := ParseSeedHex("0x" + "00"); err == nil {
		t.Fatalf("expected short seed to fail")
	}
	seed, err := ParseSeedHex(" 0x" + "0102030405060708091011121314151617181920212223242526272829303132\n")
	if err != nil {
		t.Fatalf("ParseSeedHex: %v", err)
	}
	if seed[0] != 1 || seed[31] != 0x32 {
		t.Fatalf("unexpected seed bytes")
	}
}
