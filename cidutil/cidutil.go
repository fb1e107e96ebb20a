// Package cidutil derives the content identifiers used across the custody
// ledger: payload content hashes, receipt identities and checkpoint blocks.
//
// Every identifier is a CIDv1 with the "raw" multicodec and a sha2-256
// multihash, rendered in the default base32 string form.
package cidutil

import (
	"encoding/binary"
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrInvalid is returned when a string does not decode to a raw sha2-256 CIDv1.
var ErrInvalid = errors.New("cidutil: invalid cid")

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	id, err := CIDv1RawSHA256CID(data)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1 length,
		// this should be unreachable.
		return ""
	}
	return id.String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Tagged hashes a domain tag and a list of fields.
//
// Each field is length-prefixed (uvarint) so that no two distinct field lists
// share an encoding. The tag keeps identities of different kinds disjoint.
func Tagged(tag string, fields ...[]byte) string {
	buf := make([]byte, 0, 64)
	buf = appendField(buf, []byte(tag))
	for _, f := range fields {
		buf = appendField(buf, f)
	}
	return CIDv1RawSHA256(buf)
}

func appendField(buf, f []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(f)))
	return append(buf, f...)
}

// Parse decodes s and checks that it is a raw sha2-256 CIDv1.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil || !id.Defined() {
		return cid.Undef, ErrInvalid
	}
	if id.Version() != 1 || id.Type() != cid.Raw {
		return cid.Undef, ErrInvalid
	}
	dec, err := multihash.Decode(id.Hash())
	if err != nil || dec.Code != multihash.SHA2_256 {
		return cid.Undef, ErrInvalid
	}
	return id, nil
}

// Valid reports whether s is a raw sha2-256 CIDv1 string.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Matches reports whether data hashes to the CID string want.
func Matches(data []byte, want string) bool {
	got := CIDv1RawSHA256(data)
	return got != "" && got == want
}
