// Package receipt holds the warehouse business content of a custody receipt
// and the derivations the ledger relies on: the payload content hash and the
// receipt identity.
//
// The ledger and the protocol engine treat the payload as opaque bytes. Only
// ContentHash and DeriveID are part of the ledger contract.
package receipt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bverify.dev/custody/cidutil"
)

const idTag = "bverify-receipt-id-v1"

// Content is the business data a warehouse records on a receipt.
type Content struct {
	Category  string  `json:"category"`
	Date      string  `json:"date"`
	Weight    float64 `json:"weight"`
	Volume    float64 `json:"volume"`
	Humidity  float64 `json:"humidity"`
	Price     float64 `json:"price"`
	Insurance string  `json:"insurance"`
	Details   string  `json:"details"`
}

// Validate checks the fields a warehouse must always fill in.
func (c Content) Validate() error {
	if strings.TrimSpace(c.Category) == "" {
		return errors.New("receipt: category is required")
	}
	if strings.TrimSpace(c.Date) == "" {
		return errors.New("receipt: date is required")
	}
	measures := []struct {
		name string
		v    float64
	}{{"weight", c.Weight}, {"volume", c.Volume}, {"humidity", c.Humidity}, {"price", c.Price}}
	for _, m := range measures {
		if m.v < 0 {
			return fmt.Errorf("receipt: %s must not be negative", m.name)
		}
	}
	return nil
}

// Canonical returns the canonical payload bytes for c.
//
// Field order is fixed by the struct declaration and there is no
// insignificant whitespace, so equal content always yields equal bytes.
func (c Content) Canonical() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// ParseContent decodes canonical payload bytes. Non-canonical input is rejected.
func ParseContent(payload []byte) (Content, error) {
	var c Content
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Content{}, fmt.Errorf("receipt: decode content: %w", err)
	}
	canon, err := c.Canonical()
	if err != nil {
		return Content{}, err
	}
	if !bytes.Equal(canon, payload) {
		return Content{}, errors.New("receipt: content is not canonical")
	}
	return c, nil
}

// ContentHash is the stable hash of an opaque payload.
func ContentHash(payload []byte) string {
	return cidutil.CIDv1RawSHA256(payload)
}

// DeriveID derives a receipt identity from its issuer, holder, content hash
// and the feed position of the issue statement that created it.
func DeriveID(issuer, holder, contentHash string, position uint64) string {
	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], position)
	return cidutil.Tagged(idTag, []byte(issuer), []byte(holder), []byte(contentHash), pos[:])
}
