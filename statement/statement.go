// Package statement encodes the receipt lifecycle events that travel inside
// commitment statements.
//
// Encode is the only producer of statement payloads; Decode is the mandatory
// choke point for consuming them. Decode rejects anything Encode would not
// have produced byte-for-byte, so two honest parties always agree on whether a
// statement is well formed.
package statement

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"bverify.dev/custody/cidutil"
	"bverify.dev/custody/model"
)

// Version is the current event schema version.
const Version = 1

// ErrMalformed is wrapped by every Decode/Encode failure.
var ErrMalformed = errors.New("statement: malformed")

type Kind string

const (
	KindIssue  Kind = "issue"
	KindRedeem Kind = "redeem"
)

// Event is a decoded statement payload.
type Event struct {
	Version     int    `json:"v"`
	Kind        Kind   `json:"kind"`
	Proposal    string `json:"proposal"`
	Issuer      string `json:"issuer,omitempty"`
	Holder      string `json:"holder,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	Receipt     string `json:"receipt,omitempty"`
	Requester   string `json:"requester,omitempty"`
}

// FromProposal builds the event a committed proposal turns into.
func FromProposal(p model.Proposal) (Event, error) {
	switch p.Kind {
	case model.ProposalIssue:
		return Event{
			Version:     Version,
			Kind:        KindIssue,
			Proposal:    p.ID,
			Issuer:      p.Issuer,
			Holder:      p.Holder,
			ContentHash: p.ContentHash,
			Payload:     p.Payload,
		}, nil
	case model.ProposalRedeem:
		return Event{
			Version:   Version,
			Kind:      KindRedeem,
			Proposal:  p.ID,
			Receipt:   p.Receipt,
			Requester: p.Initiator,
		}, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown proposal kind %q", ErrMalformed, p.Kind)
	}
}

// Validate checks structural rules for e.
func (e Event) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformed, e.Version)
	}
	if e.Proposal == "" {
		return fmt.Errorf("%w: missing proposal id", ErrMalformed)
	}
	switch e.Kind {
	case KindIssue:
		if e.Issuer == "" || e.Holder == "" {
			return fmt.Errorf("%w: issue requires issuer and holder", ErrMalformed)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: issue requires a payload", ErrMalformed)
		}
		if !cidutil.Matches(e.Payload, e.ContentHash) {
			return fmt.Errorf("%w: content hash does not match payload", ErrMalformed)
		}
		if e.Receipt != "" || e.Requester != "" {
			return fmt.Errorf("%w: issue carries redeem fields", ErrMalformed)
		}
	case KindRedeem:
		if e.Receipt == "" || e.Requester == "" {
			return fmt.Errorf("%w: redeem requires receipt and requester", ErrMalformed)
		}
		if e.Issuer != "" || e.Holder != "" || e.ContentHash != "" || len(e.Payload) != 0 {
			return fmt.Errorf("%w: redeem carries issue fields", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return nil
}

// Encode renders e as canonical payload bytes.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a statement payload.
func Decode(payload []byte) (Event, error) {
	if len(payload) == 0 {
		return Event{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var e Event
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Event{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	canon, err := Encode(e)
	if err != nil {
		return Event{}, err
	}
	if !bytes.Equal(canon, payload) {
		return Event{}, fmt.Errorf("%w: non-canonical encoding", ErrMalformed)
	}
	return e, nil
}

// NewIssue builds an issue event, deriving the content hash from payload.
func NewIssue(proposal, issuer, holder string, payload []byte) Event {
	return Event{
		Version:     Version,
		Kind:        KindIssue,
		Proposal:    proposal,
		Issuer:      issuer,
		Holder:      holder,
		ContentHash: cidutil.CIDv1RawSHA256(payload),
		Payload:     payload,
	}
}

func NewRedeem(proposal, receiptID, requester string) Event {
	return Event{Version: Version, Kind: KindRedeem, Proposal: proposal, Receipt: receiptID, Requester: requester}
}
