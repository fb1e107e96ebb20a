// Package transport is the boundary between the protocol engine and whatever
// carries proposals between peers.
//
// Every Send may fail and may be delivered more than once; receivers must be
// idempotent. A Send returns nil only when the peer acknowledged the message.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bverify.dev/custody/model"
)

type Kind string

const (
	KindProposal Kind = "proposal"
	KindApproval Kind = "approval"
)

// Message is the envelope exchanged between peers. Body holds the JSON
// proposal for KindProposal and is empty for KindApproval.
type Message struct {
	Kind       Kind   `json:"kind"`
	From       string `json:"from"`
	ProposalID string `json:"proposal_id"`
	Body       []byte `json:"body,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

var ErrMalformed = errors.New("transport: malformed message")

// NewProposal wraps p for sending.
func NewProposal(from string, p model.Proposal) (Message, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindProposal, From: from, ProposalID: p.ID, Body: body, Signature: p.Signature}, nil
}

func NewApproval(from, proposalID string) Message {
	return Message{Kind: KindApproval, From: from, ProposalID: proposalID}
}

// Proposal decodes the proposal carried by m and checks it matches the envelope.
func (m Message) Proposal() (model.Proposal, error) {
	if m.Kind != KindProposal {
		return model.Proposal{}, fmt.Errorf("%w: kind %q carries no proposal", ErrMalformed, m.Kind)
	}
	var p model.Proposal
	dec := json.NewDecoder(bytes.NewReader(m.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return model.Proposal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.ID != m.ProposalID || p.Signature != m.Signature {
		return model.Proposal{}, fmt.Errorf("%w: envelope does not match body", ErrMalformed)
	}
	return p, nil
}

func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }

func Decode(b []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.From == "" || m.ProposalID == "" {
		return Message{}, fmt.Errorf("%w: missing sender or proposal id", ErrMalformed)
	}
	switch m.Kind {
	case KindProposal, KindApproval:
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	return m, nil
}

// Inbound is what a transport delivers to. Both methods must be safe to call
// concurrently and repeatedly with the same message.
type Inbound interface {
	SubmitProposal(ctx context.Context, from string, p model.Proposal) model.Verdict
	SubmitApproval(ctx context.Context, from, proposalID string)
}

// Sender is the outgoing side.
type Sender interface {
	Send(ctx context.Context, peer string, m Message) error
}

// Transport is a Sender that also routes inbound messages to a registered
// Inbound.
type Transport interface {
	Sender
	Register(in Inbound)
}

// Deliver hands m to in and converts the answer to the Send contract.
func Deliver(ctx context.Context, in Inbound, peer string, m Message) error {
	switch m.Kind {
	case KindProposal:
		p, err := m.Proposal()
		if err != nil {
			return Rejected(peer, model.RejectMalformed, err.Error())
		}
		v := in.SubmitProposal(ctx, m.From, p)
		if !v.Accepted {
			return Rejected(peer, v.Reason, v.Detail)
		}
		return nil
	case KindApproval:
		in.SubmitApproval(ctx, m.From, m.ProposalID)
		return nil
	default:
		return Rejected(peer, model.RejectMalformed, fmt.Sprintf("unknown kind %q", m.Kind))
	}
}
