package model

import (
	"encoding/json"
	"time"
)

// Role is the part an account plays in the custody protocol.
type Role string

const (
	RoleWarehouse   Role = "warehouse"
	RoleDepositor   Role = "depositor"
	RoleCoordinator Role = "coordinator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleWarehouse, RoleDepositor, RoleCoordinator:
		return true
	}
	return false
}

// Account is a named participant. Accounts are owned by the directory and
// never mutated by the core.
type Account struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Role Role   `json:"role" yaml:"role"`
	// PublicKey uses the "<alg>:<base64>" encoding, e.g. "ed25519:...".
	// Empty means the account does not sign proposals.
	PublicKey string `json:"publicKey,omitempty" yaml:"public_key,omitempty"`
}

// ReceiptState is the lifecycle position of a receipt.
//
// The ledger only ever records Issued and Redeemed. Proposed and
// RedemptionProposed exist in the protocol engine's pending layer.
type ReceiptState string

const (
	StateProposed           ReceiptState = "Proposed"
	StateIssued             ReceiptState = "Issued"
	StateRedemptionProposed ReceiptState = "RedemptionProposed"
	StateRedeemed           ReceiptState = "Redeemed"
)

// Terminal reports whether no further transition is possible.
func (s ReceiptState) Terminal() bool { return s == StateRedeemed }

// Receipt is a custody record.
type Receipt struct {
	ID          string       `json:"id"`
	Issuer      string       `json:"issuer"`
	Holder      string       `json:"holder"`
	ContentHash string       `json:"contentHash"`
	Payload     []byte       `json:"payload"`
	State       ReceiptState `json:"state"`

	// IssueProposal and IssuedAt record the committed issue statement.
	IssueProposal string `json:"issueProposal"`
	IssuedAt      uint64 `json:"issuedAt"`

	// RedeemProposal and RedeemedAt are set once State is Redeemed.
	RedeemProposal string `json:"redeemProposal,omitempty"`
	RedeemedAt     uint64 `json:"redeemedAt,omitempty"`
}

// Statement is one entry of the external commitment feed.
type Statement struct {
	Position uint64 `json:"position"`
	Payload  []byte `json:"payload"`
}

// ProposalKind distinguishes issue from redeem proposals.
type ProposalKind string

const (
	ProposalIssue  ProposalKind = "issue"
	ProposalRedeem ProposalKind = "redeem"
)

func (k ProposalKind) Valid() bool { return k == ProposalIssue || k == ProposalRedeem }

// Proposal is a not-yet-committed request to issue or redeem a receipt.
//
// For issue proposals Receipt is empty; Issuer, Holder, ContentHash and
// Payload describe the receipt to create. For redeem proposals Receipt names
// the target and the other content fields are empty.
type Proposal struct {
	ID          string       `json:"id"`
	Kind        ProposalKind `json:"kind"`
	Initiator   string       `json:"initiator"`
	Issuer      string       `json:"issuer,omitempty"`
	Holder      string       `json:"holder,omitempty"`
	ContentHash string       `json:"contentHash,omitempty"`
	Payload     []byte       `json:"payload,omitempty"`
	Receipt     string       `json:"receipt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	Signature   string       `json:"signature,omitempty"`
}

// SigningBytes returns the bytes covered by the initiator's signature: the
// JSON encoding of the proposal with Signature cleared. encoding/json emits
// struct fields in declaration order, so the result is stable.
func (p Proposal) SigningBytes() ([]byte, error) {
	p.Signature = ""
	p.CreatedAt = p.CreatedAt.UTC()
	return json.Marshal(p)
}

// RejectReason is a stable, machine-readable rejection cause.
type RejectReason string

const (
	RejectInvalidState   RejectReason = "InvalidState"
	RejectNotFound       RejectReason = "NotFound"
	RejectUnknownAccount RejectReason = "UnknownAccount"
	RejectDuplicateIssue RejectReason = "DuplicateIssue"
	RejectInvalidRedeem  RejectReason = "InvalidRedeem"
	RejectBadSignature   RejectReason = "BadSignature"
	RejectNotParty       RejectReason = "NotParty"
	RejectMalformed      RejectReason = "Malformed"
	// RejectCommitFailed means the proposal was valid but the commitment log
	// did not take it. The initiator may resend.
	RejectCommitFailed RejectReason = "CommitFailed"
)

// Verdict is the answer to an inbound proposal.
type Verdict struct {
	ProposalID string       `json:"proposalId"`
	Accepted   bool         `json:"accepted"`
	Reason     RejectReason `json:"reason,omitempty"`
	Detail     string       `json:"detail,omitempty"`
}

func Accept(id string) Verdict { return Verdict{ProposalID: id, Accepted: true} }

func Reject(id string, reason RejectReason, detail string) Verdict {
	return Verdict{ProposalID: id, Reason: reason, Detail: detail}
}
