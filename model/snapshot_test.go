package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSnapshot_Receipt_JSONShape(t *testing.T) {
	r := Receipt{
		ID:            "bafk-receipt-1",
		Issuer:        "warehouse-1",
		Holder:        "depositor-1",
		ContentHash:   "bafk-content-1",
		Payload:       []byte("p"),
		State:         StateIssued,
		IssueProposal: "01HZX",
		IssuedAt:      4,
	}

	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		t.Fatalf("MarshalIndent failed: %v", err)
	}

	const want = "{\n" +
		"  \"id\": \"bafk-receipt-1\",\n" +
		"  \"issuer\": \"warehouse-1\",\n" +
		"  \"holder\": \"depositor-1\",\n" +
		"  \"contentHash\": \"bafk-content-1\",\n" +
		"  \"payload\": \"cA==\",\n" +
		"  \"state\": \"Issued\",\n" +
		"  \"issueProposal\": \"01HZX\",\n" +
		"  \"issuedAt\": 4\n" +
		"}"

	if string(b) != want {
		t.Fatalf("snapshot mismatch:\n%s", string(b))
	}
}

func TestProposal_SigningBytesIgnoresSignature(t *testing.T) {
	p := Proposal{
		ID:        "01HZX",
		Kind:      ProposalRedeem,
		Initiator: "warehouse-1",
		Receipt:   "bafk-receipt-1",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	a, err := p.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	p.Signature = "ed25519:sig"
	b, err := p.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("signature leaked into signing bytes")
	}
}

func TestRoleAndKindValidity(t *testing.T) {
	if !RoleWarehouse.Valid() || !RoleDepositor.Valid() || Role("auditor").Valid() {
		t.Fatalf("unexpected Role validity")
	}
	if !ProposalIssue.Valid() || ProposalKind("burn").Valid() {
		t.Fatalf("unexpected ProposalKind validity")
	}
	if !StateRedeemed.Terminal() || StateIssued.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}
