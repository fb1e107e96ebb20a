package protocol

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bverify.dev/custody/keys"
	"bverify.dev/custody/model"
	"bverify.dev/custody/statement"
	"bverify.dev/custody/transport"
)

// SubmitProposal validates a counterpart's proposal against the local ledger
// and, when it holds, commits the resulting statement and approves it.
//
// Operations on the same receipt are serialised. A proposal id that was
// already accepted is acknowledged again without a second commit; one whose
// statement already folded is rejected the way the ledger would reject it.
func (e *Engine) SubmitProposal(ctx context.Context, from string, p model.Proposal) model.Verdict {
	log := e.log.With(zap.String("proposal_id", p.ID), zap.String("kind", string(p.Kind)), zap.String("from", from))

	if !e.isReady() {
		return model.Reject(p.ID, model.RejectInvalidState, "ledger is still replaying")
	}
	if p.ID == "" || !p.Kind.Valid() {
		return model.Reject(p.ID, model.RejectMalformed, "missing id or unknown kind")
	}
	if p.Initiator != from {
		return model.Reject(p.ID, model.RejectNotParty, fmt.Sprintf("sender %s is not the initiator %s", from, p.Initiator))
	}
	ev, err := statement.FromProposal(p)
	if err != nil {
		return model.Reject(p.ID, model.RejectMalformed, err.Error())
	}
	payload, err := statement.Encode(ev)
	if err != nil {
		return model.Reject(p.ID, model.RejectMalformed, err.Error())
	}

	key := p.ID
	if p.Kind == model.ProposalRedeem {
		key = p.Receipt
	}
	unlock := e.locks.Lock(key)
	defer unlock()

	if rid, ok := e.ledger.CommittedProposal(p.ID); ok {
		if p.Kind == model.ProposalIssue {
			return model.Reject(p.ID, model.RejectDuplicateIssue, fmt.Sprintf("already committed as receipt %s", rid))
		}
		return model.Reject(p.ID, model.RejectInvalidRedeem, fmt.Sprintf("receipt %s already redeemed by this proposal", rid))
	}
	e.mu.Lock()
	existing, seen := e.pending[p.ID]
	e.mu.Unlock()
	if seen {
		if existing.inbound && existing.proposal.Initiator == from {
			log.Debug("proposal re-acknowledged")
			return model.Accept(p.ID)
		}
		return model.Reject(p.ID, model.RejectMalformed, "proposal id collides with a local proposal")
	}

	acct, err := e.resolve(ctx, p.Initiator)
	if err != nil {
		return rejectErr(p.ID, err)
	}
	if v, ok := e.verify(ctx, acct, p); !ok {
		log.Warn("proposal signature rejected", zap.String("detail", v.Detail))
		return v
	}

	var reserves string
	switch p.Kind {
	case model.ProposalIssue:
		if p.Issuer != p.Initiator {
			return model.Reject(p.ID, model.RejectNotParty, "only the issuer may propose an issue")
		}
		if _, err := e.resolve(ctx, p.Holder); err != nil {
			return rejectErr(p.ID, err)
		}
		e.mu.Lock()
		e.trackLocked(p, "", true)
		e.mu.Unlock()
	case model.ProposalRedeem:
		e.mu.Lock()
		if err := e.redeemableLocked(p.Receipt, p.Initiator); err != nil {
			e.mu.Unlock()
			log.Info("redeem rejected", zap.String("receipt_id", p.Receipt), zap.Error(err))
			return rejectErr(p.ID, err)
		}
		reserves = p.Receipt
		e.trackLocked(p, reserves, true)
		e.mu.Unlock()
	}

	cctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	err = e.committer.Commit(cctx, payload)
	cancel()
	if err != nil {
		e.drop(p.ID)
		log.Warn("commit failed", zap.Error(err))
		return model.Reject(p.ID, model.RejectCommitFailed, err.Error())
	}
	log.Info("proposal accepted and committed", zap.String("receipt_id", reserves))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.approve(p.Initiator, p.ID, log)
	}()
	return model.Accept(p.ID)
}

// approve tells the initiator its proposal was committed. It is advisory, so
// failures are only logged.
func (e *Engine) approve(peer, id string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout*2)
	defer cancel()
	if err := e.tr.Send(ctx, peer, transport.NewApproval(e.self, id)); err != nil {
		log.Warn("approval not delivered", zap.Error(err))
	}
}

// SubmitApproval marks a local proposal as acknowledged by the counterpart.
// It never changes the ledger and accepts unknown ids.
func (e *Engine) SubmitApproval(ctx context.Context, from, proposalID string) {
	e.mu.Lock()
	p, ok := e.pending[proposalID]
	if ok && !p.inbound && from == e.counterpart {
		p.remoteAcknowledged = true
	}
	e.mu.Unlock()
	e.log.Debug("approval received",
		zap.String("proposal_id", proposalID),
		zap.String("from", from),
		zap.Bool("known", ok))
}

// verify checks p's signature against the initiator's public identity. A
// failure against a cached identity is retried once against a fresh one.
func (e *Engine) verify(ctx context.Context, acct model.Account, p model.Proposal) (model.Verdict, bool) {
	if acct.PublicKey == "" {
		if e.requireSig {
			return model.Reject(p.ID, model.RejectBadSignature, fmt.Sprintf("account %s has no public key", acct.ID)), false
		}
		return model.Verdict{}, true
	}
	if p.Signature == "" {
		return model.Reject(p.ID, model.RejectBadSignature, "proposal is not signed"), false
	}
	msg, err := p.SigningBytes()
	if err != nil {
		return model.Reject(p.ID, model.RejectMalformed, err.Error()), false
	}
	err = keys.Verify(acct.PublicKey, msg, p.Signature)
	if err == nil {
		return model.Verdict{}, true
	}
	if rv, ok := e.dir.(revalidator); ok {
		fresh, rerr := rv.Revalidate(ctx, acct.ID)
		if rerr == nil && fresh.PublicKey != acct.PublicKey && keys.Verify(fresh.PublicKey, msg, p.Signature) == nil {
			return model.Verdict{}, true
		}
	}
	return model.Reject(p.ID, model.RejectBadSignature, err.Error()), false
}

func rejectErr(id string, err error) model.Verdict {
	var pe *Error
	if errors.As(err, &pe) {
		return model.Reject(id, reasonFor(err), pe.Message)
	}
	return model.Reject(id, model.RejectUnknownAccount, err.Error())
}
