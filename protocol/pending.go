package protocol

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"bverify.dev/custody/ledger"
	"bverify.dev/custody/model"
)

// pending is a proposal awaiting its commitment statement. Inbound entries
// are proposals this party accepted for its counterpart.
type pending struct {
	proposal           model.Proposal
	inbound            bool
	localApproved      bool
	remoteAcknowledged bool
	reserves           string
	deadline           time.Time
	handle             *Handle
}

// Pending is a read-only view of an in-flight proposal.
type Pending struct {
	Proposal           model.Proposal
	Inbound            bool
	LocalApproved      bool
	RemoteAcknowledged bool
	Deadline           time.Time
}

// Outcome is how a locally initiated proposal settled.
type Outcome struct {
	ProposalID string
	Kind       model.ProposalKind
	Receipt    string
	Position   uint64
	// Err is nil when the statement committed. Otherwise it wraps the ledger
	// rejection or ErrProposalTimedOut.
	Err error
}

func (o Outcome) Committed() bool { return o.Err == nil }

// Handle tracks one locally initiated proposal.
type Handle struct {
	ID   string
	Kind model.ProposalKind
	// Receipt is the target of a redeem. For an issue it is filled in once
	// the outcome is known.
	Receipt string

	done    chan struct{}
	outcome Outcome
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the proposal settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.outcome.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// trackLocked registers p. e.mu must be held.
func (e *Engine) trackLocked(p model.Proposal, reserves string, inbound bool) *Handle {
	entry := &pending{
		proposal:      p,
		inbound:       inbound,
		localApproved: !inbound,
		reserves:      reserves,
		deadline:      e.now().Add(e.timeout),
	}
	if !inbound {
		entry.handle = &Handle{ID: p.ID, Kind: p.Kind, Receipt: p.Receipt, done: make(chan struct{})}
	}
	e.pending[p.ID] = entry
	if reserves != "" {
		e.reserved[reserves] = p.ID
	}
	return entry.handle
}

// removeLocked forgets a proposal and releases its reservation.
func (e *Engine) removeLocked(id string) (*pending, bool) {
	p, ok := e.pending[id]
	if !ok {
		return nil, false
	}
	delete(e.pending, id)
	if p.reserves != "" && e.reserved[p.reserves] == id {
		delete(e.reserved, p.reserves)
	}
	return p, true
}

// drop forgets a proposal that never got past the send.
func (e *Engine) drop(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(id)
}

func (e *Engine) settle(p *pending, out Outcome) {
	if p.handle == nil {
		return
	}
	if p.handle.Receipt == "" {
		p.handle.Receipt = out.Receipt
	}
	p.handle.outcome = out
	close(p.handle.done)
	if e.onOutcome != nil {
		e.onOutcome(out)
	}
}

// Observe settles the proposal behind a folded statement. It is meant to be
// registered as a ledger.Follower observer.
func (e *Engine) Observe(a ledger.Applied) {
	if a.Proposal == "" {
		return
	}
	e.mu.Lock()
	p, ok := e.removeLocked(a.Proposal)
	e.mu.Unlock()
	if !ok {
		return
	}
	out := Outcome{ProposalID: a.Proposal, Kind: p.proposal.Kind, Receipt: a.Receipt, Position: a.Position, Err: a.Err}
	log := e.log.With(
		zap.String("proposal_id", a.Proposal),
		zap.String("kind", string(p.proposal.Kind)),
		zap.String("receipt_id", a.Receipt),
		zap.Uint64("position", a.Position))
	if a.Err != nil {
		log.Warn("proposal settled by rejected statement", zap.Error(a.Err))
	} else {
		log.Info("proposal committed", zap.Bool("remote_acknowledged", p.remoteAcknowledged))
	}
	e.settle(p, out)
}

// Run abandons proposals whose liveness window has passed until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	every := e.timeout / 4
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-t.C:
			e.reap(e.now())
		}
	}
}

// reap abandons expired proposals and returns how many it removed.
func (e *Engine) reap(now time.Time) int {
	var expired []*pending
	e.mu.Lock()
	for id, p := range e.pending {
		if now.Before(p.deadline) {
			continue
		}
		e.removeLocked(id)
		expired = append(expired, p)
	}
	e.mu.Unlock()

	for _, p := range expired {
		id := p.proposal.ID
		e.log.Warn("proposal abandoned without commitment",
			zap.String("proposal_id", id),
			zap.String("kind", string(p.proposal.Kind)),
			zap.Bool("inbound", p.inbound),
			zap.Bool("remote_acknowledged", p.remoteAcknowledged))
		e.settle(p, Outcome{ProposalID: id, Kind: p.proposal.Kind, Receipt: p.proposal.Receipt,
			Err: &Error{Kind: KindTimeout, RuleID: "PROTO-LIVE-001", ProposalID: id,
				Message: fmt.Sprintf("proposal %s not committed within %s", id, e.timeout), sentinel: ErrProposalTimedOut}})
	}
	return len(expired)
}

// Pending lists in-flight proposals ordered by id.
func (e *Engine) Pending() []Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pending, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, Pending{
			Proposal:           p.proposal,
			Inbound:            p.inbound,
			LocalApproved:      p.localApproved,
			RemoteAcknowledged: p.remoteAcknowledged,
			Deadline:           p.deadline,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proposal.ID < out[j].Proposal.ID })
	return out
}

// Receipt returns the ledger's receipt overlaid with local pending state. An
// issue that has not committed yet is found by its proposal id and reported
// as Proposed.
func (e *Engine) Receipt(id string) (model.Receipt, error) {
	e.mu.Lock()
	if p, ok := e.pending[id]; ok && p.proposal.Kind == model.ProposalIssue {
		e.mu.Unlock()
		return model.Receipt{
			ID:            id,
			Issuer:        p.proposal.Issuer,
			Holder:        p.proposal.Holder,
			ContentHash:   p.proposal.ContentHash,
			Payload:       append([]byte(nil), p.proposal.Payload...),
			State:         model.StateProposed,
			IssueProposal: id,
		}, nil
	}
	redeem, redeeming := e.reserved[id]
	e.mu.Unlock()

	r, err := e.ledger.Get(id)
	if err != nil {
		return model.Receipt{}, callerError("PROTO-GET-001", ErrNotFound, fmt.Sprintf("receipt %s not found", id))
	}
	if redeeming && r.State == model.StateIssued {
		r.State = model.StateRedemptionProposed
		r.RedeemProposal = redeem
	}
	return r, nil
}
