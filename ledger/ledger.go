// Package ledger is the authoritative record of custody receipts, rebuilt by
// folding the commitment feed.
//
// All mutation goes through Apply, which folds exactly one statement at the
// next expected position. Every fold is all-or-nothing: on error the receipt
// map is left untouched (recoverable errors still advance the position so one
// bad entry never stalls the feed). Replaying the same statements into a fresh
// Ledger always yields the same Digest.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"bverify.dev/custody/model"
	"bverify.dev/custody/receipt"
	"bverify.dev/custody/statement"
)

// Applied describes the outcome of one fold. It is reported to observers even
// when the statement was rejected, so pending proposals can settle early.
type Applied struct {
	Position uint64
	Kind     statement.Kind
	Proposal string
	Receipt  string
	State    model.ReceiptState
	// Err is the recoverable rejection, if any.
	Err error
}

// Committed reports whether the statement changed the receipt map.
func (a Applied) Committed() bool { return a.Err == nil && a.Receipt != "" }

type Option func(*Ledger)

// WithLogger sets the logger used for recoverable fold errors.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

type Ledger struct {
	mu sync.RWMutex

	applied  uint64
	receipts map[string]model.Receipt
	// issued maps a committed issue proposal id to its receipt id.
	issued map[string]string
	// redeemed maps a committed redeem proposal id to its receipt id.
	redeemed map[string]string

	log *zap.Logger
}

// New returns an empty ledger expecting position 0.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		receipts: make(map[string]model.Receipt),
		issued:   make(map[string]string),
		redeemed: make(map[string]string),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Applied returns the number of statements folded, which is also the next
// expected position.
func (l *Ledger) Applied() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.applied
}

// Apply folds one statement. See the package doc for the error contract.
func (l *Ledger) Apply(st model.Statement) (Applied, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := Applied{Position: st.Position}
	switch {
	case st.Position < l.applied:
		return out, newError(KindRecoverable, "LEDGER-ORDER-002", ErrDuplicateStatement, st.Position,
			fmt.Sprintf("statement %d already applied (next %d)", st.Position, l.applied))
	case st.Position > l.applied:
		return out, newError(KindFatal, "LEDGER-ORDER-001", ErrOutOfOrderStatement, st.Position,
			fmt.Sprintf("statement %d out of order: expected %d", st.Position, l.applied))
	}

	ev, err := statement.Decode(st.Payload)
	if err != nil {
		l.applied++
		out.Err = wrapError(KindRecoverable, "LEDGER-FMT-001", ErrMalformedStatement, st.Position,
			fmt.Sprintf("statement %d malformed", st.Position), err)
		l.logRejected(out.Err)
		return out, out.Err
	}
	out.Kind = ev.Kind
	out.Proposal = ev.Proposal

	switch ev.Kind {
	case statement.KindIssue:
		out.Err = l.foldIssue(st.Position, ev, &out)
	case statement.KindRedeem:
		out.Err = l.foldRedeem(st.Position, ev, &out)
	}
	l.applied++
	if out.Err != nil {
		l.logRejected(out.Err)
	}
	return out, out.Err
}

func (l *Ledger) foldIssue(pos uint64, ev statement.Event, out *Applied) error {
	if prior, ok := l.issued[ev.Proposal]; ok {
		out.Receipt = prior
		return newError(KindRecoverable, "LEDGER-ISSUE-001", ErrDuplicateIssue, pos,
			fmt.Sprintf("proposal %s already issued receipt %s", ev.Proposal, prior))
	}
	id := receipt.DeriveID(ev.Issuer, ev.Holder, ev.ContentHash, pos)
	if _, ok := l.receipts[id]; ok {
		return newError(KindRecoverable, "LEDGER-ISSUE-002", ErrDuplicateIssue, pos,
			fmt.Sprintf("receipt %s already exists", id))
	}
	l.receipts[id] = model.Receipt{
		ID:            id,
		Issuer:        ev.Issuer,
		Holder:        ev.Holder,
		ContentHash:   ev.ContentHash,
		Payload:       append([]byte(nil), ev.Payload...),
		State:         model.StateIssued,
		IssueProposal: ev.Proposal,
		IssuedAt:      pos,
	}
	l.issued[ev.Proposal] = id
	out.Receipt = id
	out.State = model.StateIssued
	return nil
}

func (l *Ledger) foldRedeem(pos uint64, ev statement.Event, out *Applied) error {
	out.Receipt = ev.Receipt
	r, ok := l.receipts[ev.Receipt]
	if !ok {
		return newError(KindRecoverable, "LEDGER-REDEEM-001", ErrInvalidRedeem, pos,
			fmt.Sprintf("redeem of unknown receipt %s", ev.Receipt))
	}
	out.State = r.State
	if r.State != model.StateIssued {
		return newError(KindRecoverable, "LEDGER-REDEEM-002", ErrInvalidRedeem, pos,
			fmt.Sprintf("redeem of receipt %s in state %s", r.ID, r.State))
	}
	if ev.Requester != r.Issuer && ev.Requester != r.Holder {
		return newError(KindRecoverable, "LEDGER-REDEEM-003", ErrInvalidRedeem, pos,
			fmt.Sprintf("redeem of receipt %s by non-party %s", r.ID, ev.Requester))
	}
	r.State = model.StateRedeemed
	r.RedeemProposal = ev.Proposal
	r.RedeemedAt = pos
	l.receipts[r.ID] = r
	l.redeemed[ev.Proposal] = r.ID
	out.State = model.StateRedeemed
	return nil
}

func (l *Ledger) logRejected(err error) {
	var e *Error
	if errors.As(err, &e) {
		l.log.Warn("statement rejected",
			zap.Uint64("position", e.Position),
			zap.String("rule", e.RuleID),
			zap.Error(err))
	}
}

// Get returns the current receipt with the given identity.
func (l *Ledger) Get(id string) (model.Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.receipts[id]
	if !ok {
		return model.Receipt{}, newError(KindCaller, "LEDGER-GET-001", ErrNotFound, 0,
			fmt.Sprintf("receipt %s not found", id))
	}
	return cloneReceipt(r), nil
}

// CommittedProposal reports the receipt a proposal id produced, if its
// statement has been folded.
func (l *Ledger) CommittedProposal(proposalID string) (receiptID string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id, ok := l.issued[proposalID]; ok {
		return id, true
	}
	id, ok := l.redeemed[proposalID]
	return id, ok
}

// Snapshot is an immutable point-in-time view of the ledger.
type Snapshot struct {
	Applied  uint64          `json:"applied"`
	Receipts []model.Receipt `json:"receipts"`
}

// Get returns the receipt with the given id from the snapshot.
func (s Snapshot) Get(id string) (model.Receipt, bool) {
	i := sort.Search(len(s.Receipts), func(i int) bool { return s.Receipts[i].ID >= id })
	if i < len(s.Receipts) && s.Receipts[i].ID == id {
		return s.Receipts[i], true
	}
	return model.Receipt{}, false
}

// Snapshot copies the current state. Receipts are sorted by ID.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	out := Snapshot{Applied: l.applied, Receipts: make([]model.Receipt, 0, len(l.receipts))}
	for _, r := range l.receipts {
		out.Receipts = append(out.Receipts, cloneReceipt(r))
	}
	l.mu.RUnlock()

	sort.Slice(out.Receipts, func(i, j int) bool { return out.Receipts[i].ID < out.Receipts[j].ID })
	return out
}

// Digest returns the CID of the canonical snapshot encoding. Two ledgers have
// the same Digest exactly when they hold identical state.
func (l *Ledger) Digest() (string, error) {
	snap := l.Snapshot()
	_, id, err := encodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func cloneReceipt(r model.Receipt) model.Receipt {
	r.Payload = append([]byte(nil), r.Payload...)
	return r
}
