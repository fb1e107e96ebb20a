// Package protocol is the two-phase issue/redeem state machine run by each
// party.
//
// A party initiates a proposal locally and sends it to its counterpart. The
// counterpart validates it against its own ledger, commits the approved
// statement to the commitment log and sends an approval back. The approval is
// advisory: a receipt only changes when the statement is folded by the
// ledger, which the engine learns about through Observe.
package protocol

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"bverify.dev/custody/directory"
	"bverify.dev/custody/feed"
	"bverify.dev/custody/keys"
	"bverify.dev/custody/ledger"
	"bverify.dev/custody/model"
	"bverify.dev/custody/receipt"
	"bverify.dev/custody/transport"
)

const (
	DefaultProposalTimeout = 2 * time.Minute
	DefaultSendAttempts    = 3
	DefaultSendTimeout     = 5 * time.Second
	DefaultBackoff         = 200 * time.Millisecond
)

type Options struct {
	// Self is the local account id; Counterpart receives every proposal.
	Self        string
	Counterpart string

	Ledger    *ledger.Ledger
	Directory directory.Directory
	Transport transport.Transport
	Committer feed.Committer

	// Signer signs outgoing proposals. Nil sends them unsigned.
	Signer keys.Signer
	// RequireSignatures rejects proposals from accounts without a public key.
	RequireSignatures bool

	// Ready, when set, must be closed before proposals are evaluated.
	Ready <-chan struct{}

	ProposalTimeout time.Duration
	SendAttempts    int
	SendTimeout     time.Duration
	Backoff         time.Duration

	// OnOutcome is called once for every locally initiated proposal that
	// settles, whether committed, rejected by the ledger or timed out.
	OnOutcome func(Outcome)

	Logger *zap.Logger
}

// revalidator is implemented by caching directories.
type revalidator interface {
	Revalidate(ctx context.Context, id string) (model.Account, error)
}

type Engine struct {
	self        string
	counterpart string

	ledger     *ledger.Ledger
	dir        directory.Directory
	tr         transport.Transport
	committer  feed.Committer
	signer     keys.Signer
	requireSig bool
	ready      <-chan struct{}

	timeout     time.Duration
	attempts    int
	sendTimeout time.Duration
	backoff     time.Duration
	onOutcome   func(Outcome)
	log         *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	locks keyedMutex

	mu       sync.Mutex
	pending  map[string]*pending
	reserved map[string]string // receipt id -> redeem proposal id

	wg sync.WaitGroup
}

var _ transport.Inbound = (*Engine)(nil)

// New builds an engine and registers it as the transport's inbound handler.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Self == "":
		return nil, errors.New("protocol: self account is required")
	case opts.Counterpart == "":
		return nil, errors.New("protocol: counterpart account is required")
	case opts.Counterpart == opts.Self:
		return nil, errors.New("protocol: counterpart must differ from self")
	case opts.Ledger == nil:
		return nil, errors.New("protocol: ledger is required")
	case opts.Directory == nil:
		return nil, errors.New("protocol: directory is required")
	case opts.Transport == nil:
		return nil, errors.New("protocol: transport is required")
	case opts.Committer == nil:
		return nil, errors.New("protocol: committer is required")
	}
	e := &Engine{
		self:        opts.Self,
		counterpart: opts.Counterpart,
		ledger:      opts.Ledger,
		dir:         opts.Directory,
		tr:          opts.Transport,
		committer:   opts.Committer,
		signer:      opts.Signer,
		requireSig:  opts.RequireSignatures,
		ready:       opts.Ready,
		timeout:     opts.ProposalTimeout,
		attempts:    opts.SendAttempts,
		sendTimeout: opts.SendTimeout,
		backoff:     opts.Backoff,
		onOutcome:   opts.OnOutcome,
		log:         opts.Logger,
		now:         time.Now,
		sleep:       sleepCtx,
		entropy:     ulid.Monotonic(rand.Reader, 0),
		pending:     make(map[string]*pending),
		reserved:    make(map[string]string),
	}
	if e.timeout <= 0 {
		e.timeout = DefaultProposalTimeout
	}
	if e.attempts <= 0 {
		e.attempts = DefaultSendAttempts
	}
	if e.sendTimeout <= 0 {
		e.sendTimeout = DefaultSendTimeout
	}
	if e.backoff <= 0 {
		e.backoff = DefaultBackoff
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.With(zap.String("self", e.self))
	e.tr.Register(e)
	return e, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) isReady() bool {
	if e.ready == nil {
		return true
	}
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

func (e *Engine) newID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(e.now()), e.entropy).String()
}

func (e *Engine) resolve(ctx context.Context, id string) (model.Account, error) {
	a, err := e.dir.Resolve(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return model.Account{}, callerError("PROTO-ACCT-001", ErrUnknownAccount, fmt.Sprintf("account %q is not in the directory", id))
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("protocol: resolve %s: %w", id, err)
	}
	return a, nil
}

func (e *Engine) sign(p *model.Proposal) error {
	if e.signer == nil {
		return nil
	}
	msg, err := p.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := e.signer.Sign(msg)
	if err != nil {
		return fmt.Errorf("protocol: sign proposal: %w", err)
	}
	p.Signature = sig
	return nil
}

// InitiateIssue proposes a new receipt issued by issuer to holder. The local
// party must be the issuer. It returns once the counterpart accepted the
// proposal; use the handle to wait for the commitment.
func (e *Engine) InitiateIssue(ctx context.Context, issuer, holder string, payload []byte) (*Handle, error) {
	if !e.isReady() {
		return nil, callerError("PROTO-READY-001", ErrNotReady, "ledger is still replaying")
	}
	if len(payload) == 0 {
		return nil, callerError("PROTO-ARG-001", ErrInvalidArgument, "issue payload is empty")
	}
	if issuer != e.self {
		return nil, callerError("PROTO-PARTY-001", ErrNotParty, fmt.Sprintf("%s cannot issue on behalf of %s", e.self, issuer))
	}
	for _, id := range []string{issuer, holder, e.counterpart} {
		if _, err := e.resolve(ctx, id); err != nil {
			return nil, err
		}
	}

	p := model.Proposal{
		ID:          e.newID(),
		Kind:        model.ProposalIssue,
		Initiator:   e.self,
		Issuer:      issuer,
		Holder:      holder,
		ContentHash: receipt.ContentHash(payload),
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   e.now().UTC(),
	}
	if err := e.sign(&p); err != nil {
		return nil, err
	}

	e.mu.Lock()
	h := e.trackLocked(p, "", false)
	e.mu.Unlock()

	if err := e.propose(ctx, p); err != nil {
		e.drop(p.ID)
		return nil, err
	}
	return h, nil
}

// InitiateRedeem proposes redeeming an issued receipt. requester must be the
// local account and a party to the receipt.
func (e *Engine) InitiateRedeem(ctx context.Context, receiptID, requester string) (*Handle, error) {
	if !e.isReady() {
		return nil, callerError("PROTO-READY-001", ErrNotReady, "ledger is still replaying")
	}
	if requester != e.self {
		return nil, callerError("PROTO-PARTY-001", ErrNotParty, fmt.Sprintf("%s cannot redeem on behalf of %s", e.self, requester))
	}
	if _, err := e.resolve(ctx, e.counterpart); err != nil {
		return nil, err
	}

	p := model.Proposal{
		ID:        e.newID(),
		Kind:      model.ProposalRedeem,
		Initiator: requester,
		Receipt:   receiptID,
		CreatedAt: e.now().UTC(),
	}
	if err := e.sign(&p); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(receiptID)
	e.mu.Lock()
	if err := e.redeemableLocked(receiptID, requester); err != nil {
		e.mu.Unlock()
		unlock()
		return nil, err
	}
	h := e.trackLocked(p, receiptID, false)
	e.mu.Unlock()
	unlock()

	if err := e.propose(ctx, p); err != nil {
		e.drop(p.ID)
		return nil, err
	}
	return h, nil
}

// redeemableLocked checks that receiptID can take a new redeem proposal from
// requester. e.mu must be held.
func (e *Engine) redeemableLocked(receiptID, requester string) error {
	if p, ok := e.pending[receiptID]; ok && p.proposal.Kind == model.ProposalIssue {
		return callerError("PROTO-STATE-001", ErrInvalidState, fmt.Sprintf("receipt %s is %s", receiptID, model.StateProposed))
	}
	if other, ok := e.reserved[receiptID]; ok {
		return callerError("PROTO-STATE-002", ErrInvalidState,
			fmt.Sprintf("receipt %s is %s by %s", receiptID, model.StateRedemptionProposed, other))
	}
	r, err := e.ledger.Get(receiptID)
	if err != nil {
		return callerError("PROTO-GET-001", ErrNotFound, fmt.Sprintf("receipt %s not found", receiptID))
	}
	if r.State != model.StateIssued {
		return callerError("PROTO-STATE-003", ErrInvalidState, fmt.Sprintf("receipt %s is %s", receiptID, r.State))
	}
	if requester != r.Issuer && requester != r.Holder {
		return callerError("PROTO-PARTY-002", ErrNotParty, fmt.Sprintf("%s is neither issuer nor holder of %s", requester, receiptID))
	}
	return nil
}

// propose sends p to the counterpart, retrying transport failures with
// exponential backoff.
func (e *Engine) propose(ctx context.Context, p model.Proposal) error {
	m, err := transport.NewProposal(e.self, p)
	if err != nil {
		return err
	}
	log := e.log.With(zap.String("proposal_id", p.ID), zap.String("kind", string(p.Kind)))
	err = e.send(ctx, m, log)
	if err == nil {
		log.Info("proposal sent", zap.String("peer", e.counterpart))
		return nil
	}
	if te, ok := transport.AsError(err); ok && !transport.Retryable(err) {
		log.Info("proposal rejected", zap.String("reason", string(te.Reason)), zap.String("detail", te.Detail))
		return &Error{Kind: KindTransport, RuleID: "PROTO-SEND-002", ProposalID: p.ID,
			Message: fmt.Sprintf("proposal %s rejected by %s", p.ID, e.counterpart), sentinel: ErrRejected, Cause: err}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Warn("proposal abandoned", zap.Int("attempts", e.attempts), zap.Error(err))
	return &Error{Kind: KindTimeout, RuleID: "PROTO-SEND-001", ProposalID: p.ID,
		Message: fmt.Sprintf("proposal %s not delivered after %d attempts", p.ID, e.attempts), sentinel: ErrProposalTimedOut, Cause: err}
}

func (e *Engine) send(ctx context.Context, m transport.Message, log *zap.Logger) error {
	delay := e.backoff
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		err = e.tr.Send(sctx, e.counterpart, m)
		cancel()
		if err == nil || !transport.Retryable(err) {
			return err
		}
		log.Debug("send failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == e.attempts {
			break
		}
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return err
}

// Close waits for background approval sends to finish.
func (e *Engine) Close() error {
	e.wg.Wait()
	return nil
}
