package protocol

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bverify.dev/custody/directory"
	"bverify.dev/custody/feed/memfeed"
	"bverify.dev/custody/keys"
	"bverify.dev/custody/ledger"
	"bverify.dev/custody/model"
	"bverify.dev/custody/receipt"
	"bverify.dev/custody/statement"
	"bverify.dev/custody/transport"
	"bverify.dev/custody/transport/loopback"
)

var cornPayload = []byte(`{"category":"corn","date":"2024-05-01","weight":1200}`)

type world struct {
	net  *loopback.Network
	feed *memfeed.Log
	dir  directory.Directory
}

func newWorld(t *testing.T) *world {
	t.Helper()
	dir, err := directory.NewStatic(
		model.Account{ID: "wh", Name: "North Silo", Role: model.RoleWarehouse},
		model.Account{ID: "dep", Name: "Farm Co-op", Role: model.RoleDepositor},
	)
	require.NoError(t, err)
	return &world{net: loopback.NewNetwork(), feed: memfeed.New(), dir: dir}
}

type party struct {
	engine *Engine
	ledger *ledger.Ledger
}

type partyOpt func(*Options)

// join starts a party. When follow is false its ledger never sees the feed,
// so its own proposals stay pending.
func (w *world) join(t *testing.T, self, counterpart string, follow bool, opts ...partyOpt) *party {
	t.Helper()
	log := zaptest.NewLogger(t)
	l := ledger.New(ledger.WithLogger(log))
	p := &party{ledger: l}

	o := Options{
		Self:        self,
		Counterpart: counterpart,
		Ledger:      l,
		Directory:   w.dir,
		Transport:   w.net.Endpoint(self),
		Committer:   w.feed,
		Backoff:     time.Millisecond,
		SendTimeout: time.Second,
		Logger:      log,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var f *ledger.Follower
	if follow {
		f = ledger.NewFollower(l, w.feed, ledger.WithObserver(func(a ledger.Applied) { p.engine.Observe(a) }))
		o.Ready = f.Ready()
	}
	e, err := New(o)
	require.NoError(t, err)
	p.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if f != nil {
			_ = f.Run(ctx)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = e.Close()
	})
	if f != nil {
		select {
		case <-f.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("follower never became ready")
		}
	}
	return p
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (p *party) eventuallyState(t *testing.T, id string, want model.ReceiptState) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := p.ledger.Get(id)
		return err == nil && r.State == want
	}, 5*time.Second, 5*time.Millisecond)
}

// issueDirect folds an issue statement into l without going through a feed.
func issueDirect(t *testing.T, l *ledger.Ledger, proposal, issuer, holder string) string {
	t.Helper()
	payload, err := statement.Encode(statement.NewIssue(proposal, issuer, holder, cornPayload))
	require.NoError(t, err)
	res, err := l.Apply(model.Statement{Position: l.Applied(), Payload: payload})
	require.NoError(t, err)
	return res.Receipt
}

func TestIssueThenRedeem_SettlesThroughFeed(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	wh := w.join(t, "wh", "dep", true)
	dep := w.join(t, "dep", "wh", true)

	h, err := wh.engine.InitiateIssue(ctx, "wh", "dep", cornPayload)
	require.NoError(t, err)
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	require.True(t, out.Committed())
	assert.Equal(t, model.ProposalIssue, out.Kind)
	assert.Equal(t, uint64(0), out.Position)
	assert.Equal(t, receipt.DeriveID("wh", "dep", receipt.ContentHash(cornPayload), 0), out.Receipt)
	assert.Equal(t, out.Receipt, h.Receipt)

	dep.eventuallyState(t, out.Receipt, model.StateIssued)

	rh, err := dep.engine.InitiateRedeem(ctx, out.Receipt, "dep")
	require.NoError(t, err)
	rout, err := rh.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rout.Position)

	wh.eventuallyState(t, out.Receipt, model.StateRedeemed)
	r, err := dep.engine.Receipt(out.Receipt)
	require.NoError(t, err)
	assert.Equal(t, model.StateRedeemed, r.State)
	assert.Equal(t, rh.ID, r.RedeemProposal)
	require.Eventually(t, func() bool {
		return len(wh.engine.Pending()) == 0 && len(dep.engine.Pending()) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestInitiateRedeem_ProposedReceiptIsInvalidState(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	wh := w.join(t, "wh", "dep", false)
	w.join(t, "dep", "wh", true)

	h, err := wh.engine.InitiateIssue(ctx, "wh", "dep", cornPayload)
	require.NoError(t, err)

	r, err := wh.engine.Receipt(h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateProposed, r.State)

	sent := w.net.Sent("dep")
	_, err = wh.engine.InitiateRedeem(ctx, h.ID, "wh")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, IsKind(err, KindCaller))
	assert.Equal(t, sent, w.net.Sent("dep"), "nothing may be sent for a rejected initiate")
}

func TestInitiateIssue_TransportExhaustionTimesOut(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	wh := w.join(t, "wh", "dep", true)
	w.join(t, "dep", "wh", true)

	w.net.FailNext("dep", transport.CodeUnreachable, transport.CodeTimeout, transport.CodeUnreachable)

	_, err := wh.engine.InitiateIssue(ctx, "wh", "dep", cornPayload)
	require.ErrorIs(t, err, ErrProposalTimedOut)
	assert.True(t, IsKind(err, KindTimeout))
	assert.Equal(t, "PROTO-SEND-001", RuleID(err))
	assert.Equal(t, 3, w.net.Sent("dep"))

	assert.Empty(t, wh.engine.Pending())
	assert.Equal(t, uint64(0), w.feed.Len())
	assert.Equal(t, uint64(0), wh.ledger.Applied())
	assert.Empty(t, wh.ledger.Snapshot().Receipts)
}

func TestInitiateIssue_RecoversWithinRetryBudget(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	wh := w.join(t, "wh", "dep", true)
	w.join(t, "dep", "wh", true)

	w.net.FailNext("dep", transport.CodeTimeout, transport.CodeUnreachable)
	h, err := wh.engine.InitiateIssue(ctx, "wh", "dep", cornPayload)
	require.NoError(t, err)
	_, err = h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, w.net.Sent("dep"))
}

func TestSubmitProposal_ConcurrentRedeemsAcceptOne(t *testing.T) {
	w := newWorld(t)
	dep := w.join(t, "dep", "wh", false)
	rid := issueDirect(t, dep.ledger, "p0", "wh", "dep")

	proposals := []model.Proposal{
		{ID: "r-1", Kind: model.ProposalRedeem, Initiator: "wh", Receipt: rid},
		{ID: "r-2", Kind: model.ProposalRedeem, Initiator: "wh", Receipt: rid},
	}
	verdicts := make([]model.Verdict, len(proposals))
	var wg sync.WaitGroup
	for i := range proposals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i] = dep.engine.SubmitProposal(context.Background(), "wh", proposals[i])
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, v := range verdicts {
		if v.Accepted {
			accepted++
			continue
		}
		assert.Equal(t, model.RejectInvalidState, v.Reason)
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, uint64(1), w.feed.Len())

	r, err := dep.engine.Receipt(rid)
	require.NoError(t, err)
	assert.Equal(t, model.StateRedemptionProposed, r.State)
}

func TestSubmitProposal_Idempotence(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	dep := w.join(t, "dep", "wh", false)

	p := model.Proposal{
		ID: "issue-1", Kind: model.ProposalIssue, Initiator: "wh",
		Issuer: "wh", Holder: "dep", ContentHash: receipt.ContentHash(cornPayload), Payload: cornPayload,
	}
	require.True(t, dep.engine.SubmitProposal(ctx, "wh", p).Accepted)
	require.True(t, dep.engine.SubmitProposal(ctx, "wh", p).Accepted, "retransmission is acknowledged again")
	require.Equal(t, uint64(1), w.feed.Len(), "but committed once")

	cur, err := w.feed.ReplayFrom(ctx, 0)
	require.NoError(t, err)
	require.True(t, cur.Next())
	res, err := dep.ledger.Apply(cur.Statement())
	require.NoError(t, err)
	dep.engine.Observe(res)
	assert.Empty(t, dep.engine.Pending())

	v := dep.engine.SubmitProposal(ctx, "wh", p)
	assert.False(t, v.Accepted)
	assert.Equal(t, model.RejectDuplicateIssue, v.Reason)
	assert.Equal(t, uint64(1), w.feed.Len())
}

func TestSubmitProposal_Rejections(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	dep := w.join(t, "dep", "wh", false)
	rid := issueDirect(t, dep.ledger, "p0", "wh", "dep")

	issue := func(mut func(*model.Proposal)) model.Proposal {
		p := model.Proposal{
			ID: "i", Kind: model.ProposalIssue, Initiator: "wh",
			Issuer: "wh", Holder: "dep", ContentHash: receipt.ContentHash(cornPayload), Payload: cornPayload,
		}
		mut(&p)
		return p
	}
	tests := []struct {
		name string
		from string
		p    model.Proposal
		want model.RejectReason
	}{
		{"sender is not initiator", "dep", issue(func(*model.Proposal) {}), model.RejectNotParty},
		{"unknown kind", "wh", issue(func(p *model.Proposal) { p.Kind = "burn" }), model.RejectMalformed},
		{"hash mismatch", "wh", issue(func(p *model.Proposal) { p.ContentHash = receipt.ContentHash([]byte("x")) }), model.RejectMalformed},
		{"unknown holder", "wh", issue(func(p *model.Proposal) { p.Holder = "ghost" }), model.RejectUnknownAccount},
		{"unknown initiator", "ghost", issue(func(p *model.Proposal) { p.Initiator, p.Issuer = "ghost", "ghost" }), model.RejectUnknownAccount},
		{"issuer must initiate", "dep", issue(func(p *model.Proposal) { p.Initiator = "dep" }), model.RejectNotParty},
		{"redeem unknown receipt", "wh", model.Proposal{ID: "r", Kind: model.ProposalRedeem, Initiator: "wh", Receipt: "nope"}, model.RejectNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := dep.engine.SubmitProposal(ctx, tc.from, tc.p)
			assert.False(t, v.Accepted)
			assert.Equal(t, tc.want, v.Reason, v.Detail)
		})
	}
	assert.Equal(t, uint64(0), w.feed.Len())

	// A third party may not redeem.
	dir, err := directory.NewStatic(
		model.Account{ID: "wh", Name: "W", Role: model.RoleWarehouse},
		model.Account{ID: "dep", Name: "D", Role: model.RoleDepositor},
		model.Account{ID: "other", Name: "O", Role: model.RoleDepositor},
	)
	require.NoError(t, err)
	w.dir = dir
	dep2 := w.join(t, "dep", "wh", false)
	issueDirect(t, dep2.ledger, "p0", "wh", "dep")
	v := dep2.engine.SubmitProposal(ctx, "other", model.Proposal{ID: "r", Kind: model.ProposalRedeem, Initiator: "other", Receipt: rid})
	assert.Equal(t, model.RejectNotParty, v.Reason)
}

func TestInitiate_CallerErrors(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	wh := w.join(t, "wh", "dep", false)

	_, err := wh.engine.InitiateIssue(ctx, "wh", "ghost", cornPayload)
	require.ErrorIs(t, err, ErrUnknownAccount)

	_, err = wh.engine.InitiateIssue(ctx, "dep", "wh", cornPayload)
	require.ErrorIs(t, err, ErrNotParty)

	_, err = wh.engine.InitiateIssue(ctx, "wh", "dep", nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = wh.engine.InitiateRedeem(ctx, "missing", "wh")
	require.ErrorIs(t, err, ErrNotFound)

	rid := issueDirect(t, wh.ledger, "p0", "dep", "dep")
	_, err = wh.engine.InitiateRedeem(ctx, rid, "wh")
	require.ErrorIs(t, err, ErrNotParty)

	assert.Equal(t, 0, w.net.Sent("dep"))
}

func TestInitiate_NotReady(t *testing.T) {
	w := newWorld(t)
	never := make(chan struct{})
	wh := w.join(t, "wh", "dep", false, func(o *Options) { o.Ready = never })

	_, err := wh.engine.InitiateIssue(context.Background(), "wh", "dep", cornPayload)
	require.ErrorIs(t, err, ErrNotReady)

	v := wh.engine.SubmitProposal(context.Background(), "dep", model.Proposal{ID: "x", Kind: model.ProposalRedeem, Initiator: "dep", Receipt: "r"})
	assert.Equal(t, model.RejectInvalidState, v.Reason)
}

func TestInitiateRedeem_CounterpartRejects(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	wh := w.join(t, "wh", "dep", false)
	w.join(t, "dep", "wh", false)
	rid := issueDirect(t, wh.ledger, "p0", "wh", "dep")

	_, err := wh.engine.InitiateRedeem(ctx, rid, "wh")
	require.ErrorIs(t, err, ErrRejected)
	assert.True(t, IsKind(err, KindTransport))
	te, ok := transport.AsError(err)
	require.True(t, ok)
	assert.Equal(t, model.RejectNotFound, te.Reason)
	assert.Equal(t, 1, w.net.Sent("dep"), "rejections are not retried")

	r, err := wh.engine.Receipt(rid)
	require.NoError(t, err)
	assert.Equal(t, model.StateIssued, r.State, "reservation released")
}

func TestApproval_MarksRemoteAcknowledged(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	wh := w.join(t, "wh", "dep", false)
	w.join(t, "dep", "wh", false)

	h, err := wh.engine.InitiateIssue(ctx, "wh", "dep", cornPayload)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ps := wh.engine.Pending()
		return len(ps) == 1 && ps[0].RemoteAcknowledged && ps[0].LocalApproved
	}, 5*time.Second, 5*time.Millisecond)

	// Acknowledged but not committed locally: the ledger is untouched.
	assert.Equal(t, uint64(0), wh.ledger.Applied())
	select {
	case <-h.Done():
		t.Fatal("approval must not settle the proposal")
	default:
	}

	// Approvals for unknown ids or from strangers are ignored.
	wh.engine.SubmitApproval(ctx, "dep", "unknown")
	wh.engine.SubmitApproval(ctx, "stranger", h.ID)
}

func TestReap_AbandonsExpiredProposals(t *testing.T) {
	ctx := testCtx(t)
	w := newWorld(t)
	var mu sync.Mutex
	var outcomes []Outcome
	wh := w.join(t, "wh", "dep", false, func(o *Options) {
		o.ProposalTimeout = time.Minute
		o.OnOutcome = func(out Outcome) {
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, out)
		}
	})
	dep := w.join(t, "dep", "wh", false)

	h, err := wh.engine.InitiateIssue(ctx, "wh", "dep", cornPayload)
	require.NoError(t, err)

	assert.Equal(t, 0, wh.engine.reap(time.Now()))
	assert.Equal(t, 1, wh.engine.reap(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 1, dep.engine.reap(time.Now().Add(2*time.Minute)), "the receiving side forgets its acceptance too")

	out, err := h.Wait(ctx)
	require.ErrorIs(t, err, ErrProposalTimedOut)
	assert.Equal(t, "PROTO-LIVE-001", RuleID(out.Err))
	assert.Empty(t, wh.engine.Pending())
	_, err = wh.engine.Receipt(h.ID)
	require.ErrorIs(t, err, ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 1)
	assert.Equal(t, h.ID, outcomes[0].ProposalID)
}

func TestRun_ReapsOnTicker(t *testing.T) {
	w := newWorld(t)
	wh := w.join(t, "wh", "dep", false, func(o *Options) { o.ProposalTimeout = 20 * time.Millisecond })
	w.join(t, "dep", "wh", false)

	h, err := wh.engine.InitiateIssue(testCtx(t), "wh", "dep", cornPayload)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wh.engine.Run(ctx) }()

	_, err = h.Wait(testCtx(t))
	require.ErrorIs(t, err, ErrProposalTimedOut)
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}

// rotatingDirectory lets a test change an account's key behind a cache.
type rotatingDirectory struct {
	mu       sync.Mutex
	accounts map[string]model.Account
}

func (d *rotatingDirectory) Resolve(ctx context.Context, id string) (model.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[id]
	if !ok {
		return model.Account{}, directory.ErrNotFound
	}
	return a, nil
}

func (d *rotatingDirectory) set(a model.Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.ID] = a
}

func TestSignatures(t *testing.T) {
	ctx := testCtx(t)
	oldKey, err := keys.NewEd25519Signer(make([]byte, ed25519.SeedSize))
	require.NoError(t, err)
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 1
	newKey, err := keys.NewEd25519Signer(seed)
	require.NoError(t, err)

	backing := &rotatingDirectory{accounts: map[string]model.Account{}}
	backing.set(model.Account{ID: "wh", Name: "W", Role: model.RoleWarehouse, PublicKey: oldKey.PublicKey()})
	backing.set(model.Account{ID: "dep", Name: "D", Role: model.RoleDepositor})
	cached, err := directory.NewCached(backing, 16, time.Hour)
	require.NoError(t, err)

	w := newWorld(t)
	w.dir = cached
	signer := keys.Signer(oldKey)
	wh := w.join(t, "wh", "dep", false, func(o *Options) { o.Signer = signer })
	w.join(t, "dep", "wh", false, func(o *Options) { o.RequireSignatures = true })

	_, err = wh.engine.InitiateIssue(ctx, "wh", "dep", cornPayload)
	require.NoError(t, err)

	// The key rotates; dep's cache still holds the old one until the
	// signature check fails and forces a refresh.
	backing.set(model.Account{ID: "wh", Name: "W", Role: model.RoleWarehouse, PublicKey: newKey.PublicKey()})
	wh.engine.signer = newKey
	_, err = wh.engine.InitiateIssue(ctx, "wh", "dep", []byte("second lot"))
	require.NoError(t, err)

	// A forged signature is rejected.
	wh.engine.signer = oldKey
	_, err = wh.engine.InitiateIssue(ctx, "wh", "dep", []byte("third lot"))
	te, ok := transport.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, model.RejectBadSignature, te.Reason)

	// wh does not require signatures, so dep's unsigned proposal reaches
	// ledger validation.
	v := wh.engine.SubmitProposal(ctx, "dep", model.Proposal{ID: "u", Kind: model.ProposalRedeem, Initiator: "dep", Receipt: "r"})
	assert.Equal(t, model.RejectNotFound, v.Reason)
	assert.Equal(t, uint64(2), w.feed.Len())
}

func TestNew_Validates(t *testing.T) {
	w := newWorld(t)
	base := Options{Self: "wh", Counterpart: "dep", Ledger: ledger.New(), Directory: w.dir, Transport: w.net.Endpoint("wh"), Committer: w.feed}
	_, err := New(base)
	require.NoError(t, err)

	for name, mut := range map[string]func(*Options){
		"self":        func(o *Options) { o.Self = "" },
		"counterpart": func(o *Options) { o.Counterpart = "" },
		"same":        func(o *Options) { o.Counterpart = o.Self },
		"ledger":      func(o *Options) { o.Ledger = nil },
		"directory":   func(o *Options) { o.Directory = nil },
		"transport":   func(o *Options) { o.Transport = nil },
		"committer":   func(o *Options) { o.Committer = nil },
	} {
		o := base
		mut(&o)
		_, err := New(o)
		assert.Error(t, err, name)
	}
}
