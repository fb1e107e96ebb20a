package loopback

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bverify.dev/custody/model"
	"bverify.dev/custody/transport"
)

type recorder struct {
	mu        sync.Mutex
	proposals []model.Proposal
	approvals []string
	verdict   model.Verdict
}

func (r *recorder) SubmitProposal(ctx context.Context, from string, p model.Proposal) model.Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposals = append(r.proposals, p)
	if r.verdict.Reason != "" {
		return model.Reject(p.ID, r.verdict.Reason, r.verdict.Detail)
	}
	return model.Accept(p.ID)
}

func (r *recorder) SubmitApproval(ctx context.Context, from, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, from+"/"+id)
}

func TestEndpoint_DeliversAndMapsVerdicts(t *testing.T) {
	net := NewNetwork()
	rec := &recorder{}
	net.Endpoint("coord").Register(rec)
	wh := net.Endpoint("wh")
	ctx := context.Background()

	msg, err := transport.NewProposal("wh", model.Proposal{ID: "p1", Kind: model.ProposalRedeem, Initiator: "wh", Receipt: "r1"})
	require.NoError(t, err)
	require.NoError(t, wh.Send(ctx, "coord", msg))
	require.NoError(t, wh.Send(ctx, "coord", transport.NewApproval("wh", "p1")))
	require.Len(t, rec.proposals, 1)
	assert.Equal(t, "r1", rec.proposals[0].Receipt)
	assert.Equal(t, []string{"wh/p1"}, rec.approvals)

	rec.verdict = model.Verdict{Reason: model.RejectInvalidState, Detail: "busy"}
	err = wh.Send(ctx, "coord", msg)
	te, ok := transport.AsError(err)
	require.True(t, ok)
	assert.Equal(t, transport.CodeRejected, te.Code)
	assert.Equal(t, model.RejectInvalidState, te.Reason)
	assert.False(t, transport.Retryable(err))
}

func TestNetwork_Faults(t *testing.T) {
	net := NewNetwork()
	rec := &recorder{}
	net.Endpoint("coord").Register(rec)
	wh := net.Endpoint("wh")
	ctx := context.Background()
	msg := transport.NewApproval("wh", "p1")

	net.FailNext("coord", transport.CodeUnreachable, transport.CodeTimeout)
	err := wh.Send(ctx, "coord", msg)
	te, _ := transport.AsError(err)
	require.NotNil(t, te)
	assert.Equal(t, transport.CodeUnreachable, te.Code)
	assert.True(t, transport.Retryable(err))
	err = wh.Send(ctx, "coord", msg)
	te, _ = transport.AsError(err)
	assert.Equal(t, transport.CodeTimeout, te.Code)
	require.NoError(t, wh.Send(ctx, "coord", msg))

	net.Partition("coord")
	assert.Error(t, wh.Send(ctx, "coord", msg))
	net.Heal("coord")
	net.DuplicateDeliveries(true)
	require.NoError(t, wh.Send(ctx, "coord", msg))
	assert.Len(t, rec.approvals, 3)
	assert.Equal(t, 5, net.Sent("coord"))

	_, ok := transport.AsError(wh.Send(ctx, "nobody", msg))
	assert.True(t, ok)
}
