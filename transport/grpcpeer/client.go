package grpcpeer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"bverify.dev/custody/transport"
)

type DialOptions struct {
	// Timeout applies per RPC when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int

	// Extra is appended to the default dial options (tests use it for bufconn).
	Extra []grpc.DialOption
}

// Client sends transport messages to named peers. Connections are created
// on first use and kept until Close.
type Client struct {
	self    string
	targets map[string]string
	opts    DialOptions

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient maps peer account ids to gRPC targets.
func NewClient(self string, targets map[string]string, opts DialOptions) *Client {
	t := make(map[string]string, len(targets))
	for k, v := range targets {
		t[k] = v
	}
	return &Client{self: self, targets: t, opts: opts, conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) conn(peer string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[peer]; ok {
		return cc, nil
	}
	target, ok := c.targets[peer]
	if !ok {
		return nil, transport.Unreachable(peer, fmt.Errorf("no address for peer %q", peer))
	}
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if c.opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.opts.MaxMsgBytes),
			grpc.MaxCallSendMsgSize(c.opts.MaxMsgBytes),
		))
	}
	dialOpts = append(dialOpts, c.opts.Extra...)
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, transport.Unreachable(peer, err)
	}
	c.conns[peer] = cc
	return cc, nil
}

func (c *Client) Send(ctx context.Context, peer string, m transport.Message) error {
	cc, err := c.conn(peer)
	if err != nil {
		return err
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	client := NewPeerClient(cc)

	switch m.Kind {
	case transport.KindProposal:
		raw, err := m.Encode()
		if err != nil {
			return err
		}
		_, err = client.SubmitProposal(ctx, wrapperspb.Bytes(raw))
		return mapRPC(peer, err)
	case transport.KindApproval:
		ctx = metadata.AppendToOutgoingContext(ctx, fromKey, m.From)
		_, err := client.SubmitApproval(ctx, wrapperspb.String(m.ProposalID))
		return mapRPC(peer, err)
	default:
		return fmt.Errorf("%w: unknown kind %q", transport.ErrMalformed, m.Kind)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for peer, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, peer)
	}
	return first
}

// Transport pairs a Client with the Server that receives for the same account.
type Transport struct {
	*Client
	Server *Server
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Register(in transport.Inbound) { t.Server.SetInbound(in) }
