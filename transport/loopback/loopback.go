// Package loopback is an in-process transport. Endpoints on one Network
// deliver to each other synchronously, with switches to simulate an
// unreliable link.
package loopback

import (
	"context"
	"errors"
	"sync"

	"bverify.dev/custody/transport"
)

var errPartitioned = errors.New("loopback: partitioned")

type Network struct {
	mu        sync.Mutex
	inbound   map[string]transport.Inbound
	failNext  map[string][]transport.Code
	cut       map[string]bool
	duplicate bool
	sent      map[string]int
}

func NewNetwork() *Network {
	return &Network{
		inbound:  make(map[string]transport.Inbound),
		failNext: make(map[string][]transport.Code),
		cut:      make(map[string]bool),
		sent:     make(map[string]int),
	}
}

// Endpoint returns the transport for account id.
func (n *Network) Endpoint(id string) *Endpoint { return &Endpoint{net: n, id: id} }

// FailNext makes the next len(codes) sends to peer fail with the given codes
// in order. CodeRejected is not a valid fault.
func (n *Network) FailNext(peer string, codes ...transport.Code) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext[peer] = append(n.failNext[peer], codes...)
}

// Partition makes every send to peer fail as unreachable until Heal.
func (n *Network) Partition(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[peer] = true
}

func (n *Network) Heal(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, peer)
}

// DuplicateDeliveries delivers every message twice while on.
func (n *Network) DuplicateDeliveries(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicate = on
}

// Sent counts send attempts to peer, including failed ones.
func (n *Network) Sent(peer string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[peer]
}

type Endpoint struct {
	net *Network
	id  string
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) Register(in transport.Inbound) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.net.inbound[e.id] = in
}

func (e *Endpoint) Send(ctx context.Context, peer string, m transport.Message) error {
	n := e.net
	n.mu.Lock()
	n.sent[peer]++
	var fault transport.Code
	if q := n.failNext[peer]; len(q) > 0 {
		fault, n.failNext[peer] = q[0], q[1:]
	}
	cut := n.cut[peer]
	in, ok := n.inbound[peer]
	dup := n.duplicate
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return transport.Timeout(peer, err)
	}
	switch {
	case fault == transport.CodeTimeout:
		return transport.Timeout(peer, context.DeadlineExceeded)
	case fault != "":
		return transport.Unreachable(peer, errPartitioned)
	case cut || !ok:
		return transport.Unreachable(peer, errPartitioned)
	}

	// Round-trip through the wire encoding so both sides see what a real
	// transport would carry.
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	wire, err := transport.Decode(raw)
	if err != nil {
		return err
	}
	err = transport.Deliver(ctx, in, peer, wire)
	if dup {
		_ = transport.Deliver(ctx, in, peer, wire)
	}
	return err
}
