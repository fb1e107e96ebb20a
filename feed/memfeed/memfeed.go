// Package memfeed is an in-memory commitment feed. It backs tests and the
// single-process demo node.
package memfeed

import (
	"context"
	"errors"
	"sync"

	"bverify.dev/custody/feed"
	"bverify.dev/custody/model"
)

var ErrClosed = errors.New("memfeed: closed")

// Log is an append-only, in-memory statement log. It implements both
// feed.Reader and feed.Committer.
type Log struct {
	mu      sync.Mutex
	entries [][]byte
	changed chan struct{}
	closed  bool
}

func New() *Log {
	return &Log{changed: make(chan struct{})}
}

var (
	_ feed.Reader    = (*Log)(nil)
	_ feed.Committer = (*Log)(nil)
)

// Append adds payload at the next position and returns that position.
func (l *Log) Append(payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	pos := uint64(len(l.entries))
	l.entries = append(l.entries, append([]byte(nil), payload...))
	close(l.changed)
	l.changed = make(chan struct{})
	return pos, nil
}

func (l *Log) Commit(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := l.Append(payload)
	return err
}

// Len returns the number of statements in the log.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries))
}

// Close ends every live subscription with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.changed)
	}
	return nil
}

func (l *Log) ReplayFrom(ctx context.Context, position uint64) (feed.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Statement
	for i := position; i < uint64(len(l.entries)); i++ {
		out = append(out, model.Statement{Position: i, Payload: append([]byte(nil), l.entries[i]...)})
	}
	return feed.SliceCursor(out), nil
}

func (l *Log) Subscribe(ctx context.Context, from uint64) (*feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := feed.NewSubscription(16)
	go l.pump(ctx, sub, from)
	return sub, nil
}

func (l *Log) pump(ctx context.Context, sub *feed.Subscription, pos uint64) {
	for {
		l.mu.Lock()
		if pos < uint64(len(l.entries)) {
			st := model.Statement{Position: pos, Payload: append([]byte(nil), l.entries[pos]...)}
			l.mu.Unlock()
			if !sub.Deliver(ctx, st) {
				sub.Finish(ctx.Err())
				return
			}
			pos++
			continue
		}
		if l.closed {
			l.mu.Unlock()
			sub.Finish(ErrClosed)
			return
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-sub.Done():
			sub.Finish(nil)
			return
		case <-ctx.Done():
			sub.Finish(ctx.Err())
			return
		}
	}
}
