// Package feed defines the contract of the external commitment feed: an
// ordered, append-only, replayable sequence of statements.
//
// Contract:
//   - Positions start at 0 and are gap-free within one feed instance.
//   - A statement observed at a position never changes.
//   - ReplayFrom returns a finite cursor over the statements present when it
//     was called; it can be called again to restart.
//   - Subscribe delivers every statement from the given position onward, at
//     least once and in order. Consumers must tolerate re-delivery of a
//     position they already hold.
package feed

import (
	"context"

	"bverify.dev/custody/model"
)

// Reader is the consumed side of the commitment feed.
type Reader interface {
	ReplayFrom(ctx context.Context, position uint64) (Cursor, error)
	Subscribe(ctx context.Context, from uint64) (*Subscription, error)
}

// Committer submits an approved statement payload to the commitment log.
// It returns once the writer has accepted the payload, not once it is
// observable in the feed.
type Committer interface {
	Commit(ctx context.Context, payload []byte) error
}

// Cursor iterates a finite run of statements, bufio.Scanner style.
type Cursor interface {
	Next() bool
	Statement() model.Statement
	Err() error
	Close() error
}

// SliceCursor iterates statements held in memory.
func SliceCursor(stmts []model.Statement) Cursor {
	return &sliceCursor{stmts: stmts, i: -1}
}

type sliceCursor struct {
	stmts []model.Statement
	i     int
}

func (c *sliceCursor) Next() bool {
	if c.i+1 >= len(c.stmts) {
		c.i = len(c.stmts)
		return false
	}
	c.i++
	return true
}

func (c *sliceCursor) Statement() model.Statement {
	if c.i < 0 || c.i >= len(c.stmts) {
		return model.Statement{}
	}
	return c.stmts[c.i]
}

func (c *sliceCursor) Err() error   { return nil }
func (c *sliceCursor) Close() error { return nil }
