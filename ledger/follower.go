package ledger

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"bverify.dev/custody/feed"
	"bverify.dev/custody/model"
)

// Observer is told about every fold outcome except re-delivered positions.
// Observers run on the follower goroutine and must not block.
type Observer func(Applied)

type FollowerOption func(*Follower)

func WithObserver(fn Observer) FollowerOption {
	return func(f *Follower) {
		if fn != nil {
			f.observers = append(f.observers, fn)
		}
	}
}

// WithCheckpoints saves a checkpoint every n applied statements.
func WithCheckpoints(store *CheckpointStore, n uint64) FollowerOption {
	return func(f *Follower) {
		f.ckpt = store
		f.every = n
	}
}

func WithFollowerLogger(log *zap.Logger) FollowerOption {
	return func(f *Follower) {
		if log != nil {
			f.log = log
		}
	}
}

// Follower keeps a Ledger in step with a feed: it replays history, then
// applies live statements as the subscription delivers them.
type Follower struct {
	ledger *Ledger
	reader feed.Reader

	observers []Observer
	ckpt      *CheckpointStore
	every     uint64
	sinceCkpt uint64

	log *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func NewFollower(l *Ledger, r feed.Reader, opts ...FollowerOption) *Follower {
	f := &Follower{
		ledger: l,
		reader: r,
		log:    zap.NewNop(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Ready is closed once the initial replay has completed.
func (f *Follower) Ready() <-chan struct{} { return f.ready }

// Rebuild folds every statement currently in the feed from the ledger's next
// expected position onward.
func (f *Follower) Rebuild(ctx context.Context) error {
	cur, err := f.reader.ReplayFrom(ctx, f.ledger.Applied())
	if err != nil {
		return err
	}
	defer cur.Close()
	for cur.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.apply(cur.Statement()); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	f.log.Info("ledger rebuilt", zap.Uint64("applied", f.ledger.Applied()))
	return nil
}

// Run rebuilds, signals Ready, then follows the live feed until ctx is done
// or the feed breaks its ordering contract.
func (f *Follower) Run(ctx context.Context) error {
	if err := f.Rebuild(ctx); err != nil {
		return err
	}
	f.readyOnce.Do(func() { close(f.ready) })

	sub, err := f.reader.Subscribe(ctx, f.ledger.Applied())
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := sub.Err(); err != nil {
					return err
				}
				return errors.New("ledger: feed subscription ended")
			}
			if err := f.apply(st); err != nil {
				return err
			}
		}
	}
}

func (f *Follower) apply(st model.Statement) error {
	res, err := f.ledger.Apply(st)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateStatement):
		f.log.Debug("skipping re-delivered statement", zap.Uint64("position", st.Position))
		return nil
	case IsFatal(err):
		f.log.Error("feed ordering violated",
			zap.Uint64("position", st.Position),
			zap.Uint64("expected", f.ledger.Applied()),
			zap.Error(err))
		return err
	}
	for _, obs := range f.observers {
		obs(res)
	}
	f.maybeCheckpoint()
	return nil
}

func (f *Follower) maybeCheckpoint() {
	if f.ckpt == nil || f.every == 0 {
		return
	}
	f.sinceCkpt++
	if f.sinceCkpt < f.every {
		return
	}
	f.sinceCkpt = 0
	id, err := f.ckpt.Save(f.ledger)
	if err != nil {
		f.log.Warn("checkpoint failed", zap.Error(err))
		return
	}
	f.log.Debug("checkpoint saved", zap.Stringer("cid", id), zap.Uint64("applied", f.ledger.Applied()))
}
