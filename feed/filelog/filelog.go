// Package filelog is a commitment feed kept in a local append-only file.
//
// Each statement is one line holding the base64 (std, padded) encoding of its
// payload; the line number is the position. A trailing line without a newline
// is an in-progress write and is not visible until it is completed.
package filelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"bverify.dev/custody/feed"
	"bverify.dev/custody/model"
)

const defaultPoll = 500 * time.Millisecond

type Option func(*Log)

// WithPollInterval sets the fallback poll used alongside fsnotify.
func WithPollInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.poll = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Log) {
		if log != nil {
			l.log = log
		}
	}
}

type Log struct {
	path string
	poll time.Duration
	log  *zap.Logger

	// mu serialises appends from this process.
	mu sync.Mutex
}

var (
	_ feed.Reader    = (*Log)(nil)
	_ feed.Committer = (*Log)(nil)
)

// Open returns a feed over path. The file is created if it does not exist.
func Open(path string, opts ...Option) (*Log, error) {
	if path == "" {
		return nil, errors.New("filelog: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	l := &Log{path: path, poll: defaultPoll, log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Log) Path() string { return l.path }

// Append writes payload as the next line and syncs the file.
func (l *Log) Append(payload []byte) error {
	line := make([]byte, base64.StdEncoding.EncodedLen(len(payload))+1)
	base64.StdEncoding.Encode(line, payload)
	line[len(line)-1] = '\n'

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (l *Log) Commit(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Append(payload)
}

func (l *Log) ReplayFrom(ctx context.Context, position uint64) (feed.Cursor, error) {
	var out []model.Statement
	_, _, err := l.scan(ctx, 0, 0, func(st model.Statement) bool {
		if st.Position >= position {
			out = append(out, st)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return feed.SliceCursor(out), nil
}

// scan reads complete lines starting at byte offset off, which must be the
// start of line pos. It returns the position and offset after the last
// complete line it consumed.
func (l *Log) scan(ctx context.Context, off int64, pos uint64, fn func(model.Statement) bool) (uint64, int64, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return pos, off, err
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return pos, off, err
	}

	r := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return pos, off, err
		}
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Partial line, or nothing left.
			return pos, off, nil
		}
		if err != nil {
			return pos, off, err
		}
		body := bytes.TrimRight(line, "\r\n")
		payload := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
		n, derr := base64.StdEncoding.Decode(payload, body)
		if derr != nil {
			// The raw line still occupies the position; the ledger rejects it
			// as malformed and moves on.
			l.log.Warn("undecodable line", zap.Uint64("position", pos), zap.Error(derr))
			payload, n = append([]byte(nil), body...), len(body)
		}
		if !fn(model.Statement{Position: pos, Payload: payload[:n]}) {
			return pos, off, nil
		}
		off += int64(len(line))
		pos++
	}
}

// Subscribe follows the file from position from. New lines are picked up on
// fsnotify write events and on a periodic poll.
func (l *Log) Subscribe(ctx context.Context, from uint64) (*feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filelog: failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("filelog: watch %s: %w", l.path, err)
	}
	sub := feed.NewSubscription(64)
	go l.follow(ctx, sub, w, from)
	return sub, nil
}

func (l *Log) follow(ctx context.Context, sub *feed.Subscription, w *fsnotify.Watcher, from uint64) {
	defer w.Close()

	var (
		pos     uint64
		off     int64
		stopped bool
	)
	drain := func() error {
		var err error
		pos, off, err = l.scan(ctx, off, pos, func(st model.Statement) bool {
			if st.Position < from {
				return true
			}
			if !sub.Deliver(ctx, st) {
				stopped = true
				return false
			}
			return true
		})
		return err
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	target := filepath.Clean(l.path)

	for {
		if err := drain(); err != nil {
			sub.Finish(err)
			return
		}
		if stopped {
			sub.Finish(ctx.Err())
			return
		}
		select {
		case <-ctx.Done():
			sub.Finish(ctx.Err())
			return
		case <-sub.Done():
			sub.Finish(nil)
			return
		case <-ticker.C:
		case ev, ok := <-w.Events:
			if !ok {
				sub.Finish(errors.New("filelog: watcher closed"))
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				sub.Finish(fmt.Errorf("filelog: %s was removed", l.path))
				return
			}
		case err, ok := <-w.Errors:
			if ok {
				l.log.Warn("fsnotify error", zap.String("path", l.path), zap.Error(err))
			}
		}
	}
}
