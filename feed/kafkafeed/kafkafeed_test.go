package kafkafeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"bverify.dev/custody/feed"
)

type fakePartition struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (p *fakePartition) reader(offset int64) (messageReader, error) {
	return &fakeReader{p: p, next: offset}, nil
}

func (p *fakePartition) end(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.msgs)), nil
}

type fakeReader struct {
	p      *fakePartition
	next   int64
	closed bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.p.mu.Lock()
		if r.next < int64(len(r.p.msgs)) {
			m := kafka.Message{Offset: r.next, Value: r.p.msgs[r.next]}
			r.p.mu.Unlock()
			r.next++
			return m, nil
		}
		r.p.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *fakeReader) Close() error { r.closed = true; return nil }

func newTestFeed(t *testing.T, p *fakePartition) *Feed {
	t.Helper()
	f, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "statements"}, nil)
	require.NoError(t, err)
	f.openReader = p.reader
	f.endOffset = p.end
	return f
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{Topic: "t"}.Validate())
	require.Error(t, Config{Brokers: []string{"b"}}.Validate())
	require.Error(t, Config{Brokers: []string{"b"}, Topic: "t", Partition: -1}.Validate())
	require.NoError(t, Config{Brokers: []string{"b"}, Topic: "t"}.Validate())
}

func TestReplayFrom_StopsAtEndOffset(t *testing.T) {
	p := &fakePartition{msgs: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}
	f := newTestFeed(t, p)

	cur, err := f.ReplayFrom(context.Background(), 1)
	require.NoError(t, err)
	var got []string
	for cur.Next() {
		got = append(got, string(cur.Statement().Payload))
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())
	require.Equal(t, []string{"b", "c"}, got)

	cur, err = f.ReplayFrom(context.Background(), 3)
	require.NoError(t, err)
	require.False(t, cur.Next())
}

func TestSubscribe_DeliversAppended(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := &fakePartition{msgs: [][]byte{[]byte("a")}}
	f := newTestFeed(t, p)
	sub, err := f.Subscribe(ctx, 1)
	require.NoError(t, err)

	p.mu.Lock()
	p.msgs = append(p.msgs, []byte("b"))
	p.mu.Unlock()

	st := <-sub.C()
	require.Equal(t, uint64(1), st.Position)
	require.Equal(t, "b", string(st.Payload))

	require.NoError(t, sub.Close())
	for range sub.C() {
	}
	require.NoError(t, sub.Err())
}

func TestCancelOnClose(t *testing.T) {
	run := func(ctx context.Context, sub *feed.Subscription, cancel context.CancelFunc) <-chan struct{} {
		exited := make(chan struct{})
		go func() {
			defer close(exited)
			cancelOnClose(ctx, sub, cancel)
		}()
		return exited
	}

	// Closing the subscription cancels the reader.
	ctx, cancel := context.WithCancel(context.Background())
	sub := feed.NewSubscription(0)
	exited := run(ctx, sub, cancel)
	require.NoError(t, sub.Close())
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit on close")
	}
	require.Error(t, ctx.Err())

	// A cancelled context releases the watcher without a Close.
	ctx, cancel = context.WithCancel(context.Background())
	exited = run(ctx, feed.NewSubscription(0), cancel)
	cancel()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit on cancel")
	}
}
