// Package kafkafeed reads and writes the commitment feed on one partition of
// a Kafka topic. A statement's position is its partition offset, so the topic
// must not be compacted: the ledger treats an offset gap as a broken feed.
package kafkafeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"bverify.dev/custody/feed"
	"bverify.dev/custody/model"
)

type Config struct {
	Brokers   []string
	Topic     string
	Partition int
	// WriteTimeout bounds one Commit.
	WriteTimeout time.Duration
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafkafeed: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafkafeed: topic is required")
	}
	if c.Partition < 0 {
		return errors.New("kafkafeed: partition must not be negative")
	}
	return nil
}

// messageReader is the part of *kafka.Reader the feed uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Feed struct {
	cfg Config
	log *zap.Logger

	// openReader positions a reader at offset.
	openReader func(offset int64) (messageReader, error)
	// endOffset returns the offset the next appended message will get.
	endOffset func(ctx context.Context) (int64, error)

	writer *kafka.Writer
}

var (
	_ feed.Reader    = (*Feed)(nil)
	_ feed.Committer = (*Feed)(nil)
)

func New(cfg Config, log *zap.Logger) (*Feed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	f := &Feed{cfg: cfg, log: log}
	f.openReader = f.dialReader
	f.endOffset = f.lastOffset
	f.writer = &kafka.Writer{
		Addr:  kafka.TCP(cfg.Brokers...),
		Topic: cfg.Topic,
		Balancer: kafka.BalancerFunc(func(kafka.Message, ...int) int {
			return cfg.Partition
		}),
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchSize:    1,
		WriteTimeout: cfg.WriteTimeout,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	return f, nil
}

func (f *Feed) dialReader(offset int64) (messageReader, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   f.cfg.Brokers,
		Topic:     f.cfg.Topic,
		Partition: f.cfg.Partition,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   250 * time.Millisecond,
	})
	if err := r.SetOffset(offset); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (f *Feed) lastOffset(ctx context.Context) (int64, error) {
	var lastErr error
	for _, broker := range f.cfg.Brokers {
		conn, err := kafka.DialLeader(ctx, "tcp", broker, f.cfg.Topic, f.cfg.Partition)
		if err != nil {
			lastErr = err
			continue
		}
		off, err := conn.ReadLastOffset()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return off, nil
	}
	return 0, fmt.Errorf("kafkafeed: read last offset: %w", lastErr)
}

func (f *Feed) Close() error { return f.writer.Close() }

func (f *Feed) Commit(ctx context.Context, payload []byte) error {
	return f.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

// ReplayFrom returns a cursor over offsets [position, end), where end is the
// partition's last offset when ReplayFrom was called.
func (f *Feed) ReplayFrom(ctx context.Context, position uint64) (feed.Cursor, error) {
	end, err := f.endOffset(ctx)
	if err != nil {
		return nil, err
	}
	if int64(position) >= end {
		return feed.SliceCursor(nil), nil
	}
	r, err := f.openReader(int64(position))
	if err != nil {
		return nil, err
	}
	return &cursor{ctx: ctx, r: r, end: end}, nil
}

type cursor struct {
	ctx context.Context
	r   messageReader
	end int64

	cur  model.Statement
	err  error
	done bool
}

func (c *cursor) Next() bool {
	if c.done {
		return false
	}
	m, err := c.r.ReadMessage(c.ctx)
	if err != nil {
		c.err = err
		c.done = true
		return false
	}
	c.cur = model.Statement{Position: uint64(m.Offset), Payload: m.Value}
	if m.Offset+1 >= c.end {
		c.done = true
	}
	return true
}

func (c *cursor) Statement() model.Statement { return c.cur }
func (c *cursor) Err() error                 { return c.err }
func (c *cursor) Close() error               { return c.r.Close() }

// Subscribe streams messages from offset from until ctx is done or the
// subscription is closed.
func (f *Feed) Subscribe(ctx context.Context, from uint64) (*feed.Subscription, error) {
	r, err := f.openReader(int64(from))
	if err != nil {
		return nil, err
	}
	sub := feed.NewSubscription(64)
	readCtx, cancel := context.WithCancel(ctx)
	go cancelOnClose(readCtx, sub, cancel)
	go func() {
		defer cancel()
		defer r.Close()
		for {
			m, err := r.ReadMessage(readCtx)
			if err != nil {
				select {
				case <-sub.Done():
					sub.Finish(nil)
				default:
					if ctx.Err() != nil {
						err = ctx.Err()
					}
					sub.Finish(err)
				}
				return
			}
			if !sub.Deliver(readCtx, model.Statement{Position: uint64(m.Offset), Payload: m.Value}) {
				sub.Finish(ctx.Err())
				return
			}
		}
	}()
	return sub, nil
}

// cancelOnClose stops the reader when the consumer closes sub. It returns
// once either side is done.
func cancelOnClose(ctx context.Context, sub *feed.Subscription, cancel context.CancelFunc) {
	select {
	case <-sub.Done():
		cancel()
	case <-ctx.Done():
	}
}
