package feed

import (
	"context"
	"errors"
	"testing"

	"bverify.dev/custody/model"
)

func TestSliceCursor(t *testing.T) {
	c := SliceCursor([]model.Statement{{Position: 0}, {Position: 1}})
	var got []uint64
	for c.Next() {
		got = append(got, c.Statement().Position)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("unexpected positions: %v", got)
	}
	if c.Next() {
		t.Fatalf("Next after exhaustion returned true")
	}
	if c.Err() != nil {
		t.Fatalf("unexpected error: %v", c.Err())
	}
}

func TestSubscription_DeliverFinish(t *testing.T) {
	s := NewSubscription(1)
	ctx := context.Background()
	if !s.Deliver(ctx, model.Statement{Position: 7}) {
		t.Fatalf("Deliver failed")
	}
	boom := errors.New("boom")
	s.Finish(boom)
	s.Finish(nil)

	st, ok := <-s.C()
	if !ok || st.Position != 7 {
		t.Fatalf("unexpected delivery: %+v %v", st, ok)
	}
	if _, ok := <-s.C(); ok {
		t.Fatalf("channel not closed after Finish")
	}
	if !errors.Is(s.Err(), boom) {
		t.Fatalf("Err = %v, want boom", s.Err())
	}
}

func TestSubscription_CloseStopsDeliver(t *testing.T) {
	s := NewSubscription(0)
	_ = s.Close()
	_ = s.Close()
	if s.Deliver(context.Background(), model.Statement{}) {
		t.Fatalf("Deliver succeeded after Close")
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed")
	}
}
