package localstate

import (
	"context"
	"testing"
	"time"
)

func TestSetNXOnlySetsWhenAbsent(t *testing.T) {
	b := New()
	ctx := context.Background()

	didSet, err := b.SetNX(ctx, "k", []byte("first"), 0)
	if err != nil || !didSet {
		t.Fatalf("expected the first SetNX to succeed, didSet=%v err=%v", didSet, err)
	}

	didSet, err = b.SetNX(ctx, "k", []byte("second"), 0)
	if err != nil || didSet {
		t.Fatalf("expected a second SetNX on the same key to fail, didSet=%v err=%v", didSet, err)
	}

	val, ok, err := b.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(val) != "first" {
		t.Fatalf("expected the original value to survive, got %q", val)
	}
}

func TestGetExpiresAfterTTL(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := b.Get(ctx, "k"); !ok {
		t.Fatal("expected the key to be readable before its TTL elapses")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("expected the key to have expired")
	}
}

func TestListIsFIFO(t *testing.T) {
	b := New()
	ctx := context.Background()

	for _, v := range []string{"A", "B", "C"} {
		if err := b.LPush(ctx, "q", v); err != nil {
			t.Fatalf("LPush: %v", err)
		}
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok, err := b.RPop(ctx, "q")
		if err != nil || !ok {
			t.Fatalf("RPop: ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Fatalf("RPop() = %q, want %q (FIFO order)", got, want)
		}
	}

	if _, ok, _ := b.RPop(ctx, "q"); ok {
		t.Fatal("expected the list to be empty")
	}
}

func TestLRemRemovesAllOccurrences(t *testing.T) {
	b := New()
	ctx := context.Background()

	for _, v := range []string{"A", "B", "A", "C"} {
		if err := b.LPush(ctx, "q", v); err != nil {
			t.Fatalf("LPush: %v", err)
		}
	}

	if err := b.LRem(ctx, "q", "A"); err != nil {
		t.Fatalf("LRem: %v", err)
	}

	n, err := b.LLen(ctx, "q")
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", n)
	}
}

func TestSetMembership(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.SAdd(ctx, "s", "A"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	if ok, err := b.SIsMember(ctx, "s", "A"); err != nil || !ok {
		t.Fatalf("SIsMember: ok=%v err=%v", ok, err)
	}
	if err := b.SRem(ctx, "s", "A"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	if ok, err := b.SIsMember(ctx, "s", "A"); err != nil || ok {
		t.Fatalf("expected A removed from the set, ok=%v err=%v", ok, err)
	}
}

func TestPipelineAppliesAllOpsAtomically(t *testing.T) {
	b := New()
	ctx := context.Background()

	pipe := b.Pipeline()
	pipe.Set("a", []byte("1"), 0)
	pipe.SAdd("set", "member")
	pipe.LPush("list", "item")
	if err := pipe.Exec(ctx); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if v, ok, _ := b.Get(ctx, "a"); !ok || string(v) != "1" {
		t.Fatalf("expected key 'a' to be set, ok=%v v=%q", ok, v)
	}
	if ok, _ := b.SIsMember(ctx, "set", "member"); !ok {
		t.Fatal("expected the set member to be added")
	}
	n, _ := b.LLen(ctx, "list")
	if n != 1 {
		t.Fatalf("expected one list entry, got %d", n)
	}
}

func TestPublishSubscribeDeliversToLocalSubscriber(t *testing.T) {
	b := New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "chan-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "chan-1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg) != "hello" {
			t.Fatalf("unexpected message: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the published message")
	}
}

func TestZRangeByScoreOrdersAndFilters(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.ZAdd(ctx, "z", 3, "c"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if err := b.ZAdd(ctx, "z", 1, "a"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if err := b.ZAdd(ctx, "z", 2, "b"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	members, err := b.ZRangeByScore(ctx, "z", 1, 2)
	if err != nil {
		t.Fatalf("ZRangeByScore: %v", err)
	}
	if len(members) != 2 || members[0] != "a" || members[1] != "b" {
		t.Fatalf("unexpected members: %v", members)
	}
}
