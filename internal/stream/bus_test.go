package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type intHandle struct {
	chunks []ProviderStreamChunk
	idx    int
	err    error
}

func (h *intHandle) Next(ctx context.Context) (ProviderStreamChunk, bool, error) {
	if h.err != nil {
		return ProviderStreamChunk{}, false, h.err
	}
	if h.idx >= len(h.chunks) {
		return ProviderStreamChunk{}, false, nil
	}
	c := h.chunks[h.idx]
	h.idx++
	return c, true, nil
}

func (h *intHandle) Stop() {}

func TestPublishAssignsContiguousSeq(t *testing.T) {
	b := New[string]()
	for i := 0; i < 5; i++ {
		env, err := b.Publish("run1", "x")
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if env.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, env.Seq)
		}
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	b := New[string]()
	var mu sync.Mutex
	var got []string

	sub := b.Subscribe("run1", 0, func(env Envelope[string]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env.Event)
	}, nil)
	defer sub.Unsubscribe()

	b.Publish("run1", "a")
	b.Publish("run1", "b")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New[string]()
	count := 0
	sub := b.Subscribe("run1", 0, func(env Envelope[string]) { count++ }, nil)

	b.Publish("run1", "a")
	sub.Unsubscribe()
	b.Publish("run1", "b")

	if count != 1 {
		t.Fatalf("expected 1 event delivered before unsubscribe, got %d", count)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New[string]()
	sub := b.Subscribe("run1", 0, func(Envelope[string]) {}, nil)
	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic
}

func TestReplayThenLive(t *testing.T) {
	// Scenario: publish seq 1..5, subscribe afterSeq=2 expecting synchronous
	// replay of 3,4,5, then live delivery of 6, then close firing onClose
	// once, then publish after close returns ErrStreamClosed.
	b := New[int]()
	for i := 1; i <= 5; i++ {
		b.Publish("run1", i)
	}

	var mu sync.Mutex
	var received []int
	closedCount := 0

	sub := b.Subscribe("run1", 2, func(env Envelope[int]) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env.Event)
	}, func() {
		mu.Lock()
		defer mu.Unlock()
		closedCount++
	})
	defer sub.Unsubscribe()

	mu.Lock()
	replaySoFar := append([]int(nil), received...)
	mu.Unlock()
	if len(replaySoFar) != 3 || replaySoFar[0] != 3 || replaySoFar[1] != 4 || replaySoFar[2] != 5 {
		t.Fatalf("expected synchronous replay of [3 4 5], got %v", replaySoFar)
	}

	if _, err := b.Publish("run1", 6); err != nil {
		t.Fatalf("publish live: %v", err)
	}

	mu.Lock()
	afterLive := append([]int(nil), received...)
	mu.Unlock()
	if len(afterLive) != 4 || afterLive[3] != 6 {
		t.Fatalf("expected live delivery of 6, got %v", afterLive)
	}

	b.Close("run1")
	b.Close("run1") // idempotent

	mu.Lock()
	cc := closedCount
	mu.Unlock()
	if cc != 1 {
		t.Fatalf("expected onClose exactly once, got %d", cc)
	}

	if _, err := b.Publish("run1", 7); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after close, got %v", err)
	}
}

func TestSubscribeAfterCloseFiresOnCloseOnly(t *testing.T) {
	b := New[int]()
	b.Publish("run1", 1)
	b.Close("run1")

	eventCount := 0
	closeCount := 0
	sub := b.Subscribe("run1", 0, func(Envelope[int]) { eventCount++ }, func() { closeCount++ })

	if eventCount != 0 {
		t.Fatalf("expected zero onEvent calls on a closed stream, got %d", eventCount)
	}
	if closeCount != 1 {
		t.Fatalf("expected exactly one onClose call, got %d", closeCount)
	}

	sub.Unsubscribe() // no-op subscription must tolerate Unsubscribe
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New[int]()
	b.Close("run1")
	if _, err := b.Publish("run1", 1); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	lo, hi, ok := b.BufferedRange("run1")
	if ok && (lo != 0 || hi != 0) {
		t.Fatalf("expected no buffered events, got lo=%d hi=%d", lo, hi)
	}
}

func TestBoundedBufferEvicts(t *testing.T) {
	var evicted []int64
	var mu sync.Mutex
	b := New[int](
		WithMaxEventsPerStream[int](3),
		WithEvictionObserver[int](func(streamID string, seq int64) {
			mu.Lock()
			defer mu.Unlock()
			evicted = append(evicted, seq)
		}),
	)

	for i := 1; i <= 10; i++ {
		b.Publish("run1", i)
	}

	lo, hi, ok := b.BufferedRange("run1")
	if !ok {
		t.Fatal("expected stream to exist")
	}
	if hi-lo+1 != 3 {
		t.Fatalf("expected buffer length 3, got %d (lo=%d hi=%d)", hi-lo+1, lo, hi)
	}
	if hi != 10 {
		t.Fatalf("expected newest seq 10, got %d", hi)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 7 {
		t.Fatalf("expected 7 evictions, got %d: %v", len(evicted), evicted)
	}
	if evicted[0] != 1 {
		t.Fatalf("expected oldest evicted first, got %v", evicted)
	}
}

func TestBufferLengthNeverExceedsMinNextSeqAndBound(t *testing.T) {
	b := New[int](WithMaxEventsPerStream[int](5))
	for i := 1; i <= 3; i++ {
		b.Publish("run1", i)
		lo, hi, ok := b.BufferedRange("run1")
		if !ok {
			t.Fatal("expected stream to exist")
		}
		length := hi - lo + 1
		want := int64(i)
		if length != want {
			t.Fatalf("at publish %d: expected buffer length %d, got %d", i, want, length)
		}
	}
	for i := 4; i <= 12; i++ {
		b.Publish("run1", i)
		lo, hi, ok := b.BufferedRange("run1")
		if !ok {
			t.Fatal("expected stream to exist")
		}
		length := hi - lo + 1
		want := int64(i)
		if want > 5 {
			want = 5
		}
		if length != want {
			t.Fatalf("at publish %d: expected bounded length %d, got %d", i, want, length)
		}
	}
}

func TestMultipleSubscribersIndependentCursors(t *testing.T) {
	b := New[int]()
	b.Publish("run1", 1)
	b.Publish("run1", 2)

	var a, c []int
	subA := b.Subscribe("run1", 0, func(env Envelope[int]) { a = append(a, env.Event) }, nil)
	defer subA.Unsubscribe()
	subC := b.Subscribe("run1", 1, func(env Envelope[int]) { c = append(c, env.Event) }, nil)
	defer subC.Unsubscribe()

	if len(a) != 2 || len(c) != 1 {
		t.Fatalf("expected subA to replay 2 events and subC 1, got a=%v c=%v", a, c)
	}

	b.Publish("run1", 3)
	if len(a) != 3 || len(c) != 2 {
		t.Fatalf("expected both to receive the live event, got a=%v c=%v", a, c)
	}
}

func TestIndependentStreams(t *testing.T) {
	b := New[int]()
	b.Publish("run1", 1)
	b.Publish("run2", 100)

	lo1, hi1, _ := b.BufferedRange("run1")
	lo2, hi2, _ := b.BufferedRange("run2")
	if lo1 != 1 || hi1 != 1 {
		t.Fatalf("run1 range wrong: %d %d", lo1, hi1)
	}
	if lo2 != 1 || hi2 != 1 {
		t.Fatalf("run2 seq should restart at 1, got %d %d", lo2, hi2)
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New[int]()
	if b.SubscriberCount("run1") != 0 {
		t.Fatal("expected zero subscribers on untouched stream")
	}
	sub := b.Subscribe("run1", 0, func(Envelope[int]) {}, nil)
	if b.SubscriberCount("run1") != 1 {
		t.Fatal("expected one subscriber")
	}
	sub.Unsubscribe()
	if b.SubscriberCount("run1") != 0 {
		t.Fatal("expected zero subscribers after unsubscribe")
	}
}

// TestSubscribeDuringConcurrentPublishPreservesOrder guards against a
// subscriber observing a live event before the buffered replay suffix that
// precedes it in seq order: registration and replay delivery must happen
// in the same critical section a concurrent Publish takes to snapshot its
// subscribers.
func TestSubscribeDuringConcurrentPublishPreservesOrder(t *testing.T) {
	b := New[int]()
	for i := 0; i < 50; i++ {
		b.Publish("run1", i)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 50; i < 500; i++ {
			b.Publish("run1", i)
		}
	}()

	var mu sync.Mutex
	var received []int64
	sub := b.Subscribe("run1", 0, func(env Envelope[int]) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env.Seq)
	}, nil)
	defer sub.Unsubscribe()

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Fatalf("seq out of order at index %d: %v then %v (full: %v)", i, received[i-1], received[i], received)
		}
	}
}

func TestConcurrentPublishSubscribeUnsubscribe(t *testing.T) {
	b := New[int]()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.Publish("run1", i)
		}
	}()

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("run1", 0, func(Envelope[int]) {}, nil)
			sub.Unsubscribe()
		}()
	}

	wg.Wait()
	lo, hi, ok := b.BufferedRange("run1")
	if !ok {
		t.Fatal("expected stream to exist")
	}
	if hi-lo+1 > DefaultMaxEventsPerStream {
		t.Fatalf("buffer exceeded bound: lo=%d hi=%d", lo, hi)
	}
}

func TestRepublishClosesOnRunFinished(t *testing.T) {
	b := New[ProviderStreamChunk]()
	handle := &intHandle{chunks: []ProviderStreamChunk{
		MessageDelta("hello"),
		TodoUpdate("t1", "do thing", TodoDoing, 0),
		RunFinished(RunSucceeded, "", nil),
	}}

	var got []ProviderStreamChunk
	closed := false
	sub := b.Subscribe("run1", 0, func(env Envelope[ProviderStreamChunk]) {
		got = append(got, env.Event)
	}, func() { closed = true })
	defer sub.Unsubscribe()

	if err := Republish(context.Background(), b, "run1", handle, nil); err != nil {
		t.Fatalf("Republish: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 chunks delivered, got %d", len(got))
	}
	if got[2].Kind != ChunkRunFinished {
		t.Fatalf("expected last chunk to be run.finished, got %v", got[2].Kind)
	}
	if !closed {
		t.Fatal("expected stream closed after run.finished")
	}
	if !b.IsClosed("run1") {
		t.Fatal("expected IsClosed true")
	}
}

func TestRepublishClosesEvenWithoutFinishedChunk(t *testing.T) {
	b := New[ProviderStreamChunk]()
	handle := &intHandle{chunks: []ProviderStreamChunk{MessageDelta("partial")}}

	if err := Republish(context.Background(), b, "run1", handle, nil); err != nil {
		t.Fatalf("Republish: %v", err)
	}
	if !b.IsClosed("run1") {
		t.Fatal("expected stream closed even without a run.finished chunk")
	}
}

func TestRepublishPropagatesHandleError(t *testing.T) {
	b := New[ProviderStreamChunk]()
	handle := &intHandle{err: errors.New("boom")}

	err := Republish(context.Background(), b, "run1", handle, nil)
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if !b.IsClosed("run1") {
		t.Fatal("expected stream closed even on handle error")
	}
}

func TestNormalizeProviderKind(t *testing.T) {
	if got := NormalizeProviderKind("codex-app-server"); got != "codex-cli" {
		t.Fatalf("expected codex-cli, got %s", got)
	}
	if got := NormalizeProviderKind("claude-code"); got != "claude-code" {
		t.Fatalf("expected passthrough, got %s", got)
	}
}
