package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phantomhost/phantomctl/internal/testutil/testlog"
)

type enqueueResult struct {
	resp Response
	err  error
}

func enqueueAsync(b *Broker, req Request) chan enqueueResult {
	out := make(chan enqueueResult, 1)
	go func() {
		resp, err := b.Enqueue(context.Background(), req)
		out <- enqueueResult{resp: resp, err: err}
	}()
	return out
}

func waitDepth(t *testing.T, b *Broker, scope string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.QueueDepth(scope) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (now %d)", want, b.QueueDepth(scope))
}

func TestRendezvousScenario(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(DefaultBrokerConfig(), nil)

	if err := b.Register("siteA", "n1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	future := enqueueAsync(b, Request{
		RequestID: "r1",
		ScopeID:   "siteA",
		Method:    "GET",
		Path:      "/index.html",
	})
	waitDepth(t, b, "siteA", 1)

	req, ok, err := b.Poll("siteA", "n1")
	if err != nil || !ok {
		t.Fatalf("poll: ok=%v err=%v", ok, err)
	}
	if req.RequestID != "r1" || req.Method != "GET" || req.Path != "/index.html" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if depth := b.QueueDepth("siteA"); depth != 0 {
		t.Fatalf("poll must dequeue, depth=%d", depth)
	}

	if _, ok, err := b.Poll("siteA", "n1"); err != nil || ok {
		t.Fatalf("second poll must be empty: ok=%v err=%v", ok, err)
	}

	resp := Response{RequestID: "r1", Status: 200, Body: []byte("hi")}
	if err := b.PostResponse("siteA", "n1", resp); err != nil {
		t.Fatalf("post response: %v", err)
	}

	got := <-future
	if got.err != nil {
		t.Fatalf("enqueue resolved with error: %v", got.err)
	}
	if got.resp.Status != 200 || string(got.resp.Body) != "hi" {
		t.Fatalf("round-trip mismatch: %+v", got.resp)
	}
}

func TestEnqueueRoundTripIdentity(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(DefaultBrokerConfig(), nil)
	if err := b.Register("siteA", "n1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	future := enqueueAsync(b, Request{
		RequestID: "r9",
		ScopeID:   "siteA",
		Method:    "POST",
		Path:      "/api/save",
		Body:      []byte(`{"k":"v"}`),
	})
	waitDepth(t, b, "siteA", 1)

	want := Response{
		RequestID: "r9",
		Status:    201,
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      []byte(`{"ok":true}`),
	}
	if err := b.PostResponse("siteA", "n1", want); err != nil {
		t.Fatalf("post response: %v", err)
	}

	got := <-future
	if got.err != nil {
		t.Fatalf("enqueue err: %v", got.err)
	}
	if got.resp.Status != want.Status ||
		string(got.resp.Body) != string(want.Body) ||
		got.resp.Headers["Content-Type"] != "application/json" {
		t.Fatalf("identity violated: %+v", got.resp)
	}
}

func TestEnqueueRejectsMissingFields(t *testing.T) {
	b := NewBroker(DefaultBrokerConfig(), nil)
	_ = b.Register("siteA", "n1")
	_, err := b.Enqueue(context.Background(), Request{RequestID: "r1", ScopeID: "siteA", Method: "GET"})
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestEnqueueFailsFastWithoutLiveLease(t *testing.T) {
	b := NewBroker(DefaultBrokerConfig(), nil)
	_, err := b.Enqueue(context.Background(), Request{
		RequestID: "r1", ScopeID: "siteA", Method: "GET", Path: "/",
	})
	if !errors.Is(err, ErrNoNodesOnline) {
		t.Fatalf("expected ErrNoNodesOnline, got %v", err)
	}
}

func TestEnqueueTimesOutWithoutResponse(t *testing.T) {
	cfg := BrokerConfig{EnqueueTimeout: 50 * time.Millisecond}
	b := NewBroker(cfg, nil)
	_ = b.Register("siteA", "n1")

	start := time.Now()
	_, err := b.Enqueue(context.Background(), Request{
		RequestID: "r1", ScopeID: "siteA", Method: "GET", Path: "/",
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took too long")
	}
	if depth := b.QueueDepth("siteA"); depth != 0 {
		t.Fatalf("timed-out request must leave the queue, depth=%d", depth)
	}

	// a late response to the expired id is a benign no-op
	if err := b.PostResponse("siteA", "n1", Response{RequestID: "r1", Status: 200}); err != nil {
		t.Fatalf("stale response must not error: %v", err)
	}
}

func TestPostResponseUnknownIDDoesNotAffectOthers(t *testing.T) {
	b := NewBroker(DefaultBrokerConfig(), nil)
	_ = b.Register("siteA", "n1")

	future := enqueueAsync(b, Request{RequestID: "r1", ScopeID: "siteA", Method: "GET", Path: "/"})
	waitDepth(t, b, "siteA", 1)

	if err := b.PostResponse("siteA", "n1", Response{RequestID: "ghost", Status: 500}); err != nil {
		t.Fatalf("unknown request id must be a no-op: %v", err)
	}

	select {
	case got := <-future:
		t.Fatalf("pending request must be unaffected, resolved with %+v %v", got.resp, got.err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.PostResponse("siteA", "n1", Response{RequestID: "r1", Status: 204}); err != nil {
		t.Fatalf("post response: %v", err)
	}
	got := <-future
	if got.err != nil || got.resp.Status != 204 {
		t.Fatalf("expected 204 resolution, got %+v %v", got.resp, got.err)
	}
}

func TestQueueIsFIFOWithinScope(t *testing.T) {
	b := NewBroker(DefaultBrokerConfig(), nil)
	_ = b.Register("siteA", "n1")

	f1 := enqueueAsync(b, Request{RequestID: "r1", ScopeID: "siteA", Method: "GET", Path: "/a"})
	waitDepth(t, b, "siteA", 1)
	f2 := enqueueAsync(b, Request{RequestID: "r2", ScopeID: "siteA", Method: "GET", Path: "/b"})
	waitDepth(t, b, "siteA", 2)

	first, ok, _ := b.Poll("siteA", "n1")
	second, ok2, _ := b.Poll("siteA", "n1")
	if !ok || !ok2 {
		t.Fatalf("expected two dequeues")
	}
	if first.RequestID != "r1" || second.RequestID != "r2" {
		t.Fatalf("FIFO violated: %q then %q", first.RequestID, second.RequestID)
	}

	_ = b.PostResponse("siteA", "n1", Response{RequestID: "r1", Status: 200})
	_ = b.PostResponse("siteA", "n1", Response{RequestID: "r2", Status: 200})
	<-f1
	<-f2
}

func TestConcurrentPollersDeliverExactlyOnce(t *testing.T) {
	b := NewBroker(DefaultBrokerConfig(), nil)
	for _, node := range []string{"n1", "n2", "n3", "n4"} {
		_ = b.Register("siteA", node)
	}

	future := enqueueAsync(b, Request{RequestID: "r1", ScopeID: "siteA", Method: "GET", Path: "/"})
	waitDepth(t, b, "siteA", 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0
	for _, node := range []string{"n1", "n2", "n3", "n4"} {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			if _, ok, _ := b.Poll("siteA", node); ok {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(node)
	}
	wg.Wait()

	if delivered != 1 {
		t.Fatalf("request delivered %d times, want exactly once", delivered)
	}

	_ = b.PostResponse("siteA", "n1", Response{RequestID: "r1", Status: 200})
	<-future
}

func TestExpiredLeaseMakesScopeUnavailable(t *testing.T) {
	b := NewBroker(BrokerConfig{LeaseWindow: 10 * time.Second}, nil)
	at := time.Unix(1700000000, 0)
	b.now = func() time.Time { return at }

	_ = b.Register("siteA", "n1")
	if nodes := b.LiveNodes("siteA"); len(nodes) != 1 {
		t.Fatalf("expected 1 live node, got %d", len(nodes))
	}

	at = at.Add(11 * time.Second)
	if nodes := b.LiveNodes("siteA"); len(nodes) != 0 {
		t.Fatalf("lease must be dead past the window, got %d", len(nodes))
	}
	_, err := b.Enqueue(context.Background(), Request{
		RequestID: "r1", ScopeID: "siteA", Method: "GET", Path: "/",
	})
	if !errors.Is(err, ErrNoNodesOnline) {
		t.Fatalf("expected ErrNoNodesOnline for expired lease, got %v", err)
	}

	// re-registration restores eligibility for the next enqueue
	_ = b.Register("siteA", "n1")
	if nodes := b.LiveNodes("siteA"); len(nodes) != 1 {
		t.Fatalf("expected refreshed lease, got %d", len(nodes))
	}
}

func TestPollReflectsHeartbeatIntoPresence(t *testing.T) {
	b := NewBroker(DefaultBrokerConfig(), nil)
	if _, _, err := b.Poll("siteA", "n1"); err != nil {
		t.Fatalf("poll: %v", err)
	}
	records := b.Presence().List("siteA", time.Minute)
	if len(records) != 1 || records[0].OwnerKey != "siteA/n1" {
		t.Fatalf("poll must reflect heartbeat into presence, got %+v", records)
	}
}

func TestEnqueueHonorsContextCancellation(t *testing.T) {
	b := NewBroker(DefaultBrokerConfig(), nil)
	_ = b.Register("siteA", "n1")

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := b.Enqueue(ctx, Request{RequestID: "r1", ScopeID: "siteA", Method: "GET", Path: "/"})
		out <- err
	}()
	waitDepth(t, b, "siteA", 1)
	cancel()

	if err := <-out; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if depth := b.QueueDepth("siteA"); depth != 0 {
		t.Fatalf("abandoned request must leave the queue, depth=%d", depth)
	}
}
