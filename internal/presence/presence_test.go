package presence

import (
	"testing"
	"time"
)

func fixedClock(r *Registry) *time.Time {
	at := time.Unix(1700000000, 0)
	r.now = func() time.Time { return at }
	return &at
}

func TestUpsertReplacesByOwnerKey(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Record{OwnerKey: "siteA/n1", Scope: "siteA", Capabilities: []string{"http"}})
	r.Upsert(Record{OwnerKey: "siteA/n1", Scope: "siteA", Capabilities: []string{"http", "stream"}})

	got := r.List("siteA", time.Minute)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if len(got[0].Capabilities) != 2 {
		t.Fatalf("expected replacement, got %+v", got[0])
	}
}

func TestListWindowBoundary(t *testing.T) {
	r := NewRegistry()
	at := fixedClock(r)
	r.Upsert(Record{OwnerKey: "siteA/n1", Scope: "siteA"})

	window := 30 * time.Second

	*at = at.Add(window)
	if got := r.List("siteA", window); len(got) != 1 {
		t.Fatalf("record should be live at elapsed == window, got %d", len(got))
	}

	// extra prunes must not change the window semantics
	r.Prune(window)
	if got := r.List("siteA", window); len(got) != 1 {
		t.Fatalf("record should survive prune inside window, got %d", len(got))
	}

	*at = at.Add(time.Second)
	if got := r.List("siteA", window); len(got) != 0 {
		t.Fatalf("record should be absent past window, got %d", len(got))
	}
}

func TestListMostRecentFirstAndScopeFiltered(t *testing.T) {
	r := NewRegistry()
	at := fixedClock(r)

	r.Upsert(Record{OwnerKey: "siteA/n1", Scope: "siteA"})
	*at = at.Add(time.Second)
	r.Upsert(Record{OwnerKey: "siteA/n2", Scope: "siteA"})
	r.Upsert(Record{OwnerKey: "siteB/n9", Scope: "siteB"})

	got := r.List("siteA", time.Minute)
	if len(got) != 2 {
		t.Fatalf("expected 2 siteA records, got %d", len(got))
	}
	if got[0].OwnerKey != "siteA/n2" || got[1].OwnerKey != "siteA/n1" {
		t.Fatalf("expected most-recent first, got %q then %q", got[0].OwnerKey, got[1].OwnerKey)
	}
}

func TestPruneDeletesExpired(t *testing.T) {
	r := NewRegistry()
	at := fixedClock(r)
	r.Upsert(Record{OwnerKey: "siteA/n1", Scope: "siteA"})
	r.Upsert(Record{OwnerKey: "siteB/n2", Scope: "siteB"})

	*at = at.Add(time.Minute)
	r.Touch("siteB/n2", "siteB")

	if removed := r.Prune(30 * time.Second); removed != 1 {
		t.Fatalf("expected 1 pruned record, got %d", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 surviving record, got %d", r.Len())
	}
}

func TestTouchCreatesMinimalRecord(t *testing.T) {
	r := NewRegistry()
	r.Touch("siteA/n1", "siteA")
	got := r.List("siteA", time.Minute)
	if len(got) != 1 || got[0].OwnerKey != "siteA/n1" {
		t.Fatalf("expected touched record, got %+v", got)
	}
}
