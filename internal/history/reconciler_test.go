package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type applyRecorder struct {
	mu     sync.Mutex
	calls  []appliedTranscript
	signal chan struct{}
}

type appliedTranscript struct {
	data string
	prov Provenance
}

func newApplyRecorder() *applyRecorder {
	return &applyRecorder{signal: make(chan struct{}, 8)}
}

func (r *applyRecorder) apply(data string, prov Provenance) {
	r.mu.Lock()
	r.calls = append(r.calls, appliedTranscript{data, prov})
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *applyRecorder) snapshot() []appliedTranscript {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]appliedTranscript, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *applyRecorder) waitOne(t *testing.T) {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript paint")
	}
}

func TestReconciler_LocalPaintAfterGrace(t *testing.T) {
	store := newTestStore(t, 1024)
	store.Save(context.Background(), "sess-1", "cached output")

	rec := newApplyRecorder()
	r := NewReconciler(store, "sess-1", 20*time.Millisecond, rec.apply)
	defer r.Stop()

	r.Start()
	rec.waitOne(t)

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].prov != ProvenanceLocal || calls[0].data != "cached output" {
		t.Errorf("expected one local paint of cached data, got %+v", calls)
	}
	if r.Provenance() != ProvenanceLocal {
		t.Errorf("expected local provenance, got %q", r.Provenance())
	}
}

func TestReconciler_NoCacheNoPaint(t *testing.T) {
	store := newTestStore(t, 1024)

	rec := newApplyRecorder()
	r := NewReconciler(store, "fresh", 20*time.Millisecond, rec.apply)
	defer r.Stop()

	r.Start()
	time.Sleep(80 * time.Millisecond)

	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("expected no paint without a cache entry, got %+v", calls)
	}
	if r.Provenance() != ProvenanceNone {
		t.Errorf("expected none provenance, got %q", r.Provenance())
	}
}

// TestReconciler_ServerBeatsGrace tests that server history arriving inside
// the grace window suppresses the speculative local paint entirely.
func TestReconciler_ServerBeatsGrace(t *testing.T) {
	store := newTestStore(t, 1024)
	store.Save(context.Background(), "sess-1", "stale local")

	rec := newApplyRecorder()
	r := NewReconciler(store, "sess-1", 50*time.Millisecond, rec.apply)
	defer r.Stop()

	r.Start()
	r.ApplyServer("authoritative")
	rec.waitOne(t)

	// Wait past the grace window to catch a late local paint.
	time.Sleep(120 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].prov != ProvenanceServer || calls[0].data != "authoritative" {
		t.Errorf("expected exactly one server paint, got %+v", calls)
	}
	if r.Transcript() != "authoritative" {
		t.Errorf("expected server transcript, got %q", r.Transcript())
	}
}

// TestReconciler_ServerSupersedesLocal tests the provenance exclusivity
// rules: server replaces a speculative local paint, and later local writes
// are rejected for the life of the connection.
func TestReconciler_ServerSupersedesLocal(t *testing.T) {
	store := newTestStore(t, 1024)
	store.Save(context.Background(), "sess-1", "cached")

	rec := newApplyRecorder()
	r := NewReconciler(store, "sess-1", 10*time.Millisecond, rec.apply)
	defer r.Stop()

	r.Start()
	rec.waitOne(t) // local paint

	r.ApplyServer("server history")
	rec.waitOne(t)

	if r.Provenance() != ProvenanceServer {
		t.Errorf("expected server provenance, got %q", r.Provenance())
	}

	if r.ApplyLocal("late local") {
		t.Error("local write must be rejected after server history")
	}
	if r.Transcript() != "server history" {
		t.Errorf("local write leaked through: %q", r.Transcript())
	}
}

func TestReconciler_AppendOutputPersists(t *testing.T) {
	store := newTestStore(t, 1024)

	r := NewReconciler(store, "sess-1", time.Minute, nil)
	defer r.Stop()

	r.AppendOutput("line one\n")
	r.AppendOutput("line two\n")

	if r.Transcript() != "line one\nline two\n" {
		t.Errorf("unexpected transcript %q", r.Transcript())
	}

	// A fresh reconciler for the same session sees the persisted cache.
	data, err := store.Load(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if data != "line one\nline two\n" {
		t.Errorf("expected persisted transcript, got %q", data)
	}
}

func TestReconciler_AppendBounded(t *testing.T) {
	store := newTestStore(t, 8)

	r := NewReconciler(store, "sess-1", time.Minute, nil)
	defer r.Stop()

	r.AppendOutput("0123456789abcdef")

	if r.Transcript() != "89abcdef" {
		t.Errorf("expected bounded tail, got %q", r.Transcript())
	}
}

func TestReconciler_SessionNotFound(t *testing.T) {
	store := newTestStore(t, 1024)
	store.Save(context.Background(), "gone", "stale cache")

	r := NewReconciler(store, "gone", time.Minute, nil)
	defer r.Stop()

	r.AppendOutput("some output")
	r.SessionNotFound()

	if r.Transcript() != "" {
		t.Errorf("expected transcript reset, got %q", r.Transcript())
	}
	if _, err := store.Load(context.Background(), "gone"); !errors.Is(err, ErrNoCache) {
		t.Errorf("expected cache entry dropped, got %v", err)
	}
}

func TestReconciler_StopCancelsGrace(t *testing.T) {
	store := newTestStore(t, 1024)
	store.Save(context.Background(), "sess-1", "cached")

	rec := newApplyRecorder()
	r := NewReconciler(store, "sess-1", 20*time.Millisecond, rec.apply)

	r.Start()
	r.Stop()
	time.Sleep(80 * time.Millisecond)

	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("expected no paint after Stop, got %+v", calls)
	}
}
