package proxy

import (
	"testing"
	"time"
)

func TestFlowRegistry_AddRemove(t *testing.T) {
	r := NewFlowRegistry()
	t0 := time.Now()
	a := r.Add(FlowInfo{Side: "backend", Peer: "127.0.0.1:1", StartedAt: t0.Add(time.Second)})
	b := r.Add(FlowInfo{Side: "backend", Peer: "127.0.0.1:2", StartedAt: t0})
	if a == b {
		t.Fatalf("ids collide: %q", a)
	}
	if got := r.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	snap := r.Snapshot()
	if snap[0].ID != b || snap[1].ID != a {
		t.Fatalf("snapshot not ordered by start: %+v", snap)
	}

	r.Remove(a)
	r.Remove(b)
	r.Remove("missing")
	if got := r.Len(); got != 0 {
		t.Fatalf("Len after remove = %d, want 0", got)
	}
}

func TestSyncPoolBufferPool(t *testing.T) {
	p := NewSyncPoolBufferPool(64)
	b := p.Get()
	if len(b) != 64 {
		t.Fatalf("len = %d, want 64", len(b))
	}
	p.Put(b[:10])
	if got := p.Get(); len(got) != 64 {
		t.Fatalf("len after put = %d, want 64", len(got))
	}
	// Too small: dropped rather than pooled.
	p.Put(make([]byte, 8))

	if d := NewSyncPoolBufferPool(0); d.Size() != DefaultBufferSize {
		t.Fatalf("default size = %d, want %d", d.Size(), DefaultBufferSize)
	}
}
