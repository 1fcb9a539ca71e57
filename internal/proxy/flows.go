package proxy

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// FlowInfo describes one tunneled TCP connection while it is being spliced.
type FlowInfo struct {
	ID        string    `json:"id"`
	Side      string    `json:"side"`
	Peer      string    `json:"peer"`
	Stream    uint64    `json:"stream"`
	Upstream  string    `json:"upstream,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// FlowRegistry tracks live flows. Both endpoints register a flow before the
// splice starts and remove it once both directions have finished.
type FlowRegistry struct {
	seq atomic.Uint64

	mu    sync.Mutex
	flows map[string]FlowInfo
}

func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{flows: map[string]FlowInfo{}}
}

// Add stores info under a fresh id (unless info.ID is set) and returns the id.
func (r *FlowRegistry) Add(info FlowInfo) string {
	if info.ID == "" {
		info.ID = info.Side + "-" + strconv.FormatUint(r.seq.Add(1), 10)
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	r.mu.Lock()
	r.flows[info.ID] = info
	r.mu.Unlock()
	return info.ID
}

func (r *FlowRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.flows, id)
	r.mu.Unlock()
}

func (r *FlowRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

// Snapshot returns the live flows ordered by start time.
func (r *FlowRegistry) Snapshot() []FlowInfo {
	r.mu.Lock()
	out := make([]FlowInfo, 0, len(r.flows))
	for _, v := range r.flows {
		out = append(out, v)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
