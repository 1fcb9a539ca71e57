package telemetry

import "sync/atomic"

// Counters are in-process tunnel counters. They are never exported; callers
// read them through Snapshot (tests, shutdown summary).
type Counters struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	bytesIngress      atomic.Int64
	bytesEgress       atomic.Int64

	sessions        atomic.Int64
	streamsOpened   atomic.Int64
	streamsAccepted atomic.Int64
	streamFailures  atomic.Int64
	upstreamDials   atomic.Int64
	upstreamFails   atomic.Int64
	refused         atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

// IncActive and DecActive bracket one accepted TCP connection.
func (m *Counters) IncActive() {
	m.activeConnections.Add(1)
	m.totalConnections.Add(1)
}

func (m *Counters) DecActive() {
	m.activeConnections.Add(-1)
}

// AddIngress counts bytes read from TCP and written into the tunnel.
func (m *Counters) AddIngress(n int64) {
	m.bytesIngress.Add(n)
}

// AddEgress counts bytes read from the tunnel and written to TCP.
func (m *Counters) AddEgress(n int64) {
	m.bytesEgress.Add(n)
}

func (m *Counters) IncSession()        { m.sessions.Add(1) }
func (m *Counters) IncStreamOpened()   { m.streamsOpened.Add(1) }
func (m *Counters) IncStreamAccepted() { m.streamsAccepted.Add(1) }
func (m *Counters) IncStreamFailure()  { m.streamFailures.Add(1) }
func (m *Counters) IncRefused()        { m.refused.Add(1) }

// IncUpstreamDial records one upstream dial attempt and whether it failed.
func (m *Counters) IncUpstreamDial(failed bool) {
	m.upstreamDials.Add(1)
	if failed {
		m.upstreamFails.Add(1)
	}
}

type Snapshot struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections_handled"`
	BytesIngress      int64 `json:"bytes_ingress"`
	BytesEgress       int64 `json:"bytes_egress"`
	Sessions          int64 `json:"sessions"`
	StreamsOpened     int64 `json:"streams_opened"`
	StreamsAccepted   int64 `json:"streams_accepted"`
	StreamFailures    int64 `json:"stream_failures"`
	UpstreamDials     int64 `json:"upstream_dials"`
	UpstreamFailures  int64 `json:"upstream_failures"`
	Refused           int64 `json:"refused"`
}

func (m *Counters) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: m.activeConnections.Load(),
		TotalConnections:  m.totalConnections.Load(),
		BytesIngress:      m.bytesIngress.Load(),
		BytesEgress:       m.bytesEgress.Load(),
		Sessions:          m.sessions.Load(),
		StreamsOpened:     m.streamsOpened.Load(),
		StreamsAccepted:   m.streamsAccepted.Load(),
		StreamFailures:    m.streamFailures.Load(),
		UpstreamDials:     m.upstreamDials.Load(),
		UpstreamFailures:  m.upstreamFails.Load(),
		Refused:           m.refused.Load(),
	}
}
