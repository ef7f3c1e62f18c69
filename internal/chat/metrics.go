package chat

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics counts realtime activity. All methods are safe for concurrent use.
type Metrics struct {
	activeConns     atomic.Int64
	joins           atomic.Uint64
	persisted       atomic.Uint64
	persistFailures atomic.Uint64
	dropped         atomic.Uint64
	broadcasts      atomic.Uint64
	deliveries      atomic.Uint64
	evictions       atomic.Uint64
	profileUpdates  atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn()           { m.activeConns.Add(1) }
func (m *Metrics) DecConn()           { m.activeConns.Add(-1) }
func (m *Metrics) IncJoin()           { m.joins.Add(1) }
func (m *Metrics) IncPersisted()      { m.persisted.Add(1) }
func (m *Metrics) IncPersistFailure() { m.persistFailures.Add(1) }
func (m *Metrics) IncDropped()        { m.dropped.Add(1) }
func (m *Metrics) IncBroadcast()      { m.broadcasts.Add(1) }
func (m *Metrics) AddDeliveries(n int) {
	m.deliveries.Add(uint64(n))
}
func (m *Metrics) IncEviction()      { m.evictions.Add(1) }
func (m *Metrics) IncProfileUpdate() { m.profileUpdates.Add(1) }

// Snapshot returns the current counters keyed by their exported names.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"active_connections":     m.activeConns.Load(),
		"joins_total":            m.joins.Load(),
		"messages_persisted":     m.persisted.Load(),
		"persist_failures_total": m.persistFailures.Load(),
		"frames_dropped_total":   m.dropped.Load(),
		"broadcasts_total":       m.broadcasts.Load(),
		"deliveries_total":       m.deliveries.Load(),
		"evictions_total":        m.evictions.Load(),
		"profile_updates_total":  m.profileUpdates.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
