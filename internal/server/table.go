// Package server implements the server-side session table (spec.md §4.11):
// a fixed-capacity map of session_id -> ClientSession with two secondary
// indices (by UDP endpoint and by tunnel IP), backed by a stack-allocated
// IP address pool. The table is protected by a single mutex; every
// operation is a short hash lookup or small slice push, never I/O (spec.md
// §5 "Server session table").
package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veilvpn/veil/internal/session"
)

// MaxClients is the hard cap on concurrent sessions regardless of
// configuration (spec.md §4.11 "Fixed max_clients (capped at 10 000)").
const MaxClients = 10000

var (
	// ErrTableFull means the session table has reached its configured
	// (or hard) capacity.
	ErrTableFull = errors.New("server: session table full")
	// ErrIPPoolExhausted means no tunnel IP remains in the pool.
	ErrIPPoolExhausted = errors.New("server: ip pool exhausted")
	// ErrInvalidPool means the configured IP pool is malformed or smaller
	// than max_clients.
	ErrInvalidPool = errors.New("server: invalid ip pool")
	// ErrUnknownSession means the given session_id is not in the table.
	ErrUnknownSession = errors.New("server: unknown session")
)

// Config holds the session table's tunables (spec.md §6 configuration
// table: max_clients, session_timeout, ip_pool_start/_end).
type Config struct {
	MaxClients     int
	SessionTimeout time.Duration
	IPPoolStart    uint32
	IPPoolEnd      uint32
}

// DefaultConfig returns conservative table defaults; callers MUST still
// set IPPoolStart/IPPoolEnd before use.
func DefaultConfig() Config {
	return Config{
		MaxClients:     1000,
		SessionTimeout: 2 * time.Minute,
	}
}

// ClientSession is one authenticated client's server-side state: its
// transport session plus the bookkeeping the table needs to demultiplex
// and expire it. Table holds the only pointer to a given ClientSession;
// handles returned by lookups are non-owning and MUST NOT be retained
// past the caller's current operation (spec.md §4.11 for_each_session).
type ClientSession struct {
	ID           uint64
	ClientID     string
	Endpoint     string
	TunnelIP     uint32
	Transport    *session.Session
	CreatedAt    time.Time
	LastActivity time.Time
}

// Stats tracks table-level counters surfaced as aggregate metrics
// (spec.md §7 "Resource exhaustion ... surface only as an aggregate
// metric, not per-event").
type Stats struct {
	SessionsRejectedFull uint64
	SessionsExpired      uint64
}

// Table is the server's session_id -> ClientSession map plus its two
// indices and IP pool. Not safe for concurrent use without holding mu;
// every exported method takes care of that itself.
type Table struct {
	mu sync.Mutex

	cfg Config

	sessions      map[uint64]*ClientSession
	endpointIndex map[string]uint64
	ipIndex       map[uint32]uint64
	availableIPs  []uint32

	nextID uint64
	stats  Stats
}

// New creates an empty Table over the configured IP pool. The pool size
// MUST be at least cfg.MaxClients (spec.md §4.11).
func New(cfg Config) (*Table, error) {
	if cfg.MaxClients <= 0 || cfg.MaxClients > MaxClients {
		return nil, fmt.Errorf("%w: max_clients must be in (0, %d]", ErrInvalidPool, MaxClients)
	}
	if cfg.IPPoolEnd < cfg.IPPoolStart {
		return nil, fmt.Errorf("%w: ip_pool_end before ip_pool_start", ErrInvalidPool)
	}
	poolSize := uint64(cfg.IPPoolEnd-cfg.IPPoolStart) + 1
	if poolSize < uint64(cfg.MaxClients) {
		return nil, fmt.Errorf("%w: pool size %d smaller than max_clients %d", ErrInvalidPool, poolSize, cfg.MaxClients)
	}

	available := make([]uint32, 0, poolSize)
	for ip := cfg.IPPoolEnd; ; ip-- {
		available = append(available, ip)
		if ip == cfg.IPPoolStart {
			break
		}
	}

	return &Table{
		cfg:           cfg,
		sessions:      make(map[uint64]*ClientSession),
		endpointIndex: make(map[string]uint64),
		ipIndex:       make(map[uint32]uint64),
		availableIPs:  available,
	}, nil
}

// CreateSession admits a newly handshaked client: pops a tunnel IP,
// assigns a session_id, and inserts into the table plus both indices.
// Rejects with ErrTableFull or ErrIPPoolExhausted if either resource is
// exhausted (spec.md §4.11 create_session).
func (t *Table) CreateSession(endpoint, clientID string, transport *session.Session, now time.Time) (*ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.sessions) >= t.cfg.MaxClients {
		t.stats.SessionsRejectedFull++
		return nil, ErrTableFull
	}
	if len(t.availableIPs) == 0 {
		t.stats.SessionsRejectedFull++
		return nil, ErrIPPoolExhausted
	}

	ip := t.availableIPs[len(t.availableIPs)-1]
	t.availableIPs = t.availableIPs[:len(t.availableIPs)-1]

	t.nextID++
	id := t.nextID

	cs := &ClientSession{
		ID:           id,
		ClientID:     clientID,
		Endpoint:     endpoint,
		TunnelIP:     ip,
		Transport:    transport,
		CreatedAt:    now,
		LastActivity: now,
	}

	t.sessions[id] = cs
	t.endpointIndex[endpoint] = id
	t.ipIndex[ip] = id

	return cs, nil
}

// FindByEndpoint looks up a session by its "host:port" source address.
func (t *Table) FindByEndpoint(endpoint string) (*ClientSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.endpointIndex[endpoint]
	if !ok {
		return nil, false
	}
	return t.sessions[id], true
}

// FindByTunnelIP looks up a session by its assigned tunnel IP.
func (t *Table) FindByTunnelIP(ip uint32) (*ClientSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.ipIndex[ip]
	if !ok {
		return nil, false
	}
	return t.sessions[id], true
}

// FindByID looks up a session by session_id.
func (t *Table) FindByID(id uint64) (*ClientSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.sessions[id]
	return cs, ok
}

// UpdateActivity refreshes a session's last-activity timestamp, as seen
// on every data or ACK arrival.
func (t *Table) UpdateActivity(id uint64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.sessions[id]
	if !ok {
		return false
	}
	cs.LastActivity = now
	return true
}

// UpdateTunnelIP moves a session's ip_index entry from its old tunnel IP
// to newIP, used when a client insists on its own tunnel IP rather than
// the one the pool assigned (spec.md §4.11 update_tunnel_ip).
func (t *Table) UpdateTunnelIP(id uint64, newIP uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if existing, taken := t.ipIndex[newIP]; taken && existing != id {
		return fmt.Errorf("server: tunnel ip already assigned to session %d", existing)
	}

	delete(t.ipIndex, cs.TunnelIP)
	cs.TunnelIP = newIP
	t.ipIndex[newIP] = id
	return nil
}

// CleanupExpired removes every session idle for at least SessionTimeout,
// releasing its tunnel IP back to the pool and zeroizing its transport
// keys. Returns the number of sessions removed (spec.md §4.11
// cleanup_expired).
func (t *Table) CleanupExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []uint64
	for id, cs := range t.sessions {
		if now.Sub(cs.LastActivity) >= t.cfg.SessionTimeout {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		t.removeLocked(id)
	}

	t.stats.SessionsExpired += uint64(len(expired))
	return len(expired)
}

// RemoveSession explicitly evicts one session (admin removal), releasing
// its tunnel IP and zeroizing its keys.
func (t *Table) RemoveSession(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[id]; !ok {
		return false
	}
	t.removeLocked(id)
	return true
}

func (t *Table) removeLocked(id uint64) {
	cs, ok := t.sessions[id]
	if !ok {
		return
	}

	delete(t.sessions, id)
	delete(t.endpointIndex, cs.Endpoint)
	delete(t.ipIndex, cs.TunnelIP)
	t.availableIPs = append(t.availableIPs, cs.TunnelIP)

	if cs.Transport != nil {
		cs.Transport.Close()
	}
}

// ForEachSession invokes fn once per session while holding the table's
// lock. fn receives a non-owning handle valid only within the call and
// MUST NOT perform blocking I/O (spec.md §4.11 for_each_session, §5).
func (t *Table) ForEachSession(fn func(*ClientSession)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cs := range t.sessions {
		fn(cs)
	}
}

// Count returns the current number of sessions in the table.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// AvailableIPs returns how many tunnel IPs remain unassigned in the pool.
func (t *Table) AvailableIPs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.availableIPs)
}

// Stats returns a snapshot of the table's aggregate counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Close zeroizes every remaining session's transport keys and empties the
// table (spec.md §5 "on set, all sessions are drained and destroyed,
// zeroing keys").
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cs := range t.sessions {
		if cs.Transport != nil {
			cs.Transport.Close()
		}
	}
	t.sessions = make(map[uint64]*ClientSession)
	t.endpointIndex = make(map[string]uint64)
	t.ipIndex = make(map[uint32]uint64)
}
