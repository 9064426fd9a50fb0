// Package registry holds the per-client pre-shared-key table a responder
// consults during the handshake (spec.md §3 "Client registry"): a
// client_id maps to a PSK and an enabled flag, with one fallback PSK tried
// when no per-client entry authenticates.
//
// Registry is safe for concurrent use: it is read from the handshake
// responder's rate-limited accept path, which may run on a goroutine
// distinct from any one tunnel session's event loop (spec.md §5). Readers
// copy PSK bytes out while holding the lock and decrypt with the lock
// released, so a slow AEAD attempt never blocks a concurrent registry
// update.
package registry

import (
	"fmt"
	"sync"
)

// PSK size bounds enforced on every client and fallback entry (spec.md §3
// client registry data model: "PSK size ∈ [32, 64] bytes"). A PSK outside
// this range is a configuration error and must fail fast at startup
// (spec.md §7), not surface later as a handshake authentication failure.
const (
	MinPSKSize = 32
	MaxPSKSize = 64
)

// validatePSKSize returns a descriptive error if psk falls outside
// [MinPSKSize, MaxPSKSize].
func validatePSKSize(psk []byte) error {
	if len(psk) < MinPSKSize || len(psk) > MaxPSKSize {
		return fmt.Errorf("registry: psk must be %d-%d bytes, got %d", MinPSKSize, MaxPSKSize, len(psk))
	}
	return nil
}

// Entry is one client's registry record.
type Entry struct {
	ClientID string
	PSK      []byte
	Enabled  bool
}

// clone returns a copy of e with its own PSK backing array, safe to hand to
// a caller after the registry's lock is released.
func (e *Entry) clone() *Entry {
	psk := make([]byte, len(e.PSK))
	copy(psk, e.PSK)
	return &Entry{ClientID: e.ClientID, PSK: psk, Enabled: e.Enabled}
}

// Candidate is one PSK worth trying during handshake decryption: either a
// named client entry, or the registry-wide fallback (ClientID == "").
type Candidate struct {
	ClientID string
	PSK      []byte
}

// Registry is the server's client_id -> {psk, enabled} table plus a
// fallback PSK.
type Registry struct {
	mu          sync.RWMutex
	clients     map[string]*Entry
	fallbackPSK []byte
}

// New creates an empty registry. fallbackPSK may be nil to disable
// fallback authentication entirely; if non-nil it must be MinPSKSize to
// MaxPSKSize bytes.
func New(fallbackPSK []byte) (*Registry, error) {
	r := &Registry{clients: make(map[string]*Entry)}
	if len(fallbackPSK) > 0 {
		if err := validatePSKSize(fallbackPSK); err != nil {
			return nil, err
		}
		r.fallbackPSK = append([]byte(nil), fallbackPSK...)
	}
	return r, nil
}

// AddClient inserts or replaces a client's registry entry.
func (r *Registry) AddClient(clientID string, psk []byte, enabled bool) error {
	if clientID == "" {
		return fmt.Errorf("registry: client_id must not be empty")
	}
	if err := validatePSKSize(psk); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = &Entry{
		ClientID: clientID,
		PSK:      append([]byte(nil), psk...),
		Enabled:  enabled,
	}
	return nil
}

// RemoveClient deletes a client's registry entry, if present.
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// SetEnabled toggles a client's enabled flag. Returns false if no such
// client exists.
func (r *Registry) SetEnabled(clientID string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[clientID]
	if !ok {
		return false
	}
	e.Enabled = enabled
	return true
}

// Lookup returns a copy of clientID's registry entry. The bool is false if
// no such client is registered; callers must additionally check
// Entry.Enabled before treating the client as authorized.
func (r *Registry) Lookup(clientID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Candidates returns a snapshot of every enabled client's (client_id, psk)
// pair plus the fallback PSK if configured, for the handshake responder to
// trial-decrypt an INIT message against (spec.md §4.8: the responder has
// no client_id until a candidate PSK successfully authenticates). The
// returned PSK byte slices are independent copies.
func (r *Registry) Candidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.clients)+1)
	for id, e := range r.clients {
		if !e.Enabled {
			continue
		}
		psk := make([]byte, len(e.PSK))
		copy(psk, e.PSK)
		out = append(out, Candidate{ClientID: id, PSK: psk})
	}
	if len(r.fallbackPSK) > 0 {
		psk := make([]byte, len(r.fallbackPSK))
		copy(psk, r.fallbackPSK)
		out = append(out, Candidate{ClientID: "", PSK: psk})
	}
	return out
}
