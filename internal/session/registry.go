// Package session implements the per-endpoint SID → handle registry
// shared by the Server's Listener sessions and the Client's Repeater
// sessions.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Handle is the capability every session owner (Listener or Repeater)
// exposes to its registry: deliver inbound bytes from the peer, and
// tear the local socket down.
type Handle interface {
	Send(data []byte) error
	Close()
}

// Registry is a mutex-guarded SID → Handle map, one per control-channel
// endpoint. Generation draws cryptographically random 4-byte session
// ids and rejects collisions against whatever is currently live.
type Registry struct {
	mu   sync.Mutex
	byID map[uint32]Handle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[uint32]Handle)}
}

// Generate draws a random, currently-unused, non-zero SID. It does not
// reserve the SID: callers must call Insert themselves once the handle
// exists. Generate only guarantees uniqueness at the instant it
// returns; a caller that doesn't immediately Insert risks a race with
// a second Generate. The only call site in this repo, the Server's
// public accept loop, Inserts before accepting the next connection.
func (r *Registry) Generate() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand failing means the OS entropy source is broken;
			// there is nothing sensible to do except keep retrying.
			continue
		}
		sid := binary.BigEndian.Uint32(b[:])
		if sid == 0 {
			continue
		}
		if _, live := r.byID[sid]; live {
			continue
		}
		return sid
	}
}

// Insert registers sid -> h, overwriting any prior mapping.
func (r *Registry) Insert(sid uint32, h Handle) {
	r.mu.Lock()
	r.byID[sid] = h
	r.mu.Unlock()
}

// Lookup returns the handle for sid, if live.
func (r *Registry) Lookup(sid uint32) (Handle, bool) {
	r.mu.Lock()
	h, ok := r.byID[sid]
	r.mu.Unlock()
	return h, ok
}

// Remove drops sid from the registry. Removing an absent SID is not an
// error.
func (r *Registry) Remove(sid uint32) {
	r.mu.Lock()
	delete(r.byID, sid)
	r.mu.Unlock()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.byID)
	r.mu.Unlock()
	return n
}

// CloseAll closes and removes every live session. Used when the
// control channel is lost: every session owned by that endpoint must
// be torn down synchronously.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.byID))
	for sid, h := range r.byID {
		handles = append(handles, h)
		delete(r.byID, sid)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}
