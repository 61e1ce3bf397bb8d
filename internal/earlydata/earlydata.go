// Package earlydata implements the Client-side early-data buffering
// discipline: DATA frames that arrive for a SID before the Client's
// dial to the target has completed must not be dropped, but the wait
// is bounded. A per-SID FIFO of byte chunks accumulates while no
// Repeater is registered yet, drained by a single re-arming retry
// timer within a fixed retry budget.
package earlydata

import (
	"sync"
	"time"

	"github.com/oblique-tunnel/oblique/internal/metrics"
)

const (
	// DefaultDelay is the wait between delivery attempts while no
	// Repeater is registered for a SID yet.
	DefaultDelay = 250 * time.Millisecond
	// DefaultRetries bounds how many times delivery is retried before
	// the session is given up on.
	DefaultRetries = 3
)

// Deliverer resolves sid to the send function of its destination
// socket. It returns ok=true only if a Repeater is currently
// registered for sid; otherwise the chunk must be buffered, which
// earlydata.Manager does internally.
type Deliverer func(sid uint32) (send func(data []byte) error, ok bool)

// Manager owns the per-SID early-data buffers for one Client.
type Manager struct {
	mu      sync.Mutex
	pending map[uint32]*entry

	delay      time.Duration
	maxRetries int
	lookup     Deliverer
	onExhausted func(sid uint32)
}

type entry struct {
	buf         [][]byte
	retriesLeft int
	timer       *time.Timer
}

// NewManager constructs a Manager. lookup resolves a SID to its
// Repeater's send function, if registered. onExhausted is called when
// the retry budget for a SID runs out with no Repeater ever showing
// up; the caller is expected to emit DEAD(sid) and drop any Client
// registry state for it.
func NewManager(delay time.Duration, maxRetries int, lookup Deliverer, onExhausted func(sid uint32)) *Manager {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if maxRetries <= 0 {
		maxRetries = DefaultRetries
	}
	return &Manager{
		pending:     make(map[uint32]*entry),
		delay:       delay,
		maxRetries:  maxRetries,
		lookup:      lookup,
		onExhausted: onExhausted,
	}
}

// Deliver handles one DATA(sid, data) arrival. If a Repeater is
// already registered, data (and anything previously buffered) is
// written immediately, in order. If not, data is appended to the
// per-SID buffer and a retry timer is armed if one isn't already
// running for sid.
func (m *Manager) Deliver(sid uint32, data []byte) {
	m.mu.Lock()
	e, exists := m.pending[sid]

	send, ok := m.lookup(sid)
	if ok {
		// Drain whatever was buffered, then the new chunk, in order.
		var chunks [][]byte
		if exists {
			chunks = e.buf
			m.stopTimerLocked(e)
			delete(m.pending, sid)
		}
		chunks = append(chunks, data)
		m.mu.Unlock()
		for _, c := range chunks {
			_ = send(c)
		}
		return
	}

	if !exists {
		e = &entry{retriesLeft: m.maxRetries}
		m.pending[sid] = e
	}
	// data aliases the Decoder's internal buffer, which gets overwritten
	// on the next Feed call; buffering it past this call requires an
	// owned copy.
	owned := append([]byte(nil), data...)
	e.buf = append(e.buf, owned)
	if e.timer == nil {
		e.timer = time.AfterFunc(m.delay, func() { m.retry(sid) })
	}
	m.mu.Unlock()
}

// retry fires on the delay timer: look up the Repeater again, drain if
// it showed up, otherwise decrement the budget and either re-arm or
// give up.
func (m *Manager) retry(sid uint32) {
	m.mu.Lock()
	e, exists := m.pending[sid]
	if !exists {
		m.mu.Unlock()
		return
	}

	send, ok := m.lookup(sid)
	if ok {
		chunks := e.buf
		delete(m.pending, sid)
		// Hold the lock while draining so a concurrent Deliver for the
		// same sid cannot write its chunk ahead of the buffered ones.
		for _, c := range chunks {
			_ = send(c)
		}
		m.mu.Unlock()
		return
	}

	e.retriesLeft--
	if e.retriesLeft <= 0 {
		delete(m.pending, sid)
		m.mu.Unlock()
		if m.onExhausted != nil {
			m.onExhausted(sid)
		}
		return
	}
	e.timer = time.AfterFunc(m.delay, func() { m.retry(sid) })
	metrics.IncEarlyDataRetry()
	m.mu.Unlock()
}

// Discard drops any buffered data and cancels any pending retry for
// sid. Called when DEAD(sid) arrives from the peer or when the dial
// itself fails outright.
func (m *Manager) Discard(sid uint32) {
	m.mu.Lock()
	e, exists := m.pending[sid]
	if exists {
		m.stopTimerLocked(e)
		delete(m.pending, sid)
	}
	m.mu.Unlock()
}

func (m *Manager) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Pending reports whether sid currently has buffered early data (test
// hook).
func (m *Manager) Pending(sid uint32) bool {
	m.mu.Lock()
	_, ok := m.pending[sid]
	m.mu.Unlock()
	return ok
}
