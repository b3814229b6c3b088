package teaching

import (
	"context"
	"sync"
)

// Superseded identifies an in-flight interaction displaced by a newer one.
type Superseded struct {
	InteractionID string
	Epoch         int64
}

type inflight struct {
	interactionID string
	epoch         int64
	cancel        context.CancelFunc
}

type sessionSlot struct {
	// opMu linearizes state mutation for one session. Generation itself runs
	// outside the lock; only admission and the commit hold it.
	opMu sync.Mutex

	mu       sync.Mutex
	epoch    int64
	inflight *inflight
}

// Coordinator owns per-session generation epochs and the in-flight
// interaction, if any. A new admission cancels the previous in-flight
// generation cooperatively; staleness is decided by comparing epochs at
// commit time, never by assuming the cancellation landed in time.
type Coordinator struct {
	mu    sync.Mutex
	slots map[string]*sessionSlot
}

func NewCoordinator() *Coordinator {
	return &Coordinator{slots: make(map[string]*sessionSlot)}
}

func (c *Coordinator) slot(sessionID string) *sessionSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[sessionID]
	if !ok {
		s = &sessionSlot{}
		c.slots[sessionID] = s
	}
	return s
}

// LockSession acquires the session's operation lock and returns the unlock.
func (c *Coordinator) LockSession(sessionID string) func() {
	s := c.slot(sessionID)
	s.opMu.Lock()
	return s.opMu.Unlock
}

// Admit registers a new interaction as the session's current one, cancelling
// any prior in-flight generation. It returns the new epoch and the
// superseded interaction, if there was one.
func (c *Coordinator) Admit(sessionID, interactionID string, cancel context.CancelFunc) (int64, *Superseded) {
	s := c.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var superseded *Superseded
	if prev := s.inflight; prev != nil {
		prev.cancel()
		superseded = &Superseded{InteractionID: prev.interactionID, Epoch: prev.epoch}
	}

	s.epoch++
	s.inflight = &inflight{interactionID: interactionID, epoch: s.epoch, cancel: cancel}
	return s.epoch, superseded
}

// CancelPrevious cancels the in-flight interaction without admitting a new
// one. Returns the cancelled interaction or nil.
func (c *Coordinator) CancelPrevious(sessionID string) *Superseded {
	s := c.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.inflight
	if prev == nil {
		return nil
	}
	prev.cancel()
	s.inflight = nil
	return &Superseded{InteractionID: prev.interactionID, Epoch: prev.epoch}
}

// CurrentEpoch returns the session's current generation epoch.
func (c *Coordinator) CurrentEpoch(sessionID string) int64 {
	s := c.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// IsCurrent reports whether the epoch is still the session's current one.
// A stale epoch means the interaction was superseded and its result must be
// discarded.
func (c *Coordinator) IsCurrent(sessionID string, epoch int64) bool {
	s := c.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// Release clears the in-flight marker once the interaction at epoch reaches
// a terminal state, freeing its cancellation context. A stale epoch is
// ignored: a later admission already owns the slot.
func (c *Coordinator) Release(sessionID string, epoch int64) {
	s := c.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil && s.inflight.epoch == epoch {
		s.inflight.cancel()
		s.inflight = nil
	}
}

// Restore seeds the session's epoch from persisted interactions, so epochs
// stay monotonic across process restarts. No-op when the persisted epoch is
// behind the in-memory one.
func (c *Coordinator) Restore(sessionID string, epoch int64) {
	s := c.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch > s.epoch {
		s.epoch = epoch
	}
}
