// Package sessiontable owns the set of live sessions keyed by
// host-provided handle. It is the single writer / many readers
// component protecting the forwarding path against use-after-detach:
// any code that wants to act on a session obtains a short-lived read
// guard via Lookup, and Remove waits for all outstanding guards to
// drain before the session is considered gone.
package sessiontable

import (
	"sync"

	"github.com/sfuforge/routingcore/internal/ids"
	"github.com/sfuforge/routingcore/internal/negotiator"
)

// Handle is the host-provided, pointer-sized session identity. The
// switchboard stores only Handles, never *Session, so there is no
// cyclic ownership between the routing fabric and the session table.
type Handle uint64

// Binding is the (room, user) pair a session joins at most once.
type Binding struct {
	Room ids.RoomID
	User ids.UserID
}

// Session is the core's view of one RTC connection from one peer.
// Fields other than Negotiator are guarded by the session's own mu and
// are set once, by Bind; Negotiator has its own internal lock
// because negotiation transitions happen off the signalling thread's
// critical section too.
type Session struct {
	Handle Handle

	mu          sync.RWMutex
	bound       bool
	binding     Binding
	notify      bool
	receiveData bool

	Negotiator *negotiator.Machine
}

// Binding returns the session's (room, user) pair and whether it has
// joined a room yet.
func (s *Session) Binding() (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.binding, s.bound
}

// Bind records the session's room/user exactly once. Returns false if
// the session was already bound (callers must treat this as
// already-joined, not as a silent overwrite).
func (s *Session) Bind(b Binding, notify, receiveData bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return false
	}
	s.bound = true
	s.binding = b
	s.notify = notify
	s.receiveData = receiveData
	return true
}

// Flags returns the subscription flags recorded at Bind time.
func (s *Session) Flags() (notify, receiveData bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify, s.receiveData
}

// Table is the process-wide live-session registry.
type Table struct {
	mu       sync.RWMutex
	sessions map[Handle]*sessionEntry
}

type sessionEntry struct {
	session *Session
	drain   sync.WaitGroup
}

// New returns an empty Table.
func New() *Table {
	return &Table{sessions: make(map[Handle]*sessionEntry)}
}

// Insert creates a Fresh session for a newly attached handle. It is a
// caller error to Insert an already-live handle; Insert overwrites the
// prior entry in that case, matching the host's guarantee that detach
// is delivered exactly once before a handle is reused.
func (t *Table) Insert(h Handle) *Session {
	s := &Session{Handle: h, Negotiator: negotiator.NewMachine()}
	t.mu.Lock()
	t.sessions[h] = &sessionEntry{session: s}
	t.mu.Unlock()
	return s
}

// Guard is a held read reference returned by Lookup. Callers must call
// Release exactly once, as briefly as possible -- never across a host
// call or other I/O.
type Guard struct {
	entry *sessionEntry
}

// Lookup returns a live session and a Guard that blocks a concurrent
// Remove from completing, or ok=false if the handle is unknown or
// already being removed. Presence in the map is the liveness test:
// Remove deletes the entry before it starts draining, so a found
// entry's guard is always registered ahead of the drain wait.
func (t *Table) Lookup(h Handle) (*Session, Guard, bool) {
	t.mu.RLock()
	e, ok := t.sessions[h]
	if ok {
		e.drain.Add(1)
	}
	t.mu.RUnlock()
	if !ok {
		return nil, Guard{}, false
	}
	return e.session, Guard{entry: e}, true
}

// Release ends a held read guard. No-op on a zero Guard.
func (g Guard) Release() {
	if g.entry != nil {
		g.entry.drain.Done()
	}
}

// Remove transitions the session to Closed and drains outstanding
// read guards before returning. teardown is invoked after the entry
// is unlinked (so no new Lookup can observe it) but before the wait
// for in-flight guards completes -- callers use it to run the
// switchboard leave cascade. Remove then closes the negotiator and
// waits for the guards, following the resource-cleanup ordering. After
// Remove returns, the handle is fully free and Lookup will always
// report absent.
func (t *Table) Remove(h Handle, teardown func(*Session)) bool {
	t.mu.Lock()
	e, ok := t.sessions[h]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.sessions, h)
	t.mu.Unlock()

	if teardown != nil {
		teardown(e.session)
	}
	if e.session.Negotiator != nil {
		e.session.Negotiator.Close()
	}
	e.drain.Wait()
	return true
}

// Handles snapshots the currently live handles. Used by shutdown to
// drain every session; by the time a handle from the snapshot is
// removed it may already be gone, which Remove treats as a no-op.
func (t *Table) Handles() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handle, 0, len(t.sessions))
	for h := range t.sessions {
		out = append(out, h)
	}
	return out
}

// Len reports the number of live sessions. Diagnostic only.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
