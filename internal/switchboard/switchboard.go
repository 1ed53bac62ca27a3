// Package switchboard is the routing fabric: room membership,
// subscription edges, the block set, and the reverse subscription
// index the forwarding path walks on every packet. That index is keyed
// by (publisher user, kind) and shared by all rooms; it is not split
// per room, and RouteMedia drops targets outside the publisher's room
// while walking it. It stores only session
// Handles, never session objects, so there is no cyclic ownership
// with the session table (see the arena+index design note).
package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"k8s.io/utils/set"

	"github.com/sfuforge/routingcore/internal/contentkind"
	"github.com/sfuforge/routingcore/internal/ids"
	"github.com/sfuforge/routingcore/internal/metrics"
	"github.com/sfuforge/routingcore/internal/sessiontable"
)

// Edge is a (publisher-user, content-kind) pair a session subscribes
// to as an atomic, exact-match unit -- not a bit set -- per the
// subscription exact-match design note.
type Edge struct {
	Publisher ids.UserID
	Kind      contentkind.Kind
}

// Membership records which room/user a session belongs to and the
// flags it joined with. Publisher marks the session that provides the
// user's media tracks; a user has at most one publisher-role session
// per room but may run any number of subscriber-role sessions
// alongside it.
type Membership struct {
	Room        ids.RoomID
	User        ids.UserID
	Notify      bool
	ReceiveData bool
	Publisher   bool
}

// JoinResult is returned by Join: the other users already resident in
// the room at the moment this session was admitted.
type JoinResult struct {
	OtherUsers []ids.UserID
}

type roomState struct {
	// users maps a resident UserID to the set of that user's sessions
	// currently joined to this room.
	users map[ids.UserID]set.Set[sessiontable.Handle]
	// publisherOf maps (user, kind) to the single session acting as
	// that user's publisher for that kind in this room, if any.
	publisherOf map[ids.UserID]map[contentkind.Kind]sessiontable.Handle
}

func newRoomState() *roomState {
	return &roomState{
		users:       make(map[ids.UserID]set.Set[sessiontable.Handle]),
		publisherOf: make(map[ids.UserID]map[contentkind.Kind]sessiontable.Handle),
	}
}

func (rs *roomState) empty() bool {
	return len(rs.users) == 0
}

// Board is the process-wide switchboard singleton.
type Board struct {
	mu    sync.RWMutex
	rooms map[ids.RoomID]*roomState

	// member tracks, per session, which room/user it belongs to, so
	// Leave does not need a room ID supplied by the caller.
	member map[sessiontable.Handle]Membership

	// forward/reverse subscription indexes, kept consistent under the
	// same exclusive guard as everything else here. forward holds the
	// atomic (publisher, kind-mask) edges exactly as subscribed;
	// reverse is keyed per single kind bit so the hot path looks up
	// (publisher, Audio) or (publisher, Video) directly.
	forward map[sessiontable.Handle]map[Edge]struct{}
	reverse map[Edge]set.Set[sessiontable.Handle]

	// blocks is a symmetric adjacency set: blocks[a] contains b iff
	// blocks[b] contains a.
	blocks map[ids.UserID]set.Set[ids.UserID]

	maxRoomSize int // 0 means unlimited
	store       BlockStore
}

// New returns an empty Board with no block persistence. maxRoomSize
// of 0 means unlimited, matching the `max_room_size` config default.
func New(maxRoomSize int) *Board {
	return &Board{
		rooms:       make(map[ids.RoomID]*roomState),
		member:      make(map[sessiontable.Handle]Membership),
		forward:     make(map[sessiontable.Handle]map[Edge]struct{}),
		reverse:     make(map[Edge]set.Set[sessiontable.Handle]),
		blocks:      make(map[ids.UserID]set.Set[ids.UserID]),
		maxRoomSize: maxRoomSize,
		store:       NoopBlockStore{},
	}
}

// SetStore installs the persistent block store and seeds the in-memory
// block set from it. Call once at startup, before any traffic.
func (b *Board) SetStore(ctx context.Context, store BlockStore) error {
	loaded, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("switchboard: seed block set: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = store
	for u, peers := range loaded {
		for _, p := range peers {
			b.ensureBlockSet(u).Insert(p)
			b.ensureBlockSet(p).Insert(u)
		}
	}
	return nil
}

// ErrRoomFull is returned by Join when max_room_size would be exceeded.
type ErrRoomFull struct{ Room ids.RoomID }

func (e ErrRoomFull) Error() string { return "switchboard: room is full" }

// ErrUserIDConflict is returned by Join when a publisher-role join
// names a UserId that already has a publisher-role session in the
// room. Subscriber-role joins never conflict.
// Rejoin-with-same-id is rejected rather than evicting the prior
// session.
type ErrUserIDConflict struct {
	Room ids.RoomID
	User ids.UserID
}

func (e ErrUserIDConflict) Error() string { return "switchboard: user id conflict in room" }

// Join atomically adds the session to the room under the user id,
// records its membership flags, and returns the other users already
// resident. Join itself publishes nothing; the signalling dispatcher
// composes the joiner's response first and the `join` notification to
// others after it, which is what keeps concurrent joiners seeing a
// consistent snapshot.
func (b *Board) Join(h sessiontable.Handle, room ids.RoomID, user ids.UserID, m Membership) (JoinResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Both rejections below can only fire against a room that already
	// has residents, so the room itself is only created once the join
	// is known to be admitted.
	rs := b.rooms[room]
	if rs != nil {
		// A user runs one publisher-role session plus any number of
		// subscriber-role sessions; a second claim on the publisher
		// role is a conflict.
		if m.Publisher {
			if existing, ok := rs.users[user]; ok {
				for _, other := range existing.UnsortedList() {
					if b.member[other].Publisher {
						return JoinResult{}, ErrUserIDConflict{Room: room, User: user}
					}
				}
			}
		}

		if b.maxRoomSize > 0 && len(rs.users) >= b.maxRoomSize {
			if _, already := rs.users[user]; !already {
				return JoinResult{}, ErrRoomFull{Room: room}
			}
		}
	} else {
		rs = newRoomState()
		b.rooms[room] = rs
	}

	others := make([]ids.UserID, 0, len(rs.users))
	for u := range rs.users {
		if u != user {
			others = append(others, u)
		}
	}

	sessions, ok := rs.users[user]
	if !ok {
		sessions = set.New[sessiontable.Handle]()
		rs.users[user] = sessions
	}
	sessions.Insert(h)

	if m.Publisher {
		if rs.publisherOf[user] == nil {
			rs.publisherOf[user] = make(map[contentkind.Kind]sessiontable.Handle)
		}
		for _, k := range []contentkind.Kind{contentkind.Audio, contentkind.Video, contentkind.Data} {
			rs.publisherOf[user][k] = h
		}
	}

	m.Room = room
	m.User = user
	b.member[h] = m

	metrics.ActiveRooms.Set(float64(len(b.rooms)))
	metrics.RoomUsers.WithLabelValues(fmt.Sprint(room)).Set(float64(len(rs.users)))

	return JoinResult{OtherUsers: others}, nil
}

// Leave removes the session's membership and every subscription edge
// the session holds, from both the forward and reverse indexes. Edges
// other sessions hold toward the session's user are not removed, even
// when this was the user's last session. Returns the membership that
// was removed (for the caller to decide whether to emit a leave
// event) and whether this was the last session of that user in the
// room.
func (b *Board) Leave(h sessiontable.Handle) (m Membership, wasLastSessionOfUser bool, hadMembership bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaveLocked(h)
}

func (b *Board) leaveLocked(h sessiontable.Handle) (Membership, bool, bool) {
	m, ok := b.member[h]
	if !ok {
		return Membership{}, false, false
	}
	delete(b.member, h)

	rs := b.rooms[m.Room]
	wasLast := false
	if rs != nil {
		if sessions, ok := rs.users[m.User]; ok {
			sessions.Delete(h)
			if sessions.Len() == 0 {
				delete(rs.users, m.User)
				wasLast = true
			}
		}
		for kind, publisher := range rs.publisherOf[m.User] {
			if publisher == h {
				delete(rs.publisherOf[m.User], kind)
			}
		}
		if len(rs.publisherOf[m.User]) == 0 {
			delete(rs.publisherOf, m.User)
		}
		if rs.empty() {
			delete(b.rooms, m.Room)
			metrics.RoomUsers.DeleteLabelValues(fmt.Sprint(m.Room))
		} else {
			metrics.RoomUsers.WithLabelValues(fmt.Sprint(m.Room)).Set(float64(len(rs.users)))
		}
		metrics.ActiveRooms.Set(float64(len(b.rooms)))
	}

	b.removeSubscriberLocked(h)

	return m, wasLast, true
}

// removeSubscriberLocked strips every forward edge h holds and its
// mirror in the reverse index. Edges aimed at h's user stay: publisher
// identity lives at the user level, and the user may still be
// publishing through another session.
func (b *Board) removeSubscriberLocked(h sessiontable.Handle) {
	held, ok := b.forward[h]
	if !ok {
		return
	}
	edges := make([]Edge, 0, len(held))
	for e := range held {
		edges = append(edges, e)
	}
	for _, e := range edges {
		b.dropEdgeLocked(h, e)
	}
}

// Subscribe adds the requested edges for h. Edges already present are
// left untouched (idempotent).
func (b *Board) Subscribe(h sessiontable.Handle, edges []Edge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range edges {
		b.addEdgeLocked(h, e)
	}
}

func (b *Board) addEdgeLocked(h sessiontable.Handle, e Edge) {
	fw, ok := b.forward[h]
	if !ok {
		fw = make(map[Edge]struct{})
		b.forward[h] = fw
	}
	fw[e] = struct{}{}

	for _, k := range kindBits(e.Kind) {
		key := Edge{Publisher: e.Publisher, Kind: k}
		rv, ok := b.reverse[key]
		if !ok {
			rv = set.New[sessiontable.Handle]()
			b.reverse[key] = rv
		}
		rv.Insert(h)
	}
}

// dropEdgeLocked removes one atomic forward edge and prunes the
// per-bit reverse entries that no remaining edge of h still covers
// (two masks sharing a bit are distinct edges, so a bit stays indexed
// while any edge covers it).
func (b *Board) dropEdgeLocked(h sessiontable.Handle, e Edge) {
	fw := b.forward[h]
	if fw == nil {
		return
	}
	delete(fw, e)
	for _, k := range kindBits(e.Kind) {
		if b.coversLocked(h, e.Publisher, k) {
			continue
		}
		key := Edge{Publisher: e.Publisher, Kind: k}
		if rv, ok := b.reverse[key]; ok {
			rv.Delete(h)
			if rv.Len() == 0 {
				delete(b.reverse, key)
			}
		}
	}
	if len(fw) == 0 {
		delete(b.forward, h)
	}
}

func (b *Board) coversLocked(h sessiontable.Handle, publisher ids.UserID, k contentkind.Kind) bool {
	for e := range b.forward[h] {
		if e.Publisher == publisher && e.Kind.Has(k) {
			return true
		}
	}
	return false
}

func kindBits(mask contentkind.Kind) []contentkind.Kind {
	var out []contentkind.Kind
	for _, k := range []contentkind.Kind{contentkind.Audio, contentkind.Video, contentkind.Data} {
		if mask.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// ErrSubscriptionMismatch is returned by Unsubscribe when the given
// edge does not exactly match an existing one.
type ErrSubscriptionMismatch struct{ Edge Edge }

func (e ErrSubscriptionMismatch) Error() string {
	return "switchboard: unsubscribe does not match an existing edge"
}

// Unsubscribe removes exactly the given edges. By design (see the
// subscription exact-match design note) a requested edge that does
// not precisely match an existing (publisher, kind-mask) edge is
// rejected wholesale and no edges are removed.
func (b *Board) Unsubscribe(h sessiontable.Handle, edges []Edge) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fw := b.forward[h]
	for _, e := range edges {
		if _, ok := fw[e]; !ok {
			return ErrSubscriptionMismatch{Edge: e}
		}
	}
	for _, e := range edges {
		b.dropEdgeLocked(h, e)
	}
	return nil
}

// UnsubscribeKind is the more forgiving variant the design notes
// permit offering in addition to exact-match Unsubscribe: it removes
// every edge for (h, publisher) whose kind intersects kinds, without
// requiring an exact mask match.
func (b *Board) UnsubscribeKind(h sessiontable.Handle, publisher ids.UserID, kinds contentkind.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	held, ok := b.forward[h]
	if !ok {
		return
	}
	var matched []Edge
	for e := range held {
		if e.Publisher == publisher && e.Kind.Intersects(kinds) {
			matched = append(matched, e)
		}
	}
	for _, e := range matched {
		b.dropEdgeLocked(h, e)
	}
}

// Subscriptions returns a copy of h's forward edges, for diagnostics
// and tests.
func (b *Board) Subscriptions(h sessiontable.Handle) []Edge {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fw, ok := b.forward[h]
	if !ok {
		return nil
	}
	out := make([]Edge, 0, len(fw))
	for e := range fw {
		out = append(out, e)
	}
	return out
}

// Block mutates the symmetric block set and persists the new snapshot
// if a store is configured. Persistence failures are logged, never
// surfaced to the client -- the in-memory mutation already took
// effect.
func (b *Board) Block(ctx context.Context, blocker, blocked ids.UserID) {
	b.mu.Lock()
	b.ensureBlockSet(blocker).Insert(blocked)
	b.ensureBlockSet(blocked).Insert(blocker)
	snapshot := b.snapshotBlocksLocked()
	store := b.store
	b.mu.Unlock()

	if err := store.Save(ctx, snapshot); err != nil {
		slog.Error("switchboard: persist block set", "error", err)
	}
}

// Unblock removes the symmetric block edge and persists the new
// snapshot if a store is configured.
func (b *Board) Unblock(ctx context.Context, blocker, blocked ids.UserID) {
	b.mu.Lock()
	if s, ok := b.blocks[blocker]; ok {
		s.Delete(blocked)
		if s.Len() == 0 {
			delete(b.blocks, blocker)
		}
	}
	if s, ok := b.blocks[blocked]; ok {
		s.Delete(blocker)
		if s.Len() == 0 {
			delete(b.blocks, blocked)
		}
	}
	snapshot := b.snapshotBlocksLocked()
	store := b.store
	b.mu.Unlock()

	if err := store.Save(ctx, snapshot); err != nil {
		slog.Error("switchboard: persist block set", "error", err)
	}
}

func (b *Board) ensureBlockSet(u ids.UserID) set.Set[ids.UserID] {
	s, ok := b.blocks[u]
	if !ok {
		s = set.New[ids.UserID]()
		b.blocks[u] = s
	}
	return s
}

// snapshotBlocksLocked flattens the adjacency set to the store's wire
// shape. Each pair appears under both users; Load re-symmetrizes, so
// the redundancy is harmless.
func (b *Board) snapshotBlocksLocked() map[ids.UserID][]ids.UserID {
	out := make(map[ids.UserID][]ids.UserID, len(b.blocks))
	for u, peers := range b.blocks {
		if peers.Len() == 0 {
			continue
		}
		out[u] = peers.SortedList()
	}
	return out
}

func (b *Board) blockedLocked(a, c ids.UserID) bool {
	s, ok := b.blocks[a]
	return ok && s.Has(c)
}

// Blocked reports whether a and c currently block each other.
func (b *Board) Blocked(a, c ids.UserID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.blockedLocked(a, c)
}

// Member returns the membership of h, if any.
func (b *Board) Member(h sessiontable.Handle) (Membership, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.member[h]
	return m, ok
}

// RouteMedia is the hot path: returns the set of target session
// handles for a media packet published by h for kind. It is
// O(subscribers of (publisher-user, kind)), never a room scan. Packets
// arriving on a session that is not its user's publisher for kind are
// dropped (nil target set).
func (b *Board) RouteMedia(h sessiontable.Handle, kind contentkind.Kind) []sessiontable.Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.member[h]
	if !ok {
		return nil
	}
	rs := b.rooms[m.Room]
	if rs == nil || rs.publisherOf[m.User][kind] != h {
		return nil
	}
	subs, ok := b.reverse[Edge{Publisher: m.User, Kind: kind}]
	if !ok {
		return nil
	}

	out := make([]sessiontable.Handle, 0, subs.Len())
	for _, t := range subs.UnsortedList() {
		tm, ok := b.member[t]
		if !ok || tm.Room != m.Room || t == h {
			continue
		}
		if b.blockedLocked(m.User, tm.User) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// RouteRTCP computes the reverse of the media direction: feedback
// arriving on a subscriber session is routed to the publisher
// session(s) of the users it subscribes to for kind. Feedback arriving
// on a publisher session travels with the media (RouteMedia); callers
// pick the direction from the session's publisher role.
func (b *Board) RouteRTCP(h sessiontable.Handle, kind contentkind.Kind) []sessiontable.Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.member[h]
	if !ok {
		return nil
	}
	rs := b.rooms[m.Room]
	if rs == nil {
		return nil
	}
	fw, ok := b.forward[h]
	if !ok {
		return nil
	}

	var out []sessiontable.Handle
	seen := set.New[sessiontable.Handle]()
	for e := range fw {
		if !e.Kind.Has(kind) {
			continue
		}
		if b.blockedLocked(m.User, e.Publisher) {
			continue
		}
		if pub, ok := rs.publisherOf[e.Publisher][kind]; ok && pub != h && !seen.Has(pub) {
			seen.Insert(pub)
			out = append(out, pub)
		}
	}
	return out
}

// RouteData computes data-channel fan-out targets. With no addressee,
// delivers to every other session in the room with ReceiveData set
// and not mutually blocked; with an addressee, only to that user's
// sessions in the same room.
func (b *Board) RouteData(h sessiontable.Handle, addressee *ids.UserID) []sessiontable.Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.member[h]
	if !ok {
		return nil
	}
	rs, ok := b.rooms[m.Room]
	if !ok {
		return nil
	}

	var out []sessiontable.Handle
	if addressee != nil {
		sessions, ok := rs.users[*addressee]
		if !ok || b.blockedLocked(m.User, *addressee) {
			return nil
		}
		for _, t := range sessions.UnsortedList() {
			if t != h {
				out = append(out, t)
			}
		}
		return out
	}

	for u, sessions := range rs.users {
		if u == m.User || b.blockedLocked(m.User, u) {
			continue
		}
		for _, t := range sessions.UnsortedList() {
			if b.member[t].ReceiveData {
				out = append(out, t)
			}
		}
	}
	return out
}

// NotifyTargets returns the sessions in room that opted into join/
// leave events, excluding any session of exceptUser. Event fan-out is
// infrequent relative to packet routing, so a room scan is fine here.
func (b *Board) NotifyTargets(room ids.RoomID, exceptUser ids.UserID) []sessiontable.Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rs, ok := b.rooms[room]
	if !ok {
		return nil
	}
	var out []sessiontable.Handle
	for u, sessions := range rs.users {
		if u == exceptUser {
			continue
		}
		for _, t := range sessions.UnsortedList() {
			if b.member[t].Notify {
				out = append(out, t)
			}
		}
	}
	return out
}

// UserSessions returns every live session of user, across all rooms.
// Used to notify a user that they were blocked or unblocked.
func (b *Board) UserSessions(user ids.UserID) []sessiontable.Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []sessiontable.Handle
	for h, m := range b.member {
		if m.User == user {
			out = append(out, h)
		}
	}
	return out
}

// Publisher returns the session holding the publisher role for
// (room, user, kind), if any.
func (b *Board) Publisher(room ids.RoomID, user ids.UserID, kind contentkind.Kind) (sessiontable.Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rs, ok := b.rooms[room]
	if !ok {
		return 0, false
	}
	h, ok := rs.publisherOf[user][kind]
	return h, ok
}

// RoomUsers enumerates users resident in a room (listusers).
func (b *Board) RoomUsers(room ids.RoomID) []ids.UserID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rs, ok := b.rooms[room]
	if !ok {
		return nil
	}
	out := make([]ids.UserID, 0, len(rs.users))
	for u := range rs.users {
		out = append(out, u)
	}
	return out
}

// Rooms enumerates currently non-empty rooms (listrooms).
func (b *Board) Rooms() []ids.RoomID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ids.RoomID, 0, len(b.rooms))
	for r := range b.rooms {
		out = append(out, r)
	}
	return out
}
