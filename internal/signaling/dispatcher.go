package signaling

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sfuforge/routingcore/internal/contentkind"
	"github.com/sfuforge/routingcore/internal/forwarding"
	"github.com/sfuforge/routingcore/internal/host"
	"github.com/sfuforge/routingcore/internal/ids"
	"github.com/sfuforge/routingcore/internal/logging"
	"github.com/sfuforge/routingcore/internal/metrics"
	"github.com/sfuforge/routingcore/internal/negotiator"
	"github.com/sfuforge/routingcore/internal/sessiontable"
	"github.com/sfuforge/routingcore/internal/sigerr"
	"github.com/sfuforge/routingcore/internal/switchboard"
)

// Dispatcher routes one parsed control message to its handler. It is
// reentrant: the host may deliver messages for different sessions on
// different worker threads concurrently; per-session negotiator state
// has its own lock and everything else goes through the switchboard's
// and session table's guards.
type Dispatcher struct {
	table *sessiontable.Table
	board *switchboard.Board
	reg   *ids.Registry
	data  *forwarding.Path
	host  host.Host

	limiter *limiter.Limiter
}

// New builds a Dispatcher. ratePerSession is a limiter format string
// like "200-M" (200 messages per minute per session); empty disables
// rate limiting.
func New(table *sessiontable.Table, board *switchboard.Board, reg *ids.Registry, data *forwarding.Path, h host.Host, ratePerSession string) (*Dispatcher, error) {
	d := &Dispatcher{table: table, board: board, reg: reg, data: data, host: h}
	if ratePerSession != "" {
		rate, err := limiter.NewRateFromFormatted(ratePerSession)
		if err != nil {
			return nil, fmt.Errorf("signaling: invalid per-session rate %q: %w", ratePerSession, err)
		}
		d.limiter = limiter.New(memory.NewStore(), rate)
	}
	return d, nil
}

// Dispatch handles one inbound control message for the session
// identified by h and returns the immediate reply plus an optional
// JSEP body to enclose with it. Asynchronous events caused by the
// message are pushed to *other* sessions before Dispatch returns;
// nothing is ever pushed to the requesting session ahead of its reply.
func (d *Dispatcher) Dispatch(ctx context.Context, h sessiontable.Handle, transaction string, body []byte, jsep *host.JSEP) (Reply, *host.JSEP) {
	ctx = context.WithValue(ctx, logging.CorrelationIDKey, uuid.NewString())
	ctx = context.WithValue(ctx, logging.SessionKey, fmt.Sprint(h))
	start := time.Now()

	kind, payload, perr := parseMessage(body)
	kindLabel := string(kind)
	if kindLabel == "" {
		kindLabel = "unparseable"
	}

	ctx, span := otel.Tracer("signaling").Start(ctx, "dispatch")
	span.SetAttributes(attribute.String("kind", kindLabel))
	defer span.End()

	reply, replyJSEP := d.dispatch(ctx, h, body, kind, payload, perr, jsep)
	reply.Transaction = transaction

	status := "ok"
	if !reply.Success {
		status = reply.Error
	}
	metrics.SignalingMessages.WithLabelValues(kindLabel, status).Inc()
	metrics.SignalingDuration.WithLabelValues(kindLabel).Observe(time.Since(start).Seconds())
	return reply, replyJSEP
}

func (d *Dispatcher) dispatch(ctx context.Context, h sessiontable.Handle, body []byte, kind Kind, payload any, perr error, jsep *host.JSEP) (Reply, *host.JSEP) {
	if d.limiter != nil {
		lctx, err := d.limiter.Get(ctx, fmt.Sprintf("session:%d", h))
		if err == nil && lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("session").Inc()
			return errorReply(sigerr.New(sigerr.RateLimited, nil)), nil
		}
	}

	s, guard, ok := d.table.Lookup(h)
	if !ok {
		// The host promised not to reference a destroyed handle; treat
		// a message for one as an internal error, not a silent drop.
		e := sigerr.NewInternal(fmt.Errorf("message for unknown session handle %d", h))
		logging.Error(ctx, "signalling message for unknown session", zap.Error(e))
		return errorReply(e), nil
	}
	defer guard.Release()

	if perr != nil {
		return errorReply(perr), nil
	}

	// A JSEP enclosed with any message advances the negotiation state
	// machine before the kind-specific side effects run.
	answerJSEP, jerr := d.applyJSEP(ctx, s, jsep)
	if jerr != nil {
		return errorReply(jerr), nil
	}

	var (
		reply Reply
		rj    *host.JSEP
	)
	switch kind {
	case KindJoin:
		reply, rj = d.handleJoin(ctx, s, payload.(*JoinPayload))
	case KindSubscribe:
		reply, rj = d.handleSubscribe(ctx, s, payload.(*SubscribePayload))
	case KindUnsubscribe:
		reply = d.handleUnsubscribe(ctx, s, payload.(*SubscribePayload))
	case KindBlock:
		reply = d.handleBlock(ctx, s, payload.(*BlockPayload), true)
	case KindUnblock:
		reply = d.handleBlock(ctx, s, payload.(*BlockPayload), false)
	case KindData:
		reply = d.handleData(ctx, s, payload.(*DataPayload))
	case KindListRooms:
		reply = Reply{Success: true, Response: map[string]any{"rooms": d.board.Rooms()}}
	case KindListUsers:
		reply = d.handleListUsers(payload.(*ListUsersPayload))
	case KindTrickle:
		reply = d.handleTrickle(s, payload.(*TricklePayload))
	default:
		reply = errorReply(sigerr.New(sigerr.UnknownKind, fmt.Errorf("unknown kind %q", kind)))
	}

	if rj == nil {
		rj = answerJSEP
	}
	return reply, rj
}

// applyJSEP advances the negotiation machine for an enclosed
// offer/answer and returns the answer JSEP to send back when the peer
// offered. A negotiation failure that leaves the session's SDP state
// indeterminate closes the session, per the error-handling contract.
func (d *Dispatcher) applyJSEP(ctx context.Context, s *sessiontable.Session, jsep *host.JSEP) (*host.JSEP, error) {
	if jsep == nil {
		return nil, nil
	}
	switch jsep.Type {
	case "offer":
		if _, err := s.Negotiator.ReceivingOffer(); err != nil {
			return nil, sigerr.NewInternal(err)
		}
		answer, err := negotiator.BuildAnswer(jsep.SDP, uint64(s.Handle))
		if err != nil {
			logging.Error(ctx, "failed to answer peer offer; closing session", zap.Error(err))
			d.closeSession(ctx, s.Handle)
			return nil, sigerr.NewInternal(err)
		}
		raw, err := answer.Marshal()
		if err != nil {
			return nil, sigerr.NewInternal(err)
		}
		s.Negotiator.EstablishedNow()
		d.flushCandidates(s)
		metrics.NegotiatorOffers.WithLabelValues("peer-offer").Inc()
		return &host.JSEP{Type: "answer", SDP: string(raw)}, nil
	case "answer":
		s.Negotiator.EstablishedNow()
		d.flushCandidates(s)
		return nil, nil
	default:
		return nil, sigerr.New(sigerr.MalformedMessage, fmt.Errorf("unknown jsep type %q", jsep.Type))
	}
}

// flushCandidates hands buffered trickle candidates to the host in
// arrival order, now that a remote description exists to apply them
// against.
func (d *Dispatcher) flushCandidates(s *sessiontable.Session) {
	for _, c := range s.Negotiator.FlushCandidates() {
		d.pushCandidate(s.Handle, c)
	}
}

func (d *Dispatcher) pushCandidate(h sessiontable.Handle, c negotiator.Candidate) {
	var body []byte
	if c.Done {
		body, _ = json.Marshal(map[string]any{"event": EventCandidate, "candidate": nil})
	} else {
		body, _ = json.Marshal(map[string]any{
			"event": EventCandidate,
			"candidate": TrickleCandidate{
				Candidate: c.Line,
				SDPMid:    c.Mid,
			},
		})
	}
	d.host.PushEvent(h, "", body, nil)
}

func (d *Dispatcher) handleJoin(ctx context.Context, s *sessiontable.Session, p *JoinPayload) (Reply, *host.JSEP) {
	room := ids.RoomID(p.RoomID)
	if !ids.ValidRoomID(room) {
		return errorReply(sigerr.New(sigerr.MalformedMessage, fmt.Errorf("missing or zero room_id"))), nil
	}
	if _, bound := s.Binding(); bound {
		return errorReply(sigerr.New(sigerr.AlreadyJoined, nil)), nil
	}

	user := ids.UserID(p.UserID)
	if user == 0 {
		user = d.reg.NewUserID()
	}

	sub := p.Subscribe
	if sub == nil {
		sub = &SubscribeSpec{}
	}
	m := switchboard.Membership{
		Notify:      sub.Notifications,
		ReceiveData: sub.Data,
		Publisher:   len(sub.Media) == 0,
	}

	result, err := d.board.Join(s.Handle, room, user, m)
	if err != nil {
		switch err.(type) {
		case switchboard.ErrUserIDConflict:
			return errorReply(sigerr.New(sigerr.UserIDConflict, err)), nil
		case switchboard.ErrRoomFull:
			return errorReply(sigerr.New(sigerr.RoomFull, err)), nil
		default:
			return errorReply(sigerr.NewInternal(err)), nil
		}
	}
	s.Bind(sessiontable.Binding{Room: room, User: user}, m.Notify, m.ReceiveData)

	var replyJSEP *host.JSEP
	if len(sub.Media) > 0 {
		edges := make([]switchboard.Edge, 0, len(sub.Media))
		for _, pub := range sub.Media {
			edges = append(edges, switchboard.Edge{
				Publisher: ids.UserID(pub),
				Kind:      contentkind.Audio | contentkind.Video,
			})
		}
		d.board.Subscribe(s.Handle, edges)
		replyJSEP = d.maybeOffer(s, contentkind.Audio|contentkind.Video, "join-subscribe")
	}

	users := make([]uint64, 0, len(result.OtherUsers)+1)
	users = append(users, uint64(user))
	for _, u := range result.OtherUsers {
		users = append(users, uint64(u))
	}
	reply := Reply{Success: true, Response: map[string]any{
		"users": map[string][]uint64{fmt.Sprint(p.RoomID): users},
	}}

	// The joiner's reply is composed; now tell the room.
	d.pushRoomEvent(room, user, EventJoin)

	logging.Info(withBinding(ctx, room, user), "session joined room")
	return reply, replyJSEP
}

// maybeOffer asks the negotiator whether the given kinds require a
// server-initiated offer and composes one if so. Subscriptions that do
// not change the set of media tracks never re-offer.
func (d *Dispatcher) maybeOffer(s *sessiontable.Session, kinds contentkind.Kind, trigger string) *host.JSEP {
	media := kinds & (contentkind.Audio | contentkind.Video)
	if media == contentkind.None {
		return nil
	}
	if !s.Negotiator.BeginOffer(uint8(media)) {
		return nil
	}
	offer, err := negotiator.BuildRecvOnlyOffer(uint64(s.Handle),
		media.Has(contentkind.Audio), media.Has(contentkind.Video))
	if err != nil {
		return nil
	}
	raw, err := offer.Marshal()
	if err != nil {
		return nil
	}
	s.Negotiator.AddReceivingKinds(uint8(media))
	metrics.NegotiatorOffers.WithLabelValues(trigger).Inc()
	return &host.JSEP{Type: "offer", SDP: string(raw)}
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, s *sessiontable.Session, p *SubscribePayload) (Reply, *host.JSEP) {
	if _, bound := s.Binding(); !bound {
		return errorReply(sigerr.New(sigerr.NotInRoom, nil)), nil
	}
	edges, err := d.edgesFromSpec(p)
	if err != nil {
		return errorReply(err), nil
	}
	d.board.Subscribe(s.Handle, edges)

	var kinds contentkind.Kind
	for _, e := range edges {
		kinds |= e.Kind
	}
	return Reply{Success: true}, d.maybeOffer(s, kinds, "subscribe")
}

func (d *Dispatcher) handleUnsubscribe(ctx context.Context, s *sessiontable.Session, p *SubscribePayload) Reply {
	if _, bound := s.Binding(); !bound {
		return errorReply(sigerr.New(sigerr.NotInRoom, nil))
	}
	edges, err := d.edgesFromSpec(p)
	if err != nil {
		return errorReply(err)
	}
	if err := d.board.Unsubscribe(s.Handle, edges); err != nil {
		return errorReply(sigerr.New(sigerr.SubscriptionMismatch, err))
	}
	return Reply{Success: true}
}

func (d *Dispatcher) edgesFromSpec(p *SubscribePayload) ([]switchboard.Edge, error) {
	if len(p.Edges) == 0 {
		return nil, sigerr.New(sigerr.MalformedMessage, fmt.Errorf("missing edges"))
	}
	edges := make([]switchboard.Edge, 0, len(p.Edges))
	for _, spec := range p.Edges {
		if spec.Publisher == 0 {
			return nil, sigerr.New(sigerr.MalformedMessage, fmt.Errorf("missing publisher"))
		}
		mask, err := spec.Mask()
		if err != nil {
			return nil, err
		}
		edges = append(edges, switchboard.Edge{Publisher: ids.UserID(spec.Publisher), Kind: mask})
	}
	return edges, nil
}

func (d *Dispatcher) handleBlock(ctx context.Context, s *sessiontable.Session, p *BlockPayload, block bool) Reply {
	binding, bound := s.Binding()
	if !bound {
		return errorReply(sigerr.New(sigerr.NotInRoom, nil))
	}
	if p.UserID == 0 {
		return errorReply(sigerr.New(sigerr.MalformedMessage, fmt.Errorf("missing user_id")))
	}
	target := ids.UserID(p.UserID)

	event := EventBlocked
	if block {
		d.board.Block(ctx, binding.User, target)
	} else {
		d.board.Unblock(ctx, binding.User, target)
		event = EventUnblocked
	}

	// Both sides learn about the mutation: the blocker via this reply,
	// the counterparty via a pushed notification on each live session.
	body, _ := json.Marshal(Event{Event: event, UserID: uint64(binding.User)})
	for _, t := range d.board.UserSessions(target) {
		d.host.PushEvent(t, "", body, nil)
	}

	logging.Info(withBinding(ctx, binding.Room, binding.User), "block set mutated",
		zap.Uint64("peer_user_id", uint64(target)), zap.Bool("blocked", block))
	return Reply{Success: true}
}

func (d *Dispatcher) handleData(ctx context.Context, s *sessiontable.Session, p *DataPayload) Reply {
	if _, bound := s.Binding(); !bound {
		return errorReply(sigerr.New(sigerr.NotInRoom, nil))
	}
	var whom *ids.UserID
	if p.Whom != nil {
		u := ids.UserID(*p.Whom)
		whom = &u
	}
	d.data.FanOutData(s.Handle, "signalling", "", false, []byte(p.Body), whom)
	return Reply{Success: true}
}

func (d *Dispatcher) handleListUsers(p *ListUsersPayload) Reply {
	if p.RoomID == 0 {
		return errorReply(sigerr.New(sigerr.MalformedMessage, fmt.Errorf("missing room_id")))
	}
	users := d.board.RoomUsers(ids.RoomID(p.RoomID))
	out := make([]uint64, 0, len(users))
	for _, u := range users {
		out = append(out, uint64(u))
	}
	return Reply{Success: true, Response: map[string]any{
		"users": map[string][]uint64{fmt.Sprint(p.RoomID): out},
	}}
}

func (d *Dispatcher) handleTrickle(s *sessiontable.Session, p *TricklePayload) Reply {
	c := negotiator.Candidate{Done: p.Candidate == nil}
	if p.Candidate != nil {
		c.Line = p.Candidate.Candidate
		c.Mid = p.Candidate.SDPMid
	}
	if !s.Negotiator.BufferCandidate(c) {
		// Remote description already installed; hand it straight to
		// the host instead of buffering.
		d.pushCandidate(s.Handle, c)
	}
	return Reply{Success: true}
}

// SessionClosed runs the signalling side of session teardown: the
// switchboard leave cascade plus the `leave` event to notify-enabled
// observers. Called from the session table's Remove teardown hook and
// from nothing else.
func (d *Dispatcher) SessionClosed(ctx context.Context, h sessiontable.Handle) {
	m, wasLast, had := d.board.Leave(h)
	if !had {
		return
	}
	if wasLast {
		d.pushRoomEvent(m.Room, m.User, EventLeave)
	}
	ctx = context.WithValue(ctx, logging.SessionKey, fmt.Sprint(h))
	logging.Info(withBinding(ctx, m.Room, m.User), "session left room")
}

// pushRoomEvent fans a join/leave event out to the room's
// notify-enabled sessions, excluding the subject's own.
func (d *Dispatcher) pushRoomEvent(room ids.RoomID, user ids.UserID, event string) {
	targets := d.board.NotifyTargets(room, user)
	if len(targets) == 0 {
		return
	}
	body, _ := json.Marshal(Event{Event: event, UserID: uint64(user), RoomID: uint64(room)})
	for _, t := range targets {
		_, guard, ok := d.table.Lookup(t)
		if !ok {
			continue
		}
		d.host.PushEvent(t, "", body, nil)
		guard.Release()
	}
}

// closeSession tears the session down off the dispatch goroutine: the
// caller still holds a read guard on this session, and Remove drains
// guards, so removing inline would wait on ourselves.
func (d *Dispatcher) closeSession(ctx context.Context, h sessiontable.Handle) {
	go func() {
		if d.table.Remove(h, func(*sessiontable.Session) { d.SessionClosed(ctx, h) }) {
			metrics.DecSession()
		}
	}()
}

func errorReply(err error) Reply {
	if e, ok := sigerr.As(err); ok {
		return Reply{Success: false, Error: string(e.Kind), CorrelationID: e.CorrelationID}
	}
	return Reply{Success: false, Error: string(sigerr.Internal)}
}
