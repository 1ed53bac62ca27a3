// Package forwarding is the packet hot path: for every host-delivered
// RTP/RTCP/data buffer, look up the source session, consult the
// switchboard for the target set, and hand the buffer to the host once
// per target. It never buffers (the host owns flow control), never
// propagates errors to clients (drops are counted, not reported), and
// never acquires a lock the signalling path holds across I/O.
package forwarding

import (
	"github.com/sfuforge/routingcore/internal/contentkind"
	"github.com/sfuforge/routingcore/internal/host"
	"github.com/sfuforge/routingcore/internal/ids"
	"github.com/sfuforge/routingcore/internal/metrics"
	"github.com/sfuforge/routingcore/internal/sessiontable"
	"github.com/sfuforge/routingcore/internal/switchboard"
)

// RTCP packet type values the reverse path needs to distinguish.
// Subscriber-originated sender reports are not forwarded; everything
// else (receiver reports, feedback) travels to the publisher.
const rtcpSenderReport = 200

// Path wires the session table, switchboard, and host send primitives
// into the five-step dispatch the routing contract describes.
type Path struct {
	table *sessiontable.Table
	board *switchboard.Board
	host  host.Host
}

// New returns a ready Path.
func New(table *sessiontable.Table, board *switchboard.Board, h host.Host) *Path {
	return &Path{table: table, board: board, host: h}
}

func kindOf(video bool) contentkind.Kind {
	if video {
		return contentkind.Video
	}
	return contentkind.Audio
}

// IncomingRTP routes one RTP packet from the session identified by h.
// The marker/seq/timestamp bytes are passed through verbatim; the
// buffer is never copied or mutated.
func (p *Path) IncomingRTP(h sessiontable.Handle, video bool, buf []byte) {
	_, guard, ok := p.table.Lookup(h)
	if !ok {
		metrics.ForwardedPackets.WithLabelValues("rtp", "dropped_no_session").Inc()
		return
	}
	defer guard.Release()

	targets := p.board.RouteMedia(h, kindOf(video))
	if len(targets) == 0 {
		metrics.ForwardedPackets.WithLabelValues("rtp", "dropped_no_targets").Inc()
		return
	}
	for _, t := range targets {
		p.sendRTP(t, video, buf)
	}
}

func (p *Path) sendRTP(t sessiontable.Handle, video bool, buf []byte) {
	// Re-check liveness at send time: a target may have closed between
	// the route lookup and this send.
	_, guard, ok := p.table.Lookup(t)
	if !ok {
		metrics.ForwardedPackets.WithLabelValues("rtp", "dropped_target_closed").Inc()
		return
	}
	defer guard.Release()
	p.host.RelayRTP(t, video, buf)
	metrics.ForwardedPackets.WithLabelValues("rtp", "forwarded").Inc()
}

// IncomingRTCP routes RTCP feedback. Packets from a publisher session
// travel with its media to the subscribers; packets from a subscriber
// session travel the reverse direction, to the publisher of each
// subscribed stream -- except sender reports, which only a publisher
// may originate.
func (p *Path) IncomingRTCP(h sessiontable.Handle, video bool, buf []byte) {
	_, guard, ok := p.table.Lookup(h)
	if !ok {
		metrics.ForwardedPackets.WithLabelValues("rtcp", "dropped_no_session").Inc()
		return
	}
	defer guard.Release()

	m, ok := p.board.Member(h)
	if !ok {
		metrics.ForwardedPackets.WithLabelValues("rtcp", "dropped_not_in_room").Inc()
		return
	}

	kind := kindOf(video)
	var targets []sessiontable.Handle
	if pub, ok := p.board.Publisher(m.Room, m.User, kind); ok && pub == h {
		targets = p.board.RouteMedia(h, kind)
	} else {
		if len(buf) >= 2 && buf[1] == rtcpSenderReport {
			metrics.ForwardedPackets.WithLabelValues("rtcp", "dropped_subscriber_sr").Inc()
			return
		}
		targets = p.board.RouteRTCP(h, kind)
	}
	if len(targets) == 0 {
		metrics.ForwardedPackets.WithLabelValues("rtcp", "dropped_no_targets").Inc()
		return
	}
	for _, t := range targets {
		p.sendRTCP(t, video, buf)
	}
}

func (p *Path) sendRTCP(t sessiontable.Handle, video bool, buf []byte) {
	_, guard, ok := p.table.Lookup(t)
	if !ok {
		metrics.ForwardedPackets.WithLabelValues("rtcp", "dropped_target_closed").Inc()
		return
	}
	defer guard.Release()
	p.host.RelayRTCP(t, video, buf)
	metrics.ForwardedPackets.WithLabelValues("rtcp", "forwarded").Inc()
}

// IncomingData routes one data-channel payload from h, fanning out to
// every receive-enabled session in the room, or only to the
// addressee's sessions when one is given.
func (p *Path) IncomingData(h sessiontable.Handle, label, protocol string, binary bool, buf []byte) {
	p.FanOutData(h, label, protocol, binary, buf, nil)
}

// FanOutData is IncomingData with an optional addressee; the
// signalling dispatcher uses it to deliver `data` messages with a
// `whom` field through the same path SCTP payloads take.
func (p *Path) FanOutData(h sessiontable.Handle, label, protocol string, binary bool, buf []byte, whom *ids.UserID) {
	_, guard, ok := p.table.Lookup(h)
	if !ok {
		metrics.ForwardedPackets.WithLabelValues("data", "dropped_no_session").Inc()
		return
	}
	defer guard.Release()

	targets := p.board.RouteData(h, whom)
	if len(targets) == 0 {
		metrics.ForwardedPackets.WithLabelValues("data", "dropped_no_targets").Inc()
		return
	}
	for _, t := range targets {
		_, tguard, ok := p.table.Lookup(t)
		if !ok {
			metrics.ForwardedPackets.WithLabelValues("data", "dropped_target_closed").Inc()
			continue
		}
		p.host.RelayData(t, label, protocol, binary, buf)
		tguard.Release()
		metrics.ForwardedPackets.WithLabelValues("data", "forwarded").Inc()
	}
}
