// Package negotiator implements the per-session SDP/ICE offer-answer
// state machine described by the routing core's negotiation contract.
// It never performs ICE/DTLS itself (that is the host framework's
// job); it only tracks negotiation state and composes/parses the SDP
// bodies carried inside JSEP envelopes.
package negotiator

import (
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
)

// State is a session's position in the offer/answer state machine.
type State int

const (
	Fresh State = iota
	OfferSent
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case OfferSent:
		return "offer-sent"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Candidate is one trickle-ICE candidate line, or the end-of-candidates
// marker when Done is true.
type Candidate struct {
	Mid  string
	Line string
	Done bool
}

// Machine is the per-session negotiation state. All mutation is
// serialized by mu, held only across state transitions -- never
// across a host call or other I/O, per the concurrency discipline
// that keeps per-session mutation off the forwarding path.
type Machine struct {
	mu    sync.Mutex
	state State

	remoteSet bool
	iceBuffer []Candidate

	// receiving tracks which content kinds this session currently has
	// a negotiated recv-only media section for, so a later subscribe
	// that adds no new kind does not trigger a redundant re-offer.
	receiving uint8
}

// NewMachine returns a Machine in the Fresh state.
func NewMachine() *Machine {
	return &Machine{state: Fresh}
}

// State returns the current negotiation state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReceivingOffer records a host-delivered offer and returns the
// current state, which it leaves unchanged; the caller is expected to
// then emit an answer and call EstablishedNow.
func (m *Machine) ReceivingOffer() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return Closed, fmt.Errorf("negotiator: session is closed")
	}
	m.remoteSet = true
	return m.state, nil
}

// EstablishedNow transitions to Established, idempotently. Safe to
// call after either an offer was answered or an answer to our own
// offer arrived.
func (m *Machine) EstablishedNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return
	}
	m.state = Established
	m.remoteSet = true
}

// BeginOffer records that we are composing and emitting a local
// offer (either the initial offer, or a re-offer from Established).
// It is idempotent against retries: calling it again while already
// OfferSent is a no-op that returns false so the caller can skip
// re-emitting.
func (m *Machine) BeginOffer(forKinds uint8) (shouldOffer bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return false
	}
	if m.state == OfferSent {
		return false
	}
	if m.state == Established && m.receiving&forKinds == forKinds {
		// Nothing new to negotiate for; do not re-offer for edges that
		// don't change the media section set (e.g. notifications/data).
		return false
	}
	m.state = OfferSent
	return true
}

// AddReceivingKinds records that, once this offer round completes,
// the session will be receiving the given kinds.
func (m *Machine) AddReceivingKinds(kinds uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiving |= kinds
}

// BufferCandidate appends a trickle candidate to the ICE buffer if no
// remote description has been installed yet; otherwise it should be
// flushed immediately by the caller instead.
func (m *Machine) BufferCandidate(c Candidate) (buffered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteSet {
		return false
	}
	m.iceBuffer = append(m.iceBuffer, c)
	return true
}

// FlushCandidates returns and clears the buffered candidates, in
// arrival order, once a remote description has been installed.
func (m *Machine) FlushCandidates() []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.iceBuffer
	m.iceBuffer = nil
	return out
}

// Close transitions to Closed from any state and drops buffered ICE
// candidates. Idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Closed
	m.iceBuffer = nil
}

// BuildRecvOnlyOffer composes a minimal SDP offer describing new
// recv-only media sections for the given kinds, to be wrapped in a
// JSEP envelope by the signalling dispatcher. originID should be
// stable for the life of the session (its numeric session handle is
// sufficient).
func BuildRecvOnlyOffer(originID uint64, audio, video bool) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      originID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
	if audio {
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
				Formats: []string{"111"},
			},
			Attributes: []sdp.Attribute{{Key: "recvonly"}},
		})
	}
	if video {
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
				Formats: []string{"96"},
			},
			Attributes: []sdp.Attribute{{Key: "recvonly"}},
		})
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("negotiator: recv-only offer requested with no media kinds")
	}
	return desc, nil
}

// BuildAnswer parses a peer's offer and composes the matching answer:
// the same media sections in the same order, each with its direction
// attribute reversed (the peer's sendonly becomes our recvonly and
// vice versa). The host fills in its own ICE/DTLS attributes before
// the answer reaches the wire.
func BuildAnswer(offerSDP string, originID uint64) (*sdp.SessionDescription, error) {
	var offer sdp.SessionDescription
	if err := offer.UnmarshalString(offerSDP); err != nil {
		return nil, fmt.Errorf("negotiator: parse offer: %w", err)
	}

	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      originID,
			SessionVersion: offer.Origin.SessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	for _, md := range offer.MediaDescriptions {
		answer.MediaDescriptions = append(answer.MediaDescriptions, &sdp.MediaDescription{
			MediaName:  md.MediaName,
			Attributes: []sdp.Attribute{{Key: reverseDirection(md)}},
		})
	}
	return answer, nil
}

func reverseDirection(md *sdp.MediaDescription) string {
	for _, a := range md.Attributes {
		switch a.Key {
		case "sendonly":
			return "recvonly"
		case "recvonly":
			return "sendonly"
		case "inactive":
			return "inactive"
		}
	}
	return "sendrecv"
}
