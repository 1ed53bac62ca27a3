// Package host declares the narrow contract the routing core consumes
// from the media framework hosting it. The host terminates DTLS/ICE/
// SRTP and hands the core cleartext buffers; the core hands packets
// and signalling events back through this interface. Every method is
// non-blocking: the host owns flow control and either queues or drops.
package host

import "github.com/sfuforge/routingcore/internal/sessiontable"

// JSEP is an offer/answer envelope exchanged alongside signalling
// messages.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Host is implemented by the embedding media framework (or by the cgo
// shim over its C function table, or by a test fake).
type Host interface {
	// RelayRTP hands one RTP packet to the host for delivery on the
	// given session's peer connection. The buffer is valid only for
	// the duration of the call.
	RelayRTP(h sessiontable.Handle, video bool, buf []byte)

	// RelayRTCP is RelayRTP's RTCP counterpart.
	RelayRTCP(h sessiontable.Handle, video bool, buf []byte)

	// RelayData hands one data-channel payload to the host.
	RelayData(h sessiontable.Handle, label, protocol string, binary bool, buf []byte)

	// PushEvent emits an asynchronous signalling event or late reply
	// on the given session's control channel. transaction is empty for
	// spontaneous events.
	PushEvent(h sessiontable.Handle, transaction string, body []byte, jsep *JSEP)
}
