package forwarding

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfuforge/routingcore/internal/contentkind"
	"github.com/sfuforge/routingcore/internal/host"
	"github.com/sfuforge/routingcore/internal/ids"
	"github.com/sfuforge/routingcore/internal/sessiontable"
	"github.com/sfuforge/routingcore/internal/switchboard"
)

// recordingHost captures every relay call, concurrency-safe so tests
// can drive the path from multiple goroutines.
type recordingHost struct {
	mu    sync.Mutex
	rtp   []relayed
	rtcp  []relayed
	data  []relayed
	onRTP func(h sessiontable.Handle)
}

type relayed struct {
	handle  sessiontable.Handle
	video   bool
	payload []byte
}

func (r *recordingHost) RelayRTP(h sessiontable.Handle, video bool, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtp = append(r.rtp, relayed{h, video, append([]byte(nil), buf...)})
	if r.onRTP != nil {
		r.onRTP(h)
	}
}

func (r *recordingHost) RelayRTCP(h sessiontable.Handle, video bool, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtcp = append(r.rtcp, relayed{h, video, append([]byte(nil), buf...)})
}

func (r *recordingHost) RelayData(h sessiontable.Handle, label, protocol string, binary bool, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, relayed{handle: h, payload: append([]byte(nil), buf...)})
}

func (r *recordingHost) PushEvent(sessiontable.Handle, string, []byte, *host.JSEP) {}

func (r *recordingHost) rtpHandles() []sessiontable.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sessiontable.Handle, 0, len(r.rtp))
	for _, m := range r.rtp {
		out = append(out, m.handle)
	}
	return out
}

// fixture stands up two publishers and their mutual audio
// subscriptions in room 42.
func fixture(t *testing.T) (*Path, *sessiontable.Table, *switchboard.Board, *recordingHost) {
	t.Helper()
	table := sessiontable.New()
	board := switchboard.New(0)
	h := &recordingHost{}
	path := New(table, board, h)

	for handle, user := range map[sessiontable.Handle]ids.UserID{1: 100, 2: 200} {
		table.Insert(handle)
		_, err := board.Join(handle, 42, user, switchboard.Membership{Publisher: true, ReceiveData: true})
		require.NoError(t, err)
	}
	board.Subscribe(1, []switchboard.Edge{{Publisher: 200, Kind: contentkind.Audio}})
	board.Subscribe(2, []switchboard.Edge{{Publisher: 100, Kind: contentkind.Audio}})
	return path, table, board, h
}

func TestRTPFlowsBothWays(t *testing.T) {
	path, _, _, h := fixture(t)

	path.IncomingRTP(1, false, []byte{0x80, 0x01})
	path.IncomingRTP(2, false, []byte{0x80, 0x02})

	require.Len(t, h.rtp, 2)
	assert.Equal(t, sessiontable.Handle(2), h.rtp[0].handle)
	assert.Equal(t, []byte{0x80, 0x01}, h.rtp[0].payload, "payload bytes pass through verbatim")
	assert.Equal(t, sessiontable.Handle(1), h.rtp[1].handle)
}

func TestRTPOrderingPreserved(t *testing.T) {
	path, _, _, h := fixture(t)

	var want [][]byte
	for i := byte(0); i < 50; i++ {
		pkt := []byte{0x80, 0x60, 0x00, i}
		want = append(want, pkt)
		path.IncomingRTP(1, false, pkt)
	}

	require.Len(t, h.rtp, 50)
	for i, m := range h.rtp {
		assert.Equal(t, want[i], m.payload, "packet %d out of order", i)
	}
}

func TestRTPUnknownSessionDropped(t *testing.T) {
	path, _, _, h := fixture(t)
	path.IncomingRTP(99, false, []byte{0x80})
	assert.Empty(t, h.rtp)
}

func TestRTPNoSubscribersDropped(t *testing.T) {
	path, _, _, h := fixture(t)
	// Nobody subscribed to 100's video.
	path.IncomingRTP(1, true, []byte{0x80})
	assert.Empty(t, h.rtp)
}

func TestRTPTargetClosedMidForward(t *testing.T) {
	path, table, board, h := fixture(t)

	// Third peer also subscribed to 100's audio.
	table.Insert(3)
	_, err := board.Join(3, 42, 300, switchboard.Membership{Publisher: true, ReceiveData: true})
	require.NoError(t, err)
	board.Subscribe(3, []switchboard.Edge{{Publisher: 100, Kind: contentkind.Audio}})

	// Session 2 detaches, with its switchboard leave, before the packet
	// is routed. The closed peer receives nothing; the other target is
	// unaffected.
	table.Remove(2, func(*sessiontable.Session) { board.Leave(2) })

	path.IncomingRTP(1, false, []byte{0x80, 0x01})
	assert.Equal(t, []sessiontable.Handle{3}, h.rtpHandles())
}

func TestRTCPFromPublisherFollowsMedia(t *testing.T) {
	path, _, _, h := fixture(t)

	sr := []byte{0x80, 200, 0x00, 0x06}
	path.IncomingRTCP(1, false, sr)

	require.Len(t, h.rtcp, 1)
	assert.Equal(t, sessiontable.Handle(2), h.rtcp[0].handle)
	assert.Equal(t, sr, h.rtcp[0].payload)
}

func TestRTCPReceiverReportReversed(t *testing.T) {
	table := sessiontable.New()
	board := switchboard.New(0)
	h := &recordingHost{}
	path := New(table, board, h)

	// 1 publishes; 2 is a pure subscriber session of another user.
	table.Insert(1)
	table.Insert(2)
	_, err := board.Join(1, 42, 100, switchboard.Membership{Publisher: true})
	require.NoError(t, err)
	_, err = board.Join(2, 42, 200, switchboard.Membership{Publisher: false})
	require.NoError(t, err)
	board.Subscribe(2, []switchboard.Edge{{Publisher: 100, Kind: contentkind.Audio}})

	rr := []byte{0x80, 201, 0x00, 0x07}
	path.IncomingRTCP(2, false, rr)
	require.Len(t, h.rtcp, 1)
	assert.Equal(t, sessiontable.Handle(1), h.rtcp[0].handle,
		"receiver reports travel against the media direction")

	// A sender report from a subscriber is dropped outright.
	sr := []byte{0x80, 200, 0x00, 0x06}
	path.IncomingRTCP(2, false, sr)
	assert.Len(t, h.rtcp, 1)
}

func TestDataBroadcastAndAddressed(t *testing.T) {
	path, table, board, h := fixture(t)

	table.Insert(3)
	_, err := board.Join(3, 42, 300, switchboard.Membership{Publisher: true, ReceiveData: true})
	require.NoError(t, err)

	path.IncomingData(1, "chat", "", false, []byte("hello"))
	require.Len(t, h.data, 2, "broadcast reaches every other receive-enabled session")

	h.data = nil
	whom := ids.UserID(200)
	path.FanOutData(1, "chat", "", false, []byte("psst"), &whom)
	require.Len(t, h.data, 1)
	assert.Equal(t, sessiontable.Handle(2), h.data[0].handle)
	assert.Equal(t, []byte("psst"), h.data[0].payload)
}

func TestDataBlockedFanOut(t *testing.T) {
	ctx := context.Background()
	path, table, board, h := fixture(t)

	table.Insert(3)
	_, err := board.Join(3, 42, 300, switchboard.Membership{Publisher: true, ReceiveData: true})
	require.NoError(t, err)

	board.Block(ctx, 100, 200)

	path.IncomingData(1, "chat", "", false, []byte("from 100"))
	require.Len(t, h.data, 1)
	assert.Equal(t, sessiontable.Handle(3), h.data[0].handle)

	h.data = nil
	path.IncomingData(3, "chat", "", false, []byte("from 300"))
	assert.Len(t, h.data, 2, "an uninvolved peer still reaches both")
}

func TestNotJoinedSessionDropsSilently(t *testing.T) {
	table := sessiontable.New()
	board := switchboard.New(0)
	h := &recordingHost{}
	path := New(table, board, h)
	table.Insert(1)

	path.IncomingRTP(1, false, []byte{0x80})
	path.IncomingRTCP(1, false, []byte{0x80, 201})
	path.IncomingData(1, "", "", false, []byte("x"))

	assert.Empty(t, h.rtp)
	assert.Empty(t, h.rtcp)
	assert.Empty(t, h.data)
}
