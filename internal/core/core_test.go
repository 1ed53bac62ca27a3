package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sfuforge/routingcore/internal/config"
	"github.com/sfuforge/routingcore/internal/host"
	"github.com/sfuforge/routingcore/internal/sessiontable"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingHost captures relays and pushes across the whole core.
type recordingHost struct {
	mu     sync.Mutex
	rtp    map[uint64][][]byte
	data   map[uint64][][]byte
	events map[uint64][]map[string]any
}

func newRecordingHost() *recordingHost {
	return &recordingHost{
		rtp:    make(map[uint64][][]byte),
		data:   make(map[uint64][][]byte),
		events: make(map[uint64][]map[string]any),
	}
}

func (r *recordingHost) RelayRTP(h sessiontable.Handle, video bool, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtp[uint64(h)] = append(r.rtp[uint64(h)], append([]byte(nil), buf...))
}

func (r *recordingHost) RelayRTCP(sessiontable.Handle, bool, []byte) {}

func (r *recordingHost) RelayData(h sessiontable.Handle, label, protocol string, binary bool, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[uint64(h)] = append(r.data[uint64(h)], append([]byte(nil), buf...))
}

func (r *recordingHost) PushEvent(h sessiontable.Handle, transaction string, body []byte, jsep *host.JSEP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var decoded map[string]any
	_ = json.Unmarshal(body, &decoded)
	r.events[uint64(h)] = append(r.events[uint64(h)], decoded)
}

func (r *recordingHost) rtpCount(h uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rtp[h])
}

func (r *recordingHost) dataCount(h uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data[h])
}

func (r *recordingHost) lastEvent(h uint64) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.events[h]
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

func newCore(t *testing.T) (*Core, *recordingHost) {
	t.Helper()
	h := newRecordingHost()
	cfg := config.Default()
	cfg.SignallingRatePerSession = "" // keep tests free of limiter state
	c, err := New(context.Background(), cfg, h)
	require.NoError(t, err)
	return c, h
}

func mustHandle(t *testing.T, c *Core, handle uint64, msg string) map[string]any {
	t.Helper()
	raw, _, err := c.HandleMessage(context.Background(), handle, "txn", []byte(msg), nil)
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, true, reply["success"], "message %q failed: %v", msg, reply["error"])
	return reply
}

func join(t *testing.T, c *Core, handle, room, user uint64, extra string) map[string]any {
	t.Helper()
	c.CreateSession(handle)
	return mustHandle(t, c, handle,
		fmt.Sprintf(`{"kind":"join","room_id":%d,"user_id":%d%s}`, room, user, extra))
}

// Scenario: two peers in room 42, each publishing audio and
// subscribing to the other. Audio flows both ways; data addressed
// whom=200 reaches only 200's session.
func TestTwoPeerAudioAndAddressedData(t *testing.T) {
	c, h := newCore(t)
	defer shutdown(t, c)

	join(t, c, 1, 42, 100, `,"subscribe":{"data":true}`)
	join(t, c, 2, 42, 200, `,"subscribe":{"data":true}`)
	mustHandle(t, c, 1, `{"kind":"subscribe","edges":[{"publisher":200,"kinds":["audio"]}]}`)
	mustHandle(t, c, 2, `{"kind":"subscribe","edges":[{"publisher":100,"kinds":["audio"]}]}`)

	c.IncomingRTP(1, false, []byte{0x80, 0x01})
	c.IncomingRTP(2, false, []byte{0x80, 0x02})
	assert.Equal(t, 1, h.rtpCount(2), "100's audio reaches 200")
	assert.Equal(t, 1, h.rtpCount(1), "200's audio reaches 100")

	mustHandle(t, c, 1, `{"kind":"data","body":"direct","whom":200}`)
	assert.Equal(t, 1, h.dataCount(2))
	assert.Equal(t, 0, h.dataCount(1))
}

// Scenario: three peers; 100 blocks 200; broadcasts route around the
// blocked pair until unblock restores full fan-out.
func TestBlockedDataFanOut(t *testing.T) {
	c, h := newCore(t)
	defer shutdown(t, c)

	join(t, c, 1, 42, 100, `,"subscribe":{"data":true}`)
	join(t, c, 2, 42, 200, `,"subscribe":{"data":true}`)
	join(t, c, 3, 42, 300, `,"subscribe":{"data":true}`)

	mustHandle(t, c, 1, `{"kind":"block","user_id":200}`)

	c.IncomingData(1, "chat", "", false, []byte("from 100"))
	c.IncomingData(2, "chat", "", false, []byte("from 200"))
	c.IncomingData(3, "chat", "", false, []byte("from 300"))

	// 100's and 200's broadcasts reach 300 only; 300's reaches both.
	assert.Equal(t, 1, h.dataCount(1))
	assert.Equal(t, 1, h.dataCount(2))
	assert.Equal(t, 2, h.dataCount(3))

	mustHandle(t, c, 1, `{"kind":"unblock","user_id":200}`)
	c.IncomingData(1, "chat", "", false, []byte("again"))
	assert.Equal(t, 2, h.dataCount(2), "unblock restores full fan-out")
	assert.Equal(t, 3, h.dataCount(3))
}

// Scenario: a notify-enabled peer sees join and leave events for its
// roommates.
func TestJoinLeaveNotifications(t *testing.T) {
	c, h := newCore(t)
	defer shutdown(t, c)

	join(t, c, 1, 42, 100, `,"subscribe":{"notifications":true}`)
	join(t, c, 2, 42, 200, "")

	ev := h.lastEvent(1)
	require.NotNil(t, ev)
	assert.Equal(t, "join", ev["event"])
	assert.Equal(t, float64(200), ev["user_id"])
	assert.Equal(t, float64(42), ev["room_id"])

	c.DestroySession(2)

	ev = h.lastEvent(1)
	require.NotNil(t, ev)
	assert.Equal(t, "leave", ev["event"])
	assert.Equal(t, float64(200), ev["user_id"])
	assert.Equal(t, float64(42), ev["room_id"])
}

// Scenario: a subscriber session joins naming publisher 200 and gets a
// recv-only offer; after the peer answers, 200's RTP flows to it.
func TestSubscriberSessionOfferAndMedia(t *testing.T) {
	c, h := newCore(t)
	defer shutdown(t, c)

	join(t, c, 1, 42, 200, "")

	c.CreateSession(2)
	raw, jsep, err := c.HandleMessage(context.Background(), 2, "txn",
		[]byte(`{"kind":"join","room_id":42,"user_id":100,"subscribe":{"media":200}}`), nil)
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, true, reply["success"])
	require.NotNil(t, jsep)
	assert.Equal(t, "offer", jsep.Type)
	assert.Contains(t, jsep.SDP, "a=recvonly")

	// Peer answers.
	_, _, err = c.HandleMessage(context.Background(), 2, "txn-2",
		[]byte(`{"kind":"trickle","candidate":null}`),
		&host.JSEP{Type: "answer", SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"})
	require.NoError(t, err)

	c.IncomingRTP(1, false, []byte{0x80, 0x01})
	assert.Equal(t, 1, h.rtpCount(2), "publisher RTP reaches the subscriber session")
}

func TestUserIDConflictSecondSessionRejected(t *testing.T) {
	c, _ := newCore(t)
	defer shutdown(t, c)

	join(t, c, 1, 42, 100, "")

	c.CreateSession(2)
	raw, _, err := c.HandleMessage(context.Background(), 2, "txn",
		[]byte(`{"kind":"join","room_id":42,"user_id":100}`), nil)
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "user-id-conflict", reply["error"])
}

// Scenario: the host destroys a session while packets are being routed
// to it. No crash; the closed peer's packets drop; others continue.
func TestDestroyMidForward(t *testing.T) {
	c, h := newCore(t)
	defer shutdown(t, c)

	join(t, c, 1, 42, 100, "")
	join(t, c, 2, 42, 200, "")
	join(t, c, 3, 42, 300, "")
	mustHandle(t, c, 2, `{"kind":"subscribe","edges":[{"publisher":100,"kinds":["audio"]}]}`)
	mustHandle(t, c, 3, `{"kind":"subscribe","edges":[{"publisher":100,"kinds":["audio"]}]}`)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.IncomingRTP(1, false, []byte{0x80, 0x01})
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	c.DestroySession(2)
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	before3 := h.rtpCount(3)
	c.IncomingRTP(1, false, []byte{0x80, 0x02})
	assert.Equal(t, before3+1, h.rtpCount(3), "surviving subscriber keeps receiving")
	after2 := h.rtpCount(2)
	c.IncomingRTP(1, false, []byte{0x80, 0x03})
	assert.Equal(t, after2, h.rtpCount(2), "closed subscriber receives nothing further")
	assert.Equal(t, 2, c.Sessions())
}

func TestShutdownDrainsEverything(t *testing.T) {
	c, _ := newCore(t)

	join(t, c, 1, 42, 100, "")
	join(t, c, 2, 43, 200, "")
	require.Equal(t, 2, c.Sessions())
	require.Len(t, c.Rooms(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 0, c.Sessions())
	assert.Empty(t, c.Rooms())
}

func TestDestroyUnknownHandleIsNoop(t *testing.T) {
	c, _ := newCore(t)
	defer shutdown(t, c)
	c.DestroySession(99)
	assert.Equal(t, 0, c.Sessions())
}

func shutdown(t *testing.T, c *Core) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}
