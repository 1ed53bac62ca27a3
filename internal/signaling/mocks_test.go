package signaling

import (
	"sync"

	json "github.com/goccy/go-json"

	"github.com/sfuforge/routingcore/internal/host"
	"github.com/sfuforge/routingcore/internal/sessiontable"
)

// pushedEvent is one captured PushEvent call.
type pushedEvent struct {
	handle      sessiontable.Handle
	transaction string
	body        map[string]any
	jsep        *host.JSEP
}

// relayedData is one captured RelayData call.
type relayedData struct {
	handle  sessiontable.Handle
	payload []byte
}

// mockHost records everything the dispatcher hands to the host.
type mockHost struct {
	mu     sync.Mutex
	events []pushedEvent
	data   []relayedData
}

func (m *mockHost) RelayRTP(sessiontable.Handle, bool, []byte)  {}
func (m *mockHost) RelayRTCP(sessiontable.Handle, bool, []byte) {}

func (m *mockHost) RelayData(h sessiontable.Handle, label, protocol string, binary bool, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(m.data, relayedData{handle: h, payload: append([]byte(nil), buf...)})
}

func (m *mockHost) PushEvent(h sessiontable.Handle, transaction string, body []byte, jsep *host.JSEP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var decoded map[string]any
	_ = json.Unmarshal(body, &decoded)
	m.events = append(m.events, pushedEvent{handle: h, transaction: transaction, body: decoded, jsep: jsep})
}

func (m *mockHost) eventsFor(h sessiontable.Handle) []pushedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pushedEvent
	for _, e := range m.events {
		if e.handle == h {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockHost) dataFor(h sessiontable.Handle) []relayedData {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []relayedData
	for _, d := range m.data {
		if d.handle == h {
			out = append(out, d)
		}
	}
	return out
}

func (m *mockHost) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.data = nil
}
