// Command sfuhost is the C ABI boundary a gateway host dlopens. It
// exports the plugin entry points (session lifecycle, signalling,
// packet ingress) and calls back into the host through a function
// table registered at init. No routing logic lives here; everything is
// delegated to internal/core. Build with -buildmode=c-shared.
package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef void (*relay_rtp_fn)(uint64_t handle, int video, const char *buf, int len);
typedef void (*relay_rtcp_fn)(uint64_t handle, int video, const char *buf, int len);
typedef void (*relay_data_fn)(uint64_t handle, const char *label, const char *protocol, int binary, const char *buf, int len);
typedef void (*push_event_fn)(uint64_t handle, const char *transaction, const char *body, const char *jsep_type, const char *jsep_sdp);

static void call_relay_rtp(relay_rtp_fn fn, uint64_t h, int video, const char *buf, int len) {
	fn(h, video, buf, len);
}
static void call_relay_rtcp(relay_rtcp_fn fn, uint64_t h, int video, const char *buf, int len) {
	fn(h, video, buf, len);
}
static void call_relay_data(relay_data_fn fn, uint64_t h, const char *label, const char *protocol, int binary, const char *buf, int len) {
	fn(h, label, protocol, binary, buf, len);
}
static void call_push_event(push_event_fn fn, uint64_t h, const char *transaction, const char *body, const char *jsep_type, const char *jsep_sdp) {
	fn(h, transaction, body, jsep_type, jsep_sdp);
}
*/
import "C"

import (
	"context"
	"log/slog"
	"os"
	"time"
	"unsafe"

	"github.com/sfuforge/routingcore/internal/config"
	"github.com/sfuforge/routingcore/internal/core"
	"github.com/sfuforge/routingcore/internal/host"
	"github.com/sfuforge/routingcore/internal/logging"
	"github.com/sfuforge/routingcore/internal/sessiontable"
)

var (
	routing   *core.Core
	callbacks cHost
)

// cHost adapts the registered C function table to the core's Host
// interface.
type cHost struct {
	relayRTP  C.relay_rtp_fn
	relayRTCP C.relay_rtcp_fn
	relayData C.relay_data_fn
	pushEvent C.push_event_fn
}

func (c cHost) RelayRTP(h sessiontable.Handle, video bool, buf []byte) {
	if c.relayRTP == nil || len(buf) == 0 {
		return
	}
	C.call_relay_rtp(c.relayRTP, C.uint64_t(h), cBool(video),
		(*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)))
}

func (c cHost) RelayRTCP(h sessiontable.Handle, video bool, buf []byte) {
	if c.relayRTCP == nil || len(buf) == 0 {
		return
	}
	C.call_relay_rtcp(c.relayRTCP, C.uint64_t(h), cBool(video),
		(*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)))
}

func (c cHost) RelayData(h sessiontable.Handle, label, protocol string, binary bool, buf []byte) {
	if c.relayData == nil || len(buf) == 0 {
		return
	}
	clabel, cprotocol := C.CString(label), C.CString(protocol)
	defer C.free(unsafe.Pointer(clabel))
	defer C.free(unsafe.Pointer(cprotocol))
	C.call_relay_data(c.relayData, C.uint64_t(h), clabel, cprotocol, cBool(binary),
		(*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf)))
}

func (c cHost) PushEvent(h sessiontable.Handle, transaction string, body []byte, jsep *host.JSEP) {
	if c.pushEvent == nil {
		return
	}
	ctransaction := C.CString(transaction)
	cbody := C.CString(string(body))
	defer C.free(unsafe.Pointer(ctransaction))
	defer C.free(unsafe.Pointer(cbody))

	var ctype, csdp *C.char
	if jsep != nil {
		ctype, csdp = C.CString(jsep.Type), C.CString(jsep.SDP)
		defer C.free(unsafe.Pointer(ctype))
		defer C.free(unsafe.Pointer(csdp))
	}
	C.call_push_event(c.pushEvent, C.uint64_t(h), ctransaction, cbody, ctype, csdp)
}

func cBool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

//export plugin_init
func plugin_init(configPath *C.char,
	relayRTP C.relay_rtp_fn, relayRTCP C.relay_rtcp_fn,
	relayData C.relay_data_fn, pushEvent C.push_event_fn) C.int {

	cfg := config.Default()
	if configPath != nil {
		loaded, err := config.Load(C.GoString(configPath))
		if err != nil {
			slog.Error("plugin init: config load failed", "error", err)
			return -1
		}
		cfg = loaded
	}
	if err := logging.Initialize(cfg.Development); err != nil {
		os.Stderr.WriteString("plugin init: logger: " + err.Error() + "\n")
		return -1
	}

	callbacks = cHost{relayRTP: relayRTP, relayRTCP: relayRTCP, relayData: relayData, pushEvent: pushEvent}

	c, err := core.New(context.Background(), cfg, callbacks)
	if err != nil {
		slog.Error("plugin init: core assembly failed", "error", err)
		return -1
	}
	routing = c
	return 0
}

//export plugin_destroy
func plugin_destroy() {
	if routing == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := routing.Shutdown(ctx); err != nil {
		slog.Error("plugin destroy: shutdown", "error", err)
	}
	routing = nil
}

//export create_session
func create_session(handle C.uint64_t) {
	if routing != nil {
		routing.CreateSession(uint64(handle))
	}
}

//export destroy_session
func destroy_session(handle C.uint64_t) {
	if routing != nil {
		routing.DestroySession(uint64(handle))
	}
}

//export handle_message
func handle_message(handle C.uint64_t, transaction, body, jsepType, jsepSDP *C.char) {
	if routing == nil {
		return
	}
	var jsep *host.JSEP
	if jsepType != nil && jsepSDP != nil {
		jsep = &host.JSEP{Type: C.GoString(jsepType), SDP: C.GoString(jsepSDP)}
	}
	transactionID := C.GoString(transaction)
	reply, replyJSEP, err := routing.HandleMessage(context.Background(),
		uint64(handle), transactionID, []byte(C.GoString(body)), jsep)
	if err != nil {
		slog.Error("handle_message: reply encoding failed", "error", err)
		return
	}
	// The reply travels back over the same push primitive as
	// asynchronous events, tagged with the inbound transaction.
	callbacks.PushEvent(sessiontable.Handle(handle), transactionID, reply, replyJSEP)
}

//export incoming_rtp
func incoming_rtp(handle C.uint64_t, video C.int, buf *C.char, length C.int) {
	if routing != nil && buf != nil && length > 0 {
		routing.IncomingRTP(uint64(handle), video != 0, C.GoBytes(unsafe.Pointer(buf), length))
	}
}

//export incoming_rtcp
func incoming_rtcp(handle C.uint64_t, video C.int, buf *C.char, length C.int) {
	if routing != nil && buf != nil && length > 0 {
		routing.IncomingRTCP(uint64(handle), video != 0, C.GoBytes(unsafe.Pointer(buf), length))
	}
}

//export incoming_data
func incoming_data(handle C.uint64_t, label, protocol *C.char, binary C.int, buf *C.char, length C.int) {
	if routing != nil && buf != nil && length > 0 {
		routing.IncomingData(uint64(handle), C.GoString(label), C.GoString(protocol),
			binary != 0, C.GoBytes(unsafe.Pointer(buf), length))
	}
}

func main() {}
