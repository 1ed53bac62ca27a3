// Package signaling parses inbound JSON control messages, performs
// their side effects on the switchboard, negotiator, and identifier
// registry, and emits replies plus asynchronous events through the
// host.
package signaling

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/sfuforge/routingcore/internal/contentkind"
	"github.com/sfuforge/routingcore/internal/sigerr"
)

// Kind is the message discriminant carried in every control message.
type Kind string

const (
	KindJoin        Kind = "join"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindBlock       Kind = "block"
	KindUnblock     Kind = "unblock"
	KindData        Kind = "data"
	KindListRooms   Kind = "listrooms"
	KindListUsers   Kind = "listusers"
	KindTrickle     Kind = "trickle"
)

// UserList accepts either a single user id or an array of them, so
// `"media": 200` and `"media": [200, 300]` both parse.
type UserList []uint64

func (u *UserList) UnmarshalJSON(data []byte) error {
	var one uint64
	if err := json.Unmarshal(data, &one); err == nil {
		*u = UserList{one}
		return nil
	}
	var many []uint64
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a user id or an array of user ids")
	}
	*u = UserList(many)
	return nil
}

// SubscribeSpec is the optional sub-object of a join message declaring
// what the session wants delivered.
type SubscribeSpec struct {
	// Notifications opts into join/leave events for the room.
	Notifications bool `json:"notifications,omitempty"`
	// Data opts into in-room data-channel traffic.
	Data bool `json:"data,omitempty"`
	// Media names the users whose media this session wants to receive.
	// Setting it makes this a subscriber-role session and triggers a
	// recv-only offer in the join reply.
	Media UserList `json:"media,omitempty"`
}

// JoinPayload is the body of a `join` message.
type JoinPayload struct {
	RoomID    uint64         `json:"room_id"`
	UserID    uint64         `json:"user_id,omitempty"`
	Subscribe *SubscribeSpec `json:"subscribe,omitempty"`
}

// EdgeSpec names one subscription edge on the wire: a publisher user
// plus the kind names combined into a single atomic mask.
type EdgeSpec struct {
	Publisher uint64   `json:"publisher"`
	Kinds     []string `json:"kinds"`
}

// Mask folds the kind names into one ContentKind mask. Unknown names
// are a malformed-message error.
func (e EdgeSpec) Mask() (contentkind.Kind, error) {
	var mask contentkind.Kind
	for _, name := range e.Kinds {
		k, ok := contentkind.Parse(name)
		if !ok {
			return contentkind.None, sigerr.New(sigerr.MalformedMessage, fmt.Errorf("unknown content kind %q", name))
		}
		mask |= k
	}
	if mask == contentkind.None {
		return contentkind.None, sigerr.New(sigerr.MalformedMessage, fmt.Errorf("empty kinds list"))
	}
	return mask, nil
}

// SubscribePayload is the body of `subscribe` and `unsubscribe`.
type SubscribePayload struct {
	Edges []EdgeSpec `json:"edges"`
}

// BlockPayload is the body of `block` and `unblock`. The blocker is
// always the sending session's own user.
type BlockPayload struct {
	UserID uint64 `json:"user_id"`
}

// DataPayload is the body of a `data` message: an application payload
// relayed to the room, optionally addressed to a single user.
type DataPayload struct {
	Body string  `json:"body"`
	Whom *uint64 `json:"whom,omitempty"`
}

// ListUsersPayload is the body of `listusers`.
type ListUsersPayload struct {
	RoomID uint64 `json:"room_id"`
}

// TrickleCandidate is one trickle-ICE candidate. A null `candidate`
// member denotes end-of-candidates and is forwarded as-is.
type TrickleCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// TricklePayload is the body of a `trickle` message.
type TricklePayload struct {
	Candidate *TrickleCandidate `json:"candidate"`
}

type envelope struct {
	Kind Kind `json:"kind"`
}

// parseMessage decodes raw into its tagged variant: the Kind plus the
// kind-specific payload struct, decoded from the same flat object.
func parseMessage(raw []byte) (Kind, any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, sigerr.New(sigerr.MalformedMessage, err)
	}
	if env.Kind == "" {
		return "", nil, sigerr.New(sigerr.MalformedMessage, fmt.Errorf("missing kind"))
	}

	decode := func(into any) (Kind, any, error) {
		if err := json.Unmarshal(raw, into); err != nil {
			return env.Kind, nil, sigerr.New(sigerr.MalformedMessage, err)
		}
		return env.Kind, into, nil
	}

	switch env.Kind {
	case KindJoin:
		return decode(&JoinPayload{})
	case KindSubscribe, KindUnsubscribe:
		return decode(&SubscribePayload{})
	case KindBlock, KindUnblock:
		return decode(&BlockPayload{})
	case KindData:
		return decode(&DataPayload{})
	case KindListRooms:
		return env.Kind, nil, nil
	case KindListUsers:
		return decode(&ListUsersPayload{})
	case KindTrickle:
		return decode(&TricklePayload{})
	default:
		return env.Kind, nil, sigerr.New(sigerr.UnknownKind, fmt.Errorf("unknown kind %q", env.Kind))
	}
}

// Reply is the immediate response to one control message.
type Reply struct {
	Success       bool   `json:"success"`
	Transaction   string `json:"transaction,omitempty"`
	Response      any    `json:"response,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Event is the body of a spontaneous push: room membership changes and
// block notifications.
type Event struct {
	Event  string `json:"event"`
	UserID uint64 `json:"user_id"`
	RoomID uint64 `json:"room_id,omitempty"`
}

const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventBlocked   = "blocked"
	EventUnblocked = "unblocked"
	EventCandidate = "candidate"
)
