package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/ghostchat/internal/types"
)

// Inbound events.
const (
	EventGetAvailableRooms = "get-available-rooms"
	EventJoinRoom          = "join-room"
	EventSendMessage       = "send-message"
	EventLeaveRoom         = "leave-room"
)

// Outbound events.
const (
	EventAvailableRooms = "available-rooms"
	EventRoomJoined     = "room-joined"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventUpdateUserList = "update-user-list"
	EventChatHistory    = "chat-history"
	EventReceiveMessage = "receive-message"
	EventErr            = "error"
)

const (
	msgInvalidFormat = "invalid message format"
	msgJoinFailed    = "Failed to join room"
	msgSendFailed    = "Failed to send message"
	msgLeaveFailed   = "Failed to leave room"
	msgRoomNotFound  = "room not found"
	msgNotInRoom     = "not a member of this room"
	msgRateLimited   = "rate limit exceeded"
)

// EventError is returned for events that are rejected. Message is safe to
// show to the client.
type EventError struct {
	Message string
	Err     error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func invalidEvent(format string, args ...any) *EventError {
	return &EventError{Message: fmt.Sprintf(format, args...)}
}

// ClientMessage is a decoded inbound event. Exactly one of Join, Send or
// Leave is set for the events that carry a payload.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Join  *JoinRoom       `json:"-"`
	Send  *SendMessage    `json:"-"`
	Leave *LeaveRoom      `json:"-"`
}

type JoinRoom struct {
	RoomId   string `json:"roomId"`
	Username string `json:"username"`
}

type SendMessage struct {
	RoomId   string            `json:"roomId"`
	Username string            `json:"username"`
	Type     types.MessageType `json:"type"`
	Message  string            `json:"message"`
	FileName string            `json:"fileName"`
	FileType string            `json:"fileType"`
	FileData string            `json:"fileData"`
}

type LeaveRoom struct {
	RoomId   string `json:"roomId"`
	Username string `json:"username"`
}

// ParseClientMessage decodes and validates a raw websocket frame.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &EventError{Message: msgInvalidFormat, Err: err}
	}

	switch msg.Event {
	case EventGetAvailableRooms:
	case EventJoinRoom:
		var join JoinRoom
		if err := decodeData(msg.Data, &join); err != nil {
			return nil, err
		}
		if err := join.validate(); err != nil {
			return nil, err
		}
		msg.Join = &join
	case EventSendMessage:
		var send SendMessage
		if err := decodeData(msg.Data, &send); err != nil {
			return nil, err
		}
		if err := send.validate(); err != nil {
			return nil, err
		}
		msg.Send = &send
	case EventLeaveRoom:
		var leave LeaveRoom
		if err := decodeData(msg.Data, &leave); err != nil {
			return nil, err
		}
		if err := leave.validate(); err != nil {
			return nil, err
		}
		msg.Leave = &leave
	case "":
		return nil, invalidEvent("missing event name")
	default:
		return nil, invalidEvent("unknown event %q", msg.Event)
	}

	return &msg, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return invalidEvent("missing event data")
	}

	if err := json.Unmarshal(data, v); err != nil {
		return &EventError{Message: msgInvalidFormat, Err: err}
	}

	return nil
}

// An empty room id is allowed on join; the server generates one.
func (j *JoinRoom) validate() error {
	if strings.TrimSpace(j.Username) == "" {
		return invalidEvent("username is required")
	}

	return nil
}

func (s *SendMessage) validate() error {
	if s.RoomId == "" {
		return invalidEvent("roomId is required")
	}

	switch s.Type {
	case types.MessageTypeText:
		if s.Message == "" {
			return invalidEvent("message is required for text messages")
		}
	case types.MessageTypeFile:
		if s.FileName == "" || s.FileData == "" {
			return invalidEvent("fileName and fileData are required for file messages")
		}
	case "":
		return invalidEvent("type is required")
	default:
		return invalidEvent("unsupported message type %q", s.Type)
	}

	return nil
}

func (l *LeaveRoom) validate() error {
	if l.RoomId == "" {
		return invalidEvent("roomId is required")
	}

	return nil
}

// ServerMessage is an outbound event. A single ServerMessage is shared by
// every connection it is fanned out to, so it is encoded at most once.
type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`

	once  sync.Once
	frame []byte
	err   error
}

func newServerMessage(event string, data any) *ServerMessage {
	return &ServerMessage{Event: event, Data: data}
}

func (m *ServerMessage) encode() ([]byte, error) {
	m.once.Do(func() {
		m.frame, m.err = json.Marshal(struct {
			Event string `json:"event"`
			Data  any    `json:"data"`
		}{m.Event, m.Data})
	})

	return m.frame, m.err
}

func AvailableRooms(rooms []types.RoomSummary) *ServerMessage {
	if rooms == nil {
		rooms = []types.RoomSummary{}
	}
	return newServerMessage(EventAvailableRooms, rooms)
}

func RoomJoined(roomId, username string) *ServerMessage {
	return newServerMessage(EventRoomJoined, types.RoomJoined{RoomId: roomId, Username: username})
}

func UserJoined(userId, username string) *ServerMessage {
	return newServerMessage(EventUserJoined, types.UserJoined{UserId: userId, Username: username})
}

func UserLeft(username string) *ServerMessage {
	return newServerMessage(EventUserLeft, types.UserLeft{Username: username})
}

func UserList(users []types.Participant) *ServerMessage {
	if users == nil {
		users = []types.Participant{}
	}
	return newServerMessage(EventUpdateUserList, users)
}

func ChatHistory(msgs []*types.Message) *ServerMessage {
	if msgs == nil {
		msgs = []*types.Message{}
	}
	return newServerMessage(EventChatHistory, msgs)
}

func ReceiveMessage(msg *types.Message) *ServerMessage {
	return newServerMessage(EventReceiveMessage, msg)
}

func ErrorMessage(message string) *ServerMessage {
	return newServerMessage(EventErr, types.Error{Message: message})
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
