package types

import (
	"time"
)

type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeFile MessageType = "file"
)

const MessageStatusSent = "sent"

// Message is a chat message as stored in a room's history and relayed to
// clients. Messages are never modified after they are created.
type Message struct {
	Id        string      `json:"id"`
	RoomId    string      `json:"roomId"`
	UserId    string      `json:"userId,omitempty"`
	Username  string      `json:"username,omitempty"`
	Type      MessageType `json:"type"`
	Message   string      `json:"message,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	FileType  string      `json:"fileType,omitempty"`
	FileData  string      `json:"fileData,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Status    string      `json:"status,omitempty"`
}

type Participant struct {
	SocketId string `json:"socketId"`
	Username string `json:"username"`
}

type RoomSummary struct {
	RoomId    string `json:"roomId"`
	UserCount int    `json:"userCount"`
}

type UserJoined struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

type UserLeft struct {
	Username string `json:"username"`
}

type RoomJoined struct {
	RoomId   string `json:"roomId"`
	Username string `json:"username"`
}

type Error struct {
	Message string `json:"message"`
}
