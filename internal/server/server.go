package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/npezzotti/ghostchat/internal/config"
	"github.com/npezzotti/ghostchat/internal/stats"
	"github.com/npezzotti/ghostchat/internal/types"
	"github.com/teris-io/shortid"
)

var ErrShuttingDown = errors.New("chat server is shutting down")

// ChatServer coordinates connections and rooms. It owns the room registry
// and the connection table.
//
// Locks are always acquired in the order listingLock, roomsLock, Room.mu,
// Client.mu, and clientsLock is never held while acquiring another lock.
type ChatServer struct {
	log              *log.Logger
	stats            stats.StatsProvider
	historySize      int
	maxMessageSize   int64
	rateLimit        config.RateLimit
	strictMembership bool

	clients      map[*Client]struct{}
	clientsLock  sync.RWMutex
	clientsWg    sync.WaitGroup
	shuttingDown bool

	rooms     map[string]*Room
	roomsLock sync.RWMutex

	// listingLock serializes room listing broadcasts so the last listing
	// a client receives reflects the latest membership.
	listingLock sync.Mutex

	// newRoomId generates ids for joins that do not name a room.
	newRoomId func() (string, error)
}

func NewChatServer(logger *log.Logger, cfg *config.Config, su stats.StatsProvider) (*ChatServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.HistorySize <= 0 {
		return nil, fmt.Errorf("history size must be positive, got %d", cfg.HistorySize)
	}

	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.NumMessages)
	su.RegisterMetric(stats.NumDroppedEvents)
	su.RegisterMetric(stats.NumEvictedMessages)

	return &ChatServer{
		log:              logger,
		stats:            su,
		historySize:      cfg.HistorySize,
		maxMessageSize:   cfg.MaxMessageSize,
		rateLimit:        cfg.RateLimit,
		strictMembership: cfg.StrictMembership,
		clients:          make(map[*Client]struct{}),
		rooms:            make(map[string]*Room),
		newRoomId:        shortid.Generate,
	}, nil
}

// RegisterClient adds c to the connection table. It fails once Shutdown has
// been called.
func (cs *ChatServer) RegisterClient(c *Client) error {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.shuttingDown {
		return ErrShuttingDown
	}

	if _, ok := cs.clients[c]; ok {
		return nil
	}

	cs.clients[c] = struct{}{}
	cs.clientsWg.Add(1)
	cs.stats.Incr(stats.NumActiveClients)
	cs.log.Printf("connection %s registered (%d connected)", c.id, len(cs.clients))
	return nil
}

// deregisterClient removes c from the connection table and reports whether
// it was present.
func (cs *ChatServer) deregisterClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	cs.stats.Decr(stats.NumActiveClients)
	cs.log.Printf("connection %s removed (%d connected)", c.id, len(cs.clients))
	return true
}

// deliver queues msg for c, counting it if c's buffer is full.
func (cs *ChatServer) deliver(c *Client, msg *ServerMessage) {
	if !c.queueMessage(msg) {
		cs.stats.Incr(stats.NumDroppedEvents)
	}
}

// broadcastAll queues msg for every connected client regardless of room.
func (cs *ChatServer) broadcastAll(msg *ServerMessage) {
	cs.clientsLock.RLock()
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.RUnlock()

	for _, c := range clients {
		cs.deliver(c, msg)
	}
}

func (cs *ChatServer) broadcastRoomList() {
	cs.listingLock.Lock()
	defer cs.listingLock.Unlock()

	cs.broadcastAll(AvailableRooms(cs.AvailableRooms()))
}

func (cs *ChatServer) getRoom(id string) (*Room, bool) {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	r, ok := cs.rooms[id]
	return r, ok
}

func (cs *ChatServer) getOrCreateRoom(id string) *Room {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if r, ok := cs.rooms[id]; ok {
		return r
	}

	r := newRoom(id, cs)
	cs.rooms[id] = r
	cs.stats.Incr(stats.NumActiveRooms)
	cs.log.Printf("created room %q", id)
	return r
}

// removeRoomIfEmpty deletes the room from the registry if it has no
// participants. It is a no-op for unknown or occupied rooms.
func (cs *ChatServer) removeRoomIfEmpty(id string) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	r, ok := cs.rooms[id]
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) > 0 {
		return
	}

	r.closed = true
	delete(cs.rooms, id)
	cs.stats.Decr(stats.NumActiveRooms)
	cs.log.Printf("removed empty room %q", id)
}

func (cs *ChatServer) roomSnapshot() []*Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	rooms := make([]*Room, 0, len(cs.rooms))
	for _, r := range cs.rooms {
		rooms = append(rooms, r)
	}

	return rooms
}

// AvailableRooms returns every non-empty room and its participant count,
// sorted by room id.
func (cs *ChatServer) AvailableRooms() []types.RoomSummary {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	rooms := make([]types.RoomSummary, 0, len(cs.rooms))
	for id, r := range cs.rooms {
		if n := r.size(); n > 0 {
			rooms = append(rooms, types.RoomSummary{RoomId: id, UserCount: n})
		}
	}

	slices.SortFunc(rooms, func(a, b types.RoomSummary) int {
		return strings.Compare(a.RoomId, b.RoomId)
	})
	return rooms
}

// handleMessage applies a validated inbound event from c. Failures,
// including panics, are reported to c and never propagate.
func (cs *ChatServer) handleMessage(c *Client, msg *ClientMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			cs.log.Printf("panic handling %q from %s: %v", msg.Event, c.id, rec)
			cs.deliver(c, ErrorMessage(failureMessage(msg.Event)))
		}
	}()

	var err error
	switch msg.Event {
	case EventGetAvailableRooms:
		cs.deliver(c, AvailableRooms(cs.AvailableRooms()))
	case EventJoinRoom:
		err = cs.joinRoom(c, msg.Join)
	case EventSendMessage:
		err = cs.sendMessage(c, msg.Send)
	case EventLeaveRoom:
		err = cs.leaveRoom(c, msg.Leave)
	default:
		err = invalidEvent("unknown event %q", msg.Event)
	}

	if err != nil {
		cs.log.Printf("%s from %s failed: %v", msg.Event, c.id, err)
		cs.deliver(c, ErrorMessage(clientErrorMessage(err, failureMessage(msg.Event))))
	}
}

func (cs *ChatServer) joinRoom(c *Client, join *JoinRoom) error {
	roomId := join.RoomId
	if roomId == "" {
		id, err := cs.newRoomId()
		if err != nil {
			return fmt.Errorf("generate room id: %w", err)
		}
		roomId = id
	}

	// a connection speaks for one participant in one room at a time. A new
	// name in the same room is handled by the room itself.
	if curRoom, _ := c.membership(); curRoom != "" && curRoom != roomId {
		cs.leaveCurrentRoom(c, curRoom)
	}

	c.setRoom(roomId, join.Username)

	for {
		r := cs.getOrCreateRoom(roomId)
		if _, ok := r.join(c, join.Username); ok {
			break
		}
		// the room was closed between lookup and join, retry with a fresh one
	}

	cs.broadcastRoomList()
	return nil
}

func (cs *ChatServer) sendMessage(c *Client, send *SendMessage) error {
	if !c.allow() {
		return errRateLimited
	}

	r, ok := cs.getRoom(send.RoomId)
	if !ok {
		return &EventError{Message: msgRoomNotFound}
	}

	username := send.Username
	if cs.strictMembership {
		curRoom, curName := c.membership()
		if curRoom != send.RoomId || !r.hasClient(c) {
			return &EventError{Message: msgNotInRoom}
		}
		username = curName
	}

	msg := &types.Message{
		Id:        uuid.NewString(),
		RoomId:    send.RoomId,
		UserId:    c.id,
		Username:  username,
		Type:      send.Type,
		Message:   send.Message,
		FileName:  send.FileName,
		FileType:  send.FileType,
		FileData:  send.FileData,
		Timestamp: Now(),
		Status:    types.MessageStatusSent,
	}

	if !r.publish(msg, c) {
		return &EventError{Message: msgRoomNotFound}
	}

	cs.stats.Incr(stats.NumMessages)
	return nil
}

func (cs *ChatServer) leaveRoom(c *Client, leave *LeaveRoom) error {
	if cs.leaveCurrentRoom(c, leave.RoomId) {
		cs.broadcastRoomList()
	}

	return nil
}

// leaveCurrentRoom removes c's participant from roomId and deletes the room
// if it became empty. It reports whether membership changed.
func (cs *ChatServer) leaveCurrentRoom(c *Client, roomId string) bool {
	c.clearRoom(roomId)

	r, ok := cs.getRoom(roomId)
	if !ok {
		return false
	}

	_, removed, empty := r.leave(c)
	if removed && empty {
		cs.removeRoomIfEmpty(roomId)
	}

	return removed
}

// disconnect removes c from the connection table and from every room it
// speaks for. The scan covers all rooms since c's recorded membership may
// be stale after a rebind.
func (cs *ChatServer) disconnect(c *Client) {
	if cs.deregisterClient(c) {
		// Shutdown waits until the connection has left its rooms
		defer cs.clientsWg.Done()
	}

	defer func() {
		if rec := recover(); rec != nil {
			cs.log.Printf("panic during disconnect of %s: %v", c.id, rec)
		}
	}()

	changed := false
	for _, r := range cs.roomSnapshot() {
		username, removed, empty := r.leave(c)
		if !removed {
			continue
		}

		cs.log.Printf("%q disconnected from room %q", username, r.id)
		changed = true
		if empty {
			cs.removeRoomIfEmpty(r.id)
		}
	}

	c.clearRoom("")

	if changed {
		cs.broadcastRoomList()
	}
}

// Shutdown stops every connection and waits for them to be cleaned up or
// for ctx to expire. New connections are rejected once Shutdown is called.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.clientsLock.Lock()
	cs.shuttingDown = true
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	cs.log.Printf("closing %d connections", len(clients))
	for _, c := range clients {
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		cs.clientsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failureMessage(event string) string {
	switch event {
	case EventJoinRoom:
		return msgJoinFailed
	case EventSendMessage:
		return msgSendFailed
	case EventLeaveRoom:
		return msgLeaveFailed
	default:
		return msgInvalidFormat
	}
}

// clientErrorMessage returns the message of an *EventError in err's chain,
// or fallback for internal errors that must not leak to clients.
func clientErrorMessage(err error, fallback string) string {
	var evErr *EventError
	if errors.As(err, &evErr) {
		return evErr.Message
	}

	return fallback
}
