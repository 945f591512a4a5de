package server

import (
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/ghostchat/internal/stats"
	"github.com/npezzotti/ghostchat/internal/types"
)

// participant binds a username to the connection currently speaking for it.
type participant struct {
	username string
	client   *Client
}

// Room holds the participants and recent history of a single chat room.
// All state is guarded by mu, so operations on different rooms never
// contend. Events are broadcast while mu is held, which keeps the order of
// a room's events identical on every connection.
type Room struct {
	id           string
	cs           *ChatServer
	log          *log.Logger
	mu           sync.Mutex
	participants []*participant
	history      *history
	// closed is set when the room is removed from the registry. A closed
	// room accepts no further joins or messages.
	closed bool
}

func newRoom(id string, cs *ChatServer) *Room {
	return &Room{
		id:      id,
		cs:      cs,
		log:     cs.log,
		history: newHistory(cs.historySize),
	}
}

// join adds username to the room bound to c, or rebinds the existing
// participant with that username to c. A different name already bound to c
// in this room is replaced. It announces new participants, sends the updated
// user list to the room, and replays the history to c.
// ok is false if the room has already been closed.
func (r *Room) join(c *Client, username string) (added bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, false
	}

	// a rename never empties the room
	if idx := r.indexOfClient(c); idx >= 0 && r.participants[idx].username != username {
		oldName := r.participants[idx].username
		r.participants = slices.Delete(r.participants, idx, idx+1)
		r.log.Printf("%q renamed to %q in room %q", oldName, username, r.id)
		r.broadcast(UserLeft(oldName), nil)
	}

	if p := r.findByUsername(username); p != nil {
		if p.client != c {
			r.log.Printf("rebinding %q in room %q from %s to %s", username, r.id, p.client.id, c.id)
			// the previous connection no longer speaks for this participant
			p.client.clearRoom(r.id)
			p.client = c
		}
	} else {
		r.participants = append(r.participants, &participant{username: username, client: c})
		added = true
		r.log.Printf("%q joined room %q (%d participants)", username, r.id, len(r.participants))
		r.broadcast(UserJoined(c.id, username), nil)
	}

	r.broadcast(UserList(r.userList()), nil)

	r.cs.deliver(c, RoomJoined(r.id, username))
	r.cs.deliver(c, ChatHistory(r.history.snapshot()))

	return added, true
}

// leave removes the participant bound to c and notifies the remaining
// participants. removed is false if c does not speak for anyone in the room.
func (r *Room) leave(c *Client) (username string, removed bool, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOfClient(c)
	if idx < 0 {
		return "", false, len(r.participants) == 0
	}

	username = r.participants[idx].username
	r.participants = slices.Delete(r.participants, idx, idx+1)
	r.log.Printf("%q left room %q (%d participants)", username, r.id, len(r.participants))

	r.broadcast(UserLeft(username), nil)
	r.broadcast(UserList(r.userList()), nil)

	return username, true, len(r.participants) == 0
}

// publish appends msg to the history and relays it to every participant
// except sender. It returns false if the room has been closed.
func (r *Room) publish(msg *types.Message, sender *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	if r.history.push(msg) {
		r.cs.stats.Incr(stats.NumEvictedMessages)
	}
	r.broadcast(ReceiveMessage(msg), sender)
	return true
}

// broadcast queues msg for every participant except skip. Callers must
// hold r.mu.
func (r *Room) broadcast(msg *ServerMessage, skip *Client) {
	for _, p := range r.participants {
		if p.client == skip {
			continue
		}

		r.cs.deliver(p.client, msg)
	}
}

func (r *Room) indexOfClient(c *Client) int {
	return slices.IndexFunc(r.participants, func(p *participant) bool {
		return p.client == c
	})
}

func (r *Room) findByUsername(username string) *participant {
	for _, p := range r.participants {
		if p.username == username {
			return p
		}
	}

	return nil
}

// userList must be called with r.mu held.
func (r *Room) userList() []types.Participant {
	users := make([]types.Participant, len(r.participants))
	for i, p := range r.participants {
		users[i] = types.Participant{SocketId: p.client.id, Username: p.username}
	}

	return users
}

func (r *Room) hasClient(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.indexOfClient(c) >= 0
}

func (r *Room) users() []types.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.userList()
}

func (r *Room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.participants)
}

func (r *Room) messages() []*types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.history.snapshot()
}
