package server

import (
	"fmt"
	"testing"

	"github.com/npezzotti/ghostchat/internal/stats"
	"github.com/npezzotti/ghostchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_newRoom(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 7
	cs := newTestChatServer(t, cfg)

	r := newRoom("abc123", cs)
	assert.Equal(t, "abc123", r.id)
	assert.Equal(t, 7, r.history.capacity(), "expected history capacity from the chat server")
	assert.Zero(t, r.size())
	assert.False(t, r.closed)
}

func TestRoom_join(t *testing.T) {
	cs := newTestChatServer(t, nil)
	r := newRoom("abc123", cs)
	a, b := newTestClient(t, cs), newTestClient(t, cs)

	added, ok := r.join(a, "alice")
	assert.True(t, ok)
	assert.True(t, added, "expected a new participant")
	aMsgs := drain(a)
	assert.Equal(t, []string{EventUserJoined, EventUpdateUserList, EventRoomJoined, EventChatHistory}, eventNames(aMsgs))

	added, ok = r.join(b, "bob")
	assert.True(t, ok)
	assert.True(t, added)

	aMsgs = drain(a)
	assert.Equal(t, []string{EventUserJoined, EventUpdateUserList}, eventNames(aMsgs),
		"expected existing members to see the join and the new user list")
	assert.Equal(t, types.UserJoined{UserId: b.id, Username: "bob"}, aMsgs[0].Data)
	assert.Equal(t, []types.Participant{
		{SocketId: a.id, Username: "alice"},
		{SocketId: b.id, Username: "bob"},
	}, aMsgs[1].Data, "expected participants in join order")

	assert.Equal(t, 2, r.size())
}

func TestRoom_joinRebind(t *testing.T) {
	cs := newTestChatServer(t, nil)
	r := newRoom("abc123", cs)
	a, a2 := newTestClient(t, cs), newTestClient(t, cs)

	a.setRoom("abc123", "alice")
	r.join(a, "alice")
	drain(a)

	added, ok := r.join(a2, "alice")
	assert.True(t, ok)
	assert.False(t, added, "expected the existing participant to be rebound")
	assert.Equal(t, []types.Participant{{SocketId: a2.id, Username: "alice"}}, r.users())

	roomId, username := a.membership()
	assert.Empty(t, roomId, "expected the previous connection to be unjoined")
	assert.Empty(t, username)
	assert.Empty(t, drain(a), "expected no events for the previous connection")
	assert.Empty(t, named(drain(a2), EventUserJoined), "expected no join notice on rebind")
}

func TestRoom_leave(t *testing.T) {
	cs := newTestChatServer(t, nil)
	r := newRoom("abc123", cs)
	a, b, stranger := newTestClient(t, cs), newTestClient(t, cs), newTestClient(t, cs)
	r.join(a, "alice")
	r.join(b, "bob")
	drain(a)
	drain(b)

	username, removed, empty := r.leave(stranger)
	assert.Empty(t, username)
	assert.False(t, removed, "expected nothing to be removed for a non-participant")
	assert.False(t, empty)
	assert.Empty(t, drain(a))

	username, removed, empty = r.leave(b)
	assert.Equal(t, "bob", username)
	assert.True(t, removed)
	assert.False(t, empty)
	aMsgs := drain(a)
	assert.Equal(t, []string{EventUserLeft, EventUpdateUserList}, eventNames(aMsgs))
	assert.Equal(t, types.UserLeft{Username: "bob"}, aMsgs[0].Data)
	assert.Equal(t, []types.Participant{{SocketId: a.id, Username: "alice"}}, aMsgs[1].Data)
	assert.Empty(t, drain(b), "expected the leaving connection to get nothing")

	username, removed, empty = r.leave(a)
	assert.Equal(t, "alice", username)
	assert.True(t, removed)
	assert.True(t, empty, "expected the room to be empty after the last participant left")
}

func TestRoom_publish(t *testing.T) {
	cs := newTestChatServer(t, nil)
	r := newRoom("abc123", cs)
	a, b, c := newTestClient(t, cs), newTestClient(t, cs), newTestClient(t, cs)
	r.join(a, "alice")
	r.join(b, "bob")
	r.join(c, "carol")
	drain(a)
	drain(b)
	drain(c)

	msg := &types.Message{Id: "m1", RoomId: "abc123", UserId: a.id, Username: "alice", Type: types.MessageTypeText, Message: "hello"}
	assert.True(t, r.publish(msg, a))

	assert.Empty(t, drain(a), "expected the sender to be excluded")
	for _, other := range []*Client{b, c} {
		msgs := drain(other)
		require.Len(t, msgs, 1, "expected exactly one copy per participant")
		assert.Equal(t, EventReceiveMessage, msgs[0].Event)
		assert.Same(t, msg, msgs[0].Data)
	}
	assert.Equal(t, []*types.Message{msg}, r.messages())
}

func TestRoom_publishWithoutSender(t *testing.T) {
	cs := newTestChatServer(t, nil)
	r := newRoom("abc123", cs)
	a := newTestClient(t, cs)
	r.join(a, "alice")
	drain(a)

	assert.True(t, r.publish(&types.Message{Id: "m1", Type: types.MessageTypeText, Message: "hi"}, nil))
	assert.Len(t, drain(a), 1, "expected every participant to receive the message")
}

func TestRoom_historyBound(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 10
	cs := newTestChatServer(t, cfg)
	r := newRoom("abc123", cs)

	for _, m := range textMessages(25) {
		r.publish(m, nil)
	}

	msgs := r.messages()
	require.Len(t, msgs, 10, "expected history to hold at most the configured size")
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprint(i+15), m.Id, "expected the most recent messages in insertion order")
	}

	su := cs.stats.(*stats.MockStatsUpdater)
	evicted := 0
	for _, call := range su.Calls {
		if call.Method == "Incr" && call.Arguments.String(0) == stats.NumEvictedMessages {
			evicted++
		}
	}
	assert.Equal(t, 15, evicted, "expected every eviction to be counted")
}

func TestRoom_closed(t *testing.T) {
	cs := newTestChatServer(t, nil)
	r := newRoom("abc123", cs)
	a := newTestClient(t, cs)
	r.closed = true

	added, ok := r.join(a, "alice")
	assert.False(t, ok, "expected join on a closed room to fail")
	assert.False(t, added)
	assert.Zero(t, r.size())

	assert.False(t, r.publish(&types.Message{Id: "m1"}, a), "expected publish on a closed room to fail")
	assert.Empty(t, r.messages())
	assert.Empty(t, drain(a))
}

func TestRoom_hasClient(t *testing.T) {
	cs := newTestChatServer(t, nil)
	r := newRoom("abc123", cs)
	a, b := newTestClient(t, cs), newTestClient(t, cs)
	r.join(a, "alice")

	assert.True(t, r.hasClient(a))
	assert.False(t, r.hasClient(b))
}
