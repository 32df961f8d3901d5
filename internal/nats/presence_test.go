package nats

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sudooom.im.realtime/internal/connection"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

type stubChannel struct {
	id int64
}

func newStubChannel(id int64) *stubChannel { return &stubChannel{id: id} }

func (c *stubChannel) ID() int64              { return c.id }
func (c *stubChannel) UserID() string         { return "" }
func (c *stubChannel) RemoteAddr() string     { return "" }
func (c *stubChannel) OpenedAt() time.Time    { return time.Time{} }
func (c *stubChannel) Connected() bool        { return true }
func (c *stubChannel) Send(string, any) error { return nil }
func (c *stubChannel) ForceClose(string)      {}

func TestPresencePublisher(t *testing.T) {
	pub := &fakePublisher{}
	p := NewPresencePublisher(pub, "access-1", discardLogger())
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	p.UserOnline("alice")
	p.UserOffline("alice")

	require.Len(t, pub.payloads, 2)
	assert.Equal(t, []string{SubjectPresenceEvent, SubjectPresenceEvent}, pub.subjects)

	var online, offline PresenceEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &online))
	require.NoError(t, json.Unmarshal(pub.payloads[1], &offline))

	assert.Equal(t, PresenceEvent{UserID: "alice", Online: true, NodeID: "access-1", At: at}, online)
	assert.False(t, offline.Online)
}

func TestPresencePublisher_PublishErrorIsSwallowed(t *testing.T) {
	p := NewPresencePublisher(&fakePublisher{err: errors.New("nats: connection closed")}, "access-1", discardLogger())

	assert.NotPanics(t, func() {
		p.UserOnline("alice")
	})
}

func TestPresencePublisher_AsRegistryListener(t *testing.T) {
	pub := &fakePublisher{}
	m := connection.NewManager(discardLogger())
	m.AddListener(NewPresencePublisher(pub, "access-1", discardLogger()))

	ch := newStubChannel(1)
	require.True(t, m.Register(ch, "alice"))
	require.True(t, m.Remove(1))

	require.Len(t, pub.payloads, 2)
}

func TestQueryResponder_Answer(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := connection.NewManager(discardLogger(), connection.WithClock(func() time.Time { return now }))
	require.True(t, m.Register(newStubChannel(1), "alice"))
	require.True(t, m.Register(newStubChannel(2), "alice"))
	m.UpdateLastSeen("alice", now)

	r := NewQueryResponder(nil, m, "access-1", discardLogger())

	reply := r.Answer([]byte(`{"userId":"alice"}`))
	assert.Equal(t, "alice", reply.UserID)
	assert.Equal(t, "access-1", reply.NodeID)
	assert.True(t, reply.Online)
	assert.Equal(t, 2, reply.Connections)
	require.NotNil(t, reply.LastSeen)
	assert.True(t, reply.LastSeen.Equal(now))
	assert.Empty(t, reply.Error)

	reply = r.Answer([]byte(`{"userId":"bob"}`))
	assert.False(t, reply.Online)
	assert.Equal(t, 0, reply.Connections)
	assert.Nil(t, reply.LastSeen)

	reply = r.Answer([]byte(`{}`))
	assert.NotEmpty(t, reply.Error)

	reply = r.Answer([]byte(`not json`))
	assert.NotEmpty(t, reply.Error)
}
