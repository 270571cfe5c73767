package sfu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

// fakeSFU speaks the server side of the signaling protocol.
type fakeSFU struct {
	t        *testing.T
	srv      *httptest.Server
	members  []memberDTO
	joinErr  string
	conns    chan *websocket.Conn
	received chan inbound
	cookies  chan string
}

func newFakeSFU(t *testing.T, members ...memberDTO) *fakeSFU {
	f := &fakeSFU{
		t:        t,
		members:  members,
		conns:    make(chan *websocket.Conn, 1),
		received: make(chan inbound, 32),
		cookies:  make(chan string, 1),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if c, err := r.Cookie("ct"); err == nil {
			select {
			case f.cookies <- c.Value:
			default:
			}
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg inbound
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			f.received <- msg
			if msg.Type != "join" {
				continue
			}
			if f.joinErr != "" {
				_ = ws.WriteJSON(map[string]string{"type": "error", "error": f.joinErr})
				continue
			}
			_ = ws.WriteJSON(map[string]any{
				"type": "room_state", "room": msg.Room, "room_name": msg.Room,
				"members": f.members, "count": len(f.members),
			})
			f.conns <- ws
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSFU) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeSFU) conn() *websocket.Conn {
	select {
	case ws := <-f.conns:
		return ws
	case <-time.After(2 * time.Second):
		f.t.Fatal("no signal connection")
		return nil
	}
}

func (f *fakeSFU) expect(typ string) inbound {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.received:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			f.t.Fatalf("no %q message", typ)
			return inbound{}
		}
	}
}

func newProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := New(Config{SignalURL: url, JoinTimeout: 2 * time.Second}, core.DefaultClientConfig(), nil)
	require.NoError(t, err)
	return p
}

func nextEvent(t *testing.T, p *Provider) core.ProviderEvent {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no provider event")
		return core.ProviderEvent{}
	}
}

var creds = domain.Credentials{AppID: "app", Channel: "lobby", UID: "alice"}

func TestNewRequiresSignalURL(t *testing.T) {
	_, err := New(Config{}, core.DefaultClientConfig(), nil)
	assert.Error(t, err)
}

func TestJoinReportsExistingMembers(t *testing.T) {
	sfu := newFakeSFU(t, memberDTO{ID: "alice", Username: "alice"}, memberDTO{ID: "bob", Username: "bob"})
	p := newProvider(t, sfu.url())

	id, err := p.Join(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("alice"), id)
	assert.Equal(t, "alice", <-sfu.cookies)
	assert.Equal(t, "lobby", sfu.expect("join").Room)

	ev := nextEvent(t, p)
	assert.Equal(t, core.EventUserJoined, ev.Kind)
	assert.Equal(t, domain.ParticipantID("bob"), ev.User.ID())
	assert.Nil(t, ev.User.AudioTrack())

	_, err = p.Join(context.Background(), creds)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	require.NoError(t, p.Leave(context.Background()))
	sfu.expect("leave")
}

func TestMembershipMessages(t *testing.T) {
	sfu := newFakeSFU(t)
	p := newProvider(t, sfu.url())
	_, err := p.Join(context.Background(), creds)
	require.NoError(t, err)
	ws := sfu.conn()

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "member_joined", "user": memberDTO{ID: "alice"}}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "member_joined", "user": memberDTO{ID: "carol"}}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "member_left", "user": memberDTO{ID: "carol"}}))

	ev := nextEvent(t, p)
	assert.Equal(t, core.EventUserJoined, ev.Kind)
	assert.Equal(t, domain.ParticipantID("carol"), ev.User.ID())

	ev = nextEvent(t, p)
	assert.Equal(t, core.EventUserLeft, ev.Kind)
	assert.Equal(t, domain.ParticipantID("carol"), ev.User.ID())

	require.NoError(t, p.Leave(context.Background()))
}

func TestJoinServerError(t *testing.T) {
	sfu := newFakeSFU(t)
	sfu.joinErr = "room not found"
	p := newProvider(t, sfu.url())

	_, err := p.Join(context.Background(), creds)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "room not found", se.Msg)

	// a failed join leaves the provider reusable
	sfu.joinErr = ""
	_, err = p.Join(context.Background(), creds)
	require.NoError(t, err)
	require.NoError(t, p.Leave(context.Background()))
}

func TestNotJoined(t *testing.T) {
	p := newProvider(t, "ws://127.0.0.1:1/ws")
	assert.ErrorIs(t, p.Publish(context.Background()), ErrNotJoined)
	assert.ErrorIs(t, p.Subscribe(context.Background(), &remoteUser{id: "bob"}, domain.MediaAudio), ErrNotJoined)
	assert.NoError(t, p.Leave(context.Background()))

	_, err := p.CreateMicrophoneAudioTrack(context.Background())
	assert.Error(t, err)
}

type chanSource chan *rtp.Packet

func (c chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-c
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func TestRemoteAudioLifecycle(t *testing.T) {
	sfu := newFakeSFU(t)
	p := newProvider(t, sfu.url())
	_, err := p.Join(context.Background(), creds)
	require.NoError(t, err)

	src := make(chanSource)
	p.startRemote(context.Background(), "bob", domain.MediaAudio, src, 0)

	ev := nextEvent(t, p)
	assert.Equal(t, core.EventUserPublished, ev.Kind)
	assert.Equal(t, domain.MediaAudio, ev.Media)
	require.NoError(t, p.Subscribe(context.Background(), ev.User, domain.MediaAudio))

	track := ev.User.AudioTrack()
	require.NotNil(t, track)
	require.NoError(t, track.Play())
	assert.Zero(t, track.VolumeLevel())

	src <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}}
	close(src)

	ev = nextEvent(t, p)
	assert.Equal(t, core.EventUserUnpublished, ev.Kind)
	assert.Nil(t, ev.User.AudioTrack())
	assert.ErrorIs(t, p.Subscribe(context.Background(), ev.User, domain.MediaAudio), ErrNotPublished)
	assert.ErrorIs(t, track.Play(), ErrNotPublished)

	require.NoError(t, p.Leave(context.Background()))
}

type countingSink struct {
	writes atomic.Int32
	closes atomic.Int32
}

func (s *countingSink) WriteRTP(*rtp.Packet) error {
	s.writes.Add(1)
	return nil
}

func (s *countingSink) Close() error {
	s.closes.Add(1)
	return nil
}

func TestRepublishKeepsNewPlayback(t *testing.T) {
	sfu := newFakeSFU(t)
	p := newProvider(t, sfu.url())
	_, err := p.Join(context.Background(), creds)
	require.NoError(t, err)
	defer p.Leave(context.Background())

	firstSrc := make(chanSource)
	p.startRemote(context.Background(), "bob", domain.MediaAudio, firstSrc, 0)
	ev := nextEvent(t, p)
	first := ev.User.AudioTrack()
	require.NotNil(t, first)
	require.NoError(t, first.Play())

	secondSrc := make(chanSource)
	p.startRemote(context.Background(), "bob", domain.MediaAudio, secondSrc, 0)
	ev = nextEvent(t, p)
	assert.Equal(t, core.EventUserPublished, ev.Kind)
	second := ev.User.AudioTrack()
	require.NotNil(t, second)
	require.NotSame(t, first, second)
	require.NoError(t, second.Play())

	sink := &countingSink{}
	require.True(t, second.(*remoteAudio).relay.AddSink(playbackSink, sink))

	first.Stop()
	assert.ErrorIs(t, first.Play(), ErrNotPublished)
	secondSrc <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}}
	secondSrc <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 2}}

	require.Eventually(t, func() bool { return sink.writes.Load() == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, sink.closes.Load())

	close(firstSrc)
	select {
	case ev := <-p.Events():
		t.Fatalf("replaced relay emitted %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Same(t, second, ev.User.AudioTrack())
}

func TestRemoteMutePausesPlayback(t *testing.T) {
	sfu := newFakeSFU(t)
	p := newProvider(t, sfu.url())
	_, err := p.Join(context.Background(), creds)
	require.NoError(t, err)
	defer p.Leave(context.Background())

	src := make(chanSource)
	p.startRemote(context.Background(), "bob", domain.MediaAudio, src, 0)
	track := nextEvent(t, p).User.AudioTrack()
	require.NotNil(t, track)
	require.NoError(t, track.Play())

	relay := track.(*remoteAudio).relay
	played, other := &countingSink{}, &countingSink{}
	require.True(t, relay.AddSink(playbackSink, played))
	track.SetMuted(true)
	require.True(t, relay.AddSink("other", other))

	src <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}}
	require.Eventually(t, func() bool { return other.writes.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, played.writes.Load())

	track.SetMuted(false)
	src <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 2}}
	require.Eventually(t, func() bool { return played.writes.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRemoteVideoPresence(t *testing.T) {
	sfu := newFakeSFU(t)
	p := newProvider(t, sfu.url())
	_, err := p.Join(context.Background(), creds)
	require.NoError(t, err)

	src := make(chanSource)
	p.startRemote(context.Background(), "bob", domain.MediaVideo, src, 0)
	ev := nextEvent(t, p)
	assert.Equal(t, core.EventUserPublished, ev.Kind)
	assert.Equal(t, domain.MediaVideo, ev.Media)
	assert.Nil(t, ev.User.AudioTrack())

	close(src)
	ev = nextEvent(t, p)
	assert.Equal(t, core.EventUserUnpublished, ev.Kind)
	assert.Equal(t, domain.MediaVideo, ev.Media)

	require.NoError(t, p.Leave(context.Background()))
}

func TestMemberLeftStopsRelay(t *testing.T) {
	sfu := newFakeSFU(t)
	p := newProvider(t, sfu.url())
	_, err := p.Join(context.Background(), creds)
	require.NoError(t, err)
	ws := sfu.conn()

	src := make(chanSource)
	p.startRemote(context.Background(), "bob", domain.MediaAudio, src, 0)
	assert.Equal(t, core.EventUserPublished, nextEvent(t, p).Kind)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "member_left", "user": memberDTO{ID: "bob"}}))
	ev := nextEvent(t, p)
	assert.Equal(t, core.EventUserLeft, ev.Kind)
	assert.Nil(t, ev.User.AudioTrack())
	assert.False(t, p.relays.HasRelay("bob"))

	require.NoError(t, p.Leave(context.Background()))
	close(src)
}
