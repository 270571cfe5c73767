package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait   = 5 * time.Second
	repliesSize = 8
)

var ErrSignalClosed = errors.New("signal connection closed")

// ServerError is an "error" message sent by the SFU.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string { return "sfu: " + e.Msg }

type memberDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// inbound is the union of the messages the SFU sends.
type inbound struct {
	Type          string      `json:"type"`
	Error         string      `json:"error,omitempty"`
	Room          string      `json:"room,omitempty"`
	RoomName      string      `json:"room_name,omitempty"`
	Members       []memberDTO `json:"members,omitempty"`
	Count         int         `json:"count,omitempty"`
	User          *memberDTO  `json:"user,omitempty"`
	SDP           string      `json:"sdp,omitempty"`
	Candidate     string      `json:"candidate,omitempty"`
	SDPMid        string      `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16     `json:"sdpMLineIndex,omitempty"`
}

type joinMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Name string `json:"name,omitempty"`
}

type sdpMsg struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMsg struct {
	Type          string `json:"type"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

type typeMsg struct {
	Type string `json:"type"`
}

// signalConn is the client side of the SFU websocket. Replies to
// requests (room_state, answer, error) are queued; everything else goes
// to the handler on the read goroutine.
type signalConn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
	replies chan inbound

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSignalConn(ws *websocket.Conn, logger zerolog.Logger) *signalConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &signalConn{
		ws:      ws,
		logger:  logger,
		replies: make(chan inbound, repliesSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *signalConn) readLoop(handle func(inbound)) {
	defer close(s.done)
	defer s.cancel()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("signal read error")
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error().Err(err).Msg("bad signal json")
			continue
		}
		switch msg.Type {
		case "room_state", "answer", "error":
			select {
			case s.replies <- msg:
			default:
				s.logger.Warn().Str("type", msg.Type).Msg("reply queue full, dropping")
			}
		default:
			handle(msg)
		}
	}
}

func (s *signalConn) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ctx.Err() != nil {
		return ErrSignalClosed
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, b)
}

// await returns the next reply of type want. An "error" reply fails it.
func (s *signalConn) await(ctx context.Context, want string) (inbound, error) {
	for {
		select {
		case msg := <-s.replies:
			switch msg.Type {
			case want:
				return msg, nil
			case "error":
				return msg, &ServerError{Msg: msg.Error}
			default:
				s.logger.Debug().Str("type", msg.Type).Str("want", want).Msg("unexpected reply skipped")
			}
		case <-ctx.Done():
			return inbound{}, ctx.Err()
		case <-s.ctx.Done():
			return inbound{}, ErrSignalClosed
		}
	}
}

func (s *signalConn) sendCandidate(ci webrtc.ICECandidateInit) error {
	msg := candidateMsg{Type: "candidate", Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		msg.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		msg.SDPMLineIndex = *ci.SDPMLineIndex
	}
	return s.send(msg)
}

func (s *signalConn) keepalive(period time.Duration) {
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := s.send(typeMsg{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

// close says goodbye and waits for the read loop.
func (s *signalConn) close() error {
	leaveErr := s.send(typeMsg{Type: "leave"})
	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.cancel()
	s.writeMu.Unlock()
	_ = s.ws.Close()
	<-s.done
	if leaveErr != nil && !errors.Is(leaveErr, ErrSignalClosed) {
		return fmt.Errorf("send leave: %w", leaveErr)
	}
	return nil
}
