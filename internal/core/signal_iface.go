package core

import "errors"

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is one encoded UI message.
type Frame []byte

// SignalConnection is the browser-facing transport of a client.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks: it returns ErrBackpressure when the outbound
	// queue is full and ErrConnClosed after Close.
	TrySend(Frame) error
	Close()
}
