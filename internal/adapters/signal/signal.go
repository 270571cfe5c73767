package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/app/orch"
	"github.com/dkeye/VoiceCall/internal/core"
)

const (
	defaultSendBuffer = 32
	defaultReadLimit  = 64 * 1024
	defaultPingPeriod = 30 * time.Second
	writeWait         = 5 * time.Second
)

type Options struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
}

// SignalWSController serves the call UI websocket: intents in,
// snapshots out.
type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *JoinRateLimiter
	opts    Options
}

func NewSignalWSController(o *orch.Orchestrator, limiter *JoinRateLimiter, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	return &SignalWSController{Orch: o, Limiter: limiter, opts: opts}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	unwatch, err := ctl.Orch.Watch(sid, conn, EncodeSnapshot)
	if err != nil {
		logger.Error().Err(err).Msg("watch session")
		ctl.sendError(conn, "state", err)
		cancel()
		conn.Close()
		return
	}
	ctl.Orch.Registry.BindSignal(sid, cancel)
	ctl.Orch.Metrics.UIConnected()

	go ctl.writePump(ctx, conn)
	go func() {
		ctl.readPump(ctx, sid, conn)
		ctl.Orch.Metrics.UIDisconnected()
		unwatch()
		cancel()
		ctl.Orch.Registry.UnbindSignal(sid)
		ctl.Orch.OnDisconnect(context.Background(), sid)
	}()
}
