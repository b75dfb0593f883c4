package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/tensamin/omega/pkg/wire"
)

// idleTimeout is how long a connection may stay silent before Omega pings
// it; a second silent interval closes it.
const idleTimeout = 30 * time.Second

// outboundQueueSize bounds the per-session write queue. A full queue means
// the peer stopped consuming; the connection is dropped rather than
// buffered without bound.
const outboundQueueSize = 256

var errQueueFull = errors.New("outbound queue full")

// wsConn adapts one websocket connection to the session's Outbound.
type wsConn struct {
	ws        *websocket.Conn
	out       chan *wire.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		out:  make(chan *wire.Message, outboundQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(msg *wire.Message) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrSessionClosed
	default:
		return errQueueFull
	}
}

// Close ends the connection. Frames queued before the close (such as the
// error frame that caused it) are written out first, within one second.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for flushing := true; flushing; {
			select {
			case msg := <-c.out:
				if frame, err := msg.Encode(); err == nil {
					_ = c.ws.Write(ctx, websocket.MessageText, frame)
				}
			default:
				flushing = false
			}
		}
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

// Server is the accept loop for Omikron control channels.
type Server struct {
	deps Deps
	log  zerolog.Logger

	httpServer  *http.Server
	listener    net.Listener
	idleTimeout time.Duration

	mu       sync.Mutex
	conns    map[*wsConn]struct{}
	draining bool
	wg       sync.WaitGroup
}

func NewServer(deps Deps, log zerolog.Logger) *Server {
	return &Server{
		deps:        deps,
		log:         log.With().Str("component", "session-transport").Logger(),
		conns:       make(map[*wsConn]struct{}),
		idleTimeout: idleTimeout,
	}
}

// Start binds the listen port and serves in the background. The returned
// error covers bind failures only; serve errors surface through logs.
func (srv *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/omikron", srv.handleUpgrade)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv.listener = listener
	srv.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := srv.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error().Err(err).Msg("Session listener failed")
		}
	}()
	srv.log.Info().Str("addr", addr).Msg("Omikron channel listening")
	return nil
}

// Addr is the bound listen address; valid after Start.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

func (srv *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Omikrons connect from arbitrary origins; authentication happens
		// in the handshake, not at the HTTP layer.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		srv.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	conn := newWSConn(ws)
	srv.mu.Lock()
	if srv.draining {
		srv.mu.Unlock()
		conn.Close()
		return
	}
	srv.conns[conn] = struct{}{}
	srv.wg.Add(1)
	srv.mu.Unlock()

	connLog := srv.log.With().Str("conn_id", xid.New().String()).Logger()
	sess := New(srv.deps, conn, connLog)
	sess.SetOnClose(func() {
		srv.mu.Lock()
		delete(srv.conns, conn)
		srv.mu.Unlock()
		srv.wg.Done()
	})

	go srv.serveConn(conn, sess, connLog)
}

// serveConn owns the connection lifetime: write pump, idle watchdog and the
// read loop, in that order of creation.
func (srv *Server) serveConn(conn *wsConn, sess *Session, log zerolog.Logger) {
	ctx := context.Background()

	var lastInbound atomic.Int64
	lastInbound.Store(time.Now().UnixNano())

	go srv.writePump(ctx, conn, sess, log)
	go srv.watchdog(conn, sess, &lastInbound)

	for {
		_, frame, err := conn.ws.Read(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Read loop ended")
			break
		}
		lastInbound.Store(time.Now().UnixNano())
		// Frames are handled concurrently; handlers serialize on the
		// state they touch.
		go sess.HandleFrame(ctx, frame)
	}
	sess.Close()
}

func (srv *Server) writePump(ctx context.Context, conn *wsConn, sess *Session, log zerolog.Logger) {
	for {
		select {
		case <-conn.done:
			return
		case msg := <-conn.out:
			frame, err := msg.Encode()
			if err != nil {
				log.Warn().Err(err).Str("type", msg.Type).Msg("Dropping unencodable frame")
				continue
			}
			if err := conn.ws.Write(ctx, websocket.MessageText, frame); err != nil {
				log.Debug().Err(err).Msg("Write failed")
				sess.Close()
				return
			}
		}
	}
}

// watchdog enforces the idle policy: a silent interval earns a ping, a
// second one closes the connection.
func (srv *Server) watchdog(conn *wsConn, sess *Session, lastInbound *atomic.Int64) {
	ticker := time.NewTicker(srv.idleTimeout / 6)
	defer ticker.Stop()
	pingSent := false
	var pingAt int64
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			last := lastInbound.Load()
			idle := time.Since(time.Unix(0, last))
			if pingSent && last > pingAt {
				pingSent = false
			}
			switch {
			case pingSent && idle >= 2*srv.idleTimeout:
				sess.Close()
				return
			case !pingSent && idle >= srv.idleTimeout:
				sess.send(wire.New(wire.TypePing))
				pingSent = true
				pingAt = last
			}
		}
	}
}

// Shutdown stops accepting, closes every session and waits for the drain
// to finish or the context to expire.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.draining = true
	open := make([]*wsConn, 0, len(srv.conns))
	for conn := range srv.conns {
		open = append(open, conn)
	}
	srv.mu.Unlock()

	if srv.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = srv.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	for _, conn := range open {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
