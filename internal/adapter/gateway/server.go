package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"mirador/internal/domain"
	"mirador/internal/infra/config"
	"mirador/internal/infra/tracer"
	"mirador/internal/usecase/eventbus"
)

const writeTimeout = 5 * time.Second

// clientConn tracks a single WebSocket connection. The write loop is the only
// goroutine that touches the socket for writes; pongs reach it over ctrl.
type clientConn struct {
	clientID string
	ws       *websocket.Conn
	sub      domain.Subscription
	ctrl     chan ServerFrame
	// Sequence number already delivered by the replay flush; live events at
	// or below it are duplicates and are skipped by the write loop.
	flushedThrough int64
	// Unix nanos of the last client ping. A connection missing two
	// consecutive heartbeat acks is closed.
	lastAck   atomic.Int64
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Server owns all live transport connections: handshake authentication,
// origin validation, the connection cap, heartbeats, replay flush, and the
// broadcast loop. Transport failures are contained here and never propagate
// to the bus or the lock manager.
type Server struct {
	cfg      config.ServerConfig
	bus      domain.EventBus
	replay   *eventbus.ReplayBuffer
	seq      *eventbus.SequenceAllocator
	locks    domain.SessionLocker
	verifier *TokenVerifier
	logger   *slog.Logger

	httpSrv    *http.Server
	httpRoutes []httpRoute

	mu        sync.Mutex
	conns     map[uint64]*clientConn
	boundAddr string

	nextConnID atomic.Uint64
	limiter    *rate.Limiter
	startTime  time.Time
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates the gateway.
func NewServer(
	cfg config.ServerConfig,
	bus domain.EventBus,
	replay *eventbus.ReplayBuffer,
	seq *eventbus.SequenceAllocator,
	locks domain.SessionLocker,
	verifier *TokenVerifier,
	logger *slog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		bus:      bus,
		replay:   replay,
		seq:      seq,
		locks:    locks,
		verifier: verifier,
		logger:   logger,
		conns:    make(map[uint64]*clientConn),
		// Failed handshakes must not become a token brute-force oracle.
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		startTime: time.Now(),
	}
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux. Collaborators
// mount their own endpoints here, typically wrapped in RequireWriteLock.
// Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins accepting connections. Blocks until ctx is cancelled or the
// listener fails. Failing to bind is the one fatal error of this subsystem.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/session/token", s.handleToken)
	mux.HandleFunc("/session/lock-state", s.handleLockState)
	mux.HandleFunc("/session/lock", s.handleLock)
	mux.HandleFunc("/status", s.handleStatus)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes all live connections and shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		if cc != nil { // nil entries are reserved slots mid-handshake
			conns = append(conns, cc)
		}
	}
	s.mu.Unlock()

	for _, cc := range conns {
		cc.close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// ConnectionCount returns the number of live connections. Slots reserved by
// in-flight handshakes count toward the cap but not toward this number.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cc := range s.conns {
		if cc != nil {
			n++
		}
	}
	return n
}

func (cc *clientConn) close(code websocket.StatusCode, reason string) {
	cc.closeOnce.Do(func() {
		cc.cancel()
		cc.ws.Close(code, reason)
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "too many handshake attempts", http.StatusTooManyRequests)
		return
	}

	hsCtx, hsCancel := context.WithTimeout(r.Context(), s.cfg.HandshakeTimeout)
	defer hsCancel()

	_, span := tracer.StartSpan(r.Context(), "gateway.handshake")
	defer span.End()

	// Origin validation happens inside Accept against the allow-list; a
	// disallowed origin is rejected before the upgrade completes.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "origin", r.Header.Get("Origin"))
		tracer.RecordError(span, domain.ErrOriginDenied)
		return
	}

	q := r.URL.Query()

	// Token check is all-or-nothing: no partial functionality without it.
	if err := s.verifier.Verify(q.Get("token")); err != nil {
		s.logger.Warn("handshake authentication failed", "remote", r.RemoteAddr)
		tracer.RecordError(span, err)
		ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	connID, ok := s.reserveSlot()
	if !ok {
		s.logger.Warn("connection limit reached, rejecting",
			"limit", s.cfg.MaxConnections, "remote", r.RemoteAddr)
		tracer.RecordError(span, domain.ErrCapacityExceeded)
		ws.Close(websocket.StatusPolicyViolation, "connection limit exceeded")
		return
	}

	clientID := q.Get("client_id")
	if clientID == "" {
		clientID = ulid.Make().String()
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	cc := &clientConn{
		clientID: clientID,
		ws:       ws,
		ctrl:     make(chan ServerFrame, 8),
		cancel:   connCancel,
	}
	cc.lastAck.Store(time.Now().UnixNano())

	// Subscribe before the replay flush so no event published during the
	// flush can be missed; overlap is removed by flushedThrough.
	cc.sub = s.bus.Subscribe(clientID, nil)

	if lastSeqStr := q.Get("last_sequence"); lastSeqStr != "" {
		lastSeq, perr := strconv.ParseInt(lastSeqStr, 10, 64)
		if perr != nil || lastSeq < 0 {
			s.teardown(connID, cc)
			ws.Close(websocket.StatusPolicyViolation, "invalid last_sequence")
			return
		}
		span.SetAttributes(tracer.Int64Attr("handshake.last_sequence", lastSeq))
		if ferr := s.flushReplay(hsCtx, cc, lastSeq); ferr != nil {
			if hsCtx.Err() != nil {
				ferr = domain.ErrHandshakeTimeout
			}
			s.logger.Warn("replay flush aborted",
				"client_id", clientID,
				"code", domain.ErrorCodeOf(ferr),
				"error", ferr,
			)
			tracer.RecordError(span, ferr)
			s.teardown(connID, cc)
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
	}

	s.trackConn(connID, cc)
	s.logger.Info("client connected", "conn_id", connID, "client_id", clientID)

	s.bus.Publish(connCtx, domain.Event{
		Type:   domain.EventSystemConnected,
		Data:   map[string]any{"client_id": clientID},
		Source: domain.SourceAgent,
	})

	go s.writeLoop(connCtx, cc)

	// Read loop (blocking).
	s.readLoop(connCtx, cc)

	cc.close(websocket.StatusNormalClosure, "")
	s.teardown(connID, cc)
	s.logger.Info("client disconnected", "conn_id", connID, "client_id", clientID)
}

// flushReplay writes all buffered events newer than lastSeq before live
// delivery begins. Replayed and live delivery never interleave: the write
// loop only starts after the flush completes.
func (s *Server) flushReplay(ctx context.Context, cc *clientConn, lastSeq int64) error {
	events, truncated, ok := s.replay.EventsAfter(cc.clientID, lastSeq)
	if !ok {
		// Expired or first connection: delivery starts from "now".
		return nil
	}
	if truncated {
		// The client detects the loss via the sequence gap; we just log it.
		s.logger.Warn("replay window truncated",
			"client_id", cc.clientID, "last_sequence", lastSeq)
	}
	for _, ev := range events {
		if err := wsjson.Write(ctx, cc.ws, eventFrame(ev)); err != nil {
			return err
		}
		cc.flushedThrough = ev.Sequence
	}
	if cc.flushedThrough < lastSeq {
		cc.flushedThrough = lastSeq
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		switch frame.Type {
		case ClientFramePing:
			cc.lastAck.Store(time.Now().UnixNano())
			select {
			case cc.ctrl <- pongFrame():
			default:
			}
		case ClientFrameSubscribe:
			cc.sub.SetTypes(frame.EventTypes)
		default:
			// Unknown frames are ignored; the protocol is forward-compatible.
		}
	}
}

// writeLoop drains the subscriber queue, emits heartbeats, and enforces the
// missed-ack policy. A write failure tears the connection down but leaves the
// replay entry for a possible reconnect.
func (s *Server) writeLoop(ctx context.Context, cc *clientConn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cc.sub.Events():
			if !ok {
				cc.close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			if ev.Sequence <= cc.flushedThrough {
				continue // already delivered by the replay flush
			}
			if err := s.writeFrame(ctx, cc, eventFrame(ev)); err != nil {
				return
			}
		case f := <-cc.ctrl:
			if err := s.writeFrame(ctx, cc, f); err != nil {
				return
			}
		case now := <-ticker.C:
			sinceAck := now.Sub(time.Unix(0, cc.lastAck.Load()))
			if sinceAck > 2*s.cfg.HeartbeatInterval {
				s.logger.Warn("heartbeat timeout, closing connection",
					"client_id", cc.clientID, "since_ack", sinceAck)
				cc.close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := s.writeFrame(ctx, cc, heartbeatFrame(now)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, cc *clientConn, frame ServerFrame) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, cc.ws, frame); err != nil {
		s.logger.Debug("write failed, tearing down connection",
			"client_id", cc.clientID, "error", err)
		cc.close(websocket.StatusNormalClosure, "")
		return err
	}
	return nil
}

// reserveSlot enforces the connection cap. The slot is speculative until
// trackConn; teardown releases it either way.
func (s *Server) reserveSlot() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) >= s.cfg.MaxConnections {
		return 0, false
	}
	id := s.nextConnID.Add(1)
	s.conns[id] = nil // reserved
	return id, true
}

func (s *Server) trackConn(id uint64, cc *clientConn) {
	s.mu.Lock()
	s.conns[id] = cc
	s.mu.Unlock()
}

func (s *Server) teardown(id uint64, cc *clientConn) {
	cc.cancel()
	s.bus.Unsubscribe(cc.sub)
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}
