package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/botfleet/orchestrator/internal/logger"
	"github.com/botfleet/orchestrator/internal/wire"
)

const (
	sendTimeout   = 1 * time.Second
	registerGrace = 10 * time.Second
)

var ErrRobotNotConnected = errors.New("robot not connected")

// Handler receives transport events. Implemented by the engine.
type Handler interface {
	// HandleRegister is called for the first frame on a connection, which
	// must be a register. The returned ack payload is sent back; a non-nil
	// error closes the connection.
	HandleRegister(ctx context.Context, payload wire.RegisterPayload) (wire.RegisterAckPayload, error)
	// HandleFrame is called for every subsequent inbound frame.
	HandleFrame(ctx context.Context, robotID string, f wire.Frame)
	// HandleDisconnect is called once when the session ends, however it
	// ended.
	HandleDisconnect(ctx context.Context, robotID string, reason string)
}

// Session is one robot connection. The reader goroutine feeds the handler in
// arrival order; the writer goroutine drains the outbound channel, so frames
// to a robot are sent in the order Send was called.
type Session struct {
	RobotID string

	conn     net.Conn
	enc      *wire.Encoder
	outbound chan wire.Frame
	closed   chan struct{}
	once     sync.Once
}

// Send queues a frame for the session. It fails when the outbound buffer
// stays full past the send timeout, which the caller treats as robot loss.
func (s *Session) Send(f wire.Frame) error {
	t := time.NewTimer(sendTimeout)
	defer t.Stop()
	select {
	case s.outbound <- f:
		return nil
	case <-s.closed:
		return ErrRobotNotConnected
	case <-t.C:
		return fmt.Errorf("send to %s timed out: outbound buffer full", s.RobotID)
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Hub owns the robot-facing listener and the live sessions.
type Hub struct {
	mu       sync.Mutex
	log      *logger.Logger
	handler  Handler
	outSize  int
	sessions map[string]*Session
	listener net.Listener
	wg       sync.WaitGroup
}

func NewHub(log *logger.Logger, handler Handler, outboundSize int) *Hub {
	if outboundSize <= 0 {
		outboundSize = 256
	}
	return &Hub{
		log:      log.With("component", "TransportHub"),
		handler:  handler,
		outSize:  outboundSize,
		sessions: make(map[string]*Session),
	}
}

// Listen binds the robot port. Serve must be called next.
func (h *Hub) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	h.log.Info("Robot listener bound", "addr", ln.Addr().String())
	return nil
}

// Addr reports the bound listener address, for tests using port 0.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Serve accepts connections until ctx is done or the listener closes.
func (h *Hub) Serve(ctx context.Context) error {
	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("hub not listening")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				h.wg.Wait()
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.serveConn(ctx, conn)
		}()
	}
}

// serveConn runs one connection to completion. The first frame must be a
// register; everything after flows through the handler.
func (h *Hub) serveConn(ctx context.Context, conn net.Conn) {
	dec := wire.NewDecoder(conn)

	_ = conn.SetReadDeadline(time.Now().Add(registerGrace))
	first, err := dec.Decode()
	if err != nil {
		h.log.Debug("Connection dropped before register", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if first.Type != wire.TypeRegister {
		h.log.Warn("First frame was not register; closing", "remote", conn.RemoteAddr().String(), "type", first.Type)
		_ = conn.Close()
		return
	}
	var reg wire.RegisterPayload
	if err := first.DecodePayload(&reg); err != nil || reg.RobotID == "" {
		h.log.Warn("Malformed register payload; closing", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}

	ack, err := h.handler.HandleRegister(ctx, reg)
	if err != nil {
		h.log.Warn("Register rejected", "robot_id", reg.RobotID, "error", err)
		_ = conn.Close()
		return
	}

	sess := &Session{
		RobotID:  reg.RobotID,
		conn:     conn,
		enc:      wire.NewEncoder(conn),
		outbound: make(chan wire.Frame, h.outSize),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	if old, dup := h.sessions[reg.RobotID]; dup {
		// a reconnect replaces the previous session
		old.close()
	}
	h.sessions[reg.RobotID] = sess
	h.mu.Unlock()

	ackFrame, err := first.Reply(wire.TypeRegisterAck, ack)
	if err == nil {
		err = sess.enc.Encode(ackFrame)
	}
	if err != nil {
		h.log.Warn("Sending register ack failed", "robot_id", reg.RobotID, "error", err)
		h.dropSession(ctx, sess, "register_ack_failed")
		return
	}

	h.log.Info("Robot connected", "robot_id", reg.RobotID, "remote", conn.RemoteAddr().String())

	// writer
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-sess.closed:
				return
			case f := <-sess.outbound:
				if err := sess.enc.Encode(f); err != nil {
					h.log.Warn("Writing frame failed", "robot_id", sess.RobotID, "type", f.Type, "error", err)
					sess.close()
					return
				}
			}
		}
	}()

	// reader, on this goroutine
	reason := "connection_closed"
	for {
		f, err := dec.Decode()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				h.log.Debug("Read failed", "robot_id", sess.RobotID, "error", err)
				reason = "read_error"
			}
			break
		}
		if f.Type == wire.TypeDisconnect {
			var dp wire.DisconnectPayload
			_ = f.DecodePayload(&dp)
			reason = "disconnect"
			if dp.Reason != "" {
				reason = dp.Reason
			}
			break
		}
		h.handler.HandleFrame(ctx, sess.RobotID, f)
	}

	h.dropSession(ctx, sess, reason)
	<-writerDone
}

func (h *Hub) dropSession(ctx context.Context, sess *Session, reason string) {
	sess.close()
	h.mu.Lock()
	current, ok := h.sessions[sess.RobotID]
	if ok && current == sess {
		delete(h.sessions, sess.RobotID)
	} else {
		// a newer session already took over; no disconnect signal
		ok = false
	}
	h.mu.Unlock()
	if ok {
		h.log.Info("Robot disconnected", "robot_id", sess.RobotID, "reason", reason)
		h.handler.HandleDisconnect(ctx, sess.RobotID, reason)
	}
}

// Send delivers a frame to a connected robot.
func (h *Hub) Send(robotID string, f wire.Frame) error {
	h.mu.Lock()
	sess, ok := h.sessions[robotID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", robotID, ErrRobotNotConnected)
	}
	return sess.Send(f)
}

// Connected reports whether a robot has a live session.
func (h *Hub) Connected(robotID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[robotID]
	return ok
}

// Broadcast sends a frame to every connected robot, best effort.
func (h *Hub) Broadcast(f wire.Frame) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		if err := s.Send(f); err != nil {
			h.log.Debug("Broadcast send failed", "robot_id", s.RobotID, "error", err)
		}
	}
}

// Shutdown tells every robot to expect the orchestrator to go away, then
// closes the sessions.
func (h *Hub) Shutdown() {
	if f, err := wire.NewFrame(wire.TypeShutdown, nil); err == nil {
		h.Broadcast(f)
	}
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	h.wg.Wait()
}
