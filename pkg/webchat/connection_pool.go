package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// wsConn is the part of *websocket.Conn the pool writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// connWriter serializes writes to one connection through a bounded queue.
type connWriter struct {
	conn wsConn
	send chan []byte
}

// ConnectionPool holds the websocket clients watching one conversation. Every client has
// its own write queue; a client whose queue is full or whose write fails is dropped
// instead of stalling the others. When the last client leaves, onIdle runs after
// idleTimeout unless a new client arrives first.
type ConnectionPool struct {
	convID       string
	sendBuffer   int
	writeTimeout time.Duration

	mu          sync.Mutex
	conns       map[wsConn]*connWriter
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(convID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		convID:       convID,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		conns:        map[wsConn]*connWriter{},
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	size := cp.sendBuffer
	if size <= 0 {
		size = 1
	}
	w := &connWriter{conn: conn, send: make(chan []byte, size)}
	cp.mu.Lock()
	cp.conns[conn] = w
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	go cp.writeLoop(w)
}

func (cp *ConnectionPool) writeLoop(w *connWriter) {
	for data := range w.send {
		if cp.writeTimeout > 0 {
			_ = w.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws write failed, dropping connection")
			cp.Remove(w.conn)
			// drain so nothing blocks on a dead writer
			for range w.send {
			}
			return
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.dropLocked(conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) dropLocked(conn wsConn) {
	w, ok := cp.conns[conn]
	if !ok {
		return
	}
	delete(cp.conns, conn)
	close(w.send)
	_ = conn.Close()
}

func (cp *ConnectionPool) enqueueLocked(w *connWriter, data []byte) {
	select {
	case w.send <- data:
	default:
		log.Warn().Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws send buffer full, dropping connection")
		cp.dropLocked(w.conn)
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for _, w := range cp.conns {
		cp.enqueueLocked(w, data)
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if w, ok := cp.conns[conn]; ok {
		cp.enqueueLocked(w, data)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		cp.dropLocked(conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

// ArmIdle starts the idle countdown if the pool has no clients.
func (cp *ConnectionPool) ArmIdle() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
