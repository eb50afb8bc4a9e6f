package webchat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   int
	blockCh  chan struct{}
	closedCh chan struct{}
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, _ []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
		return nil
	default:
		close(s.closedCh)
		return nil
	}
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool("c1", 0, nil)
	pool.sendBuffer = 1
	pool.writeTimeout = 0

	conn := newStubConn(true)
	pool.Add(conn)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func (s *stubConn) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func TestConnectionPoolBroadcastReachesEveryClient(t *testing.T) {
	pool := NewConnectionPool("c1", 0, nil)
	a, b := newStubConn(false), newStubConn(false)
	pool.Add(a)
	pool.Add(b)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.SendToOne(a, []byte("only a"))

	require.Eventually(t, func() bool {
		return a.count() == 3 && b.count() == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 2, pool.Count())

	pool.Remove(b)
	require.Equal(t, 1, pool.Count())
	pool.CloseAll()
	require.True(t, pool.IsEmpty())
}

func TestConnectionPoolIdleCallback(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("c1", 20*time.Millisecond, func() { idle <- struct{}{} })
	conn := newStubConn(false)
	pool.Add(conn)
	pool.Remove(conn)

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback did not run")
	}
}

func TestConnectionPoolNewClientCancelsIdle(t *testing.T) {
	var mu sync.Mutex
	fired := false
	pool := NewConnectionPool("c1", 30*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	first := newStubConn(false)
	pool.Add(first)
	pool.Remove(first)
	pool.Add(newStubConn(false))

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, fired)
}
