//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
)

// Epoll is the portable fallback used off Linux. Each connection gets a
// monitor goroutine that peeks for the next byte through a buffered reader
// and reports readiness; the server reads the frame through the same reader
// and then rearms the monitor.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
}

type peekConn struct {
	net.Conn
	r     *bufio.Reader
	fd    int
	rearm chan struct{}
}

func (c *peekConn) Read(p []byte) (int, error) { return c.r.Read(p) }

var fallbackFD atomic.Int64

// NewEpoll creates a new fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap gives conn a buffered reader and a process-unique pseudo fd. The
// server must use the returned conn for all I/O.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{
		Conn:  conn,
		r:     bufio.NewReader(conn),
		fd:    int(fallbackFD.Add(1)),
		rearm: make(chan struct{}, 1),
	}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return net.ErrClosed
	}
	e.mu.Lock()
	e.conns[conn] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.r.Peek(1)

		// Data or an error: either way the server's read path handles it.
		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-pc.rearm:
		case <-e.done:
			return
		}
		if !e.has(pc) {
			return
		}
	}
}

// Rearm lets the monitor peek again once the server has consumed a frame.
func (e *Epoll) Rearm(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.rearm <- struct{}{}:
		default:
		}
	}
}

func (e *Epoll) has(pc *peekConn) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.conns[pc]
	return ok
}

// Remove unregisters a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	pc := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if pc != nil {
		// Wake the monitor so it notices the removal and exits.
		e.Rearm(pc)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD returns the pseudo fd assigned by Wrap.
func socketFD(conn net.Conn) int {
	if pc, ok := conn.(*peekConn); ok {
		return pc.fd
	}
	return -1
}
