//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// pollInterval bounds each epoll_wait so the read loop notices shutdown.
	pollInterval = 500 // ms
	maxEvents    = 256
)

// Epoll multiplexes reads for every participant socket on one goroutine.
// Participants spend most of their time idle in the queue or in a session
// whose media flows peer to peer, so a registered fd is all they cost.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Add watches conn for input and for the peer closing its side. A hang-up
// is reported like readable data; the following read fails and the server
// disconnects the participant.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. Removing a conn that was never added, or
// whose fd is already closed, is not an error.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	_, known := e.conns[fd]
	delete(e.conns, fd)
	e.mu.Unlock()
	if !known {
		return nil
	}

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	return err
}

// Wait returns the connections with pending input or a hang-up. It returns
// an empty slice when pollInterval passes with nothing to report.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, pollInterval)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.events[:n] {
		// Removed while epoll_wait was returning.
		if conn, ok := e.conns[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Wrap returns conn unchanged; epoll never reads from the socket itself.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Rearm is a no-op: level-triggered epoll reports pending data on its own.
func (e *Epoll) Rearm(net.Conn) {}

func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = make(map[int]net.Conn)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1 if
// conn is not a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
