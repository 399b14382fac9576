//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without epoll.
// Each connection is watched by a goroutine that peeks for buffered input and
// then waits for Resume before watching again, so frames are never read by
// two goroutines at once.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn buffers reads so readiness can be detected without consuming
// frame bytes.
type peekConn struct {
	net.Conn
	br     *bufio.Reader
	resume chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// pollable wraps conn so the fallback poller can peek at it.
func pollable(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, br: bufio.NewReader(conn), resume: make(chan struct{}, 1)}
}

// Add starts watching conn, which must come from pollable.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return net.ErrClosed
	}
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(pc)
	return nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.br.Peek(1)

		// Errors are reported as readiness too, so the reader sees the close.
		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-pc.resume:
		case <-e.done:
			return
		}
		if !e.watching(pc) {
			return
		}
	}
}

func (e *Epoll) watching(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[conn]
	return ok
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	e.Resume(conn)
	return nil
}

// Resume lets the watcher of conn look for the next frame. The server calls
// it once it has finished reading.
func (e *Epoll) Resume(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until at least one connection is ready and returns every ready
// connection queued at that point.
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

// Close stops every watcher.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool {
	return false
}
