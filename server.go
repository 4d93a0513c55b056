package postbox

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
)

const (
	DefaultConnectionsLimit = 100
)

type (
	// Server is a mail server instance: it accepts connections,
	// hands them to a fixed-size [Dispatcher] pool and serves each
	// one with a [Session].
	Server struct {
		// Workers is the dispatcher pool size.
		// Zero means [DefaultWorkers].
		Workers int

		// ConnectionsLimit defines maximum concurrent connections
		// (serving plus queued). Further connections are closed
		// immediately.
		ConnectionsLimit int

		auth   Authorizer
		store  *Store
		access *AccessControl
		locks  *LockRegistry

		dispatcher     *Dispatcher
		dispatcherOnce sync.Once

		inShutdown     atomic.Bool
		listeners      map[*net.Listener]struct{}
		listenersMu    sync.Mutex
		listenersGroup sync.WaitGroup
		conns          map[Conn]struct{}
		connsMu        sync.Mutex
	}
)

// ErrServerClosed is returned by the [Server.Serve] and
// [Server.ListenAndServe] methods after a call to [Server.Shutdown]
// or [Server.Close].
var ErrServerClosed = errors.New("postbox: server closed")

func NewServer(auth Authorizer, store *Store, access *AccessControl) *Server {
	return &Server{
		ConnectionsLimit: DefaultConnectionsLimit,
		auth:             auth,
		store:            store,
		access:           access,
		locks:            NewLockRegistry(),
		listeners:        make(map[*net.Listener]struct{}),
		conns:            make(map[Conn]struct{}),
	}
}

// Locks exposes the server's lock registry so that other producers
// (such as a [FeedGateway]) can serialize against client sessions.
func (s *Server) Locks() *LockRegistry {
	return s.locks
}

// Serve accepts incoming connections on the Listener l.
//
// Serve always returns a non-nil error and closes l.
// After [Server.Shutdown] or [Server.Close], the returned error
// is [ErrServerClosed].
func (s *Server) Serve(l net.Listener) error {
	l = &onceCloseListener{Listener: l}
	defer l.Close()

	// addListener checks if the server is in shutdown state
	if !s.addListener(&l) {
		return ErrServerClosed
	}
	defer s.removeListener(&l)

	s.dispatcherOnce.Do(func() {
		s.dispatcher = NewDispatcher(s.Workers, s.serveConn)
	})

	for {
		conn, err := l.Accept()
		if s.shuttingDown() {
			if err == nil {
				conn.Close()
			}
			return ErrServerClosed
		}
		if err != nil {
			return err
		}
		log.Printf("New connection from: %v on: %v", conn.RemoteAddr(), conn.LocalAddr())

		if !s.addConn(conn) {
			log.Printf("Connection from: %v refused: too many connections", conn.RemoteAddr())
			conn.Close()
			continue
		}
		if err := s.dispatcher.Submit(conn); err != nil {
			s.removeConn(conn)
			conn.Close()
		}
	}
}

// ListenAndServe listens on the TCP network address addr and then
// calls Serve to handle requests on incoming connections.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// serveConn runs one session. The dispatcher worker closes the
// connection afterwards.
func (s *Server) serveConn(c Conn) {
	defer s.removeConn(c)

	session := NewSession(c, s.store, s.locks, s.access, s.auth)
	if err := session.Serve(); err != nil && err != io.EOF {
		log.Printf("Session from %v ended: %v", c.RemoteAddr(), err)
	}
	log.Printf("Connection from: %v closed", c.RemoteAddr())
}

// Shutdown gracefully shuts down the server: it closes all listeners,
// lets the dispatcher drain queued connections and in-flight
// sessions, and joins the workers. If ctx expires first, remaining
// connections are closed forcibly, the workers are still joined, and
// the context's error is returned.
//
// Once Shutdown has been called on a server, it may not be reused;
// future calls to methods such as Serve will return ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		return ErrServerClosed
	}

	s.listenersMu.Lock()
	lnerr := s.closeListenersLocked()
	s.listenersMu.Unlock()
	s.listenersGroup.Wait()

	if s.dispatcher == nil {
		return lnerr
	}
	s.dispatcher.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.dispatcher.Wait()
	}()

	select {
	case <-done:
		return lnerr
	case <-ctx.Done():
		s.forceCloseAllConns()
		<-done
		return ctx.Err()
	}
}

// Close immediately closes all active listeners and connections.
// For a graceful shutdown, use [Server.Shutdown].
func (s *Server) Close() error {
	if !s.inShutdown.CompareAndSwap(false, true) {
		return ErrServerClosed
	}

	s.listenersMu.Lock()
	lnerr := s.closeListenersLocked()
	s.listenersMu.Unlock()
	s.listenersGroup.Wait()

	s.forceCloseAllConns()
	if s.dispatcher != nil {
		s.dispatcher.Shutdown()
	}

	return lnerr
}

func (s *Server) forceCloseAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) addConn(c Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if len(s.conns) >= s.ConnectionsLimit {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) removeConn(c Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() { oc.closeErr = oc.Listener.Close() }

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) addListener(ln *net.Listener) bool {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if s.inShutdown.Load() {
		return false
	}
	s.listeners[ln] = struct{}{}
	s.listenersGroup.Add(1)
	return true
}

func (s *Server) removeListener(ln *net.Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, ln)
	s.listenersGroup.Done()
}
