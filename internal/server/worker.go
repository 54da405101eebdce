package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nebocrypt/keyholderd/internal/connstate"
	"github.com/nebocrypt/keyholderd/internal/keystore"
)

// activeSet tracks live connections so a worker can sweep and close
// them on shutdown. It is the Go analogue of the original's intrusive
// doubly linked list of connection_state, keyed instead by a
// monotonically increasing handle.
type activeSet struct {
	mu      sync.Mutex
	next    uint64
	members map[uint64]*connstate.Conn
}

func newActiveSet() *activeSet {
	return &activeSet{members: make(map[uint64]*connstate.Conn)}
}

func (s *activeSet) add(c *connstate.Conn) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.next
	s.next++
	s.members[handle] = c
	return handle
}

func (s *activeSet) remove(handle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, handle)
}

func (s *activeSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.members {
		c.Close()
	}
}

// RunWorker is a worker process's entry point: it wraps the inherited
// listener in the mTLS config, accepts connections until SIGTERM, and
// on shutdown sweeps its active connection set before returning.
func RunWorker(ln *net.TCPListener, tlsCfg *tls.Config, store *keystore.Store, log *slog.Logger) error {
	tlsLn := tls.NewListener(ln, tlsCfg)
	defer tlsLn.Close()

	active := newActiveSet()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("worker received SIGTERM, closing listener")
		tlsLn.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := tlsLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected: Accept unblocks when the listener closes on shutdown.
			default:
				log.Warn("accept failed", "error", err)
			}
			break
		}

		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConnection(tlsConn, store, log, active)
		}()
	}

	active.closeAll()
	wg.Wait()
	return nil
}

// serveConnection performs the synchronous TLS handshake (matching the
// original's blocking SSL_accept) before handing the connection to
// connstate, registering and deregistering it in the active set around
// the connection's lifetime.
func serveConnection(tlsConn *tls.Conn, store *keystore.Store, log *slog.Logger, active *activeSet) {
	if err := tlsConn.Handshake(); err != nil {
		log.Debug("tls handshake failed", "remote_addr", tlsConn.RemoteAddr(), "error", err)
		tlsConn.Close()
		return
	}

	c := connstate.New(tlsConn, store, log)
	handle := active.add(c)
	defer active.remove(handle)

	c.Serve()
}
