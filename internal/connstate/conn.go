// Package connstate runs the per-connection read/dispatch/write loop
// for an accepted mTLS connection.
package connstate

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/nebocrypt/keyholderd/internal/dispatch"
	"github.com/nebocrypt/keyholderd/internal/keystore"
	"github.com/nebocrypt/keyholderd/internal/protocol"
)

// outboundQueueSize is the bounded outbound queue depth. Under correct
// load a connection never has more than a handful of responses
// in flight; this is sized generously above that and a full queue is
// treated as a bug, not backpressure.
const outboundQueueSize = 16

// Conn owns one accepted connection's reader and writer goroutines.
// It has no exported mutable state: construct with New, run with
// Serve, and stop with Close.
type Conn struct {
	id    string
	raw   net.Conn
	store *keystore.Store
	log   *slog.Logger

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an already-handshaken TLS connection. store must already
// be fully loaded; Conn never mutates it.
func New(raw *tls.Conn, store *keystore.Store, log *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		raw:    raw,
		store:  store,
		log:    log.With("conn_id", id, "remote_addr", raw.RemoteAddr().String()),
		sendCh: make(chan []byte, outboundQueueSize),
		done:   make(chan struct{}),
	}
}

// Serve runs the reader and writer loops until the connection fails or
// Close is called. It blocks until both loops have exited.
func (c *Conn) Serve() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	c.Close()
	<-writerDone
}

// Close terminates the connection and unblocks Serve. Safe to call
// more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.raw.Close()
	})
}

// readLoop implements the NEED_HEADER -> NEED_PAYLOAD -> dispatch
// cycle. Each iteration blocks synchronously on io.ReadFull, relying
// on Go's netpoller to suspend the goroutine rather than the manual
// WANT_READ bookkeeping a non-blocking event loop needs.
func (c *Conn) readLoop() {
	for {
		header, err := protocol.ReadHeader(c.raw)
		if err != nil {
			if !isExpectedClose(err) {
				c.log.Debug("header read failed", "error", err)
			}
			return
		}

		if header.VersionMajor != protocol.VersionMajor {
			c.log.Warn("version mismatch", "got_major", header.VersionMajor)
			if !c.discardPayload(header.Length) {
				return
			}
			c.enqueue(protocol.EncodeError(header.ID, protocol.ErrVersionMismatch))
			continue
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.raw, payload); err != nil {
			c.log.Debug("payload read failed", "error", err)
			return
		}

		c.handleRequest(header, payload)
	}
}

// discardPayload drops exactly header.Length bytes so the connection
// resynchronizes on the next header regardless of what the rejected
// frame claimed to carry.
func (c *Conn) discardPayload(length uint16) bool {
	if length == 0 {
		return true
	}
	if _, err := io.CopyN(io.Discard, c.raw, int64(length)); err != nil {
		c.log.Debug("discard failed", "error", err)
		return false
	}
	return true
}

func (c *Conn) handleRequest(header protocol.Header, payload []byte) {
	items, err := protocol.DecodeItems(payload)
	if err != nil {
		c.enqueue(protocol.EncodeError(header.ID, protocol.ErrFormatCode))
		return
	}

	opBytes, ok := items[protocol.TagOpcode]
	if !ok || len(opBytes) != 1 {
		c.enqueue(protocol.EncodeError(header.ID, protocol.ErrFormatCode))
		return
	}
	op := protocol.Op(opBytes[0])

	req := dispatch.Request{
		Op:      op,
		Payload: items[protocol.TagPayload],
	}
	if keyID, ok := items[protocol.TagKeyID]; ok && len(keyID) == len(req.KeyID) {
		copy(req.KeyID[:], keyID)
	}

	result, err := dispatch.Execute(c.store, req)
	if err != nil {
		var failure *dispatch.Failure
		if errors.As(err, &failure) {
			c.enqueue(protocol.EncodeError(header.ID, failure.Code))
			return
		}
		c.log.Error("dispatch internal error", "error", err)
		c.Close()
		return
	}

	c.enqueue(protocol.EncodeResponse(header.ID, result))
}

// enqueue attempts a non-blocking send onto the outbound channel.
// Invariant I5: the queue is sized so this branch is never taken under
// correct operation; a full queue is logged as an error, never
// silently dropped without a trace.
func (c *Conn) enqueue(frame []byte) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	default:
		c.log.Error("outbound queue full, response dropped")
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			if _, err := c.raw.Write(frame); err != nil {
				c.log.Debug("write failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func isExpectedClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
