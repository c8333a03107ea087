// Package ioctlserver implements the listener side of the
// command-ingress contract. Each request is a {code, payload} frame and
// each response a {status, payload} frame; the framing stands in for
// the kernel device object's IOCTL dispatch, which is out of scope.
package ioctlserver

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v3"
)

// MaxPayload bounds a single command payload. Counter reads and sample
// drains are far below this; anything larger is a protocol violation.
const MaxPayload = 1 << 20

// Handler receives decoded command frames. ClientGone fires when a
// connection drops, so the broker can release a vanished owner.
type Handler interface {
	Handle(client uint64, code uint32, in []byte) (status uint32, out []byte)
	ClientGone(client uint64)
}

// Server accepts client connections and pumps command frames into the
// handler. One goroutine per connection; commands on a connection are
// processed in order.
type Server struct {
	log     log.Logger
	ln      net.Listener
	handler Handler

	nextClient atomic.Uint64
	conns      *xsync.MapOf[uint64, net.Conn]
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// Listen binds the ingress endpoint.
func Listen(network, endpoint string, h Handler) (*Server, error) {
	ln, err := net.Listen(network, endpoint)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:     wplog.GetTransportLogger(),
		ln:      ln,
		handler: h,
		conns:   xsync.NewMapOf[uint64, net.Conn](),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve runs the accept loop until Close. It returns nil on a clean
// shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		client := s.nextClient.Add(1)
		s.conns.Store(client, conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(client, conn)
		}()
	}
}

// Close stops accepting, severs every live connection — an idle client
// would otherwise hold the read loop open forever — and waits for the
// connection goroutines to finish their current command.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.ln.Close()
	s.conns.Range(func(_ uint64, conn net.Conn) bool {
		conn.Close()
		return true
	})
	s.wg.Wait()
}

func (s *Server) serveConn(client uint64, conn net.Conn) {
	defer func() {
		conn.Close()
		s.conns.Delete(client)
		s.handler.ClientGone(client)
	}()
	s.log.Debug().Uint64("client", client).Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	var hdr [8]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.log.Debug().Uint64("client", client).Err(err).Msg("read header failed")
			}
			return
		}
		code := binary.LittleEndian.Uint32(hdr[0:4])
		n := binary.LittleEndian.Uint32(hdr[4:8])
		if n > MaxPayload {
			s.log.Warn().Uint64("client", client).Uint32("len", n).Msg("oversized payload, dropping client")
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		status, out := s.handler.Handle(client, code, payload)

		var rhdr [8]byte
		binary.LittleEndian.PutUint32(rhdr[0:4], status)
		binary.LittleEndian.PutUint32(rhdr[4:8], uint32(len(out)))
		if _, err := conn.Write(rhdr[:]); err != nil {
			return
		}
		if len(out) > 0 {
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}
}
