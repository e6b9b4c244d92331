// Package transport implements MessageTransport: the UDP-based
// request/response wire carrying wire.Envelope, the Go replacement for
// the python original's CoAP server (master/python/master.py) and CoAP
// client (agent/python/agent.py). UDP keeps the constrained-network
// footprint the spec asks for; the envelope is what actually carries
// meaning over it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgerm/edgerm/internal/wire"
)

// basicProbe is the literal payload the optional "basic" liveness
// resource responds to, mirroring the python master mounting a bare
// basic/ CoAP resource alongside ping/request/task.
var basicProbe = []byte("basic")
var basicReply = []byte("ok")

const maxDatagram = 64 * 1024

// Handler processes one decoded Envelope from a peer and optionally
// returns a reply to send back to the same address. A nil reply means no
// response is sent (fire-and-forget messages, if any are ever added).
type Handler func(from net.Addr, env wire.Envelope) (*wire.Envelope, error)

// Server listens for UDP datagrams, decodes each as a wire.Envelope, and
// dispatches it to a Handler. Malformed datagrams are dropped silently —
// per spec.md §7, a bad peer must never be able to crash the listener.
type Server struct {
	conn *net.UDPConn
	log  zerolog.Logger
}

// Listen binds addr (host:port) and returns a Server ready to Serve.
func Listen(addr string, log zerolog.Logger) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Server{conn: conn, log: log}, nil
}

// Addr returns the server's bound local address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Close releases the listening socket.
func (s *Server) Close() error { return s.conn.Close() }

// Serve reads datagrams until ctx is cancelled or the socket errors. Every
// datagram is handled in its own goroutine so one slow or
// stuck handler never blocks the next agent's heartbeat.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("transport: read failed")
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go s.handleDatagram(datagram, from, h)
	}
}

func (s *Server) handleDatagram(datagram []byte, from net.Addr, h Handler) {
	if len(datagram) == len(basicProbe) && string(datagram) == string(basicProbe) {
		if _, err := s.conn.WriteTo(basicReply, from); err != nil {
			s.log.Warn().Err(err).Msg("transport: basic reply failed")
		}
		return
	}

	env, err := wire.Unmarshal(datagram)
	if err != nil {
		s.log.Debug().Err(err).Str("from", from.String()).Msg("transport: dropping malformed datagram")
		return
	}

	reply, err := h(from, env)
	if err != nil {
		s.log.Warn().Err(err).Str("from", from.String()).Msg("transport: handler error")
		return
	}
	if reply == nil {
		return
	}

	out, err := wire.Marshal(*reply)
	if err != nil {
		s.log.Error().Err(err).Msg("transport: failed to encode reply")
		return
	}
	if _, err := s.conn.WriteTo(out, from); err != nil {
		s.log.Warn().Err(err).Str("to", from.String()).Msg("transport: write failed")
	}
}

// Client issues request/response exchanges against a single remote
// server, used by the agent to talk to the master.
type Client struct {
	raddr *net.UDPAddr
}

// NewClient resolves addr (host:port) once at construction time.
func NewClient(addr string) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	return &Client{raddr: raddr}, nil
}

// RoundTrip sends env and waits up to timeout for a reply. A timeout
// returns an error and mutates nothing: per spec.md §5, transport
// timeouts never touch state, so callers must treat an error here as
// "try again next cycle," not as a terminal failure.
func (c *Client) RoundTrip(ctx context.Context, env wire.Envelope, timeout time.Duration) (wire.Envelope, error) {
	conn, err := net.DialUDP("udp", nil, c.raddr)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("transport: dial %s: %w", c.raddr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now().Add(timeout)) {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	out, err := wire.Marshal(env)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("transport: encode: %w", err)
	}
	if _, err := conn.Write(out); err != nil {
		return wire.Envelope{}, fmt.Errorf("transport: send: %w", err)
	}

	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("transport: recv: %w", err)
	}

	reply, err := wire.Unmarshal(buf[:n])
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("transport: decode reply: %w", err)
	}
	return reply, nil
}
