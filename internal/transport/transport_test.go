package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerm/edgerm/internal/wire"
)

func startEchoServer(t *testing.T) (*Server, func()) {
	t.Helper()

	srv, err := Listen("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, func(_ net.Addr, env wire.Envelope) (*wire.Envelope, error) {
			return &wire.Envelope{TaskAck: &wire.TaskAck{TaskID: env.RequestOffers.FrameworkID}}, nil
		})
	}()

	return srv, func() {
		cancel()
		<-done
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	srv, stop := startEchoServer(t)
	defer stop()

	client, err := NewClient(srv.Addr().String())
	require.NoError(t, err)

	reply, err := client.RoundTrip(context.Background(), wire.Envelope{RequestOffers: &wire.RequestOffers{FrameworkID: "fw-42"}}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply.TaskAck)
	assert.Equal(t, "fw-42", reply.TaskAck.TaskID)
}

func TestClientTimeoutOnUnresponsiveServer(t *testing.T) {
	// Listen but never call Serve: the datagram is accepted by the OS
	// but nothing ever replies, exercising the bounded-timeout path.
	srv, err := Listen("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	client, err := NewClient(srv.Addr().String())
	require.NoError(t, err)

	_, err = client.RoundTrip(context.Background(), wire.Envelope{TaskAck: &wire.TaskAck{TaskID: "t1"}}, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestServerDropsMalformedDatagramWithoutCrashing(t *testing.T) {
	srv, stop := startEchoServer(t)
	defer stop()

	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xff, 0xff, 0xff})
	require.NoError(t, err)

	// Follow up with a well-formed request on a fresh client to confirm
	// the server is still alive and serving correctly.
	client, err := NewClient(srv.Addr().String())
	require.NoError(t, err)
	reply, err := client.RoundTrip(context.Background(), wire.Envelope{RequestOffers: &wire.RequestOffers{FrameworkID: "fw-1"}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fw-1", reply.TaskAck.TaskID)
}

func TestBasicProbeRespondsOK(t *testing.T) {
	srv, stop := startEchoServer(t)
	defer stop()

	conn, err := net.Dial("udp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(basicProbe)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
}
