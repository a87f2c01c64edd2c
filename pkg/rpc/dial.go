package rpc

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/burrow/pkg/cancel"
	"github.com/cuemby/burrow/pkg/log"
)

const (
	connectRetries = 3
	connectDelay   = 5 * time.Second
)

// Retry calls connect until it succeeds, waiting connectDelay between
// attempts and giving up once connectRetries retries have also failed (one
// initial attempt plus connectRetries more) or once cancellation is requested.
func Retry(connect func() (*Client, error)) (*Client, error) {
	retries := 0
	for {
		if cancel.Requested() {
			return nil, fmt.Errorf("task cancelled")
		}

		client, err := connect()
		if err == nil {
			return client, nil
		}
		if retries >= connectRetries {
			return nil, err
		}
		retries++
		lg := log.WithComponent("rpc")
		lg.Warn().Err(err).Int("attempt", retries).Msg("Error connecting to agent, retrying")

		select {
		case <-cancel.Channel():
			return nil, fmt.Errorf("task cancelled")
		case <-time.After(connectDelay):
		}
	}
}

// DialUnix connects to an agent listening on a unix domain socket.
func DialUnix(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", path, err)
	}
	return NewClient(conn), nil
}

// DialTCP connects to an agent listening on a TCP address.
func DialTCP(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// DialFirecrackerVsock connects through firecracker's host-side vsock
// multiplexer: a unix socket where the peer expects a textual
// "CONNECT <port>\n" handshake and answers with a line starting with "OK".
func DialFirecrackerVsock(path string, port uint32) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vsock at %s: %w", path, err)
	}
	if err := vsockHandshake(conn, port); err != nil {
		conn.Close()
		return nil, err
	}
	return NewClient(conn), nil
}

func vsockHandshake(conn net.Conn, port uint32) error {
	lg := log.WithComponent("rpc")
	lg.Debug().Uint32("port", port).Msg("Sending vsock handshake")

	if err := conn.SetDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: empty response to CONNECT message", ErrProtocol)
	}
	if n < 2 || buf[0] != 'O' || buf[1] != 'K' {
		return fmt.Errorf("%w: unexpected response to CONNECT: %q", ErrProtocol, buf[:n])
	}

	return conn.SetDeadline(time.Time{})
}
