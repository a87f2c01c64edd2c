//go:build linux

package agent

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/log"
)

const (
	// vsockCID is the context id firecracker assigns to the guest.
	vsockCID = 3
	// vsockPort is the well-known agent port inside the guest.
	vsockPort = 52
)

// ServeVsock binds the guest vsock endpoint and serves connections one at a
// time, mirroring ServeListener for stream sockets the net package cannot
// wrap.
func ServeVsock(state *State) error {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("failed to create vsock socket: %w", err)
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrVM{CID: vsockCID, Port: vsockPort}
	if err := unix.Bind(fd, addr); err != nil {
		return fmt.Errorf("failed to bind vsock cid=%d port=%d: %w", vsockCID, vsockPort, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		return fmt.Errorf("failed to listen on vsock: %w", err)
	}

	logger := log.WithComponent("agent")
	for {
		connFd, _, err := unix.Accept(fd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("connect error: %w", err)
		}
		logger.Info().Msg("Client connected")

		conn := os.NewFile(uintptr(connFd), "vsock")
		done, err := ServeConn(state, conn)
		conn.Close()
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("Client error")
		case done:
			logger.Info().Msg("Exiting")
			return nil
		default:
			logger.Info().Msg("Client disconnected")
		}
	}
}
