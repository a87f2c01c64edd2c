package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
)

// ServeListener accepts connections one at a time and runs the RPC loop on
// each until the peer asks the agent to exit or shut down.
func ServeListener(state *State, listener net.Listener) error {
	logger := log.WithComponent("agent")
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("connect error: %w", err)
		}
		logger.Info().Str("peer", conn.RemoteAddr().String()).Msg("Client connected")

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

// ServeConn runs the request/response loop on one connection. It returns
// true when the agent should stop serving (restart or shutdown requested);
// the shutdown side effects have already run by then.
func ServeConn(state *State, conn io.ReadWriter) (bool, error) {
	reader := bufio.NewReader(conn)

	var requestID uint64
	for state.Exit() == ExitNone {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return false, err
		}

		state.ReapDead()

		var resp rpc.Response
		var env rpc.Envelope
		if err := json.Unmarshal(line, &env); err == nil {
			var req rpc.Request
			if err := json.Unmarshal(env.Body, &req); err == nil {
				requestID = env.ID
				resp = state.HandleRequest(req)
			} else {
				requestID++
				resp = rpc.ErrorResponse(err)
			}
		} else {
			requestID++
			resp = rpc.ErrorResponse(err)
		}

		if err := writeResponse(conn, requestID, resp); err != nil {
			return false, err
		}
	}

	switch state.Exit() {
	case ExitRestart:
		state.KillAll()
		return true, nil
	case ExitShutdown:
		lg := log.WithComponent("agent")
		lg.Info().Msg("Shutdown requested")
		state.KillAll()
		if err := rebootGuest(); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func writeResponse(w io.Writer, id uint64, resp rpc.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	line, err := json.Marshal(rpc.Envelope{ID: id, Body: body})
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}

// rebootGuest triggers a clean guest reboot via the init system.
func rebootGuest() error {
	out, err := exec.Command("reboot").CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to run reboot: %w (%s)", err, out)
	}
	return nil
}
