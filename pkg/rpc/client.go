package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
)

const (
	// DefaultTimeout is the per-request read timeout used by the typed
	// surface unless a request carries its own.
	DefaultTimeout = 10 * time.Second

	// writeTimeout bounds every request write.
	writeTimeout = 10 * time.Second
)

// ErrProtocol marks unrecoverable framing errors; the connection must be
// discarded once it is observed.
var ErrProtocol = errors.New("protocol error")

// Agent is the request surface the trial engine runs against. It is
// implemented by the socket client, the in-process agent, and the stub agent.
//
// A zero readTimeout means wait indefinitely.
type Agent interface {
	SendRequest(req Request, readTimeout time.Duration) (Response, error)
}

// Client drives a remote agent over a stream socket. It is single-threaded by
// design: one request in flight at a time, owned by one worker.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
	logger zerolog.Logger
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		nextID: 1,
		logger: log.WithComponent("rpc"),
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SendRequest writes one request and reads responses until the matching id
// arrives. Stale ids (leftovers from a timed-out earlier call) are logged and
// discarded; an id from the future is a protocol error.
func (c *Client) SendRequest(req Request, readTimeout time.Duration) (Response, error) {
	requestID := c.nextID
	c.nextID++

	if err := c.writeRequest(requestID, req); err != nil {
		return Response{}, err
	}

	for {
		env, err := c.readEnvelope(readTimeout)
		if err != nil {
			return Response{}, err
		}

		switch {
		case env.ID < requestID:
			c.logger.Warn().
				Uint64("want", requestID).
				Uint64("got", env.ID).
				Msg("Discarding stale response")
		case env.ID == requestID:
			var resp Response
			if err := json.Unmarshal(env.Body, &resp); err != nil {
				return Response{}, fmt.Errorf("invalid response from agent: %w", err)
			}
			return resp, nil
		default:
			return Response{}, fmt.Errorf("%w: wanted id=%d, got id=%d", ErrProtocol, requestID, env.ID)
		}
	}
}

func (c *Client) writeRequest(id uint64, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	line, err := json.Marshal(Envelope{ID: id, Body: body})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	line = append(line, '\n')

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

func (c *Client) readEnvelope(readTimeout time.Duration) (Envelope, error) {
	deadline := time.Time{}
	if readTimeout > 0 {
		deadline = time.Now().Add(readTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Envelope{}, fmt.Errorf("failed to set read deadline: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to read response: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid response from agent: %w", err)
	}
	return env, nil
}

// IsTimeout reports whether err is a socket read/write timeout. Timeouts are
// retryable: the request id has been consumed but the connection survives.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// send performs a request with the given read timeout and unwraps remote
// errors.
func send(agent Agent, req Request, readTimeout time.Duration) (json.RawMessage, error) {
	resp, err := agent.SendRequest(req, readTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("agent error: %s", resp.Err)
	}
	return resp.Value, nil
}

// GetStats drains the agent's telemetry ring buffer.
func GetStats(agent Agent) (string, error) {
	value, err := send(agent, Request{Kind: KindGetStats}, DefaultTimeout)
	if err != nil {
		return "", fmt.Errorf("error getting stats: %w", err)
	}
	var stats string
	if err := json.Unmarshal(value, &stats); err != nil {
		return "", fmt.Errorf("invalid stats response: %w", err)
	}
	return stats, nil
}

// SpawnTask runs cmd in the background on the guest, returning the pid.
func SpawnTask(agent Agent, cmd *RunCommand) (uint32, error) {
	value, err := send(agent, Request{Kind: KindSpawnProcess, Command: cmd}, DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("error spawning process: %w", err)
	}
	var pid uint32
	if err := json.Unmarshal(value, &pid); err != nil {
		return 0, fmt.Errorf("failed to read pid, invalid response from agent: %w", err)
	}
	return pid, nil
}

// RunTask runs cmd on the guest and waits for it to complete. The read
// timeout follows the command's own timeout; a command without one waits
// indefinitely.
func RunTask(agent Agent, cmd *RunCommand) (*RunOutput, error) {
	value, err := send(agent, Request{Kind: KindRunProcess, Command: cmd}, cmd.Timeout())
	if err != nil {
		return nil, fmt.Errorf("error running process: %w", err)
	}
	var output RunOutput
	if err := json.Unmarshal(value, &output); err != nil {
		return nil, fmt.Errorf("invalid process output from agent: %w", err)
	}
	return &output, nil
}

// WaitPid blocks until pid exits, returning its exit code, or nil if the
// agent does not know the pid.
func WaitPid(agent Agent, pid uint32) (*int64, error) {
	value, err := send(agent, Request{Kind: KindWaitPid, Pid: pid}, 0)
	if err != nil {
		return nil, fmt.Errorf("error waiting for process exit: %w", err)
	}
	return decodeOptionalInt(value)
}

// GetStatus is a non-blocking liveness check: pid if alive, nil otherwise.
func GetStatus(agent Agent, pid uint32) (*int64, error) {
	value, err := send(agent, Request{Kind: KindGetStatus, Pid: pid}, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("error checking process status: %w", err)
	}
	return decodeOptionalInt(value)
}

func decodeOptionalInt(value json.RawMessage) (*int64, error) {
	var out *int64
	if err := json.Unmarshal(value, &out); err != nil {
		return nil, fmt.Errorf("invalid response from agent: %w", err)
	}
	return out, nil
}

// KillProcess sends a POSIX signal to pid. The result reports whether the
// agent knew the pid.
func KillProcess(agent Agent, pid uint32, signal int32) (bool, error) {
	value, err := send(agent, Request{Kind: KindKillProcess, Pid: pid, Signal: signal}, DefaultTimeout)
	if err != nil {
		return false, fmt.Errorf("error sending signal %d to pid %d: %w", signal, pid, err)
	}
	var known bool
	if err := json.Unmarshal(value, &known); err != nil {
		return false, fmt.Errorf("invalid response from agent: %w", err)
	}
	return known, nil
}

// ReadFile reads the whole file at path from the guest.
func ReadFile(agent Agent, path string) ([]byte, error) {
	return ReadFileAt(agent, path, 0, nil)
}

// ReadFileAt reads up to length bytes starting at offset. A nil length reads
// to the end of the file.
func ReadFileAt(agent Agent, path string, offset uint64, length *uint64) ([]byte, error) {
	value, err := send(agent, Request{Kind: KindReadFile, Path: path, Offset: offset, Len: length}, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("error reading file %s: %w", path, err)
	}
	var data []byte
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("failed to read file, invalid response from agent: %w", err)
	}
	return data, nil
}

// Stat reads metadata about the file at path.
func Stat(agent Agent, path string) (DirEntry, error) {
	value, err := send(agent, Request{Kind: KindStatFile, Path: path}, DefaultTimeout)
	if err != nil {
		return DirEntry{}, fmt.Errorf("error reading file metadata for %s: %w", path, err)
	}
	var entry DirEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return DirEntry{}, fmt.Errorf("invalid stat response from agent: %w", err)
	}
	return entry, nil
}

// ReadDir lists the directory at path, one level deep.
func ReadDir(agent Agent, path string) ([]DirEntry, error) {
	value, err := send(agent, Request{Kind: KindReadDir, Path: path}, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("error reading directory %s: %w", path, err)
	}
	var entries []DirEntry
	if err := json.Unmarshal(value, &entries); err != nil {
		return nil, fmt.Errorf("invalid directory listing from agent: %w", err)
	}
	return entries, nil
}

// AddEntropy feeds words into the guest kernel's entropy pool.
func AddEntropy(agent Agent, entropy []uint32) error {
	if _, err := send(agent, Request{Kind: KindAddEntropy, Entropy: entropy}, DefaultTimeout); err != nil {
		return fmt.Errorf("error adding entropy: %w", err)
	}
	return nil
}

// Bulk executes requests in order, returning one response per sub-request.
func Bulk(agent Agent, reqs []Request, readTimeout time.Duration) ([]Response, error) {
	value, err := send(agent, Request{Kind: KindBulk, Batch: reqs}, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("error running bulk request: %w", err)
	}
	var out []Response
	if err := json.Unmarshal(value, &out); err != nil {
		return nil, fmt.Errorf("invalid bulk response from agent: %w", err)
	}
	if len(out) != len(reqs) {
		return nil, fmt.Errorf("%w: bulk returned %d responses for %d requests", ErrProtocol, len(out), len(reqs))
	}
	return out, nil
}

// Shutdown asks the agent to kill its children and reboot the guest.
func Shutdown(agent Agent) error {
	if _, err := send(agent, Request{Kind: KindReboot}, DefaultTimeout); err != nil {
		return fmt.Errorf("error shutting down guest: %w", err)
	}
	return nil
}

// Exit asks the agent to terminate, relying on init to restart it.
func Exit(agent Agent) error {
	if _, err := send(agent, Request{Kind: KindRestartAgent}, DefaultTimeout); err != nil {
		return fmt.Errorf("error restarting agent: %w", err)
	}
	return nil
}
