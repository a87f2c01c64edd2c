package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope frames every message on the wire: one JSON object per line,
// terminated by '\n'. Request ids start at 1 and increment per outgoing
// request; responses echo the id of the request they answer.
type Envelope struct {
	ID   uint64          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// RequestKind names a request on the wire. All kinds are snake_case.
type RequestKind string

const (
	KindReboot       RequestKind = "reboot"
	KindRestartAgent RequestKind = "restart_agent"
	KindGetStats     RequestKind = "get_stats"
	KindSpawnProcess RequestKind = "spawn_process"
	KindRunProcess   RequestKind = "run_process"
	KindWaitPid      RequestKind = "wait_pid"
	KindGetStatus    RequestKind = "get_status"
	KindKillProcess  RequestKind = "kill_process"
	KindReadFile     RequestKind = "read_file"
	KindStatFile     RequestKind = "stat_file"
	KindReadDir      RequestKind = "read_dir"
	KindAddEntropy   RequestKind = "add_entropy"
	KindBulk         RequestKind = "bulk"
)

// Request is the tagged request variant. Kinds without arguments serialize as
// a bare string ("reboot"); kinds with arguments serialize as a single-key
// object ({"wait_pid": 42}).
type Request struct {
	Kind RequestKind

	Command *RunCommand // spawn_process, run_process
	Pid     uint32      // wait_pid, get_status
	Signal  int32       // kill_process
	Path    string      // read_file, stat_file, read_dir
	Offset  uint64      // read_file
	Len     *uint64     // read_file
	Entropy []uint32    // add_entropy
	Batch   []Request   // bulk
}

type killArgs struct {
	Pid    uint32 `json:"pid"`
	Signal int32  `json:"signal"`
}

type readFileArgs struct {
	Path   string  `json:"path"`
	Offset uint64  `json:"offset"`
	Len    *uint64 `json:"len,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindReboot, KindRestartAgent, KindGetStats:
		return json.Marshal(string(r.Kind))
	case KindSpawnProcess, KindRunProcess:
		return marshalTagged(r.Kind, r.Command)
	case KindWaitPid, KindGetStatus:
		return marshalTagged(r.Kind, r.Pid)
	case KindKillProcess:
		return marshalTagged(r.Kind, killArgs{Pid: r.Pid, Signal: r.Signal})
	case KindReadFile:
		return marshalTagged(r.Kind, readFileArgs{Path: r.Path, Offset: r.Offset, Len: r.Len})
	case KindStatFile, KindReadDir:
		return marshalTagged(r.Kind, r.Path)
	case KindAddEntropy:
		return marshalTagged(r.Kind, r.Entropy)
	case KindBulk:
		return marshalTagged(r.Kind, r.Batch)
	}
	return nil, fmt.Errorf("unknown request kind: %q", r.Kind)
}

func marshalTagged(kind RequestKind, payload interface{}) ([]byte, error) {
	return json.Marshal(map[RequestKind]interface{}{kind: payload})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		switch kind := RequestKind(bare); kind {
		case KindReboot, KindRestartAgent, KindGetStats:
			r.Kind = kind
			return nil
		default:
			return fmt.Errorf("request %q requires arguments", bare)
		}
	}

	var tagged map[RequestKind]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("expected a single request key, got %d", len(tagged))
	}

	for kind, payload := range tagged {
		r.Kind = kind
		switch kind {
		case KindSpawnProcess, KindRunProcess:
			r.Command = &RunCommand{}
			return json.Unmarshal(payload, r.Command)
		case KindWaitPid, KindGetStatus:
			return json.Unmarshal(payload, &r.Pid)
		case KindKillProcess:
			var args killArgs
			if err := json.Unmarshal(payload, &args); err != nil {
				return err
			}
			r.Pid, r.Signal = args.Pid, args.Signal
			return nil
		case KindReadFile:
			var args readFileArgs
			if err := json.Unmarshal(payload, &args); err != nil {
				return err
			}
			r.Path, r.Offset, r.Len = args.Path, args.Offset, args.Len
			return nil
		case KindStatFile, KindReadDir:
			return json.Unmarshal(payload, &r.Path)
		case KindAddEntropy:
			return json.Unmarshal(payload, &r.Entropy)
		case KindBulk:
			return json.Unmarshal(payload, &r.Batch)
		default:
			return fmt.Errorf("unknown request kind: %q", kind)
		}
	}
	return nil
}

// Response is either an error or an arbitrary JSON value.
type Response struct {
	Err   string
	Value json.RawMessage
}

// ErrorResponse constructs a failed response.
func ErrorResponse(err error) Response {
	return Response{Err: err.Error()}
}

// ValueResponse constructs a successful response wrapping value.
func ValueResponse(value interface{}) (Response, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Response{}, err
	}
	return Response{Value: raw}, nil
}

type wireError struct {
	Error string `json:"error"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Err != "" {
		return json.Marshal(wireError{Error: r.Err})
	}
	if len(r.Value) == 0 {
		return []byte("null"), nil
	}
	return r.Value, nil
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil && len(probe) == 1 {
		if msg, ok := probe["error"]; ok {
			var text string
			if err := json.Unmarshal(msg, &text); err == nil {
				r.Err = text
				return nil
			}
		}
	}
	r.Value = append(json.RawMessage(nil), data...)
	return nil
}

// DirEntry describes one file-system entry reported by the agent.
type DirEntry struct {
	Path     string    `json:"path"`
	IsFile   bool      `json:"is_file"`
	Len      uint64    `json:"len"`
	Modified time.Time `json:"modified"`
}
