package worker

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/steps"
)

// StubAgent accepts every request and answers with canned responses. It
// exists to rehearse step sequences without any guest at all.
type StubAgent struct {
	nextPid uint32
	logger  zerolog.Logger
}

// NewStubAgent creates a stub whose spawned pids start at 2.
func NewStubAgent() *StubAgent {
	return &StubAgent{nextPid: 2, logger: log.WithComponent("stub-agent")}
}

// SendRequest implements rpc.Agent.
func (s *StubAgent) SendRequest(req rpc.Request, readTimeout time.Duration) (rpc.Response, error) {
	value, err := s.handle(req)
	if err != nil {
		return rpc.Response{}, err
	}
	return rpc.ValueResponse(value)
}

func (s *StubAgent) handle(req rpc.Request) (interface{}, error) {
	event := s.logger.Info().Str("request", string(req.Kind))

	switch req.Kind {
	case rpc.KindSpawnProcess:
		pid := s.nextPid
		s.nextPid++
		event.Str("cmd", req.Command.String()).Uint32("pid", pid).Msg("")
		return pid, nil

	case rpc.KindRunProcess:
		event.Str("cmd", req.Command.String()).Msg("")
		return rpc.RunOutput{Exit: rpc.ExitSuccess}, nil

	case rpc.KindWaitPid:
		event.Uint32("pid", req.Pid).Msg("")
		return 0, nil

	case rpc.KindGetStatus:
		event.Uint32("pid", req.Pid).Msg("")
		return nil, nil

	case rpc.KindKillProcess:
		event.Uint32("pid", req.Pid).Int32("signal", req.Signal).Msg("")
		return true, nil

	case rpc.KindGetStats:
		event.Msg("")
		return "", nil

	case rpc.KindReadFile:
		event.Str("path", req.Path).Msg("")
		return []byte{}, nil

	case rpc.KindStatFile:
		event.Str("path", req.Path).Msg("")
		return rpc.DirEntry{Path: req.Path, IsFile: true, Modified: time.Now()}, nil

	case rpc.KindReadDir:
		event.Str("path", req.Path).Msg("")
		return []rpc.DirEntry{}, nil

	case rpc.KindBulk:
		event.Int("requests", len(req.Batch)).Msg("")
		out := make([]rpc.Response, 0, len(req.Batch))
		for _, sub := range req.Batch {
			value, err := s.handle(sub)
			if err != nil {
				out = append(out, rpc.ErrorResponse(err))
				continue
			}
			resp, err := rpc.ValueResponse(value)
			if err != nil {
				return nil, err
			}
			out = append(out, resp)
		}
		return out, nil

	default:
		event.Msg("")
		return nil, nil
	}
}

// StubWorker runs trials against a StubAgent.
type StubWorker struct {
	Index int
}

// RunTask implements Backend.
func (w *StubWorker) RunTask(task *steps.Task) error {
	lg := log.WithComponent("pool")
	lg.Info().
		Str("task", task.Name).
		Int("worker", w.Index).
		Msg("Running on stub worker")
	return task.Run(w.Index, NewStubAgent())
}
