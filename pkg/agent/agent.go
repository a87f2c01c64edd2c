package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
)

// ExitMode tells the serve loop why the agent is done with its connection.
type ExitMode int

const (
	// ExitNone keeps serving.
	ExitNone ExitMode = iota
	// ExitRestart terminates the agent process; init restarts it.
	ExitRestart
	// ExitShutdown terminates the agent and reboots the guest.
	ExitShutdown
)

// State owns the guest-side request handling: the subprocess table, the
// telemetry ring, and the working directory used to resolve relative paths.
type State struct {
	workdir string
	stats   *StatsRing
	procs   map[uint32]*child
	exit    ExitMode
	logger  zerolog.Logger
}

// NewState creates an agent state. workdir may be empty, in which case paths
// resolve relative to the process working directory. stats may be nil.
func NewState(workdir string, stats *StatsRing) *State {
	if stats == nil {
		stats = NewStatsRing(0)
	}
	return &State{
		workdir: workdir,
		stats:   stats,
		procs:   make(map[uint32]*child),
		logger:  log.WithComponent("agent"),
	}
}

// Exit reports the exit mode requested by the peer, if any.
func (s *State) Exit() ExitMode {
	return s.exit
}

// HandleRequest executes one request and maps its result into a response.
func (s *State) HandleRequest(req rpc.Request) rpc.Response {
	value, err := s.handle(req)
	if err != nil {
		return rpc.ErrorResponse(err)
	}
	resp, err := rpc.ValueResponse(value)
	if err != nil {
		return rpc.ErrorResponse(fmt.Errorf("failed to encode response: %w", err))
	}
	return resp
}

func (s *State) handle(req rpc.Request) (interface{}, error) {
	switch req.Kind {
	case rpc.KindReboot:
		s.exit = ExitShutdown
		return nil, nil

	case rpc.KindRestartAgent:
		s.exit = ExitRestart
		return nil, nil

	case rpc.KindGetStats:
		return s.stats.DrainAll(), nil

	case rpc.KindRunProcess:
		cmd := s.withDefaults(req.Command)
		s.logger.Debug().Str("cmd", cmd.String()).Msg("running")
		return runProcess(cmd)

	case rpc.KindSpawnProcess:
		cmd := s.withDefaults(req.Command)
		s.logger.Debug().Str("cmd", cmd.String()).Msg("spawning")
		ch, err := spawnChild(cmd)
		if err != nil {
			return nil, err
		}
		s.procs[ch.pid] = ch
		s.logger.Debug().Uint32("pid", ch.pid).Msg("spawned")
		return ch.pid, nil

	case rpc.KindWaitPid:
		ch, ok := s.procs[req.Pid]
		if !ok {
			return nil, nil
		}
		<-ch.done
		delete(s.procs, req.Pid)
		return ch.exitCode, nil

	case rpc.KindGetStatus:
		ch, ok := s.procs[req.Pid]
		if !ok || ch.exited() {
			return nil, nil
		}
		return req.Pid, nil

	case rpc.KindKillProcess:
		return s.killSubprocess(req.Pid, req.Signal)

	case rpc.KindReadFile:
		return s.readFile(req.Path, req.Offset, req.Len)

	case rpc.KindStatFile:
		return s.statFile(req.Path)

	case rpc.KindReadDir:
		return s.readDir(req.Path)

	case rpc.KindAddEntropy:
		return nil, addEntropy(req.Entropy)

	case rpc.KindBulk:
		out := make([]rpc.Response, 0, len(req.Batch))
		for _, sub := range req.Batch {
			out = append(out, s.HandleRequest(sub))
		}
		return out, nil
	}

	return nil, fmt.Errorf("unknown request kind: %q", req.Kind)
}

// withDefaults fills the command working directory from the agent workdir.
func (s *State) withDefaults(cmd *rpc.RunCommand) *rpc.RunCommand {
	if cmd.Cwd == "" && s.workdir != "" {
		withCwd := *cmd
		withCwd.Cwd = s.workdir
		return &withCwd
	}
	return cmd
}

// ReapDead drops exited children from the subprocess table. Called between
// every two requests so zombies never accumulate.
func (s *State) ReapDead() {
	for pid, ch := range s.procs {
		if ch.exited() {
			s.logger.Debug().Uint32("pid", pid).Str("exit", exitString(ch.exitCode)).Msg("reaped")
			delete(s.procs, pid)
		}
	}
}

func (s *State) killSubprocess(pid uint32, signal int32) (bool, error) {
	ch, ok := s.procs[pid]
	if !ok {
		return false, nil
	}
	if err := ch.signal(signal); err != nil {
		return false, err
	}
	<-ch.done
	s.logger.Debug().Uint32("pid", pid).Str("exit", exitString(ch.exitCode)).Msg("killed")
	delete(s.procs, pid)
	return true, nil
}

// KillAll forcefully terminates every remaining child and empties the table.
func (s *State) KillAll() {
	for _, ch := range s.procs {
		ch.kill()
	}
	for pid, ch := range s.procs {
		<-ch.done
		s.logger.Debug().Uint32("pid", pid).Str("exit", exitString(ch.exitCode)).Msg("killed")
		delete(s.procs, pid)
	}
}

// resolve joins relative paths onto the agent working directory.
func (s *State) resolve(path string) string {
	if s.workdir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.workdir, path)
}

func (s *State) readFile(path string, offset uint64, length *uint64) ([]byte, error) {
	file, err := os.Open(s.resolve(path))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	remaining := uint64(0)
	if size := uint64(info.Size()); size > offset {
		remaining = size - offset
	}
	want := remaining
	if length != nil && *length < remaining {
		want = *length
	}

	buf := make([]byte, want)
	if want > 0 {
		if _, err := file.ReadAt(buf, int64(offset)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (s *State) statFile(path string) (rpc.DirEntry, error) {
	resolved := s.resolve(path)
	info, err := os.Stat(resolved)
	if err != nil {
		return rpc.DirEntry{}, err
	}

	canonical, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return rpc.DirEntry{}, err
	}
	if canonical, err = filepath.Abs(canonical); err != nil {
		return rpc.DirEntry{}, err
	}

	return rpc.DirEntry{
		Path:     canonical,
		IsFile:   info.Mode().IsRegular(),
		Len:      uint64(info.Size()),
		Modified: info.ModTime(),
	}, nil
}

func (s *State) readDir(path string) ([]rpc.DirEntry, error) {
	resolved := s.resolve(path)
	// Canonicalize the directory so entry paths line up with stat_file, which
	// resolves symlinks.
	if canonical, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = canonical
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", resolved, err)
	}

	out := make([]rpc.DirEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(resolved, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, rpc.DirEntry{
			Path:     abs,
			IsFile:   info.Mode().IsRegular(),
			Len:      uint64(info.Size()),
			Modified: info.ModTime(),
		})
	}
	return out, nil
}

func exitString(code *int64) string {
	if code == nil {
		return "signal"
	}
	return fmt.Sprintf("%d", *code)
}
