package steps

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/cancel"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/vars"
)

const (
	sigINT  = 2
	sigKILL = 9

	// monitorTick is how often a supervised run polls the guest process.
	monitorTick = 5 * time.Second

	// previewLimit caps how much captured output is quoted in errors.
	previewLimit = 1024
)

// Engine interprets a step sequence against one agent and one variable
// environment. The pid map is trial-scoped: tasks spawned by any step are
// visible to later kill steps of the same trial.
type Engine struct {
	agent  rpc.Agent
	vars   *vars.Variables
	pids   map[string]uint32
	tick   time.Duration
	logger zerolog.Logger
}

// NewEngine creates an engine for one trial.
func NewEngine(agent rpc.Agent, environment *vars.Variables) *Engine {
	return &Engine{
		agent:  agent,
		vars:   environment,
		pids:   make(map[string]uint32),
		tick:   monitorTick,
		logger: log.WithComponent("steps"),
	}
}

// Run executes steps in order. The cancellation flag is checked between
// every two steps; a set flag fails the trial.
func (e *Engine) Run(steps []Step) error {
	for i := range steps {
		if cancel.Requested() {
			return fmt.Errorf("exited without finishing task: cancelled")
		}
		if err := e.runStep(&steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runStep(step *Step) error {
	if step.Kind != KindTaskList {
		e.logger.Info().Str("step", string(step.Kind)).Msg("Running")
	}

	switch step.Kind {
	case KindExitIfExisting:
		return e.exitIfExisting(step.ExitIfExisting)
	case KindSaveEnv:
		return e.saveEnv(step.SaveEnv)
	case KindRun:
		return e.run(step.Run)
	case KindSpawnTask:
		return e.spawnTask(step.SpawnTask)
	case KindResultCollector:
		return e.resultCollector(step.ResultCollector)
	case KindSleep:
		return e.sleep(step.Sleep)
	case KindKill:
		return e.kill(step.Kill)
	case KindCopyFile:
		e.copyFile(step.CopyFile)
		return nil
	case KindCopyDir:
		return e.copyDir(step.CopyDir)
	case KindMergeWithPrefix:
		return e.mergeWithPrefix(step.MergeWithPrefix)
	case KindMergeJSON:
		return e.mergeJSON(step.MergeJSON)
	case KindRunHost:
		return e.runHost(step.RunHost)
	case KindPatternVerifier:
		return e.patternVerifier(step.PatternVerifier)
	case KindSaveAflPlotV4:
		return e.saveAflPlot(step.SaveAflPlotV4)
	case KindTaskList:
		return e.Run(step.TaskList.Tasks)
	}
	return fmt.Errorf("unknown step kind: %q", step.Kind)
}

func (e *Engine) exitIfExisting(step *ExitIfExisting) error {
	path := e.vars.Expand(step.Path)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists (exiting)", path)
	}
	return nil
}

func (e *Engine) saveEnv(step *SaveEnv) error {
	path := e.vars.Expand(step.Path)

	var content string
	e.vars.Each(func(key, value string) {
		content += key + "=" + value + "\n"
	})

	cmd := rpc.NewCommand("echo", content).WithStdout(rpc.FileStdio(path))
	pid, err := rpc.SpawnTask(e.agent, cmd)
	if err != nil {
		return err
	}
	_, err = rpc.WaitPid(e.agent, pid)
	return err
}

// commandWithVars expands and parses a command string, then appends the
// trial variables after the command's own env pairs so variables dominate.
func (e *Engine) commandWithVars(command string) (*rpc.RunCommand, error) {
	cmd, err := rpc.ParseCommand(e.vars.Expand(command))
	if err != nil {
		return nil, err
	}
	e.vars.Each(func(key, value string) {
		cmd.Env = append(cmd.Env, rpc.EnvPair{Key: key, Value: value})
	})
	return cmd, nil
}

// stdio maps an optional path option to a stream binding: a file when set,
// pass-through otherwise.
func (e *Engine) stdio(option string) rpc.Stdio {
	if option == "" {
		return rpc.InheritStdio()
	}
	return rpc.FileStdio(e.vars.Expand(option))
}

func (e *Engine) run(step *Run) error {
	cmd, err := e.commandWithVars(step.Command)
	if err != nil {
		return err
	}
	cmd.Stdin = rpc.Stdio{}
	cmd.Stdout = e.stdio(step.Stdout)
	cmd.Stderr = e.stdio(step.Stderr)

	pid, err := rpc.SpawnTask(e.agent, cmd)
	if err != nil {
		return err
	}

	duration := time.Duration(step.Duration)
	if duration <= 0 {
		_, err = rpc.WaitPid(e.agent, pid)
		return err
	}

	e.logger.Debug().Uint32("pid", pid).Msg("Task started")
	if err := e.monitorPid(pid, duration); err != nil {
		return err
	}

	e.logger.Debug().Uint32("pid", pid).Msg("Stopping task")
	if _, err := rpc.KillProcess(e.agent, pid, sigINT); err != nil {
		e.logger.Warn().Err(err).Msg("Error sending SIGINT")
		if _, err := rpc.KillProcess(e.agent, pid, sigKILL); err != nil {
			return err
		}
	}
	return nil
}

// monitorPid waits out duration while polling the supervised pid every tick
// and watching for cancellation.
func (e *Engine) monitorPid(pid uint32, duration time.Duration) error {
	start := time.Now()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	tick := time.NewTicker(e.tick)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return nil
		case <-cancel.Channel():
			return fmt.Errorf("early exit: %s (task canceled)", time.Since(start).Round(time.Millisecond))
		case <-tick.C:
			status, err := rpc.GetStatus(e.agent, pid)
			if err != nil {
				return err
			}
			if status == nil {
				e.logger.Warn().
					Uint32("pid", pid).
					Dur("elapsed", time.Since(start)).
					Msg("Early exit: supervised process stopped")
				return nil
			}
		}
	}
}

func (e *Engine) spawnTask(step *SpawnTask) error {
	cmd, err := e.commandWithVars(step.Command)
	if err != nil {
		return err
	}
	cmd.Stdin = rpc.Stdio{}
	cmd.Stdout = e.stdio(step.Stdout)
	cmd.Stderr = e.stdio(step.Stderr)

	pid, err := rpc.SpawnTask(e.agent, cmd)
	if err != nil {
		return err
	}
	e.pids[step.Key] = pid
	return nil
}

func (e *Engine) kill(step *Kill) error {
	for _, key := range step.Tasks {
		pid, ok := e.pids[key]
		if !ok {
			return fmt.Errorf("task %s not found", key)
		}
		if _, err := rpc.KillProcess(e.agent, pid, step.Signal); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resultCollector(step *ResultCollector) error {
	cmd, err := e.commandWithVars(step.Command)
	if err != nil {
		return err
	}

	result, err := rpc.RunTask(e.agent, cmd)
	if err != nil {
		return err
	}
	if !result.Exit.Success() {
		return fmt.Errorf(
			"%s, stdout: %s, stderr: %s",
			result.Exit, preview(result.Stdout), preview(result.Stderr),
		)
	}

	dst := e.vars.Expand(step.Dst)
	hostFS.Lock()
	defer hostFS.Unlock()
	if err := os.WriteFile(dst, result.Stdout, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

func (e *Engine) sleep(step *Sleep) error {
	start := time.Now()
	timer := time.NewTimer(time.Duration(float64(time.Second) * step.Seconds))
	defer timer.Stop()

	select {
	case <-cancel.Channel():
		return fmt.Errorf("early exit: %s (task canceled)", time.Since(start).Round(time.Millisecond))
	case <-timer.C:
		return nil
	}
}

func (e *Engine) runHost(step *RunHost) error {
	spec, err := e.commandWithVars(step.Command)
	if err != nil {
		return err
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Env = os.Environ()
	for _, pair := range spec.Env {
		cmd.Env = append(cmd.Env, pair.Key+"="+pair.Value)
	}

	attach := func(option string, inherit *os.File) (*os.File, error) {
		if option == "" {
			return inherit, nil
		}
		path := e.vars.Expand(option)
		return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	}
	stdout, err := attach(step.Stdout, os.Stdout)
	if err != nil {
		return err
	}
	if step.Stdout != "" {
		defer stdout.Close()
	}
	stderr, err := attach(step.Stderr, os.Stderr)
	if err != nil {
		return err
	}
	if step.Stderr != "" {
		defer stderr.Close()
	}

	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		e.logger.Info().Err(err).Str("cmd", spec.Program).Msg("Host command failed")
	}
	return nil
}

// preview quotes captured output for error messages, capped so a chatty
// fuzzer cannot flood the logs.
func preview(data []byte) string {
	truncated := data
	suffix := ""
	if len(truncated) > previewLimit {
		truncated = truncated[:previewLimit]
		suffix = "..."
	}
	return strconv.QuoteToASCII(string(truncated)) + suffix
}
