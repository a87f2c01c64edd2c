package agent

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/rpc"
)

// LocalAgent drives an agent state machine running in-process, over a pair
// of synchronous channels. It implements rpc.Agent, so the trial engine
// cannot tell it apart from a socket-backed guest.
type LocalAgent struct {
	requests  chan rpc.Request
	responses chan rpc.Response
	done      chan struct{}
}

// SpawnLocal starts an in-process agent rooted at workdir. The caller must
// issue a restart_agent (rpc.Exit) request to stop it, then Join.
func SpawnLocal(workdir string) *LocalAgent {
	state := NewState(workdir, nil)

	local := &LocalAgent{
		requests:  make(chan rpc.Request),
		responses: make(chan rpc.Response),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(local.done)
		for req := range local.requests {
			state.ReapDead()
			local.responses <- state.HandleRequest(req)
			if state.Exit() != ExitNone {
				state.KillAll()
				return
			}
		}
		state.KillAll()
	}()

	return local
}

// SendRequest implements rpc.Agent.
func (l *LocalAgent) SendRequest(req rpc.Request, readTimeout time.Duration) (rpc.Response, error) {
	select {
	case l.requests <- req:
	case <-l.done:
		return rpc.Response{}, fmt.Errorf("failed to send request: agent exited")
	}

	var timeout <-chan time.Time
	if readTimeout > 0 {
		timer := time.NewTimer(readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-l.responses:
		return resp, nil
	case <-timeout:
		return rpc.Response{}, fmt.Errorf("failed to receive response: timeout")
	}
}

// Join waits for the agent goroutine to finish.
func (l *LocalAgent) Join() {
	<-l.done
}
