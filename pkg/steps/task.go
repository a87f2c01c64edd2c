package steps

import (
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/vars"
)

// Task is one trial: a named step sequence with its variable assignments,
// bound to a guest instance blueprint. Tasks are immutable after
// construction and consumed by exactly one worker.
type Task struct {
	Name     string
	Instance string
	Vars     []vars.KeyValue
	Steps    []Step
}

// Run interprets the task's steps against agent. WORKER_ID is inserted
// before the task variables so they may reference it.
func (t *Task) Run(workerIndex int, agent rpc.Agent) error {
	environment := vars.New()
	environment.Insert("WORKER_ID", strconv.Itoa(workerIndex))
	environment.InsertAll(t.Vars)

	return NewEngine(agent, environment).Run(t.Steps)
}

// EstimateDuration is the static wall-clock estimate for the whole task.
func (t *Task) EstimateDuration() time.Duration {
	return EstimateTotal(t.Steps)
}
