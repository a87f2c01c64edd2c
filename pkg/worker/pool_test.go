package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/cancel"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/steps"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// funcBackend adapts a function to the Backend interface.
type funcBackend func(task *steps.Task) error

func (f funcBackend) RunTask(task *steps.Task) error { return f(task) }

func TestPoolRunsEveryTask(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	pool := NewPool()
	for i := 0; i < 3; i++ {
		pool.AddWorker(WorkerID("test", i), funcBackend(func(task *steps.Task) error {
			mu.Lock()
			seen = append(seen, task.Name)
			mu.Unlock()
			return nil
		}))
	}

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, pool.AddTask(&steps.Task{Name: name}))
	}
	pool.Wait()

	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestPoolConcurrencyBound(t *testing.T) {
	const workers = 3

	var active, peak atomic.Int32
	pool := NewPool()
	for i := 0; i < workers; i++ {
		pool.AddWorker(WorkerID("test", i), funcBackend(func(task *steps.Task) error {
			now := active.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		}))
	}

	for i := 0; i < 12; i++ {
		require.NoError(t, pool.AddTask(&steps.Task{Name: "t"}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(workers))
}

func TestPoolSurvivesErrorsAndPanics(t *testing.T) {
	var runs atomic.Int32

	pool := NewPool()
	pool.AddWorker(WorkerID("test", 0), funcBackend(func(task *steps.Task) error {
		runs.Add(1)
		switch task.Name {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("nope")
		}
		return nil
	}))

	var outcomes []Outcome
	var mu sync.Mutex
	pool.OnOutcome(func(outcome Outcome) {
		mu.Lock()
		outcomes = append(outcomes, outcome)
		mu.Unlock()
	})

	for _, name := range []string{"panic", "fail", "ok"} {
		require.NoError(t, pool.AddTask(&steps.Task{Name: name}))
	}
	pool.Wait()

	assert.EqualValues(t, 3, runs.Load(), "worker keeps going after failures")
	require.Len(t, outcomes, 3)
	assert.Error(t, outcomes[0].Err)
	assert.Contains(t, outcomes[0].Err.Error(), "panicked")
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)
}

func TestAddTaskAfterCancellation(t *testing.T) {
	cancel.ResetForTesting()
	defer cancel.ResetForTesting()

	pool := NewPool()
	// No workers: the only way out of AddTask is the cancellation channel.
	cancel.RequestStop()

	err := pool.AddTask(&steps.Task{Name: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancellation")

	pool.Wait()
}

func TestEstimateTotalDuration(t *testing.T) {
	timed := func(seconds float64) *steps.Task {
		return &steps.Task{Steps: []steps.Step{
			{Kind: steps.KindSleep, Sleep: &steps.Sleep{Seconds: seconds}},
		}}
	}

	t.Run("two trials one worker", func(t *testing.T) {
		// Two 3600 second runs on one worker run back to back.
		estimate, err := EstimateTotalDuration([]*steps.Task{timed(3600), timed(3600)}, 1)
		require.NoError(t, err)
		assert.Equal(t, 7200*time.Second, estimate)
	})

	t.Run("parallel workers", func(t *testing.T) {
		estimate, err := EstimateTotalDuration([]*steps.Task{timed(100), timed(100)}, 2)
		require.NoError(t, err)
		// Second worker starts one stagger step later.
		assert.Equal(t, 100*time.Second+workerStagger, estimate)
	})

	t.Run("more workers than trials", func(t *testing.T) {
		estimate, err := EstimateTotalDuration([]*steps.Task{timed(0)}, 4)
		require.NoError(t, err)
		// Idle workers contribute only their staggered start time.
		assert.Equal(t, 3*workerStagger, estimate)
	})

	t.Run("zero workers", func(t *testing.T) {
		_, err := EstimateTotalDuration([]*steps.Task{timed(1)}, 0)
		assert.Error(t, err)
	})
}

func TestParseBackendKind(t *testing.T) {
	for _, valid := range []string{"local", "firecracker", "docker", "dummy"} {
		kind, err := ParseBackendKind(valid)
		require.NoError(t, err)
		assert.EqualValues(t, valid, kind)
	}
	_, err := ParseBackendKind("vmware")
	assert.Error(t, err)
}

func TestStubWorkerRunsSteps(t *testing.T) {
	worker := &StubWorker{Index: 0}
	err := worker.RunTask(&steps.Task{
		Name: "rehearsal",
		Steps: []steps.Step{
			{Kind: steps.KindSpawnTask, SpawnTask: &steps.SpawnTask{Key: "f", Command: "./fuzz"}},
			{Kind: steps.KindKill, Kill: &steps.Kill{Signal: 2, Tasks: []string{"f"}}},
		},
	})
	assert.NoError(t, err)
}
