package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/cancel"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/steps"
)

// workerStagger delays each worker's start by its index to avoid a
// thundering herd on VM boot. A performance hint, not a correctness
// requirement.
const workerStagger = 10 * time.Millisecond

// Backend runs one trial inside an isolated guest. Each worker owns one
// backend instance.
type Backend interface {
	RunTask(task *steps.Task) error
}

// Outcome describes one finished trial, for journals and metrics.
type Outcome struct {
	Task     string
	Instance string
	Worker   string
	Start    time.Time
	Duration time.Duration
	Err      error
}

// Pool is a fixed set of workers fed from a single unbuffered channel:
// backpressure equals worker count, and no trial is ever buffered outside a
// worker.
type Pool struct {
	tasks     chan *steps.Task
	wg        sync.WaitGroup
	workers   int
	closeOnce sync.Once
	recorders []func(Outcome)
}

// NewPool creates an empty pool. Add workers before submitting tasks.
func NewPool() *Pool {
	return &Pool{tasks: make(chan *steps.Task)}
}

// OnOutcome registers a callback invoked after every trial, successful or
// not. Callbacks run on the worker goroutine; keep them quick.
func (p *Pool) OnOutcome(record func(Outcome)) {
	p.recorders = append(p.recorders, record)
}

// WorkerID formats the stable identity for a backend kind and index, e.g.
// "vm0-data".
func WorkerID(kind string, index int) string {
	return fmt.Sprintf("%s%d-data", kind, index)
}

// AddWorker spawns one worker goroutine draining the task channel through
// backend. A failing or panicking trial is logged and the worker continues.
func (p *Pool) AddWorker(name string, backend Backend) {
	index := p.workers
	p.workers++
	p.wg.Add(1)

	logger := log.WithWorkerID(name)
	go func() {
		defer p.wg.Done()

		// Stagger start up so workers do not contend on guest boot, and so
		// reruns assign the same initial task to the same worker, which
		// helps debugging.
		time.Sleep(time.Duration(index) * workerStagger)
		logger.Debug().Msg("Worker started")

		for task := range p.tasks {
			start := time.Now()
			err := runIsolated(backend, task)
			if err != nil {
				logger.Error().Err(err).Str("task", task.Name).Msg("Error running task")
			}
			for _, record := range p.recorders {
				record(Outcome{
					Task:     task.Name,
					Instance: task.Instance,
					Worker:   name,
					Start:    start,
					Duration: time.Since(start),
					Err:      err,
				})
			}
		}
	}()
}

// runIsolated keeps a panicking trial from poisoning the pool.
func runIsolated(backend Backend, task *steps.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return backend.RunTask(task)
}

// AddTask hands a task to the next free worker, blocking until one accepts
// it or cancellation is requested.
func (p *Pool) AddTask(task *steps.Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-cancel.Channel():
		return fmt.Errorf("cancellation requested")
	}
}

// Wait closes the channel and joins every worker; pending tasks drain first.
func (p *Pool) Wait() {
	p.closeOnce.Do(func() { close(p.tasks) })
	lg := log.WithComponent("pool")
	lg.Debug().Int("workers", p.workers).Msg("Waiting for workers to finish")
	p.wg.Wait()
}

// Workers reports how many workers were added.
func (p *Pool) Workers() int {
	return p.workers
}
