package worker

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/steps"
)

// maxEstimatorWorkers bounds the heap for absurd worker counts.
const maxEstimatorWorkers = 10000

// durationHeap is a min-heap of worker availability times.
type durationHeap []time.Duration

func (h durationHeap) Len() int            { return len(h) }
func (h durationHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h durationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *durationHeap) Push(x interface{}) { *h = append(*h, x.(time.Duration)) }
func (h *durationHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// EstimateTotalDuration predicts the wall-clock time for running tasks on
// the given number of workers: each task is assigned to the earliest-free
// worker, and the answer is the last worker's finish time.
func EstimateTotalDuration(tasks []*steps.Task, workers int) (time.Duration, error) {
	if workers <= 0 {
		return 0, fmt.Errorf("no workers configured")
	}
	if workers > maxEstimatorWorkers {
		workers = maxEstimatorWorkers
	}

	availability := make(durationHeap, 0, workers)
	for id := 0; id < workers; id++ {
		availability = append(availability, time.Duration(id)*workerStagger)
	}
	heap.Init(&availability)

	for _, task := range tasks {
		freeAt := heap.Pop(&availability).(time.Duration)
		heap.Push(&availability, freeAt+task.EstimateDuration())
	}

	var finish time.Duration
	for availability.Len() > 0 {
		finish = heap.Pop(&availability).(time.Duration)
	}
	return finish, nil
}
