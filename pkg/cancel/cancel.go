// Package cancel implements the process-wide soft-stop signal.
//
// Cancellation is exposed two ways: an atomic flag for cheap checks in tight
// loops, and a broadcast channel for unblocking sleeps and selects. The first
// interrupt latches both and restores default signal handling, so a second
// interrupt terminates the process.
package cancel

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/cuemby/burrow/pkg/log"
)

var (
	stopNow  atomic.Bool
	initOnce sync.Once

	mu sync.Mutex
	ch = make(chan struct{})
)

// Init installs the signal handler. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			lg := log.WithComponent("cancel")
			lg.Warn().Str("signal", sig.String()).Msg("Interrupt received, stopping")
			RequestStop()
			// Restore default handling so a second interrupt kills the
			// process immediately.
			signal.Stop(sigs)
		}()
	})
}

// RequestStop latches the cancellation flag and closes the broadcast channel.
func RequestStop() {
	mu.Lock()
	defer mu.Unlock()
	if stopNow.CompareAndSwap(false, true) {
		close(ch)
	}
}

// Requested reports whether cancellation has been requested.
func Requested() bool {
	return stopNow.Load()
}

// Channel returns the broadcast channel, closed once cancellation is
// requested. Suitable for select statements.
func Channel() <-chan struct{} {
	mu.Lock()
	defer mu.Unlock()
	return ch
}

// ResetForTesting re-arms the latch so tests can exercise cancellation
// without poisoning the rest of their package.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()
	stopNow.Store(false)
	ch = make(chan struct{})
}
