package agent

import (
	"net"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
)

// statsdAddr is where fuzzers inside the guest publish their telemetry.
const statsdAddr = "127.0.0.1:8125"

// statsdSlots bounds how many datagrams are buffered between get_stats
// requests; on overflow the oldest samples are dropped.
const statsdSlots = 100

// StatsRing accumulates statsd datagrams into a fixed set of slots, drained
// by the get_stats request.
type StatsRing struct {
	mu       sync.Mutex
	buf      [][]byte
	offset   int
	overflow bool
}

// NewStatsRing creates a ring with the given capacity. A zero capacity ring
// accepts nothing and drains empty.
func NewStatsRing(capacity int) *StatsRing {
	return &StatsRing{buf: make([][]byte, capacity)}
}

// Push stores one datagram, overwriting the oldest slot when full.
func (r *StatsRing) Push(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return
	}

	r.buf[r.offset] = append(r.buf[r.offset][:0], data...)
	r.offset++
	if r.offset == len(r.buf) {
		lg := log.WithComponent("agent")
		lg.Warn().Msg("Exceeded buffer size for statsd")
		r.overflow = true
		r.offset = 0
	}
}

// DrainAll concatenates and clears every pending sample, oldest first.
func (r *StatsRing) DrainAll() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out strings.Builder
	if r.overflow {
		for _, entry := range r.buf[r.offset:] {
			out.Write(entry)
		}
	}
	for _, entry := range r.buf[:r.offset] {
		out.Write(entry)
	}

	for i := range r.buf {
		r.buf[i] = r.buf[i][:0]
	}
	r.overflow = false
	r.offset = 0
	return out.String()
}

// SpawnStatsCollector binds the statsd UDP port and feeds datagrams into a
// fresh ring. Bind failures are retried forever: the collector must survive
// early boot when the loopback interface may not be up yet.
func SpawnStatsCollector() *StatsRing {
	ring := NewStatsRing(statsdSlots)

	go func() {
		logger := log.WithComponent("agent")
		for {
			if err := runStatsCollector(ring); err != nil {
				logger.Error().Err(err).Str("addr", statsdAddr).Msg("statsd collector failed")
			}
		}
	}()

	return ring
}

func runStatsCollector(ring *StatsRing) error {
	addr, err := net.ResolveUDPAddr("udp", statsdAddr)
	if err != nil {
		return err
	}
	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer socket.Close()

	buf := make([]byte, 2048)
	for {
		n, err := socket.Read(buf)
		if err != nil {
			return err
		}
		ring.Push(buf[:n])
	}
}
