// The burrow-agent binary runs inside guest environments and executes RPCs
// on behalf of the harness: supervising fuzzer subprocesses, serving file
// reads, and collecting statsd telemetry.
//
// Modes:
//
//	burrow-agent            vsock listener (cid=3, port=52), the firecracker default
//	burrow-agent -u <path>  unix domain socket listener
//	burrow-agent -t <addr>  TCP listener
//
// Setting STATSD makes the agent bind udp://127.0.0.1:8125 and buffer
// datagrams for the get_stats request.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/log"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
)

func main() {
	unixPath := flag.String("u", "", "listen on a unix domain socket at the given path")
	tcpAddr := flag.String("t", "", "listen on the given TCP address")
	flag.Parse()

	log.Init(log.Config{Level: log.Level(os.Getenv("BURROW_LOG"))})
	logger := log.WithComponent("agent")
	logger.Info().Str("version", Version).Msg("Agent starting")

	var stats *agent.StatsRing
	if _, ok := os.LookupEnv("STATSD"); ok {
		stats = agent.SpawnStatsCollector()
	}
	state := agent.NewState("", stats)

	if err := run(state, *unixPath, *tcpAddr); err != nil {
		logger.Error().Err(err).Msg("Fatal error")
		state.KillAll()
		os.Exit(1)
	}
	state.KillAll()
}

func run(state *agent.State, unixPath, tcpAddr string) error {
	switch {
	case unixPath != "":
		listener, err := net.Listen("unix", unixPath)
		if err != nil {
			return fmt.Errorf("failed to bind to %s: %w", unixPath, err)
		}
		defer listener.Close()
		return agent.ServeListener(state, listener)

	case tcpAddr != "":
		listener, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return fmt.Errorf("failed to bind to %s: %w", tcpAddr, err)
		}
		defer listener.Close()
		return agent.ServeListener(state, listener)

	default:
		return agent.ServeVsock(state)
	}
}
