package afl

import (
	"path"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/rpc"
)

// InputEntries lists the fuzzer input files inside a guest directory,
// skipping subdirectories and the README.txt AFL++ drops next to crashes.
func InputEntries(agent rpc.Agent, dir string) ([]rpc.DirEntry, error) {
	entries, err := rpc.ReadDir(agent, dir)
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, entry := range entries {
		if !entry.IsFile || strings.HasSuffix(entry.Path, "README.txt") {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// RelativeTimeMillis extracts the milliseconds-since-session-start of an
// input file. AFL++ encodes it in the file name (`...,time:1234,...`); when
// that is missing the file's mtime relative to the directory mtime is used.
func RelativeTimeMillis(entry rpc.DirEntry, dirModified time.Time) uint64 {
	if millis, ok := timeFromName(path.Base(entry.Path)); ok {
		return millis
	}
	if d := entry.Modified.Sub(dirModified); d > 0 {
		return uint64(d.Milliseconds())
	}
	return 0
}

// timeFromName parses the `time<N>,` tag out of an AFL-style file name. A
// single non-digit separator after "time" (AFL++ writes `time:`) is
// tolerated.
func timeFromName(name string) (uint64, bool) {
	_, rest, found := strings.Cut(name, "time")
	if !found {
		return 0, false
	}
	if rest != "" && (rest[0] < '0' || rest[0] > '9') {
		rest = rest[1:]
	}
	digits, _, found := strings.Cut(rest, ",")
	if !found {
		return 0, false
	}

	var millis uint64
	if digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		millis = millis*10 + uint64(c-'0')
	}
	return millis, true
}

// InputID extracts the id AFL++ encodes in an input file name (`id:000042`).
func InputID(name string) (uint64, bool) {
	_, rest, found := strings.Cut(path.Base(name), "id")
	if !found {
		return 0, false
	}
	if rest != "" && (rest[0] < '0' || rest[0] > '9') {
		rest = rest[1:]
	}
	digits, _, found := strings.Cut(rest, ",")
	if !found {
		return 0, false
	}

	var id uint64
	if digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		id = id*10 + uint64(c-'0')
	}
	return id, true
}
