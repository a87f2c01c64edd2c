package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}
}

func handleValue(t *testing.T, state *State, req rpc.Request) json.RawMessage {
	t.Helper()
	resp := state.HandleRequest(req)
	require.Empty(t, resp.Err)
	return resp.Value
}

func TestRunProcessCapturesOutput(t *testing.T) {
	requireUnix(t)
	state := NewState(t.TempDir(), nil)

	value := handleValue(t, state, rpc.Request{
		Kind:    rpc.KindRunProcess,
		Command: rpc.NewCommand("/bin/sh", "-c", "echo out; echo err 1>&2"),
	})

	var output rpc.RunOutput
	require.NoError(t, json.Unmarshal(value, &output))
	assert.Equal(t, rpc.ExitSuccess, output.Exit)
	assert.Equal(t, "out\n", string(output.Stdout))
	assert.Equal(t, "err\n", string(output.Stderr))
}

func TestRunProcessExitCode(t *testing.T) {
	requireUnix(t)
	state := NewState(t.TempDir(), nil)

	value := handleValue(t, state, rpc.Request{
		Kind:    rpc.KindRunProcess,
		Command: rpc.NewCommand("/bin/sh", "-c", "exit 3"),
	})

	var output rpc.RunOutput
	require.NoError(t, json.Unmarshal(value, &output))
	assert.Equal(t, rpc.ExitWithCode(3), output.Exit)
}

func TestRunProcessHang(t *testing.T) {
	requireUnix(t)
	state := NewState(t.TempDir(), nil)

	cmd := rpc.NewCommand("/bin/sh", "-c", "sleep 30")
	cmd.TimeoutSec = 0.1

	start := time.Now()
	value := handleValue(t, state, rpc.Request{Kind: rpc.KindRunProcess, Command: cmd})

	var output rpc.RunOutput
	require.NoError(t, json.Unmarshal(value, &output))
	assert.Equal(t, rpc.ExitHang, output.Exit)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSpawnWaitAndStatus(t *testing.T) {
	requireUnix(t)
	state := NewState(t.TempDir(), nil)

	value := handleValue(t, state, rpc.Request{
		Kind:    rpc.KindSpawnProcess,
		Command: rpc.NewCommand("/bin/sh", "-c", "exit 7"),
	})
	var pid uint32
	require.NoError(t, json.Unmarshal(value, &pid))
	assert.NotZero(t, pid)

	value = handleValue(t, state, rpc.Request{Kind: rpc.KindWaitPid, Pid: pid})
	var code *int64
	require.NoError(t, json.Unmarshal(value, &code))
	require.NotNil(t, code)
	assert.EqualValues(t, 7, *code)

	// The pid is gone from the table after the explicit wait.
	value = handleValue(t, state, rpc.Request{Kind: rpc.KindWaitPid, Pid: pid})
	require.NoError(t, json.Unmarshal(value, &code))
	assert.Nil(t, code)
	assert.Empty(t, state.procs)
}

func TestGetStatusUnknownPid(t *testing.T) {
	state := NewState(t.TempDir(), nil)
	value := handleValue(t, state, rpc.Request{Kind: rpc.KindGetStatus, Pid: 999999})
	assert.JSONEq(t, "null", string(value))
}

func TestKillProcess(t *testing.T) {
	requireUnix(t)
	state := NewState(t.TempDir(), nil)

	value := handleValue(t, state, rpc.Request{
		Kind:    rpc.KindSpawnProcess,
		Command: rpc.NewCommand("/bin/sh", "-c", "sleep 60"),
	})
	var pid uint32
	require.NoError(t, json.Unmarshal(value, &pid))

	value = handleValue(t, state, rpc.Request{Kind: rpc.KindKillProcess, Pid: pid, Signal: 9})
	var known bool
	require.NoError(t, json.Unmarshal(value, &known))
	assert.True(t, known)
	assert.Empty(t, state.procs)

	// Unknown pid reports false, not an error.
	value = handleValue(t, state, rpc.Request{Kind: rpc.KindKillProcess, Pid: pid, Signal: 9})
	require.NoError(t, json.Unmarshal(value, &known))
	assert.False(t, known)
}

func TestReapDead(t *testing.T) {
	requireUnix(t)
	state := NewState(t.TempDir(), nil)

	value := handleValue(t, state, rpc.Request{
		Kind:    rpc.KindSpawnProcess,
		Command: rpc.NewCommand("/bin/sh", "-c", "true"),
	})
	var pid uint32
	require.NoError(t, json.Unmarshal(value, &pid))

	assert.Eventually(t, func() bool {
		state.ReapDead()
		return len(state.procs) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReadFileClamps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	state := NewState(dir, nil)
	read := func(offset uint64, length *uint64) []byte {
		value := handleValue(t, state, rpc.Request{
			Kind: rpc.KindReadFile, Path: "data.bin", Offset: offset, Len: length,
		})
		var data []byte
		require.NoError(t, json.Unmarshal(value, &data))
		return data
	}

	four := uint64(4)
	huge := uint64(100)
	assert.Equal(t, []byte("0123456789"), read(0, nil))
	assert.Equal(t, []byte("4567"), read(4, &four))
	assert.Equal(t, []byte("89"), read(8, &huge), "len clamps to remaining")
	assert.Empty(t, read(10, nil), "offset at length reads empty")
	assert.Empty(t, read(50, nil), "offset past length reads empty")
}

func TestStatAndReadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("abc"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	state := NewState(dir, nil)

	value := handleValue(t, state, rpc.Request{Kind: rpc.KindStatFile, Path: "a.txt"})
	var entry rpc.DirEntry
	require.NoError(t, json.Unmarshal(value, &entry))
	assert.True(t, entry.IsFile)
	assert.EqualValues(t, 3, entry.Len)
	assert.True(t, filepath.IsAbs(entry.Path))

	value = handleValue(t, state, rpc.Request{Kind: rpc.KindReadDir, Path: "."})
	var entries []rpc.DirEntry
	require.NoError(t, json.Unmarshal(value, &entries))
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[filepath.Base(e.Path)] = e.IsFile
	}
	assert.Equal(t, map[string]bool{"a.txt": true, "sub": false}, names)
}

func TestBulkOrderAndLength(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("x"), 0o644))
	state := NewState(dir, nil)

	value := handleValue(t, state, rpc.Request{
		Kind: rpc.KindBulk,
		Batch: []rpc.Request{
			{Kind: rpc.KindGetStats},
			{Kind: rpc.KindReadFile, Path: "missing"},
			{Kind: rpc.KindReadFile, Path: "x"},
		},
	})

	var out []rpc.Response
	require.NoError(t, json.Unmarshal(value, &out))
	require.Len(t, out, 3, "one response per sub-request")
	assert.Empty(t, out[0].Err)
	assert.NotEmpty(t, out[1].Err, "middle request failed but did not short-circuit")
	assert.Empty(t, out[2].Err)
}

func TestStatsRing(t *testing.T) {
	ring := NewStatsRing(3)
	ring.Push([]byte("a"))
	ring.Push([]byte("b"))
	assert.Equal(t, "ab", ring.DrainAll())
	assert.Equal(t, "", ring.DrainAll())

	// Overflow drops the oldest samples but keeps order.
	for _, s := range []string{"1", "2", "3", "4"} {
		ring.Push([]byte(s))
	}
	assert.Equal(t, "234", ring.DrainAll())
}

func TestLocalAgentRoundTrip(t *testing.T) {
	requireUnix(t)
	local := SpawnLocal(t.TempDir())

	output, err := rpc.RunTask(local, rpc.NewCommand("/bin/sh", "-c", "echo hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(output.Stdout))

	require.NoError(t, rpc.Exit(local))
	local.Join()
}
