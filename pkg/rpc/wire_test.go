package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, req Request) Request {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var out Request
	require.NoError(t, json.Unmarshal(data, &out), "payload: %s", data)
	return out
}

func TestRequestRoundTrip(t *testing.T) {
	length := uint64(16)

	tests := []struct {
		name string
		req  Request
	}{
		{"reboot", Request{Kind: KindReboot}},
		{"restart_agent", Request{Kind: KindRestartAgent}},
		{"get_stats", Request{Kind: KindGetStats}},
		{"wait_pid", Request{Kind: KindWaitPid, Pid: 42}},
		{"get_status", Request{Kind: KindGetStatus, Pid: 7}},
		{"kill", Request{Kind: KindKillProcess, Pid: 42, Signal: 9}},
		{"read_file", Request{Kind: KindReadFile, Path: "/tmp/x", Offset: 4, Len: &length}},
		{"read_file no len", Request{Kind: KindReadFile, Path: "/tmp/x"}},
		{"stat", Request{Kind: KindStatFile, Path: "/etc/os-release"}},
		{"read_dir", Request{Kind: KindReadDir, Path: "/data"}},
		{"entropy", Request{Kind: KindAddEntropy, Entropy: []uint32{1, 2, 3}}},
		{
			"spawn",
			Request{Kind: KindSpawnProcess, Command: &RunCommand{
				Program: "/bin/fuzz",
				Args:    []string{"-i", "in"},
				Env:     []EnvPair{{"A", "1"}, {"B", "2"}},
				Stdout:  FileStdio("out.log"),
			}},
		},
		{
			"bulk",
			Request{Kind: KindBulk, Batch: []Request{
				{Kind: KindGetStats},
				{Kind: KindWaitPid, Pid: 1},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.req, roundTrip(t, tt.req))
		})
	}
}

func TestRequestWireShape(t *testing.T) {
	data, err := json.Marshal(Request{Kind: KindReboot})
	require.NoError(t, err)
	assert.JSONEq(t, `"reboot"`, string(data))

	data, err = json.Marshal(Request{Kind: KindKillProcess, Pid: 5, Signal: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kill_process":{"pid":5,"signal":2}}`, string(data))

	data, err = json.Marshal(Request{Kind: KindWaitPid, Pid: 11})
	require.NoError(t, err)
	assert.JSONEq(t, `{"wait_pid":11}`, string(data))
}

func TestEnvOrderPreserved(t *testing.T) {
	cmd := &RunCommand{
		Program: "env",
		Env:     []EnvPair{{"Z", "1"}, {"A", "2"}, {"M", "3"}},
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	var out RunCommand
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, cmd.Env, out.Env)
}

func TestResponseRoundTrip(t *testing.T) {
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"error":"boom"}`), &resp))
	assert.Equal(t, "boom", resp.Err)

	require.NoError(t, json.Unmarshal([]byte(`[1,2,3]`), &resp))
	assert.Empty(t, resp.Err)
	assert.JSONEq(t, `[1,2,3]`, string(resp.Value))

	// An object that merely contains more than an error key is a value.
	require.NoError(t, json.Unmarshal([]byte(`{"error":"x","other":1}`), &resp))
	assert.Empty(t, resp.Err)
}

func TestExitKindRoundTrip(t *testing.T) {
	for _, kind := range []ExitKind{ExitSuccess, ExitCrash, ExitHang, ExitWithCode(77)} {
		data, err := json.Marshal(kind)
		require.NoError(t, err)
		var out ExitKind
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, kind, out)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		program string
		args    []string
		env     []EnvPair
		wantErr bool
	}{
		{
			name:    "simple",
			input:   "/bin/echo hello world",
			program: "/bin/echo",
			args:    []string{"hello", "world"},
		},
		{
			name:    "leading env",
			input:   "AFL_BENCH=1 TIMEOUT=5s ./fuzz -i in",
			program: "./fuzz",
			args:    []string{"-i", "in"},
			env:     []EnvPair{{"AFL_BENCH", "1"}, {"TIMEOUT", "5s"}},
		},
		{
			name:    "quoted arg",
			input:   `sh -c 'echo a b'`,
			program: "sh",
			args:    []string{"-c", "echo a b"},
		},
		{
			name:    "double quoted with equals",
			input:   `run "--opt=some value"`,
			program: "run",
			args:    []string{"--opt=some value"},
		},
		{name: "empty", input: "", wantErr: true},
		{name: "only env", input: "A=1", wantErr: true},
		{name: "unterminated quote", input: "echo 'oops", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.program, cmd.Program)
			assert.Equal(t, tt.args, cmd.Args)
			assert.Equal(t, tt.env, cmd.Env)
		})
	}
}
