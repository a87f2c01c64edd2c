package steps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func decodeSteps(t *testing.T, source string) []Step {
	t.Helper()
	var out []Step
	require.NoError(t, yaml.Unmarshal([]byte(source), &out))
	return out
}

func TestStepDecoding(t *testing.T) {
	steps := decodeSteps(t, `
- exit_if_existing: {path: "{DATA}/done"}
- run: {command: "./fuzz -i in", stdout: "fuzz.log", duration: 1h}
- spawn_task: {key: mon, command: "./monitor"}
- kill: {signal: 2, tasks: [mon]}
- sleep: {seconds: 2.5}
- copy_file: {src: "stats.csv", dst: "out/stats.csv"}
- copy_dir: {src: "crashes", dst: "out/crashes.tar.gz", archive: true}
- merge_json: {tag: "{TAG}", src: "meta.json", dst: "out/meta.json"}
- task_list:
    tasks:
      - sleep: {seconds: 1}
`)

	require.Len(t, steps, 9)
	assert.Equal(t, KindExitIfExisting, steps[0].Kind)
	assert.Equal(t, "{DATA}/done", steps[0].ExitIfExisting.Path)

	require.Equal(t, KindRun, steps[1].Kind)
	assert.Equal(t, time.Hour, time.Duration(steps[1].Run.Duration))
	assert.Equal(t, "fuzz.log", steps[1].Run.Stdout)

	assert.Equal(t, "mon", steps[2].SpawnTask.Key)
	assert.Equal(t, []string{"mon"}, steps[3].Kill.Tasks)
	assert.Equal(t, 2.5, steps[4].Sleep.Seconds)
	assert.True(t, steps[5].CopyFile.ShouldAppend(), "append defaults to true")
	assert.True(t, steps[6].CopyDir.Archive)
	assert.Equal(t, "{TAG}", steps[7].MergeJSON.Tag)
	require.Equal(t, KindTaskList, steps[8].Kind)
	require.Len(t, steps[8].TaskList.Tasks, 1)
}

func TestStepDecodingRejectsUnknown(t *testing.T) {
	var out []Step
	err := yaml.Unmarshal([]byte("- frobnicate: {}\n"), &out)
	assert.Error(t, err)
}

func TestPatternBytesDecoding(t *testing.T) {
	var step Step
	require.NoError(t, yaml.Unmarshal([]byte(
		"input_pattern_verifier:\n  crash_dir: c\n  dst: d\n  patterns:\n    - {key: a, bytes: AAAA}\n    - {key: b, offset: 4, bytes: [66, 66]}\n",
	), &step))

	patterns := step.PatternVerifier.Patterns
	require.Len(t, patterns, 2)
	assert.Equal(t, Bytes("AAAA"), patterns[0].Bytes)
	assert.Equal(t, 0, patterns[0].Offset)
	assert.Equal(t, Bytes{66, 66}, patterns[1].Bytes)
	assert.Equal(t, 4, patterns[1].Offset)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{input: "24h", expected: 24 * time.Hour},
		{input: "1.5hours", expected: 90 * time.Minute},
		{input: "90min", expected: 90 * time.Minute},
		{input: "45s", expected: 45 * time.Second},
		{input: "10 secs", expected: 10 * time.Second},
		{input: "10", wantErr: true},
		{input: "fast", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			parsed, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, parsed)
		})
	}
}

func TestEstimateDuration(t *testing.T) {
	steps := decodeSteps(t, `
- run: {command: "./fuzz", duration: 3600}
- sleep: {seconds: 30}
- copy_file: {src: a, dst: b}
- task_list:
    tasks:
      - sleep: {seconds: 10}
      - run: {command: "x", duration: 5m}
`)

	expected := time.Hour + 30*time.Second + 10*time.Second + 5*time.Minute
	assert.Equal(t, expected, EstimateTotal(steps))
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "2 hours", HumanDuration(2*time.Hour))
	assert.Equal(t, "1 days 1 hours 1 mins 1 seconds", HumanDuration(25*time.Hour+61*time.Second))
	assert.Equal(t, "0 seconds", HumanDuration(0))
}
