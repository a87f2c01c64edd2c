package steps

import (
	"archive/tar"
	"compress/gzip"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/cancel"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/vars"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// testEngine spins up an in-process agent rooted at a fresh guest dir.
func testEngine(t *testing.T, pairs ...vars.KeyValue) (*Engine, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}

	guestDir := t.TempDir()
	local := agent.SpawnLocal(guestDir)
	t.Cleanup(func() {
		_ = rpc.Exit(local)
		local.Join()
	})

	environment := vars.New()
	environment.InsertAll(pairs)
	return NewEngine(local, environment), guestDir
}

func TestExitIfExisting(t *testing.T) {
	engine, _ := testEngine(t)

	hostDir := t.TempDir()
	existing := filepath.Join(hostDir, "done")
	require.NoError(t, os.WriteFile(existing, nil, 0o644))

	err := engine.Run([]Step{{Kind: KindExitIfExisting, ExitIfExisting: &ExitIfExisting{Path: existing}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	err = engine.Run([]Step{{Kind: KindExitIfExisting, ExitIfExisting: &ExitIfExisting{Path: filepath.Join(hostDir, "missing")}}})
	assert.NoError(t, err)
}

func TestRunWaitsForExit(t *testing.T) {
	engine, guestDir := testEngine(t)

	err := engine.Run([]Step{{Kind: KindRun, Run: &Run{
		Command: "/bin/sh -c 'echo done > marker'",
	}}})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(guestDir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(data))
}

func TestRunCommandEnvPrecedence(t *testing.T) {
	engine, guestDir := testEngine(t, vars.KeyValue{Key: "MODE", Value: "vars-win"})

	// The step-level MODE=inline is overridden by the trial variable.
	err := engine.Run([]Step{{Kind: KindRun, Run: &Run{
		Command: `MODE=inline /bin/sh -c 'echo $MODE > mode.txt'`,
	}}})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(guestDir, "mode.txt"))
	require.NoError(t, err)
	assert.Equal(t, "vars-win\n", string(data))
}

func TestSpawnAndKill(t *testing.T) {
	engine, _ := testEngine(t)

	err := engine.Run([]Step{
		{Kind: KindSpawnTask, SpawnTask: &SpawnTask{Key: "sleeper", Command: "/bin/sh -c 'sleep 60'"}},
		{Kind: KindKill, Kill: &Kill{Signal: 9, Tasks: []string{"sleeper"}}},
	})
	assert.NoError(t, err)
}

func TestKillUnknownKeyFailsTrial(t *testing.T) {
	engine, _ := testEngine(t)

	err := engine.Run([]Step{{Kind: KindKill, Kill: &Kill{Signal: 9, Tasks: []string{"ghost"}}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost not found")
}

func TestPidMapSpansSteps(t *testing.T) {
	engine, _ := testEngine(t)

	// The pid recorded by a nested list is visible to a later kill.
	err := engine.Run([]Step{
		{Kind: KindTaskList, TaskList: &TaskList{Tasks: []Step{
			{Kind: KindSpawnTask, SpawnTask: &SpawnTask{Key: "bg", Command: "/bin/sh -c 'sleep 60'"}},
		}}},
		{Kind: KindKill, Kill: &Kill{Signal: 9, Tasks: []string{"bg"}}},
	})
	assert.NoError(t, err)
}

func TestResultCollector(t *testing.T) {
	engine, _ := testEngine(t)
	dst := filepath.Join(t.TempDir(), "result.txt")

	err := engine.Run([]Step{{Kind: KindResultCollector, ResultCollector: &ResultCollector{
		Command: "/bin/sh -c 'echo collected'",
		Dst:     dst,
	}}})
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "collected\n", string(data))
}

func TestResultCollectorFailureAttachesStderr(t *testing.T) {
	engine, _ := testEngine(t)
	dst := filepath.Join(t.TempDir(), "result.txt")

	err := engine.Run([]Step{{Kind: KindResultCollector, ResultCollector: &ResultCollector{
		Command: "/bin/sh -c 'echo broken 1>&2; exit 1'",
		Dst:     dst,
	}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit(1)")
	assert.Contains(t, err.Error(), "broken")
	assert.NoFileExists(t, dst)
}

func TestSleepCancellation(t *testing.T) {
	cancel.ResetForTesting()
	defer cancel.ResetForTesting()

	engine, _ := testEngine(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel.RequestStop()
	}()

	start := time.Now()
	err := engine.Run([]Step{{Kind: KindSleep, Sleep: &Sleep{Seconds: 86400}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task canceled")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCancellationCheckedAtStepBoundary(t *testing.T) {
	cancel.ResetForTesting()
	defer cancel.ResetForTesting()

	engine, _ := testEngine(t)
	cancel.RequestStop()

	err := engine.Run([]Step{{Kind: KindSleep, Sleep: &Sleep{Seconds: 0}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestSaveEnv(t *testing.T) {
	engine, guestDir := testEngine(t,
		vars.KeyValue{Key: "A", Value: "1"},
		vars.KeyValue{Key: "B", Value: "{A}2"},
	)

	err := engine.Run([]Step{{Kind: KindSaveEnv, SaveEnv: &SaveEnv{Path: "env.txt"}}})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(guestDir, "env.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "A=1\n")
	assert.Contains(t, string(data), "B=12\n")
}

func TestCopyFile(t *testing.T) {
	engine, guestDir := testEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(guestDir, "stats.csv"), []byte("a,b\n"), 0o644))

	dst := filepath.Join(t.TempDir(), "nested", "stats.csv")
	step := []Step{{Kind: KindCopyFile, CopyFile: &CopyFile{Src: "stats.csv", Dst: dst}}}

	require.NoError(t, engine.Run(step))
	require.NoError(t, engine.Run(step))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "a,b\na,b\n", string(data), "append mode accumulates")
}

func TestCopyFileMissingSourceIsWarning(t *testing.T) {
	engine, _ := testEngine(t)
	dst := filepath.Join(t.TempDir(), "out.txt")

	err := engine.Run([]Step{{Kind: KindCopyFile, CopyFile: &CopyFile{Src: "missing.txt", Dst: dst}}})
	assert.NoError(t, err, "artifact errors must not fail the trial")
	assert.NoFileExists(t, dst)
}

func writeGuestTree(t *testing.T, guestDir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(guestDir, "out", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(guestDir, "out", "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(guestDir, "out", "sub", "leaf.txt"), []byte("leaf"), 0o644))
}

func TestCopyDirPlain(t *testing.T) {
	engine, guestDir := testEngine(t)
	writeGuestTree(t, guestDir)

	dst := filepath.Join(t.TempDir(), "copy")
	err := engine.Run([]Step{{Kind: KindCopyDir, CopyDir: &CopyDir{
		Src: filepath.Join(guestDir, "out"), Dst: dst,
	}}})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dst, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, "top", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "sub", "leaf.txt"))
	require.NoError(t, err)
	assert.Equal(t, "leaf", string(data))
}

func TestCopyDirArchiveMatchesPlain(t *testing.T) {
	engine, guestDir := testEngine(t)
	writeGuestTree(t, guestDir)

	archivePath := filepath.Join(t.TempDir(), "copy.tar.gz")
	err := engine.Run([]Step{{Kind: KindCopyDir, CopyDir: &CopyDir{
		Src: filepath.Join(guestDir, "out"), Dst: archivePath, Archive: true,
	}}})
	require.NoError(t, err)

	file, err := os.Open(archivePath)
	require.NoError(t, err)
	defer file.Close()
	gz, err := gzip.NewReader(file)
	require.NoError(t, err)

	files := map[string]string{}
	dirs := map[string]bool{}
	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch header.Typeflag {
		case tar.TypeDir:
			dirs[strings.TrimSuffix(header.Name, "/")] = true
			assert.EqualValues(t, 0o666, header.Mode&0o777)
		case tar.TypeReg:
			content, err := io.ReadAll(reader)
			require.NoError(t, err)
			files[header.Name] = string(content)
			assert.EqualValues(t, 0o666, header.Mode&0o777)
		}
	}

	assert.Equal(t, map[string]string{
		"top.txt":      "top",
		"sub/leaf.txt": "leaf",
	}, files)
	assert.True(t, dirs["sub"])
}

func TestMergeWithPrefix(t *testing.T) {
	engine, guestDir := testEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(guestDir, "part.csv"), []byte("1,2\n"), 0o644))

	dst := filepath.Join(t.TempDir(), "merged.csv")
	step := func(prefix string) []Step {
		return []Step{{Kind: KindMergeWithPrefix, MergeWithPrefix: &MergeWithPrefix{
			Prefix: prefix, Header: "# merged", Src: "part.csv", Dst: dst,
		}}}
	}

	require.NoError(t, engine.Run(step("== trial A")))
	require.NoError(t, engine.Run(step("== trial B")))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "# merged\n== trial A\n1,2\n== trial B\n1,2\n", string(data))
}

func TestMergeJSONAccumulates(t *testing.T) {
	engine, guestDir := testEngine(t)
	dst := filepath.Join(t.TempDir(), "meta.json")

	require.NoError(t, os.WriteFile(filepath.Join(guestDir, "a.json"), []byte(`{"x":1}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(guestDir, "b.json"), []byte(`{"x":2}`), 0o644))

	require.NoError(t, engine.Run([]Step{{Kind: KindMergeJSON, MergeJSON: &MergeJSON{Tag: "A", Src: "a.json", Dst: dst}}}))
	require.NoError(t, engine.Run([]Step{{Kind: KindMergeJSON, MergeJSON: &MergeJSON{Tag: "B", Src: "b.json", Dst: dst}}}))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.JSONEq(t, `{"A":{"x":1},"B":{"x":2}}`, string(data))
}

func TestInputPatternVerifier(t *testing.T) {
	engine, guestDir := testEngine(t, vars.KeyValue{Key: "TAG", Value: "TAG0"})

	crashDir := filepath.Join(guestDir, "crashes")
	require.NoError(t, os.MkdirAll(crashDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(crashDir, "README.txt"), []byte("ignore me"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(crashDir, "id:000001,time1234,sig:06"), []byte("AAAArest"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(crashDir, "id:000002,time2345,sig:11"), []byte("BBBBrest"), 0o644))

	dst := filepath.Join(t.TempDir(), "bugs.csv")
	err := engine.Run([]Step{{Kind: KindPatternVerifier, PatternVerifier: &PatternVerifier{
		CrashDir: crashDir,
		Dst:      dst,
		Patterns: []Pattern{
			{Key: "crash-A", Offset: 0, Bytes: Bytes("AAAA")},
			{Key: "crash-B", Offset: 0, Bytes: Bytes("BBBB")},
		},
	}}})
	require.NoError(t, err)

	file, err := os.Open(dst)
	require.NoError(t, err)
	defer file.Close()

	content, err := io.ReadAll(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "tag,bug_id,time", lines[0])
	assert.Equal(t, "TAG0,none,0", lines[1])
	assert.Equal(t, "TAG0,crash-A,1234", lines[2])
	assert.Equal(t, "TAG0,crash-B,2345", lines[3])
}

func TestSaveAflPlotData(t *testing.T) {
	engine, guestDir := testEngine(t, vars.KeyValue{Key: "TAG", Value: "T"})

	workdir := filepath.Join(guestDir, "fuzz")
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "default"), 0o755))
	plot := "# header comment\n" +
		"0, 0, 0, 1, 1, 1, 0.05%, 0, 0, 1, 0.00, 1, 52\n" +
		"30, 1, 2, 3, 4, 5, 1.00%, 6, 7, 8, 9.5, 10, 11\n"
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "default", "plot_data"), []byte(plot), 0o644))

	dst := filepath.Join(t.TempDir(), "plot.csv")
	err := engine.Run([]Step{{Kind: KindSaveAflPlotV4, SaveAflPlotV4: &SaveAflPlotV4{
		Workdir: workdir, Dst: dst,
	}}})
	require.NoError(t, err)

	file, err := os.Open(dst)
	require.NoError(t, err)
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "tag", records[0][0])
	assert.Equal(t, []string{"T", "30", "1", "2", "3", "4", "5", "100", "6", "7", "8", "9.5", "10", "11"}, records[2])
}

func TestRunHost(t *testing.T) {
	engine, _ := testEngine(t)
	out := filepath.Join(t.TempDir(), "host.txt")

	err := engine.Run([]Step{{Kind: KindRunHost, RunHost: &RunHost{
		Command: "/bin/sh -c 'echo host-side'",
		Stdout:  out,
	}}})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "host-side\n", string(data))
}
