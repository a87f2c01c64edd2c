package steps

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind names one arm of the step variant.
type Kind string

const (
	KindExitIfExisting  Kind = "exit_if_existing"
	KindSaveEnv         Kind = "save_env"
	KindRun             Kind = "run"
	KindSpawnTask       Kind = "spawn_task"
	KindResultCollector Kind = "result_collector"
	KindSleep           Kind = "sleep"
	KindKill            Kind = "kill"
	KindCopyFile        Kind = "copy_file"
	KindCopyDir         Kind = "copy_dir"
	KindMergeWithPrefix Kind = "merge_with_prefix"
	KindMergeJSON       Kind = "merge_json"
	KindRunHost         Kind = "run_host"
	KindPatternVerifier Kind = "input_pattern_verifier"
	KindSaveAflPlotV4   Kind = "save_tagged_afl_plot_data_v4"
	KindTaskList        Kind = "task_list"
)

// Step is the tagged variant: exactly one arm is set, matching Kind. In YAML
// a step is a single-key mapping, e.g.
//
//	- run: {command: "./fuzz -i in", duration: 24h}
//	- copy_dir: {src: "out/crashes", dst: "{DATA}/crashes.tar.gz", archive: true}
type Step struct {
	Kind Kind

	ExitIfExisting  *ExitIfExisting
	SaveEnv         *SaveEnv
	Run             *Run
	SpawnTask       *SpawnTask
	ResultCollector *ResultCollector
	Sleep           *Sleep
	Kill            *Kill
	CopyFile        *CopyFile
	CopyDir         *CopyDir
	MergeWithPrefix *MergeWithPrefix
	MergeJSON       *MergeJSON
	RunHost         *RunHost
	PatternVerifier *PatternVerifier
	SaveAflPlotV4   *SaveAflPlotV4
	TaskList        *TaskList
}

// ExitIfExisting fails the trial when the host path already exists, guarding
// against overwriting results from a prior run.
type ExitIfExisting struct {
	Path string `yaml:"path"`
}

// SaveEnv writes the current variables to a guest file as KEY=VALUE lines.
type SaveEnv struct {
	Path string `yaml:"path"`
}

// Run starts a command in the guest. Without a duration it waits for the
// command to exit; with one it supervises the command and stops it when the
// duration elapses.
type Run struct {
	Command  string   `yaml:"command"`
	Stdout   string   `yaml:"stdout"`
	Stderr   string   `yaml:"stderr"`
	Duration Duration `yaml:"duration"`
}

// SpawnTask starts a background command and records its pid under Key.
type SpawnTask struct {
	Key     string `yaml:"key"`
	Command string `yaml:"command"`
	Stdout  string `yaml:"stdout"`
	Stderr  string `yaml:"stderr"`
}

// ResultCollector runs a command and writes its stdout to a host file. Any
// non-success exit fails the trial.
type ResultCollector struct {
	Command string `yaml:"command"`
	Dst     string `yaml:"dst"`
}

// Sleep pauses the trial, waking early on cancellation.
type Sleep struct {
	Seconds float64 `yaml:"seconds"`
}

// Kill signals previously spawned tasks by key.
type Kill struct {
	Signal int32    `yaml:"signal"`
	Tasks  []string `yaml:"tasks"`
}

// CopyFile pulls one guest file to a host path.
type CopyFile struct {
	Src    string `yaml:"src"`
	Dst    string `yaml:"dst"`
	Append *bool  `yaml:"append"`
}

// ShouldAppend defaults to true.
func (c *CopyFile) ShouldAppend() bool {
	return c.Append == nil || *c.Append
}

// CopyDir pulls a guest directory tree to a host folder, or into a
// gzip-compressed tar archive when Archive is set.
type CopyDir struct {
	Src     string `yaml:"src"`
	Dst     string `yaml:"dst"`
	Archive bool   `yaml:"archive"`
}

// MergeWithPrefix appends a guest file to a shared host file, writing the
// header once and a prefix line before the data.
type MergeWithPrefix struct {
	Prefix string `yaml:"prefix"`
	Header string `yaml:"header"`
	Src    string `yaml:"src"`
	Dst    string `yaml:"dst"`
}

// MergeJSON inserts the parsed guest file under Tag in the host JSON map at
// Dst.
type MergeJSON struct {
	Tag string `yaml:"tag"`
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`
}

// RunHost runs a command on the host, for glue around guest work.
type RunHost struct {
	Command string `yaml:"command"`
	Stdout  string `yaml:"stdout"`
	Stderr  string `yaml:"stderr"`
}

// Pattern identifies a bug by a byte pattern at a fixed offset of the
// crashing input.
type Pattern struct {
	Key    string `yaml:"key"`
	Offset int    `yaml:"offset"`
	Bytes  Bytes  `yaml:"bytes"`
}

// PatternVerifier triages a crash directory by input patterns, appending
// (tag, bug_id, time) rows to a host CSV.
type PatternVerifier struct {
	CrashDir string    `yaml:"crash_dir"`
	Dst      string    `yaml:"dst"`
	Patterns []Pattern `yaml:"patterns"`
}

// SaveAflPlotV4 appends the guest's AFL++ v4 plot_data to a host CSV with
// the trial tag prepended to every row.
type SaveAflPlotV4 struct {
	Workdir string `yaml:"workdir"`
	Dst     string `yaml:"dst"`
}

// TaskList nests a step sequence, run with the same variable snapshot.
type TaskList struct {
	Tasks []Step `yaml:"tasks"`
}

// UnmarshalYAML decodes the single-key step mapping.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: a step must be a single-key mapping", node.Line)
	}

	var kind string
	if err := node.Content[0].Decode(&kind); err != nil {
		return fmt.Errorf("line %d: invalid step tag: %w", node.Line, err)
	}
	payload := node.Content[1]

	decode := func(target interface{}) error {
		if err := payload.Decode(target); err != nil {
			return fmt.Errorf("line %d: invalid %s step: %w", payload.Line, kind, err)
		}
		return nil
	}

	s.Kind = Kind(kind)
	switch s.Kind {
	case KindExitIfExisting:
		s.ExitIfExisting = &ExitIfExisting{}
		return decode(s.ExitIfExisting)
	case KindSaveEnv:
		s.SaveEnv = &SaveEnv{}
		return decode(s.SaveEnv)
	case KindRun:
		s.Run = &Run{}
		return decode(s.Run)
	case KindSpawnTask:
		s.SpawnTask = &SpawnTask{}
		return decode(s.SpawnTask)
	case KindResultCollector:
		s.ResultCollector = &ResultCollector{}
		return decode(s.ResultCollector)
	case KindSleep:
		s.Sleep = &Sleep{}
		return decode(s.Sleep)
	case KindKill:
		s.Kill = &Kill{}
		return decode(s.Kill)
	case KindCopyFile:
		s.CopyFile = &CopyFile{}
		return decode(s.CopyFile)
	case KindCopyDir:
		s.CopyDir = &CopyDir{}
		return decode(s.CopyDir)
	case KindMergeWithPrefix:
		s.MergeWithPrefix = &MergeWithPrefix{}
		return decode(s.MergeWithPrefix)
	case KindMergeJSON:
		s.MergeJSON = &MergeJSON{}
		return decode(s.MergeJSON)
	case KindRunHost:
		s.RunHost = &RunHost{}
		return decode(s.RunHost)
	case KindPatternVerifier:
		s.PatternVerifier = &PatternVerifier{}
		return decode(s.PatternVerifier)
	case KindSaveAflPlotV4:
		s.SaveAflPlotV4 = &SaveAflPlotV4{}
		return decode(s.SaveAflPlotV4)
	case KindTaskList:
		s.TaskList = &TaskList{}
		return decode(s.TaskList)
	}
	return fmt.Errorf("line %d: unknown step %q", node.Line, kind)
}

// EstimateDuration is the static wall-clock contribution of a step: timed
// runs contribute their duration, sleeps their time, nested lists recurse,
// everything else is instantaneous.
func (s Step) EstimateDuration() time.Duration {
	switch s.Kind {
	case KindRun:
		return time.Duration(s.Run.Duration)
	case KindSleep:
		return time.Duration(float64(time.Second) * s.Sleep.Seconds)
	case KindTaskList:
		var total time.Duration
		for _, sub := range s.TaskList.Tasks {
			total += sub.EstimateDuration()
		}
		return total
	}
	return 0
}

// EstimateTotal sums the static estimates of a step sequence.
func EstimateTotal(steps []Step) time.Duration {
	var total time.Duration
	for _, step := range steps {
		total += step.EstimateDuration()
	}
	return total
}

// Duration decodes from a bare number of seconds or a string with an h, m,
// or s style suffix ("24h", "90min", "1.5hours").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch value := raw.(type) {
	case int:
		*d = Duration(time.Duration(value) * time.Second)
		return nil
	case float64:
		*d = Duration(float64(time.Second) * value)
		return nil
	case string:
		parsed, err := ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("line %d: invalid duration: %v", node.Line, raw)
}

var durationSuffixes = []struct {
	names []string
	unit  time.Duration
}{
	{[]string{"hours", "hour", "hrs", "hr", "h"}, time.Hour},
	{[]string{"minutes", "minute", "mins", "min", "m"}, time.Minute},
	{[]string{"seconds", "second", "secs", "sec", "s"}, time.Second},
}

// ParseDuration parses a duration with a human suffix.
func ParseDuration(input string) (time.Duration, error) {
	trimmed := strings.TrimSpace(input)
	for _, suffix := range durationSuffixes {
		for _, name := range suffix.names {
			rest, ok := strings.CutSuffix(trimmed, name)
			if !ok {
				continue
			}
			value, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid time format: %q", input)
			}
			return time.Duration(float64(suffix.unit) * value), nil
		}
	}
	return 0, fmt.Errorf("invalid time format: %q", input)
}

// HumanDuration formats a duration as days/hours/mins/seconds for progress
// messages.
func HumanDuration(d time.Duration) string {
	seconds := int64(d.Seconds())
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds -= 60 * minutes
	minutes -= 60 * hours
	hours -= 24 * days

	var out strings.Builder
	if days != 0 {
		fmt.Fprintf(&out, "%d days ", days)
	}
	if hours != 0 {
		fmt.Fprintf(&out, "%d hours ", hours)
	}
	if minutes != 0 {
		fmt.Fprintf(&out, "%d mins ", minutes)
	}
	if seconds != 0 {
		fmt.Fprintf(&out, "%d seconds", seconds)
	}
	if out.Len() == 0 {
		return "0 seconds"
	}
	return strings.TrimSpace(out.String())
}

// Bytes decodes from either a YAML string or a list of byte values.
type Bytes []byte

func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err == nil {
		*b = []byte(text)
		return nil
	}
	var raw []int
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: bytes must be a string or byte list", node.Line)
	}
	out := make([]byte, len(raw))
	for i, value := range raw {
		if value < 0 || value > 255 {
			return fmt.Errorf("line %d: byte value %d out of range", node.Line, value)
		}
		out[i] = byte(value)
	}
	*b = out
	return nil
}
