package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/campaign"
	"github.com/cuemby/burrow/pkg/cancel"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/firecracker"
	"github.com/cuemby/burrow/pkg/imagebuilder"
	"github.com/cuemby/burrow/pkg/journal"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/steps"
	"github.com/cuemby/burrow/pkg/vars"
	"github.com/cuemby/burrow/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig      string
	flagWorkers     int
	flagBackend     string
	flagMetricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - Distributed benchmark harness for fuzzing experiments",
	Long: `Burrow expands a benchmark campaign into independent trials and runs
each one inside an isolated guest (firecracker microVM, docker container,
or a local process), collecting artifacts back onto the host.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.toml", "Path to the config file")
	rootCmd.PersistentFlags().IntVarP(&flagWorkers, "workers", "w", 1, "Number of workers to use for running benchmarks")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "firecracker", "Worker backend (local, firecracker, docker, dummy)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cobra.OnInitialize(initLogging, cancel.Init)

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(benchLegacyCmd)
	rootCmd.AddCommand(journalCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	if level == "" {
		level = os.Getenv("BURROW_LOG")
	}
	if level == "" {
		level = "info"
	}
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: logJSON,
	})
}

// loadConfig reads the configuration and makes sure the cache dir exists.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating cache directory %s: %w", cfg.CacheDir, err)
	}
	return cfg, nil
}

// loadExpander registers every configured template file.
func loadExpander(cfg *config.Config) (*campaign.Expander, error) {
	templates := make(map[string]string, len(cfg.Templates))
	for name, path := range cfg.Templates {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error loading template %s from %s: %w", name, path, err)
		}
		templates[name] = string(data)
	}
	return campaign.NewExpander(templates)
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build any un-cached images and data",
	Long: `Materialize every configured disk image into the cache directory.

Image builds mount file systems and therefore usually require root
permissions; run builds separately from benchmarks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return imagebuilder.BuildAll(cfg.Data.Images, cfg.ImageNames(), cfg.Cache())
	},
}

var debugCmd = &cobra.Command{
	Use:   "debug <instance>",
	Short: "Run an interactive shell inside the target instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		instances, err := worker.FirecrackerInstances(cfg)
		if err != nil {
			return err
		}
		instance, ok := instances[args[0]]
		if !ok {
			return fmt.Errorf("unknown instance: %s", args[0])
		}
		return firecracker.SpawnDebugVM(instance)
	},
}

var expandCmd = &cobra.Command{
	Use:   "expand <benchmark>",
	Short: "Expand a benchmark description and print the trial list",
	Long: `Render a campaign document to its expanded trial list and print it to
stderr. The argument is a campaign file path, or the document itself.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		expander, err := loadExpander(cfg)
		if err != nil {
			return err
		}

		document := args[0]
		if data, err := os.ReadFile(document); err == nil {
			document = string(data)
		}

		specs, err := expander.Expand(document)
		if err != nil {
			return err
		}
		rendered, err := yaml.Marshal(specs)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s", rendered)
		return nil
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench [--dry-run] <path>",
	Short: "Run a benchmark campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		expander, err := loadExpander(cfg)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		document, err := expander.RenderString(string(data), nil)
		if err != nil {
			return fmt.Errorf("error rendering %s: %w", args[0], err)
		}
		specs, err := expander.Expand(document)
		if err != nil {
			return err
		}

		tasks, err := specsToTasks(cfg, specs)
		if err != nil {
			return err
		}

		numWorkers := flagWorkers
		if len(tasks) < numWorkers {
			numWorkers = len(tasks)
		}
		estimate, err := worker.EstimateTotalDuration(tasks, numWorkers)
		if err != nil {
			return err
		}
		log.Logger.Info().Msgf(
			"%d tasks running on %d workers. Estimated time: %s",
			len(tasks), numWorkers, steps.HumanDuration(estimate),
		)

		if dryRun {
			return nil
		}
		return runTasks(cfg, tasks)
	},
}

func init() {
	benchCmd.Flags().Bool("dry-run", false, "Print information about the benchmark without running it")
}

var benchLegacyCmd = &cobra.Command{
	Use:   "bench-legacy <id> <trials> <tasks>",
	Short: "Run trials of the named config tasks (older one-shot mode)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		trials, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid trial count %q: %w", args[1], err)
		}

		var tasks []*steps.Task
		for _, name := range splitTaskList(args[2]) {
			taskConfig, err := cfg.Task(name)
			if err != nil {
				log.Logger.Error().Err(err).Str("task", name).Msg("Error resolving task")
				continue
			}
			parsed, err := taskConfig.ParseSteps()
			if err != nil {
				return fmt.Errorf("task %s: %w", name, err)
			}
			taskVars, err := config.ParseVars(taskConfig.Vars)
			if err != nil {
				return fmt.Errorf("task %s: %w", name, err)
			}
			globals, err := config.ParseVars(cfg.Vars)
			if err != nil {
				return err
			}

			for i := 0; i < trials; i++ {
				assignments := []vars.KeyValue{{Key: "BENCH_ID", Value: args[0]}}
				assignments = append(assignments, globals...)
				assignments = append(assignments,
					vars.KeyValue{Key: "TRIAL", Value: strconv.Itoa(i)},
					vars.KeyValue{Key: "TASK_NAME", Value: name},
				)
				assignments = append(assignments, taskVars...)

				tasks = append(tasks, &steps.Task{
					Name:     name,
					Instance: taskConfig.Instance,
					Vars:     assignments,
					Steps:    parsed,
				})
			}
		}

		return runTasks(cfg, tasks)
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal [run-id]",
	Short: "Show recorded trial outcomes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := filepath.Join(cfg.CacheDir, "journal.db")

		if len(args) == 0 {
			runs, err := journal.Runs(path)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Println(run)
			}
			return nil
		}

		entries, err := journal.Entries(path, args[0])
		if err != nil {
			return err
		}
		for _, entry := range entries {
			line := fmt.Sprintf(
				"%s  %-10s %-16s %-12s %s",
				entry.Start.Format("2006-01-02 15:04:05"),
				entry.Outcome, entry.Task, entry.Worker, entry.Duration.Round(time.Second),
			)
			if entry.Error != "" {
				line += "  " + entry.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

// specsToTasks binds rendered trial descriptors to runnable tasks with the
// global variables prepended.
func specsToTasks(cfg *config.Config, specs []campaign.TaskSpec) ([]*steps.Task, error) {
	globals, err := config.ParseVars(cfg.Vars)
	if err != nil {
		return nil, err
	}

	tasks := make([]*steps.Task, 0, len(specs))
	for i, spec := range specs {
		assignments := append([]vars.KeyValue(nil), globals...)
		assignments = append(assignments, spec.Vars...)

		tasks = append(tasks, &steps.Task{
			Name:     fmt.Sprintf("task-%d", i),
			Instance: spec.Instance,
			Vars:     assignments,
			Steps:    spec.Tasks,
		})
	}
	return tasks, nil
}

// runTasks drives the pool to completion over the task list.
func runTasks(cfg *config.Config, tasks []*steps.Task) error {
	backend, err := worker.ParseBackendKind(flagBackend)
	if err != nil {
		return err
	}

	pool, err := worker.StartWorkers(cfg, backend, flagWorkers)
	if err != nil {
		return err
	}

	runID := uuid.NewString()[:8]
	runJournal, err := journal.Open(filepath.Join(cfg.CacheDir, "journal.db"), runID)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("Journal disabled")
	} else {
		defer runJournal.Close()
		pool.OnOutcome(runJournal.Record)
		log.Logger.Info().Str("run_id", runID).Msg("Recording trial outcomes")
	}

	pool.OnOutcome(metrics.RecordOutcome)
	metrics.Workers.Set(float64(pool.Workers()))
	if flagMetricsAddr != "" {
		metrics.Serve(flagMetricsAddr)
	}

	for _, task := range tasks {
		if err := pool.AddTask(task); err != nil {
			pool.Wait()
			return err
		}
		metrics.TasksSubmitted.Inc()
	}
	log.Logger.Info().Msg("All pending tasks started")

	pool.Wait()
	log.Logger.Info().Msg("All tasks complete")
	return nil
}

// splitTaskList parses the comma or newline separated task-name list,
// skipping blanks and comments.
func splitTaskList(raw string) []string {
	var out []string
	for _, name := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	}) {
		name = strings.TrimSpace(name)
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		out = append(out, name)
	}
	return out
}
