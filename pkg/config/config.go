// Package config loads the controller configuration: cache location,
// variables, guest instance blueprints, image sources, task definitions,
// and template registrations. The main file is TOML (config.toml by
// default); step sequences inside it are embedded YAML, the same syntax the
// campaign templates render to.
package config

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/firecracker"
	"github.com/cuemby/burrow/pkg/imagebuilder"
	"github.com/cuemby/burrow/pkg/steps"
	"github.com/cuemby/burrow/pkg/vars"
)

// Config is the root configuration document.
type Config struct {
	// Vars are global KEY=VALUE assignments prepended to every trial.
	Vars []string `mapstructure:"vars"`

	// CacheDir holds images, binaries, and worker directories.
	CacheDir string `mapstructure:"cache_dir"`

	// SkipValidation trusts existing images without checking their sources.
	SkipValidation bool `mapstructure:"skip_validation"`

	// DisableImageCache forces image rebuilds.
	DisableImageCache bool `mapstructure:"disable_image_cache"`

	// Include names further config files merged into this one.
	Include []string `mapstructure:"include"`

	// Templates maps template names to files for the campaign expander.
	Templates map[string]string `mapstructure:"templates"`

	LocalWorker *LocalWorkerConfig `mapstructure:"local_worker"`
	Firecracker *FirecrackerConfig `mapstructure:"firecracker"`

	Data Data `mapstructure:",squash"`
}

// Data is the mergeable portion of the configuration.
type Data struct {
	Images    map[string]*imagebuilder.Source  `mapstructure:"images"`
	Instances map[string]*InstanceConfig       `mapstructure:"instances"`
	Tasks     map[string]*TaskConfig           `mapstructure:"tasks"`
	Docker    map[string]*DockerInstanceConfig `mapstructure:"docker"`
}

// LocalWorkerConfig configures the in-process backend.
type LocalWorkerConfig struct {
	Workdir string `mapstructure:"workdir"`
}

// FirecrackerConfig locates the firecracker binary and kernel.
type FirecrackerConfig struct {
	URL    string       `mapstructure:"url"`
	SHA256 string       `mapstructure:"sha256"`
	Path   string       `mapstructure:"path"`
	Kernel KernelConfig `mapstructure:"kernel"`
}

// KernelConfig locates the kernel image and its boot parameters.
type KernelConfig struct {
	URL      string   `mapstructure:"url"`
	SHA256   string   `mapstructure:"sha256"`
	Path     string   `mapstructure:"path"`
	BootArgs string   `mapstructure:"boot_args"`
	Entropy  []uint32 `mapstructure:"entropy"`
}

// DriveRef binds a named drive to a configured image and mount mode.
type DriveRef struct {
	Name    string `mapstructure:"name"`
	Image   string `mapstructure:"image"`
	MountAs string `mapstructure:"mount_as"`
}

// InstanceConfig is a guest environment blueprint.
type InstanceConfig struct {
	BootDelaySec    *uint64                   `mapstructure:"boot_delay_sec"`
	Machine         firecracker.MachineConfig `mapstructure:"machine"`
	Rootfs          DriveRef                  `mapstructure:"rootfs"`
	Drives          []DriveRef                `mapstructure:"drives"`
	RecreateWorkdir *bool                     `mapstructure:"recreate_workdir"`
}

// BootDelaySeconds defaults to 5.
func (c *InstanceConfig) BootDelaySeconds() uint64 {
	if c.BootDelaySec == nil {
		return 5
	}
	return *c.BootDelaySec
}

// ShouldRecreateWorkdir defaults to true.
func (c *InstanceConfig) ShouldRecreateWorkdir() bool {
	return c.RecreateWorkdir == nil || *c.RecreateWorkdir
}

// DockerInstanceConfig is a container worker blueprint.
type DockerInstanceConfig struct {
	BuildPath string     `mapstructure:"build_path"`
	Mount     []DriveRef `mapstructure:"mount"`
}

// TaskConfig is one named task: an instance, its variables, and a step
// sequence embedded as YAML.
type TaskConfig struct {
	Instance string   `mapstructure:"instance"`
	Vars     []string `mapstructure:"vars"`
	Steps    string   `mapstructure:"steps"`
}

// ParseVars parses the KEY=VALUE variable list.
func ParseVars(raw []string) ([]vars.KeyValue, error) {
	out := make([]vars.KeyValue, 0, len(raw))
	for _, entry := range raw {
		kv, err := vars.ParseKeyValue(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, nil
}

// ParseSteps decodes the embedded step sequence.
func (t *TaskConfig) ParseSteps() ([]steps.Step, error) {
	var out []steps.Step
	if err := yaml.Unmarshal([]byte(t.Steps), &out); err != nil {
		return nil, fmt.Errorf("failed to parse steps: %w", err)
	}
	return out, nil
}

// Cache builds the image-builder cache view.
func (c *Config) Cache() imagebuilder.Cache {
	return imagebuilder.Cache{
		Dir:            c.CacheDir,
		SkipValidation: c.SkipValidation,
		DisableCache:   c.DisableImageCache,
	}
}

// Task looks up a named task.
func (c *Config) Task(name string) (*TaskConfig, error) {
	task, ok := c.Data.Tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %s not found", name)
	}
	return task, nil
}

// ImageNames returns the configured image names, sorted for deterministic
// builds.
func (c *Config) ImageNames() []string {
	names := make([]string, 0, len(c.Data.Images))
	for name := range c.Data.Images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DockerMountSource resolves the host-file source backing a docker mount
// image.
func (c *Config) DockerMountSource(image string) (*imagebuilder.HostSource, error) {
	source, ok := c.Data.Images[image]
	if !ok {
		return nil, fmt.Errorf("unknown image: %s", image)
	}
	if source.Kind != "host" {
		return nil, fmt.Errorf("docker image not supported for docker mounts")
	}
	return source.Host, nil
}

// Load reads the configuration at path and merges its includes.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := readInto(path, cfg); err != nil {
		return nil, err
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = ".burrow-cache"
	}

	base := filepath.Dir(path)
	for _, include := range cfg.Include {
		includePath := include
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(base, include)
		}

		extra := &Config{}
		if err := readInto(includePath, extra); err != nil {
			return nil, fmt.Errorf("error loading config from %s: %w", includePath, err)
		}
		if err := cfg.Data.merge(&extra.Data); err != nil {
			return nil, fmt.Errorf("error loading config from %s: %w", includePath, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readInto(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// merge folds other into d, rejecting redefinitions.
func (d *Data) merge(other *Data) error {
	if err := mergeMap(&d.Images, other.Images, "image"); err != nil {
		return err
	}
	if err := mergeMap(&d.Instances, other.Instances, "instance"); err != nil {
		return err
	}
	if err := mergeMap(&d.Tasks, other.Tasks, "task"); err != nil {
		return err
	}
	return mergeMap(&d.Docker, other.Docker, "docker")
}

func mergeMap[T any](dst *map[string]T, src map[string]T, kind string) error {
	if *dst == nil {
		*dst = make(map[string]T, len(src))
	}
	for key, value := range src {
		if _, exists := (*dst)[key]; exists {
			return fmt.Errorf("redefinition of %s %s", kind, key)
		}
		(*dst)[key] = value
	}
	return nil
}

// validate applies the checks that must abort the run before any work
// starts.
func (c *Config) validate() error {
	for name, source := range c.Data.Images {
		if source == nil {
			return fmt.Errorf("image %s: empty definition", name)
		}
		if err := source.Validate(); err != nil {
			return fmt.Errorf("image %s: %w", name, err)
		}
	}
	for name, instance := range c.Data.Instances {
		if _, err := firecracker.ParseMountKind(instance.Rootfs.MountAs); err != nil {
			return fmt.Errorf("instance %s rootfs: %w", name, err)
		}
		for _, drive := range instance.Drives {
			if _, err := firecracker.ParseMountKind(drive.MountAs); err != nil {
				return fmt.Errorf("instance %s drive %s: %w", name, drive.Name, err)
			}
		}
	}
	return nil
}
