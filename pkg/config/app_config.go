// Package config handles the kernel's tunable constants. The fields here are
// all in PascalCase but in your actual config.yml they'll be in camelCase.
// You can view the default config with `kernelns --config`.
// Because of the way we merge your user config with the defaults you may need
// to be careful: if you set a yaml key but give it no child values, it will
// scrap all of the defaults for that section.
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/imdario/mergo"
	yaml "github.com/jesseduffield/yaml"
)

// KernelConfig holds the tunable capacity constants and timing parameters
// that size the process/namespace tables and pace the tick source. These
// are deliberately typed config fields rather than untyped constants so
// tests can shrink them to cheaply exercise boundary conditions (NPROC+1
// allocation failure, MAXDEPTH clone exhaustion, and so on).
type KernelConfig struct {
	// NPROC is the fixed capacity of the process table.
	NPROC int `yaml:"nproc,omitempty"`

	// NUMNS is the fixed capacity of the namespace table.
	NUMNS int `yaml:"numns,omitempty"`

	// MAXDEPTH bounds namespace nesting; clone at depth MAXDEPTH-1 is the
	// deepest permitted, the next one fails.
	MAXDEPTH int `yaml:"maxdepth,omitempty"`

	// NOFILE bounds the per-process open-file-handle vector.
	NOFILE int `yaml:"nofile,omitempty"`

	// NameSize is the fixed width, in bytes, of a process name on the wire.
	NameSize int `yaml:"nameSize,omitempty"`

	// StateSize is the fixed width, in bytes, of a state string on the wire.
	StateSize int `yaml:"stateSize,omitempty"`

	// PGSIZE is the page size reported by the memory collaborator.
	PGSIZE int `yaml:"pgsize,omitempty"`

	// NumCPU is the number of per-CPU scheduler loops to run.
	NumCPU int `yaml:"numCPU,omitempty"`

	// ClockHz is the rate, in ticks per second, the tick source advances at
	// when driven by its own background goroutine (tests usually advance
	// the clock directly instead and ignore this field).
	ClockHz int `yaml:"clockHz,omitempty"`

	// SchedulerPoll is how long a per-CPU loop sleeps between full scans of
	// the process table when it finds nothing runnable.
	SchedulerPoll time.Duration `yaml:"schedulerPoll,omitempty"`
}

// GetDefaultConfig returns the kernel's default configuration. NOTE (to
// contributors, not users): do not default a boolean to true, because false
// is the boolean zero value and this will be ignored when parsing the
// user's config.
func GetDefaultConfig() KernelConfig {
	return KernelConfig{
		NPROC:         64,
		NUMNS:         16,
		MAXDEPTH:      8,
		NOFILE:        16,
		NameSize:      16,
		StateSize:     16,
		PGSIZE:        4096,
		NumCPU:        4,
		ClockHz:       100,
		SchedulerPoll: time.Millisecond,
	}
}

// AppConfig contains the base configuration fields required for kernelns.
type AppConfig struct {
	Debug       bool `long:"debug" env:"DEBUG" default:"false"`
	Version     string
	Commit      string
	BuildDate   string
	Name        string
	BuildSource string
	KernelConfig *KernelConfig
	ConfigDir   string
	ProjectDir  string
}

// NewAppConfig makes a new app config, loading (and creating, if absent) the
// user's kernelns.yml from the XDG config directory and merging it over the
// built-in defaults.
func NewAppConfig(name, version, commit, date string, buildSource string, debuggingFlag bool, projectDir string) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	kernelConfig, err := loadKernelConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	appConfig := &AppConfig{
		Name:         name,
		Version:      version,
		Commit:       commit,
		BuildDate:    date,
		Debug:        debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource:  buildSource,
		KernelConfig: kernelConfig,
		ConfigDir:    configDir,
		ProjectDir:   projectDir,
	}

	return appConfig, nil
}

func configDirForVendor(vendor string, projectName string) string {
	envConfigDir := os.Getenv("CONFIG_DIR")
	if envConfigDir != "" {
		return envConfigDir
	}
	configDirs := xdg.New(vendor, projectName)
	return configDirs.ConfigHome()
}

func configDir(projectName string) string {
	return configDirForVendor("", projectName)
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)

	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", err
	}

	return folder, nil
}

func loadKernelConfigWithDefaults(configDir string) (*KernelConfig, error) {
	defaults := GetDefaultConfig()
	return loadKernelConfig(configDir, &defaults)
}

// loadKernelConfig reads config.yml, unmarshals whatever the user has set
// into a fresh zero-value struct, then merges that partial struct over the
// supplied defaults so that unset fields fall back rather than zeroing out.
func loadKernelConfig(configDir string, base *KernelConfig) (*KernelConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	var override KernelConfig
	if err := yaml.Unmarshal(content, &override); err != nil {
		return nil, err
	}

	if err := mergo.Merge(base, override, mergo.WithOverride); err != nil {
		return nil, err
	}

	return base, nil
}

// WriteToUserConfig allows you to set a value on the user config to be
// saved. Note that if you set a zero-value, it may be ignored e.g. a false
// or 0 or empty string because we are using the omitempty yaml directive so
// that we don't write a heap of zero values to the user's config.yml.
func (c *AppConfig) WriteToUserConfig(updateConfig func(*KernelConfig) error) error {
	userConfig, err := loadKernelConfig(c.ConfigDir, &KernelConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return err
	}

	return yaml.NewEncoder(file).Encode(userConfig)
}

// ConfigFilename returns the filename of the current config file.
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}
