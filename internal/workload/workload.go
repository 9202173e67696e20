// Package workload runs the per-rank part of a DLIO-style read benchmark:
// it loads the workload description, finds and shards the dataset, and reads
// it batch by batch with simulated compute in between.
package workload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Workload errors.
var (
	ErrInvalidWorkload = errors.New("workload: invalid workload")
	ErrUnsupported     = errors.New("workload: unsupported")
	ErrNoFiles         = errors.New("workload: no input files")
	ErrUnknownStrategy = errors.New("workload: unknown shard strategy")
)

// Config is the subset of a DLIO workload YAML that drives a read run.
// Keys outside the subset are ignored so stock DLIO configs load.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Reader   ReaderConfig   `yaml:"reader"`
	Train    TrainConfig    `yaml:"train"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// ModelConfig names the workload.
type ModelConfig struct {
	Name string `yaml:"name"`
}

// WorkflowConfig selects phases. Only training reads are supported.
type WorkflowConfig struct {
	GenerateData bool  `yaml:"generate_data"`
	Train        *bool `yaml:"train"`
	Checkpoint   bool  `yaml:"checkpoint"`
}

// DatasetConfig describes where the data lives.
type DatasetConfig struct {
	DataFolder    string `yaml:"data_folder"`
	Format        string `yaml:"format"`
	NumFilesTrain int    `yaml:"num_files_train"`
}

// ReaderConfig controls how files are read.
type ReaderConfig struct {
	BatchSize   int `yaml:"batch_size"`
	ReadThreads int `yaml:"read_threads"`
}

// TrainConfig controls the training loop.
type TrainConfig struct {
	Epochs int `yaml:"epochs"`
	// ComputationTime is the simulated compute per batch, in seconds.
	ComputationTime float64 `yaml:"computation_time"`
}

// Load reads and validates a workload YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read workload: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	cfg.Path = path

	return cfg, nil
}

// Parse decodes a workload YAML document, fills defaults and validates it.
func Parse(data []byte) (Config, error) {
	var cfg Config

	err := yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidWorkload, err)
	}

	if cfg.Reader.BatchSize == 0 {
		cfg.Reader.BatchSize = 1
	}

	if cfg.Reader.ReadThreads == 0 {
		cfg.Reader.ReadThreads = 1
	}

	if cfg.Train.Epochs == 0 {
		cfg.Train.Epochs = 1
	}

	err = cfg.validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Workflow.GenerateData:
		return fmt.Errorf("%w: workflow.generate_data", ErrUnsupported)
	case c.Workflow.Checkpoint:
		return fmt.Errorf("%w: workflow.checkpoint", ErrUnsupported)
	case c.Reader.BatchSize < 0:
		return fmt.Errorf("%w: reader.batch_size %d < 0", ErrInvalidWorkload, c.Reader.BatchSize)
	case c.Reader.ReadThreads < 0:
		return fmt.Errorf("%w: reader.read_threads %d < 0", ErrInvalidWorkload, c.Reader.ReadThreads)
	case c.Train.Epochs < 0:
		return fmt.Errorf("%w: train.epochs %d < 0", ErrInvalidWorkload, c.Train.Epochs)
	case c.Train.ComputationTime < 0:
		return fmt.Errorf("%w: train.computation_time %v < 0", ErrInvalidWorkload, c.Train.ComputationTime)
	case c.Dataset.NumFilesTrain < 0:
		return fmt.Errorf("%w: dataset.num_files_train %d < 0", ErrInvalidWorkload, c.Dataset.NumFilesTrain)
	}

	return nil
}

// Trains reports whether the workflow includes the training phase.
func (c Config) Trains() bool { return c.Workflow.Train == nil || *c.Workflow.Train }

// Name is model.name, or the config file's stem when the model is unnamed.
func (c Config) Name() string {
	if c.Model.Name != "" {
		return c.Model.Name
	}

	if c.Path == "" {
		return "workload"
	}

	base := filepath.Base(c.Path)

	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Compute is the simulated compute time per batch.
func (c Config) Compute() time.Duration {
	return time.Duration(c.Train.ComputationTime * float64(time.Second))
}

// DefaultPattern is the discovery pattern for the dataset format.
func (c Config) DefaultPattern() string {
	if c.Dataset.Format == "" {
		return "**/*"
	}

	return "**/*." + c.Dataset.Format
}

// CoordinationID is the default id of the group running this workload.
func CoordinationID(name string, worldSize uint32) string {
	return fmt.Sprintf("dlio_%s_%d", name, worldSize)
}

// Limit trims files to dataset.num_files_train when it is set.
func (c Config) Limit(files []string) []string {
	if c.Dataset.NumFilesTrain > 0 && len(files) > c.Dataset.NumFilesTrain {
		return files[:c.Dataset.NumFilesTrain]
	}

	return files
}
