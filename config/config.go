package config

import (
	"bytes"
	"io"
	"log"
	"os"

	"github.com/b0tShaman/neuro-mlp/ml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Data sources understood by the demo driver.
const (
	SourceBlobs  = "blobs"
	SourceIDX    = "idx"
	SourceCSV    = "csv"
	SourceImages = "images"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Data     DataConfig     `yaml:"data"`
}

type ModelConfig struct {
	InputSize    int     `yaml:"input_size"`
	OutputSize   int     `yaml:"output_size"`
	HiddenLayers []int   `yaml:"hidden_layers"`
	Activation   string  `yaml:"activation"`
	Dropout      float64 `yaml:"dropout"`
}

type TrainingConfig struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Optimizer    string  `yaml:"optimizer"`
	MomentumMu   float64 `yaml:"momentum_mu"`
	AdamBeta1    float64 `yaml:"adam_beta1"`
	AdamBeta2    float64 `yaml:"adam_beta2"`
	AdamEps      float64 `yaml:"adam_eps"`
	Seed         uint64  `yaml:"seed"`
	VerboseEvery int     `yaml:"verbose_every"`
	ModelPath    string  `yaml:"model_path"`
}

type DataConfig struct {
	Source      string  `yaml:"source"`
	TrainImages string  `yaml:"train_images"`
	TrainLabels string  `yaml:"train_labels"`
	CSVPath     string  `yaml:"csv_path"`
	ImageDir    string  `yaml:"image_dir"`
	ImageWidth  int     `yaml:"image_width"`
	ImageHeight int     `yaml:"image_height"`
	Samples     int     `yaml:"samples"` // blobs only
	Spread      float64 `yaml:"spread"`  // blobs only
	ValFraction float64 `yaml:"val_fraction"`
	Normalize   bool    `yaml:"normalize"`
	Shuffle     bool    `yaml:"shuffle"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Optimizer    string
	Seed         uint64
	ModelPath    string
	DataSource   string
}

// Default returns a config that trains the MNIST-sized classifier on
// synthetic data.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			InputSize:    784,
			OutputSize:   10,
			HiddenLayers: []int{512, 256, 128},
			Activation:   "relu",
		},
		Training: TrainingConfig{
			Epochs:       2,
			BatchSize:    64,
			LearningRate: 0.001,
			Optimizer:    string(ml.OptAdam),
			Seed:         1,
			VerboseEvery: 1,
		},
		Data: DataConfig{
			Source:      SourceBlobs,
			ImageWidth:  28,
			ImageHeight: 28,
			Samples:     2000,
			Spread:      0.5,
			ValFraction: 0.1,
			Shuffle:     true,
		},
	}
}

// Load reads and validates a Config from YAML. Keys that are absent keep
// their Default values; unknown keys are rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}

	cfg, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default without validating.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Epochs > 0 {
		c.Training.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Training.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.Training.LearningRate = o.LearningRate
	}
	if o.Optimizer != "" {
		c.Training.Optimizer = o.Optimizer
	}
	if o.Seed != 0 {
		c.Training.Seed = o.Seed
	}
	if o.ModelPath != "" {
		c.Training.ModelPath = o.ModelPath
	}
	if o.DataSource != "" {
		c.Data.Source = o.DataSource
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	m := c.Model
	if m.InputSize <= 0 {
		return errors.Errorf("model.input_size must be > 0 (got %d)", m.InputSize)
	}
	if m.OutputSize <= 0 {
		return errors.Errorf("model.output_size must be > 0 (got %d)", m.OutputSize)
	}
	for i, h := range m.HiddenLayers {
		if h <= 0 {
			return errors.Errorf("model.hidden_layers[%d] must be > 0 (got %d)", i, h)
		}
	}
	if _, err := ml.ParseActivation(m.Activation); err != nil {
		return errors.Wrap(err, "model.activation")
	}
	if m.Dropout < 0 || m.Dropout >= 1 {
		return errors.Errorf("model.dropout must be in [0, 1) (got %g)", m.Dropout)
	}

	t := c.Training
	if t.Epochs <= 0 {
		return errors.Errorf("training.epochs must be > 0 (got %d)", t.Epochs)
	}
	if t.BatchSize <= 0 {
		return errors.Errorf("training.batch_size must be > 0 (got %d)", t.BatchSize)
	}
	if t.LearningRate <= 0 {
		return errors.Errorf("training.learning_rate must be > 0 (got %g)", t.LearningRate)
	}
	switch ml.OptimizerType(t.Optimizer) {
	case ml.OptSGD, ml.OptMomentum, ml.OptAdam:
	default:
		return errors.Errorf("training.optimizer: unknown optimizer %q", t.Optimizer)
	}

	d := c.Data
	switch d.Source {
	case SourceBlobs:
		if d.Samples <= 0 {
			return errors.Errorf("data.samples must be > 0 (got %d)", d.Samples)
		}
	case SourceIDX:
		if d.TrainImages == "" || d.TrainLabels == "" {
			return errors.New("data.train_images and data.train_labels are required for idx data")
		}
	case SourceCSV:
		if d.CSVPath == "" {
			return errors.New("data.csv_path is required for csv data")
		}
	case SourceImages:
		if d.ImageDir == "" {
			return errors.New("data.image_dir is required for image data")
		}
		if d.ImageWidth*d.ImageHeight != m.InputSize {
			return errors.Errorf("data.image_width*image_height = %d does not match model.input_size %d",
				d.ImageWidth*d.ImageHeight, m.InputSize)
		}
	default:
		return errors.Errorf("data.source: unknown source %q", d.Source)
	}
	if d.ValFraction < 0 || d.ValFraction >= 1 {
		return errors.Errorf("data.val_fraction must be in [0, 1) (got %g)", d.ValFraction)
	}
	return nil
}

// ModelOptions returns the ml options matching the model section.
func (c *Config) ModelOptions() []ml.ModelOption {
	return []ml.ModelOption{
		ml.Dropout(c.Model.Dropout),
		ml.Activation(c.Model.Activation),
	}
}

// ToTrainingConfig maps the training section onto ml.TrainingConfig.
func (c *Config) ToTrainingConfig(logger *log.Logger) ml.TrainingConfig {
	t := c.Training
	if t.VerboseEvery <= 0 {
		t.VerboseEvery = 1
	}
	return ml.TrainingConfig{
		Epochs:       t.Epochs,
		BatchSize:    t.BatchSize,
		LearningRate: t.LearningRate,
		ModelPath:    t.ModelPath,
		VerboseEvery: t.VerboseEvery,
		Seed:         t.Seed,
		Optimizer:    ml.OptimizerType(t.Optimizer),
		MomentumMu:   t.MomentumMu,
		AdamBeta1:    t.AdamBeta1,
		AdamBeta2:    t.AdamBeta2,
		AdamEps:      t.AdamEps,
		Logger:       logger,
	}
}
