// Package config turns flags, environment and an optional config file into
// one validated, immutable training configuration.
//
// Load is pure: it reads a *viper.Viper and returns a Config or an error,
// touching nothing on disk. Prepare creates the output directories.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/born-ml/supcon/internal/dataset"
	"github.com/born-ml/supcon/internal/device"
	"github.com/born-ml/supcon/internal/encoder"
	"github.com/born-ml/supcon/internal/objective"
	"github.com/born-ml/supcon/internal/schedule"
)

// EnvPrefix prefixes environment overrides, e.g. SUPCON_BATCH_SIZE.
const EnvPrefix = "SUPCON"

// WarmBatchThreshold forces warmup for batches larger than this.
const WarmBatchThreshold = 256

// DefaultDataFolder is the dataset root for sp when --data_folder is unset.
// rf has no default.
const DefaultDataFolder = "./datasets/"

var (
	ErrUnsupportedDataset   = errors.New("config: unsupported dataset")
	ErrMissingDatasetParams = errors.New("config: missing dataset parameters")
	ErrInvalidMilestones    = errors.New("config: invalid lr decay milestones")
	ErrInvalidValue         = errors.New("config: invalid value")
)

// Flag keys, shared by pflag, viper and the environment.
const (
	KeyPrintFreq     = "print_freq"
	KeySaveFreq      = "save_freq"
	KeyBatchSize     = "batch_size"
	KeyNumWorkers    = "num_workers"
	KeyEpochs        = "epochs"
	KeyLearningRate  = "learning_rate"
	KeyLRDecayEpochs = "lr_decay_epochs"
	KeyLRDecayRate   = "lr_decay_rate"
	KeyWeightDecay   = "weight_decay"
	KeyMomentum      = "momentum"
	KeyModel         = "model"
	KeyDataset       = "dataset"
	KeyMean          = "mean"
	KeyStd           = "std"
	KeyDataFolder    = "data_folder"
	KeySize          = "size"
	KeyMethod        = "method"
	KeyTemp          = "temp"
	KeyCosine        = "cosine"
	KeyWarm          = "warm"
	KeyTrial         = "trial"
	KeySeed          = "seed"
	KeyDevice        = "device"
	KeyStatsdAddr    = "statsd_addr"
	KeyResume        = "resume"
	KeySaveRoot      = "save_root"
	KeyLogLevel      = "log_level"
	KeyConfig        = "config"
)

// Config is the complete, validated training configuration. Derived fields
// are filled by Load and never change afterwards.
type Config struct {
	PrintFreq  int `json:"print_freq"`
	SaveFreq   int `json:"save_freq"`
	BatchSize  int `json:"batch_size"`
	NumWorkers int `json:"num_workers"`
	Epochs     int `json:"epochs"`

	LearningRate  float64 `json:"learning_rate"`
	LRDecayEpochs []int   `json:"lr_decay_epochs"`
	LRDecayRate   float64 `json:"lr_decay_rate"`
	WeightDecay   float64 `json:"weight_decay"`
	Momentum      float64 `json:"momentum"`

	Model      encoder.Kind `json:"model"`
	Dataset    dataset.Kind `json:"dataset"`
	Mean       []float32    `json:"mean,omitempty"`
	Std        []float32    `json:"std,omitempty"`
	DataFolder string       `json:"data_folder"`
	Size       int          `json:"size"`

	Method objective.Method `json:"method"`
	Temp   float64          `json:"temp"`

	Cosine     bool    `json:"cosine"`
	Warm       bool    `json:"warm"`
	WarmEpochs int     `json:"warm_epochs,omitempty"`
	WarmupFrom float64 `json:"warmup_from,omitempty"`
	WarmupTo   float64 `json:"warmup_to,omitempty"`

	Trial      string            `json:"trial"`
	Seed       uint64            `json:"seed"`
	Device     device.Preference `json:"device"`
	StatsdAddr string            `json:"statsd_addr,omitempty"`
	Resume     string            `json:"resume,omitempty"`
	LogLevel   string            `json:"log_level"`

	SaveRoot   string `json:"save_root"`
	ModelName  string `json:"model_name"`
	SaveFolder string `json:"save_folder"`
	TBFolder   string `json:"tb_folder"`
}

// RegisterFlags declares every configuration flag on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int(KeyPrintFreq, 10, "print frequency in steps")
	fs.Int(KeySaveFreq, 4, "checkpoint frequency in epochs")
	fs.Int(KeyBatchSize, 256, "batch size")
	fs.Int(KeyNumWorkers, 16, "number of data loading workers")
	fs.Int(KeyEpochs, 1000, "number of training epochs")

	fs.Float64(KeyLearningRate, 0.05, "base learning rate")
	fs.String(KeyLRDecayEpochs, "700,800,900", "comma-separated epochs where the learning rate decays")
	fs.Float64(KeyLRDecayRate, 0.1, "learning rate decay factor")
	fs.Float64(KeyWeightDecay, 1e-4, "weight decay")
	fs.Float64(KeyMomentum, 0.9, "SGD momentum")

	fs.String(KeyModel, encoder.CustomCNN.String(), "encoder: CustomCNN, CustomCNNmini or CustomCNNminidrop")
	fs.String(KeyDataset, dataset.SP.String(), "dataset: sp or rf")
	fs.String(KeyMean, "", "per-channel mean, e.g. \"(0.5,0.5,0.5)\" (required for rf)")
	fs.String(KeyStd, "", "per-channel std, e.g. \"(0.25,0.25,0.25)\" (required for rf)")
	fs.String(KeyDataFolder, "", "dataset root containing train/<class>/ (required for rf, default "+DefaultDataFolder+" for sp)")
	fs.Int(KeySize, 32, "crop size for rf (sp always crops 500)")

	fs.String(KeyMethod, objective.SupCon.String(), "objective: SupCon or SimCLR")
	fs.Float64(KeyTemp, 0.07, "loss temperature")

	fs.Bool(KeyCosine, false, "use cosine annealing")
	fs.Bool(KeyWarm, false, "warm up the learning rate (forced for batch_size > 256)")
	fs.String(KeyTrial, "0", "trial id, part of the model name")
	fs.Uint64(KeySeed, 0, "seed for shuffling, augmentation and initialization")
	fs.String(KeyDevice, device.Auto.String(), "device: auto, cpu or gpu")
	fs.String(KeyStatsdAddr, "", "DogStatsD address host:port (empty disables)")
	fs.String(KeyResume, "", "checkpoint to resume from")
	fs.String(KeySaveRoot, "./save/newSupCon", "root for model and tensorboard outputs")
	fs.String(KeyLogLevel, "info", "log level: debug, info, warn, error")
	fs.String(KeyConfig, "", "optional config file (yaml, toml or json)")
}

// NewViper returns a viper bound to fs and to SUPCON_* environment
// variables. If --config is set the file is read as well.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return v, nil
}

// Load builds and validates a Config from v.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		PrintFreq:    v.GetInt(KeyPrintFreq),
		SaveFreq:     v.GetInt(KeySaveFreq),
		BatchSize:    v.GetInt(KeyBatchSize),
		NumWorkers:   v.GetInt(KeyNumWorkers),
		Epochs:       v.GetInt(KeyEpochs),
		LearningRate: v.GetFloat64(KeyLearningRate),
		LRDecayRate:  v.GetFloat64(KeyLRDecayRate),
		WeightDecay:  v.GetFloat64(KeyWeightDecay),
		Momentum:     v.GetFloat64(KeyMomentum),
		DataFolder:   v.GetString(KeyDataFolder),
		Size:         v.GetInt(KeySize),
		Temp:         v.GetFloat64(KeyTemp),
		Cosine:       v.GetBool(KeyCosine),
		Warm:         v.GetBool(KeyWarm),
		Trial:        v.GetString(KeyTrial),
		Seed:         v.GetUint64(KeySeed),
		StatsdAddr:   v.GetString(KeyStatsdAddr),
		Resume:       v.GetString(KeyResume),
		SaveRoot:     v.GetString(KeySaveRoot),
		LogLevel:     v.GetString(KeyLogLevel),
	}

	var err error
	if c.Dataset, err = dataset.ParseKind(v.GetString(KeyDataset)); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrUnsupportedDataset, err)
	}
	if c.Model, err = encoder.ParseKind(v.GetString(KeyModel)); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if c.Method, err = objective.ParseMethod(v.GetString(KeyMethod)); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if c.Device, err = device.ParsePreference(v.GetString(KeyDevice)); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if c.LRDecayEpochs, err = parseInts(v.GetString(KeyLRDecayEpochs)); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidMilestones, KeyLRDecayEpochs, err)
	}
	if c.Mean, err = parseFloats(v.GetString(KeyMean)); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidValue, KeyMean, err)
	}
	if c.Std, err = parseFloats(v.GetString(KeyStd)); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidValue, KeyStd, err)
	}

	if c.DataFolder == "" && !c.Dataset.NeedsStats() {
		c.DataFolder = DefaultDataFolder
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	if err := c.derive(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	positive := []struct {
		key   string
		value int
	}{
		{KeyPrintFreq, c.PrintFreq},
		{KeySaveFreq, c.SaveFreq},
		{KeyBatchSize, c.BatchSize},
		{KeyEpochs, c.Epochs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidValue, p.key, p.value)
		}
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidValue, KeyNumWorkers, c.NumWorkers)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidValue, KeyLearningRate, c.LearningRate)
	}
	if c.LRDecayRate <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidValue, KeyLRDecayRate, c.LRDecayRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalidValue, KeyWeightDecay, c.WeightDecay)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("%w: %s must be in [0, 1), got %v", ErrInvalidValue, KeyMomentum, c.Momentum)
	}
	if c.Temp <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidValue, KeyTemp, c.Temp)
	}
	if c.SaveRoot == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidValue, KeySaveRoot)
	}

	if c.Dataset.NeedsStats() {
		if c.DataFolder == "" || c.Mean == nil || c.Std == nil {
			return fmt.Errorf("%w: %s requires --%s, --%s and --%s",
				ErrMissingDatasetParams, c.Dataset, KeyDataFolder, KeyMean, KeyStd)
		}
		if len(c.Mean) != dataset.Channels || len(c.Std) != dataset.Channels {
			return fmt.Errorf("%w: %s and %s need %d values", ErrInvalidValue, KeyMean, KeyStd, dataset.Channels)
		}
		for _, s := range c.Std {
			if s <= 0 {
				return fmt.Errorf("%w: %s values must be positive", ErrInvalidValue, KeyStd)
			}
		}
		if c.Size < encoder.MinInputSide {
			return fmt.Errorf("%w: %s must be at least %d, got %d", ErrInvalidValue, KeySize, encoder.MinInputSide, c.Size)
		}
	}
	if c.DataFolder == "" {
		return fmt.Errorf("%w: %s is empty", ErrMissingDatasetParams, KeyDataFolder)
	}

	if !c.Cosine {
		prev := 0
		for _, m := range c.LRDecayEpochs {
			if m <= prev || m > c.Epochs {
				return fmt.Errorf("%w: %v must be strictly increasing within [1, %d]",
					ErrInvalidMilestones, c.LRDecayEpochs, c.Epochs)
			}
			prev = m
		}
	}
	return nil
}

// derive fills the fields computed from the user-facing ones.
func (c *Config) derive() error {
	if c.BatchSize > WarmBatchThreshold {
		c.Warm = true
	}
	if c.Warm {
		c.WarmEpochs = schedule.DefaultWarmEpochs
		c.WarmupFrom = schedule.DefaultWarmupFrom
	}
	sched, err := schedule.New(c.ScheduleParams())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	if c.Warm {
		c.WarmupTo = sched.WarmupTo()
	}

	c.ModelName = ModelName(c)
	c.SaveFolder = filepath.Join(c.SaveRoot, c.Dataset.String()+"_models", c.ModelName)
	c.TBFolder = filepath.Join(c.SaveRoot, c.Dataset.String()+"_tensorboard", c.ModelName)
	return nil
}

// ScheduleParams returns the learning-rate schedule parameters.
func (c Config) ScheduleParams() schedule.Params {
	return schedule.Params{
		BaseRate:   c.LearningRate,
		DecayRate:  c.LRDecayRate,
		Milestones: c.LRDecayEpochs,
		Epochs:     c.Epochs,
		Cosine:     c.Cosine,
		Warm:       c.Warm,
		WarmEpochs: c.WarmEpochs,
		WarmupFrom: c.WarmupFrom,
	}
}

// ModelName derives the run name shared by the checkpoint and tensorboard
// folders.
func ModelName(c *Config) string {
	name := fmt.Sprintf("tran%s_%s_%s_lr_%s_decay_%s_bsz_%d_temp_%s_trial_%s",
		c.Method, c.Dataset, c.Model,
		formatFloat(c.LearningRate), formatFloat(c.WeightDecay),
		c.BatchSize, formatFloat(c.Temp), c.Trial)
	if c.Cosine {
		name += "_cosine"
	}
	if c.Warm {
		name += "_warm"
	}
	return name
}

// formatFloat renders like Python's str(float): 0.05, 0.0001, 1e-05, 1.0.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// Prepare creates the checkpoint and tensorboard folders.
func Prepare(c Config) error {
	for _, dir := range []string{c.SaveFolder, c.TBFolder} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

func parseInts(s string) ([]int, error) {
	fields := splitList(s)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// parseFloats accepts "0.1,0.2,0.3" with optional surrounding parentheses
// or brackets. An empty string yields nil.
func parseFloats(s string) ([]float32, error) {
	fields := splitList(s)
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]float32, 0, len(fields))
	for _, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(x))
	}
	return out, nil
}

func splitList(s string) []string {
	s = strings.Trim(strings.TrimSpace(s), "()[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
