// Package config loads the service configuration from TOML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ulule/limiter/v3"

	"github.com/Brownie44l1/food-classifier/internal/model"
	"github.com/Brownie44l1/food-classifier/internal/predict"
	"github.com/Brownie44l1/food-classifier/internal/preprocess"
	"github.com/Brownie44l1/food-classifier/internal/weights"
)

const envPrefix = "FOODCLF_"

type Config struct {
	Model     ModelConfig     `toml:"model"`
	Inference InferenceConfig `toml:"inference"`
	API       APIConfig       `toml:"api"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ModelConfig struct {
	WeightsPath string `toml:"weights_path"`
	ClassesPath string `toml:"classes_path"`

	// Backend is native or onnx.
	Backend        string `toml:"backend"`
	ONNXPath       string `toml:"onnx_path"`
	ONNXLibrary    string `toml:"onnx_library"`
	ONNXInputName  string `toml:"onnx_input_name"`
	ONNXOutputName string `toml:"onnx_output_name"`

	// EfficientNetHeuristic is param_count or stage_marker.
	EfficientNetHeuristic string `toml:"efficientnet_heuristic"`
	CacheSize             int    `toml:"cache_size"`
}

type InferenceConfig struct {
	UseTTA              bool    `toml:"use_tta"`
	AugmentationCount   int     `toml:"augmentation_count"`
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
}

type APIConfig struct {
	ListenAddr     string        `toml:"listen_addr"`
	EnableCORS     bool          `toml:"enable_cors"`
	MaxUploadMB    int           `toml:"max_upload_mb"`
	MaxImagePixels int           `toml:"max_image_pixels"`
	RateLimit      string        `toml:"rate_limit"`
	ReadTimeout    string        `toml:"read_timeout"`
	WriteTimeout   string        `toml:"write_timeout"`
	ReadTimeoutD   time.Duration `toml:"-"`
	WriteTimeoutD  time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

func Default() *Config {
	return &Config{
		Model: ModelConfig{
			WeightsPath:           filepath.Join("models", "model.safetensors"),
			ClassesPath:           filepath.Join("models", "class_index.json"),
			Backend:               string(model.BackendNative),
			ONNXPath:              filepath.Join("models", "model.onnx"),
			ONNXInputName:         "input",
			ONNXOutputName:        "output",
			EfficientNetHeuristic: weights.ByParamCount.String(),
			CacheSize:             model.DefaultRegistrySize,
		},
		Inference: InferenceConfig{
			UseTTA:              true,
			AugmentationCount:   5,
			ConfidenceThreshold: 60,
		},
		API: APIConfig{
			ListenAddr:     ":8080",
			EnableCORS:     true,
			MaxUploadMB:    10,
			MaxImagePixels: preprocess.DefaultMaxPixels,
			RateLimit:      "10-S",
			ReadTimeout:    "30s",
			WriteTimeout:   "2m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.API.ReadTimeoutD, err = time.ParseDuration(c.API.ReadTimeout); err != nil {
		return fmt.Errorf("parse api.read_timeout: %w", err)
	}
	if c.API.WriteTimeoutD, err = time.ParseDuration(c.API.WriteTimeout); err != nil {
		return fmt.Errorf("parse api.write_timeout: %w", err)
	}

	for _, p := range []*string{&c.Model.WeightsPath, &c.Model.ClassesPath, &c.Model.ONNXPath, &c.Model.ONNXLibrary, &c.Logging.File} {
		if *p, err = expandPath(*p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Model.WeightsPath == "" {
		return fmt.Errorf("model.weights_path is required")
	}
	if c.Model.ClassesPath == "" {
		return fmt.Errorf("model.classes_path is required")
	}
	backend, err := model.ParseBackend(c.Model.Backend)
	if err != nil {
		return fmt.Errorf("model.backend: %w", err)
	}
	if backend == model.BackendONNX && c.Model.ONNXPath == "" {
		return fmt.Errorf("model.onnx_path is required for the onnx backend")
	}
	if _, err := weights.ParseEfficientNetHeuristic(c.Model.EfficientNetHeuristic); err != nil {
		return fmt.Errorf("model.efficientnet_heuristic: %w", err)
	}
	if c.Model.CacheSize < 1 {
		return fmt.Errorf("model.cache_size must be at least 1, got %d", c.Model.CacheSize)
	}

	if err := c.PredictOptions().Validate(); err != nil {
		return fmt.Errorf("inference: %w", err)
	}

	if c.API.MaxUploadMB < 1 {
		return fmt.Errorf("api.max_upload_mb must be at least 1, got %d", c.API.MaxUploadMB)
	}
	if c.API.MaxImagePixels < 1 {
		return fmt.Errorf("api.max_image_pixels must be at least 1, got %d", c.API.MaxImagePixels)
	}
	if c.API.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(c.API.RateLimit); err != nil {
			return fmt.Errorf("api.rate_limit: %w", err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}
	return nil
}

// PredictOptions are the per-call defaults from [inference].
func (c *Config) PredictOptions() predict.Options {
	return predict.Options{
		UseTTA:              c.Inference.UseTTA,
		AugmentationCount:   c.Inference.AugmentationCount,
		ConfidenceThreshold: c.Inference.ConfidenceThreshold,
	}
}

// LoadOptions describes the model artifacts for model.Load.
func (c *Config) LoadOptions() (model.LoadOptions, error) {
	backend, err := model.ParseBackend(c.Model.Backend)
	if err != nil {
		return model.LoadOptions{}, err
	}
	heuristic, err := weights.ParseEfficientNetHeuristic(c.Model.EfficientNetHeuristic)
	if err != nil {
		return model.LoadOptions{}, err
	}
	return model.LoadOptions{
		WeightsPath: c.Model.WeightsPath,
		ClassesPath: c.Model.ClassesPath,
		Backend:     backend,
		ONNX: model.ONNXOptions{
			Path:        c.Model.ONNXPath,
			LibraryPath: c.Model.ONNXLibrary,
			InputName:   c.Model.ONNXInputName,
			OutputName:  c.Model.ONNXOutputName,
		},
		Inspect: weights.InspectOptions{EfficientNet: heuristic},
	}, nil
}

// ApplyEnvOverrides applies FOODCLF_* variables. PORT is honoured for
// platforms that only provide a port.
func ApplyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"WEIGHTS":                &cfg.Model.WeightsPath,
		"CLASSES":                &cfg.Model.ClassesPath,
		"BACKEND":                &cfg.Model.Backend,
		"ONNX_PATH":              &cfg.Model.ONNXPath,
		"ONNX_LIBRARY":           &cfg.Model.ONNXLibrary,
		"EFFICIENTNET_HEURISTIC": &cfg.Model.EfficientNetHeuristic,
		"LISTEN":                 &cfg.API.ListenAddr,
		"RATE_LIMIT":             &cfg.API.RateLimit,
		"LOG_LEVEL":              &cfg.Logging.Level,
		"LOG_FORMAT":             &cfg.Logging.Format,
		"LOG_FILE":               &cfg.Logging.File,
	}
	for name, dst := range str {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("PORT"); v != "" && os.Getenv(envPrefix+"LISTEN") == "" {
		cfg.API.ListenAddr = ":" + v
	}
	if v := os.Getenv(envPrefix + "USE_TTA"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sUSE_TTA: %w", envPrefix, err)
		}
		cfg.Inference.UseTTA = b
	}
	if v := os.Getenv(envPrefix + "AUGMENTATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sAUGMENTATIONS: %w", envPrefix, err)
		}
		cfg.Inference.AugmentationCount = n
	}
	if v := os.Getenv(envPrefix + "THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sTHRESHOLD: %w", envPrefix, err)
		}
		cfg.Inference.ConfidenceThreshold = f
	}
	if v := os.Getenv(envPrefix + "ENABLE_CORS"); v != "" {
		cfg.API.EnableCORS = strings.ToLower(v) == "true" || v == "1"
	}
	return nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
